package jog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// manualTicker only ticks when the test says so
type manualTicker struct {
	c       chan time.Time
	started int32
	stopped int32
}

func newManualTicker() *manualTicker {
	return &manualTicker{c: make(chan time.Time)}
}

func (m *manualTicker) ticker(time.Duration) (<-chan time.Time, func()) {
	atomic.AddInt32(&m.started, 1)
	return m.c, func() { atomic.AddInt32(&m.stopped, 1) }
}

// tick blocks until the engine loop has taken the tick
func (m *manualTicker) tick() {
	m.c <- time.Now()
}

// gate is a transport which records blocks and holds each one until released
type gate struct {
	mu      sync.Mutex
	blocks  []string
	release chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}, 16)}
}

func (g *gate) send(ctx context.Context, block string) error {
	g.mu.Lock()
	g.blocks = append(g.blocks, block)
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *manualTicker) {
	t.Helper()
	tk := newManualTicker()
	e := NewEngine(WithTicker(tk.ticker))
	t.Cleanup(func() { e.Close() })
	return e, tk
}

func hold(btn, axis, dir, source string, g *gate) Hold {
	return Hold{Button: btn, Axis: axis, Dir: dir, Source: source, Transport: g.send}
}

func snapshot(t *testing.T, e *Engine) Status {
	t.Helper()
	st, err := e.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func target(st Status, a Axis) float64 {
	for _, ax := range st.Axes {
		if ax.Axis == a {
			return ax.SentTarget
		}
	}
	return 0
}

// eventually polls cond until it holds or a second passes
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlanarAxesJogTogether(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	ctx := context.Background()
	if !e.StartHold(ctx, hold("x+", "X", "+", "pendant", g)) {
		t.Fatal("expected X hold to start")
	}
	if !e.StartHold(ctx, hold("y-", "y", "-", "pendant", g)) {
		t.Fatal("expected Y hold to join X")
	}
	if !e.IsActive(ctx, "x+") || !e.IsActive(ctx, "y-") {
		t.Error("expected both buttons active")
	}
	if e.IsActive(ctx, "z+") {
		t.Error("unexpected active button")
	}
}

func TestExclusiveAxesRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	ctx := context.Background()
	e.StartHold(ctx, hold("x+", "X", "+", "", g))
	if err := e.TryStartHold(ctx, hold("z+", "Z", "+", "", g)); !errors.Is(err, ErrInterlock) {
		t.Fatalf("expected interlock error for Z while X jogs, got %v", err)
	}
	e.StopAll(ctx)

	e.StartHold(ctx, hold("z+", "Z", "+", "", g))
	for _, ax := range []string{"X", "Y", "A", "B"} {
		if e.StartHold(ctx, hold(ax, ax, "+", "", g)) {
			t.Errorf("expected %s to be refused while Z jogs", ax)
		}
	}
	if !e.StartHold(ctx, hold("z+again", "Z", "+", "", g)) {
		t.Error("expected same-direction Z re-press to succeed")
	}
}

func TestRepressIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	ctx := context.Background()
	e.StartHold(ctx, hold("x+", "X", "+", "kbd", g))
	before := snapshot(t, e)

	if !e.StartHold(ctx, hold("x+", "X", "+", "kbd", g)) {
		t.Fatal("expected re-press of the same button to succeed")
	}
	if !e.StartHold(ctx, hold("other", "X", "+", "kbd", g)) {
		t.Fatal("expected same-direction request on a jogging axis to succeed")
	}
	after := snapshot(t, e)
	if len(after.Axes) != 1 || after.Axes[0].Button != "x+" {
		t.Fatalf("expected one X axis owned by x+, got %+v", after.Axes)
	}
	if e.IsActive(ctx, "other") {
		t.Error("re-press must not add a second button mapping")
	}
	if target(after, AxisX) != target(before, AxisX) {
		t.Errorf("re-press moved the target from %f to %f", target(before, AxisX), target(after, AxisX))
	}
	if err := e.TryStartHold(ctx, hold("x-", "X", "-", "kbd", g)); !errors.Is(err, ErrDirectionConflict) {
		t.Errorf("expected direction conflict, got %v", err)
	}
}

func TestMalformedHoldsRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	ctx := context.Background()
	cases := []struct {
		name string
		h    Hold
		err  error
	}{
		{"no button", hold("", "X", "+", "", g), ErrMalformed},
		{"bad axis", hold("q", "Q", "+", "", g), ErrMalformed},
		{"bad direction", hold("x", "X", "up", "", g), ErrMalformed},
		{"no transport", Hold{Button: "x", Axis: "X", Dir: "+"}, ErrMalformed},
		{"keyboard off", hold("x", "X", "+", KeyboardSource, g), ErrKeyboardDisabled},
	}
	for _, c := range cases {
		if err := e.TryStartHold(ctx, c.h); !errors.Is(err, c.err) {
			t.Errorf("%s: expected %v, got %v", c.name, c.err, err)
		}
	}
	if st := snapshot(t, e); st.Active {
		t.Errorf("refused holds must not open a session, got %+v", st)
	}
	if n := testutil.ToFloat64(e.metrics.Rejections.WithLabelValues("malformed")); n != 4 {
		t.Errorf("expected 4 malformed rejections counted, got %f", n)
	}
}

func TestKeyboardHoldWhenEnabled(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	on := true
	h := hold("x", "X", "+", KeyboardSource, g)
	h.Settings.EnableKeyboardControl = &on
	if err := e.TryStartHold(context.Background(), h); err != nil {
		t.Fatalf("expected keyboard hold with control enabled, got %v", err)
	}
}

func TestSourceLockReleasedWithLastAxis(t *testing.T) {
	e, tk := newTestEngine(t)
	g := newGate()
	ctx := context.Background()
	e.StartHold(ctx, hold("x+", "X", "+", "pendant", g))
	e.StartHold(ctx, hold("y+", "Y", "+", "pendant", g))
	if err := e.TryStartHold(ctx, hold("k", "X", "+", "web", g)); !errors.Is(err, ErrSourceLocked) {
		t.Fatalf("expected source lock, got %v", err)
	}
	e.StopHold(ctx, "x+")
	if st := snapshot(t, e); !st.Active || st.Source != "pendant" {
		t.Fatalf("expected session to survive with Y, got %+v", st)
	}
	if atomic.LoadInt32(&tk.stopped) != 0 {
		t.Error("ticker stopped while an axis is still held")
	}
	e.StopHold(ctx, "y+")
	if atomic.LoadInt32(&tk.stopped) != 1 {
		t.Errorf("expected ticker stopped once, got %d", tk.stopped)
	}
	if st := snapshot(t, e); st.Active {
		t.Fatalf("expected idle engine, got %+v", st)
	}
	if !e.StartHold(ctx, hold("k", "X", "+", "web", g)) {
		t.Error("expected a new source to take over after release")
	}
	if st := snapshot(t, e); st.Source != "web" {
		t.Errorf("expected source web, got %q", st.Source)
	}
}

func TestStopHoldUnknownButtonIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	ctx := context.Background()
	if err := e.StopHold(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	e.StartHold(ctx, hold("x+", "X", "+", "", g))
	e.StopHold(ctx, "ghost")
	if !e.IsActive(ctx, "x+") {
		t.Error("stopping an unknown button released x+")
	}
}

func TestBlindStreamingAdvancesPerCompletion(t *testing.T) {
	e, tk := newTestEngine(t)
	g := newGate()
	ctx := context.Background()
	e.StartHold(ctx, hold("x-", "X", "-", "", g))
	st := snapshot(t, e)
	if st.InFlight != 1 || !approx(target(st, AxisX), -0.1) {
		t.Fatalf("expected one blind segment at start, got %+v", st)
	}
	// ticks do nothing while the segment is in flight
	tk.tick()
	tk.tick()
	if st := snapshot(t, e); st.InFlight != 1 || !approx(target(st, AxisX), -0.1) {
		t.Fatalf("expected no extra segments while saturated, got %+v", st)
	}
	g.release <- struct{}{}
	eventually(t, func() bool {
		return approx(target(snapshot(t, e), AxisX), -0.2)
	}, "completion did not trigger the next segment")
	if st := snapshot(t, e); st.InFlight != 1 {
		t.Errorf("expected one in flight, got %d", st.InFlight)
	}
	eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.blocks) == 2
	}, "second segment never reached the transport")
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.blocks) != 2 || g.blocks[1] != "G20\nG91\nG1 X-0.1 F120\nG90" {
		t.Errorf("unexpected blocks %q", g.blocks)
	}
}

func TestStopAllResetsEverything(t *testing.T) {
	e, tk := newTestEngine(t)
	g := newGate()
	ctx := context.Background()
	s := Settings{JogFeedRate: 600}
	for _, ax := range []string{"X", "Y"} {
		h := hold(ax, ax, "+", "", g)
		h.Settings = s
		e.StartHold(ctx, h)
	}
	if st := snapshot(t, e); st.InFlight == 0 || len(st.Axes) != 2 {
		t.Fatalf("expected a streaming two-axis session, got %+v", st)
	}
	if err := e.StopAll(ctx); err != nil {
		t.Fatal(err)
	}
	st := snapshot(t, e)
	if st.Active || st.InFlight != 0 || len(st.Axes) != 0 {
		t.Errorf("expected everything cleared, got %+v", st)
	}
	if e.IsActive(ctx, "X") || e.IsActive(ctx, "Y") {
		t.Error("buttons still active after StopAll")
	}
	if atomic.LoadInt32(&tk.stopped) != 1 {
		t.Errorf("expected ticker stopped, got %d", tk.stopped)
	}
	// StopAll on an idle engine is harmless
	if err := e.StopAll(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStaleCompletionIgnored(t *testing.T) {
	e, _ := newTestEngine(t)
	old, cur := newGate(), newGate()
	ctx := context.Background()
	e.StartHold(ctx, hold("x+", "X", "+", "", old))
	e.StopAll(ctx)

	e.StartHold(ctx, hold("y+", "Y", "+", "", cur))
	// the first session's command finishes after it was torn down
	old.release <- struct{}{}
	time.Sleep(10 * time.Millisecond)

	st := snapshot(t, e)
	if st.InFlight != 1 {
		t.Errorf("stale completion changed the in-flight count to %d", st.InFlight)
	}
	if y := target(st, AxisY); !approx(y, 0.1) {
		t.Errorf("stale completion advanced Y to %f", y)
	}
	cur.mu.Lock()
	n := len(cur.blocks)
	cur.mu.Unlock()
	if n > 1 {
		t.Errorf("stale completion dispatched %d segments", n)
	}
}

func TestClosedEngineRefuses(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	e.Close()
	if err := e.TryStartHold(context.Background(), hold("x", "X", "+", "", g)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if e.IsActive(context.Background(), "x") {
		t.Error("closed engine reports active button")
	}
}

func TestCancelledHoldChangesNothing(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 200; i++ {
		if e.StartHold(ctx, hold("x+", "X", "+", "pendant", g)) {
			t.Fatal("expected a cancelled hold to be refused")
		}
		if e.IsActive(context.Background(), "x+") {
			t.Fatalf("refused hold is jogging after %d tries", i+1)
		}
	}
}

func TestQueuedHoldReportsOutcome(t *testing.T) {
	e, _ := newTestEngine(t)
	g := newGate()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	h := hold("x+", "X", "+", "pendant", g)
	var once sync.Once
	h.Position = func(Axis) (float64, bool) {
		once.Do(func() { close(entered) })
		<-unblock
		return 0, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan bool)
	go func() { result <- e.StartHold(ctx, h) }()
	<-entered
	cancel()
	close(unblock)

	started := <-result
	active := e.IsActive(context.Background(), "x+")
	if started != active {
		t.Errorf("StartHold returned %v but button active is %v", started, active)
	}
	if !started {
		t.Error("a hold admitted before cancellation should report success")
	}
}
