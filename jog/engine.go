package jog

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is the cadence of the refill ticker
const DefaultPollInterval = 35 * time.Millisecond

// TickerFunc starts a ticker with period d, returning its channel and a
// function that stops it
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func systemTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger; the default discards everything
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithPollInterval sets the refill cadence, DefaultPollInterval if unset
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.poll = d
		}
	}
}

// WithTicker replaces the ticker used to drive refill cycles
func WithTicker(f TickerFunc) Option {
	return func(e *Engine) { e.newTicker = f }
}

// WithMetrics sets the collectors updated by the engine
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Status is a point-in-time copy of the engine's session
type Status struct {
	Active      bool         `json:"active"`
	Source      string       `json:"source,omitempty"`
	InFlight    int          `json:"inFlight"`
	MaxInFlight int          `json:"maxInFlight"`
	BufferMax   float64      `json:"bufferMax"`
	Segment     float64      `json:"segment"`
	Feed        float64      `json:"feed"`
	Stalls      int          `json:"stalls"`
	Axes        []ActiveAxis `json:"axes"`
}

// Engine is a hold-to-jog engine.  All session state lives on one goroutine;
// the exported methods post work to it and wait for the result, so an Engine
// is safe for concurrent use.  PositionFunc and AccelFunc are called from
// that goroutine and must not call back into the Engine.
type Engine struct {
	mailbox chan func()
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	poll      time.Duration
	newTicker TickerFunc
	log       zerolog.Logger
	metrics   *Metrics

	// owned by run
	sess     *session
	gen      uint64
	tick     <-chan time.Time
	stopTick func()
}

// NewEngine creates an Engine and starts its loop.  Close releases it.
func NewEngine(opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		mailbox:   make(chan func(), 64),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		poll:      DefaultPollInterval,
		newTicker: systemTicker,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics, _ = NewMetrics(nil)
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	defer close(e.exited)
	for {
		select {
		case f := <-e.mailbox:
			f()
		case <-e.tick:
			if e.sess != nil {
				e.sess.refill()
			}
		case <-e.done:
			e.teardown()
			return
		}
	}
}

// do runs f on the loop goroutine and waits for it to finish.  ctx only
// bounds the wait for a mailbox slot: once f is queued it runs, and do
// reports its outcome, so an error from do always means f never ran.
func (e *Engine) do(ctx context.Context, f func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply := make(chan struct{})
	select {
	case e.mailbox <- func() { f(); close(reply) }:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-e.exited:
		select {
		case <-reply:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops the loop and tears down any session.  Commands already handed
// to the transport see their context cancelled.
func (e *Engine) Close() error {
	e.once.Do(func() {
		close(e.done)
		<-e.exited
		e.cancel()
	})
	return nil
}

// StartHold begins jogging h's axis, returning false if the request was
// refused.  TryStartHold reports why.
func (e *Engine) StartHold(ctx context.Context, h Hold) bool {
	return e.TryStartHold(ctx, h) == nil
}

// TryStartHold begins jogging h's axis.  Re-requesting a button that is
// already held, or an axis already jogging the same way, succeeds without
// changing anything.
func (e *Engine) TryStartHold(ctx context.Context, h Hold) error {
	var err error
	if derr := e.do(ctx, func() { err = e.startHold(h) }); derr != nil {
		return derr
	}
	if err != nil {
		e.metrics.rejected(err)
		e.log.Debug().Err(err).Str("button", h.Button).Str("axis", h.Axis).
			Str("source", h.Source).Msg("hold refused")
	}
	return err
}

// StopHold releases the axis held by button.  Releasing the last axis ends
// the session.
func (e *Engine) StopHold(ctx context.Context, button string) error {
	return e.do(ctx, func() { e.stopHold(button) })
}

// StopAll releases every axis and ends the session
func (e *Engine) StopAll(ctx context.Context) error {
	return e.do(ctx, func() {
		if e.sess != nil {
			e.sess.reg.clear()
		}
		e.teardown()
	})
}

// IsActive reports whether button currently holds an axis
func (e *Engine) IsActive(ctx context.Context, button string) bool {
	active := false
	err := e.do(ctx, func() {
		active = e.sess != nil && e.sess.reg.hasButton(button)
	})
	return err == nil && active
}

// Snapshot returns a copy of the current session state
func (e *Engine) Snapshot(ctx context.Context) (Status, error) {
	var st Status
	err := e.do(ctx, func() {
		st.Axes = []ActiveAxis{}
		if e.sess == nil {
			return
		}
		s := e.sess
		st.Active = true
		st.Source = s.source
		st.InFlight = s.inFlight
		st.MaxInFlight = s.policy.maxInFlight
		st.BufferMax = s.policy.bufferMax
		st.Segment = s.segment
		st.Feed = s.cfg.Feed
		st.Stalls = s.stalls
		for _, a := range s.reg.active() {
			st.Axes = append(st.Axes, *a)
		}
	})
	return st, err
}

func (e *Engine) startHold(h Hold) error {
	if h.Button == "" {
		return errors.Wrap(ErrMalformed, "missing button id")
	}
	source := h.Source
	if source == "" {
		source = UnknownSource
	}
	if e.sess != nil && e.sess.source != source {
		return errors.Wrapf(ErrSourceLocked, "held by %q", e.sess.source)
	}
	if e.sess != nil && e.sess.reg.hasButton(h.Button) {
		return nil
	}

	cfg := h.Settings.Resolve()
	if !cfg.Valid() {
		return ErrInvalidSettings
	}
	axis, ok := ParseAxis(h.Axis)
	if !ok {
		return errors.Wrapf(ErrMalformed, "axis %q", h.Axis)
	}
	dir, ok := ParseDirection(h.Dir)
	if !ok {
		return errors.Wrapf(ErrMalformed, "direction %q", h.Dir)
	}
	if h.Transport == nil {
		return errors.Wrap(ErrMalformed, "no transport")
	}
	if source == KeyboardSource && !h.Settings.KeyboardJogEnabled() {
		return ErrKeyboardDisabled
	}

	reg := newRegistry()
	if e.sess != nil {
		reg = e.sess.reg
	}
	existing, err := admit(reg, axis, dir)
	if err != nil || existing {
		return err
	}

	base, known := 0., false
	if h.Position != nil {
		if pos, ok := h.Position(axis); ok && finite(pos) {
			base, known = pos, true
		}
	}
	if !known {
		e.log.Warn().Str("axis", string(axis)).Msg("axis position unavailable, starting from 0")
	}

	if e.sess == nil {
		e.begin(source, cfg, h)
	}
	e.sess.reg.add(&ActiveAxis{Axis: axis, Button: h.Button, Dir: dir, SentTarget: base})
	e.metrics.ActiveAxes.Set(float64(e.sess.reg.len()))
	e.log.Info().Str("button", h.Button).Str("axis", string(axis)).Int("dir", dir).
		Str("source", source).Msg("hold started")
	e.sess.refill()
	return nil
}

// begin opens a new session and starts the refill ticker
func (e *Engine) begin(source string, cfg Config, h Hold) {
	e.gen++
	s := newSession(e.gen, source, cfg, e.poll, h, e.log, e.metrics)
	gen := e.gen
	transport := h.Transport
	s.dispatch = func(block string) { e.launch(gen, transport, block) }
	e.sess = s
	e.tick, e.stopTick = e.newTicker(e.poll)
}

// launch hands block to the transport on its own goroutine.  Completion is
// posted back to the loop tagged with the session generation it belongs to.
func (e *Engine) launch(gen uint64, t Transport, block string) {
	go func() {
		if err := t(e.ctx, block); err != nil {
			e.log.Debug().Err(err).Msg("jog segment transport error")
		}
		select {
		case e.mailbox <- func() { e.complete(gen) }:
		case <-e.done:
		}
	}()
}

// complete is a no-op for completions of a session that has ended
func (e *Engine) complete(gen uint64) {
	if e.sess == nil || e.sess.gen != gen {
		return
	}
	e.sess.complete()
}

func (e *Engine) stopHold(button string) {
	if e.sess == nil {
		return
	}
	axis, ok := e.sess.reg.removeButton(button)
	if !ok {
		return
	}
	e.log.Info().Str("button", button).Str("axis", string(axis)).Msg("hold released")
	e.metrics.ActiveAxes.Set(float64(e.sess.reg.len()))
	if e.sess.reg.len() == 0 {
		e.teardown()
	}
}

// teardown ends the session: the ticker stops, the in-flight count and
// warning state go with the session, and the control source is released
func (e *Engine) teardown() {
	if e.stopTick != nil {
		e.stopTick()
	}
	e.tick, e.stopTick = nil, nil
	if e.sess != nil {
		e.log.Info().Str("source", e.sess.source).Int("stalls", e.sess.stalls).Msg("jog session ended")
	}
	e.sess = nil
	e.metrics.InFlight.Set(0)
	e.metrics.ActiveAxes.Set(0)
}
