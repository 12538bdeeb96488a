package gcodectl

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nasa-jpl/jogstream/jog"
	"github.com/pkg/errors"
)

const (
	simServoPeriod = time.Millisecond // how often a blocked Send rechecks the planner
	simPlanDepth   = 4                // moves the planner accepts ahead of motion
)

// ErrUnsupported is returned by the Simulator for G-code it does not model
var ErrUnsupported = errors.New("unsupported command")

type simMove struct {
	delta map[string]float64 // inches
	feed  float64            // inches per minute
	done  float64            // fraction completed, [0, 1)
}

func (m *simMove) length() float64 {
	var sum float64
	for _, d := range m.delta {
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Simulator is an in-process G-code controller.  Moves are queued in a
// shallow planner and executed at their feed rate against the simulator's
// clock; Send blocks while the planner is full, as a real controller
// withholds its "ok".  There is no acceleration model.
type Simulator struct {
	sync.Mutex
	pos      map[string]float64
	plan     []*simMove
	depth    int
	inch     bool
	relative bool
	feed     float64 // modal, inches per minute
	now      func() time.Time
	last     time.Time
}

// SimOption configures a Simulator
type SimOption func(*Simulator)

// WithClock replaces the clock motion is integrated against
func WithClock(now func() time.Time) SimOption {
	return func(s *Simulator) { s.now = now }
}

// WithPlanDepth sets how many moves may be queued ahead of motion
func WithPlanDepth(n int) SimOption {
	return func(s *Simulator) {
		if n > 0 {
			s.depth = n
		}
	}
}

// NewSimulator returns a Simulator at the origin in millimeter absolute mode,
// the power-on state of most controllers
func NewSimulator(opts ...SimOption) *Simulator {
	s := &Simulator{
		pos:   map[string]float64{"X": 0, "Y": 0, "Z": 0, "A": 0},
		depth: simPlanDepth,
		feed:  jog.DefaultFeedRate,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.last = s.now()
	return s
}

// advance integrates motion up to the current time.  Callers hold the lock.
func (s *Simulator) advance() {
	now := s.now()
	dt := now.Sub(s.last).Minutes()
	s.last = now
	for dt > 0 && len(s.plan) > 0 {
		m := s.plan[0]
		l := m.length()
		if l == 0 || m.feed <= 0 {
			s.plan = s.plan[1:]
			continue
		}
		remaining := (1 - m.done) * l / m.feed // minutes
		step := math.Min(dt, remaining)
		frac := step * m.feed / l
		for ax, d := range m.delta {
			s.pos[ax] += d * frac
		}
		m.done += frac
		dt -= step
		if step == remaining {
			s.plan = s.plan[1:]
		}
	}
}

// Send executes each line of block, blocking while the planner is full
func (s *Simulator) Send(ctx context.Context, block string) error {
	for _, line := range strings.Split(block, "\n") {
		if err := s.exec(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

// exec runs one line.  A motion line waits for planner space.
func (s *Simulator) exec(ctx context.Context, line string) error {
	words := strings.Fields(strings.ToUpper(line))
	if len(words) == 0 {
		return nil
	}
	for {
		s.Lock()
		s.advance()
		if !isMotion(words[0]) || len(s.plan) < s.depth {
			err := s.apply(words)
			s.Unlock()
			return err
		}
		s.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(simServoPeriod):
		}
	}
}

func isMotion(word string) bool {
	return word == "G0" || word == "G1" || word == "G00" || word == "G01"
}

// apply updates modal state or plans a move.  Callers hold the lock.
func (s *Simulator) apply(words []string) error {
	switch words[0] {
	case "G20":
		s.inch = true
	case "G21":
		s.inch = false
	case "G90":
		s.relative = false
	case "G91":
		s.relative = true
	case "G0", "G1", "G00", "G01":
		return s.plan1(words[1:])
	default:
		return errors.Wrap(ErrUnsupported, words[0])
	}
	return nil
}

func (s *Simulator) plan1(words []string) error {
	scale := 1.
	if !s.inch {
		scale = 1 / jog.MMPerInch
	}
	// targets are computed against where the queued moves end
	end := make(map[string]float64, len(s.pos))
	for ax, p := range s.pos {
		end[ax] = p
	}
	for _, m := range s.plan {
		for ax, d := range m.delta {
			end[ax] += d * (1 - m.done)
		}
	}
	mv := &simMove{delta: map[string]float64{}, feed: s.feed}
	for _, w := range words {
		if len(w) < 2 {
			return errors.Errorf("malformed word %q", w)
		}
		v, err := strconv.ParseFloat(w[1:], 64)
		if err != nil {
			return errors.Wrapf(err, "word %q", w)
		}
		letter := w[:1]
		if letter == "F" {
			if v <= 0 {
				return errors.Errorf("feed must be positive, got %v", v)
			}
			s.feed = v * scale
			mv.feed = s.feed
			continue
		}
		if _, ok := jog.ParseAxis(letter); !ok {
			return errors.Wrap(ErrUnsupported, w)
		}
		v *= scale
		if !s.relative {
			v -= end[letter]
		}
		mv.delta[letter] = v
	}
	if len(mv.delta) > 0 {
		s.plan = append(s.plan, mv)
	}
	return nil
}

// Positions reports where every axis is now, in inches
func (s *Simulator) Positions(ctx context.Context) (map[string]float64, error) {
	s.Lock()
	defer s.Unlock()
	s.advance()
	out := make(map[string]float64, len(s.pos))
	for k, v := range s.pos {
		out[k] = v
	}
	return out, nil
}

// Pending returns the number of planned moves not yet finished
func (s *Simulator) Pending() int {
	s.Lock()
	defer s.Unlock()
	s.advance()
	return len(s.plan)
}

// Report formats the current position as an M114 reply
func (s *Simulator) Report() string {
	pos, _ := s.Positions(context.Background())
	axes := make([]string, 0, len(pos))
	for k := range pos {
		axes = append(axes, k)
	}
	sort.Strings(axes)
	var b strings.Builder
	for _, ax := range axes {
		fmt.Fprintf(&b, "%s:%.4f ", ax, pos[ax])
	}
	b.WriteString("Count")
	return b.String()
}

// Serve speaks the line protocol on every connection accepted from ln until
// it is closed
func (s *Simulator) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(conn)
	}
}

func (s *Simulator) serveConn(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	w := bufio.NewWriter(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.EqualFold(line, "M114"):
			fmt.Fprintf(w, "%s\n%s\n", s.Report(), OKResponse)
		default:
			if err := s.exec(context.Background(), line); err != nil {
				fmt.Fprintf(w, "%s %v\n", ErrorPrefix, err)
			} else {
				fmt.Fprintf(w, "%s\n", OKResponse)
			}
		}
		if w.Flush() != nil {
			return
		}
	}
}
