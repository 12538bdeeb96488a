package jog

import (
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// stallDiagnostics is how many backlog stalls per session are logged in detail
const stallDiagnostics = 10

// policy is the per-cycle admission policy derived from segment timing
type policy struct {
	bufferMax   float64
	maxInFlight int
}

// cyclePolicy derives the admission policy for one refill cycle.  When a
// segment executes faster than the poll cadence can observe it, a second
// command may be in flight and a larger cushion is kept; otherwise the
// policy stays tight so a released button stops the machine quickly.
func cyclePolicy(segment, feed float64, poll time.Duration) policy {
	segMs := segment / (feed / 60) * 1000
	pollMs := float64(poll) / float64(time.Millisecond)
	p := policy{bufferMax: 0.5, maxInFlight: 1}
	if pollMs > 0.8*segMs {
		p.bufferMax = 1.0
	}
	if segMs < pollMs {
		p.maxInFlight = 2
	}
	return p
}

// session is the state of one continuous hold, from the first admitted axis
// until the last one is released.  It is only ever touched by the Engine's
// loop goroutine.
type session struct {
	gen    uint64
	reg    *registry
	source string
	cfg    Config
	poll   time.Duration

	transport Transport
	position  PositionFunc
	accel     AccelFunc

	// dispatch hands a composed block to the transport without blocking
	dispatch func(block string)

	inFlight int
	policy   policy
	segment  float64

	accelWarned map[Axis]bool
	lastAccel   map[Axis]float64
	stalls      int
	diag        *rate.Sometimes

	log     zerolog.Logger
	metrics *Metrics
}

func newSession(gen uint64, source string, cfg Config, poll time.Duration, h Hold, log zerolog.Logger, m *Metrics) *session {
	return &session{
		gen:         gen,
		reg:         newRegistry(),
		source:      source,
		cfg:         cfg,
		poll:        poll,
		transport:   h.Transport,
		position:    h.Position,
		accel:       h.Accel,
		policy:      policy{bufferMax: 0.5, maxInFlight: 1},
		segment:     cfg.Segment,
		accelWarned: map[Axis]bool{},
		lastAccel:   map[Axis]float64{},
		diag:        &rate.Sometimes{First: stallDiagnostics},
		log:         log,
		metrics:     m}
}

// readPosition returns the live position of an axis, treating NaN and
// infinities as unavailable
func (s *session) readPosition(a Axis) (float64, bool) {
	if s.position == nil {
		return 0, false
	}
	pos, ok := s.position(a)
	if !ok || !finite(pos) {
		return 0, false
	}
	return pos, true
}

// segmentLength sizes the next segment from the slowest axis in the move.
// Axes without a usable acceleration are warned about once and left out.
func (s *session) segmentLength(axes []*ActiveAxis) float64 {
	accels := make([]float64, 0, len(axes))
	for _, st := range axes {
		var (
			v  float64
			ok bool
		)
		if s.accel != nil {
			v, ok = s.accel(st.Axis)
		}
		if !ok || !(v > 0) || !finite(v) {
			s.lastAccel[st.Axis] = math.NaN()
			if !s.accelWarned[st.Axis] {
				s.accelWarned[st.Axis] = true
				s.log.Warn().Str("axis", string(st.Axis)).
					Float64("fallback", s.cfg.Segment).
					Msg("acceleration unavailable, using fixed segment length")
			}
			continue
		}
		in := AccelToInches(v)
		s.lastAccel[st.Axis] = in
		accels = append(accels, in)
	}
	return SegmentLength(s.cfg.Feed, accels, s.cfg.Segment, s.cfg)
}

// refill is one pass of the flow-control loop.  It is safe to call at any
// time; with nothing to do it returns without side effects.
func (s *session) refill() {
	if s.reg.len() == 0 || s.transport == nil {
		return
	}
	axes := s.reg.active()
	seg := s.segmentLength(axes)
	s.segment = seg
	s.policy = cyclePolicy(seg, s.cfg.Feed, s.poll)

	positions := make([]float64, len(axes))
	valid := 0
	for i, st := range axes {
		pos, ok := s.readPosition(st.Axis)
		if !ok {
			positions[i] = math.NaN()
			continue
		}
		positions[i] = pos
		valid++
	}

	if valid == 0 {
		// no telemetry at all, run open loop one segment at a time
		if s.inFlight < s.policy.maxInFlight {
			s.queue(axes, seg)
		}
		return
	}
	if valid != len(axes) {
		// partial telemetry would desynchronize the combined move
		return
	}

	ahead := make([]float64, len(axes))
	for i, st := range axes {
		ahead[i] = float64(st.Dir) * (st.SentTarget - positions[i])
		if math.Abs(st.SentTarget-positions[i]) > 2*seg {
			s.stalled(axes, positions, seg)
			return
		}
	}

	for minOf(ahead) < s.policy.bufferMax && s.inFlight < s.policy.maxInFlight {
		s.queue(axes, seg)
		for i := range ahead {
			ahead[i] += seg
		}
	}
}

// queue dispatches one combined segment and advances every target
func (s *session) queue(axes []*ActiveAxis, seg float64) {
	moves := make([]AxisMove, len(axes))
	for i, st := range axes {
		moves[i] = AxisMove{Axis: st.Axis, Dist: float64(st.Dir) * seg}
	}
	block := ComposeSegment(moves, s.cfg.Feed)
	s.inFlight++
	if s.metrics != nil {
		s.metrics.Segments.Inc()
		s.metrics.InFlight.Set(float64(s.inFlight))
	}
	s.dispatch(block)
	for _, st := range axes {
		st.SentTarget += float64(st.Dir) * seg
	}
}

// stalled records a cycle withheld because the controller fell too far
// behind.  Targets are left alone; the loop resumes once the backlog drains.
func (s *session) stalled(axes []*ActiveAxis, positions []float64, seg float64) {
	s.stalls++
	if s.metrics != nil {
		s.metrics.Stalls.Inc()
	}
	n := s.stalls
	s.diag.Do(func() {
		ev := s.log.Warn().Int("occurrence", n).
			Float64("segment", seg).
			Int("inFlight", s.inFlight)
		for i, st := range axes {
			ev = ev.Dict(string(st.Axis), zerolog.Dict().
				Float64("pos", positions[i]).
				Float64("target", st.SentTarget).
				Float64("backlog", math.Abs(st.SentTarget-positions[i])).
				Float64("accel", s.lastAccel[st.Axis]))
		}
		ev.Msg("controller backlog exceeds two segments, holding off")
	})
}

// complete accounts for one acknowledged command and refills immediately
func (s *session) complete() {
	if s.inFlight > 0 {
		s.inFlight--
	}
	if s.metrics != nil {
		s.metrics.InFlight.Set(float64(s.inFlight))
	}
	if s.reg.len() > 0 {
		s.refill()
	}
}

func minOf(fs []float64) float64 {
	m := math.Inf(1)
	for _, f := range fs {
		if f < m {
			m = f
		}
	}
	return m
}
