package jog

import "math"

// defaults substituted when a setting is absent or not positive
const (
	DefaultSegmentLength    = 0.1
	DefaultSegmentScale     = 1.0
	DefaultMinSegmentLength = 0.1
	DefaultMaxSegmentLength = 6.0
	DefaultFeedRate         = 120.0
)

// Settings are the operator jog settings as supplied by the caller.
// Lengths are inches, the feed rate is inches per minute.
type Settings struct {
	// JogSegmentLength is the segment used when no acceleration is known
	JogSegmentLength float64 `koanf:"jogSegmentLength" yaml:"jogSegmentLength"`

	// JogSegmentScale multiplies the deceleration distance estimate
	JogSegmentScale float64 `koanf:"jogSegmentScale" yaml:"jogSegmentScale"`

	JogMinSegmentLength float64 `koanf:"jogMinSegmentLength" yaml:"jogMinSegmentLength"`
	JogMaxSegmentLength float64 `koanf:"jogMaxSegmentLength" yaml:"jogMaxSegmentLength"`

	// JogFeedRate is the commanded jog feed in inches per minute
	JogFeedRate float64 `koanf:"jogFeedRate" yaml:"jogFeedRate"`

	// FeedOverride replaces JogFeedRate when positive
	FeedOverride float64 `koanf:"feedOverride" yaml:"feedOverride"`

	// EnableKeyboardJog and EnableKeyboardControl are aliases; whichever is
	// set decides if holds from KeyboardSource are accepted
	EnableKeyboardJog     *bool `koanf:"enableKeyboardJog" yaml:"enableKeyboardJog,omitempty"`
	EnableKeyboardControl *bool `koanf:"enableKeyboardControl" yaml:"enableKeyboardControl,omitempty"`
}

// KeyboardJogEnabled reports whether keyboard holds are allowed.  The jog
// flag wins over the control flag; with neither set keyboard jogging is off.
func (s Settings) KeyboardJogEnabled() bool {
	if s.EnableKeyboardJog != nil {
		return *s.EnableKeyboardJog
	}
	if s.EnableKeyboardControl != nil {
		return *s.EnableKeyboardControl
	}
	return false
}

// Config is the resolved, per-session form of Settings
type Config struct {
	Segment    float64
	Scale      float64
	MinSegment float64
	MaxSegment float64
	Feed       float64
}

// Resolve coerces every setting to its absolute value and substitutes the
// default for any that is zero, missing or not a finite number
func (s Settings) Resolve() Config {
	feed := s.JogFeedRate
	if s.FeedOverride > 0 {
		feed = s.FeedOverride
	}
	return Config{
		Segment:    positiveOr(s.JogSegmentLength, DefaultSegmentLength),
		Scale:      positiveOr(s.JogSegmentScale, DefaultSegmentScale),
		MinSegment: positiveOr(s.JogMinSegmentLength, DefaultMinSegmentLength),
		MaxSegment: positiveOr(s.JogMaxSegmentLength, DefaultMaxSegmentLength),
		Feed:       positiveOr(feed, DefaultFeedRate),
	}
}

// Valid is true when the segment and feed can drive a session
func (c Config) Valid() bool {
	return c.Segment > 0 && c.Feed > 0 && finite(c.Segment) && finite(c.Feed)
}

// clamp bounds a segment length to [MinSegment, MaxSegment].  When the
// bounds are inverted the maximum wins.
func (c Config) clamp(seg float64) float64 {
	if seg < c.MinSegment {
		seg = c.MinSegment
	}
	if seg > c.MaxSegment {
		seg = c.MaxSegment
	}
	return seg
}

func positiveOr(v, def float64) float64 {
	v = math.Abs(v)
	if v > 0 && finite(v) {
		return v
	}
	return def
}
