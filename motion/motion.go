// Package motion binds a motion controller to the jog engine's transport,
// position, and acceleration contracts.
package motion

import (
	"context"
	"strings"

	"github.com/nasa-jpl/jogstream/jog"
)

// Sender describes a controller which accepts blocks of G-code
type Sender interface {
	// Send writes a block and returns once the controller has accepted it
	Send(ctx context.Context, block string) error
}

// Positioner reports the last known position of an axis
type Positioner interface {
	Position(axis string) (float64, bool)
}

// Controller describes a set of methods on a rudimentary G-code controller
type Controller interface {
	Sender

	// Positions gets the current position of every axis
	Positions(ctx context.Context) (map[string]float64, error)
}

// Binding holds the functions a jog.Hold needs to drive one controller
type Binding struct {
	Transport jog.Transport
	Position  jog.PositionFunc
	Accel     jog.AccelFunc
}

// Bind adapts a controller and a position cache.  accel holds per-axis
// accelerations in mm/s^2 and may be nil.
func Bind(s Sender, p Positioner, accel map[string]float64) Binding {
	b := Binding{Transport: s.Send, Accel: StaticAccel(accel)}
	if p != nil {
		b.Position = func(a jog.Axis) (float64, bool) {
			return p.Position(string(a))
		}
	}
	return b
}

// StaticAccel serves accelerations from a fixed table; axis names are case
// insensitive and non-positive entries read as unavailable.  A nil or empty
// table gives a nil AccelFunc.
func StaticAccel(accel map[string]float64) jog.AccelFunc {
	if len(accel) == 0 {
		return nil
	}
	table := make(map[jog.Axis]float64, len(accel))
	for k, v := range accel {
		if a, ok := jog.ParseAxis(k); ok && v > 0 {
			table[a] = v
		}
	}
	return func(a jog.Axis) (float64, bool) {
		v, ok := table[jog.Axis(strings.ToUpper(string(a)))]
		return v, ok
	}
}

// Hold builds a jog request driven by this binding
func (b Binding) Hold(button, axis, dir, source string, s jog.Settings) jog.Hold {
	return jog.Hold{
		Button:    button,
		Axis:      axis,
		Dir:       dir,
		Source:    source,
		Settings:  s,
		Transport: b.Transport,
		Position:  b.Position,
		Accel:     b.Accel,
	}
}
