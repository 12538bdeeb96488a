// Package jog implements a hold-to-jog streaming engine.  While an operator
// holds a button, the engine streams small relative moves to a motion
// controller, keeping the controller's queue fed without letting it starve
// or run far ahead of the machine.
//
// The engine is driven by two things: a fixed poll ticker and the completion
// of each command it dispatched.  Both land on a single goroutine owned by
// the Engine, so session state is never touched concurrently.
package jog

import (
	"context"
	"errors"
	"math"
	"strings"
)

var (
	// ErrMalformed is generated when a hold request is missing its button,
	// has an unknown axis or direction, or has no transport
	ErrMalformed = errors.New("malformed hold request")

	// ErrInvalidSettings is generated when the resolved segment length or
	// feed rate is not positive
	ErrInvalidSettings = errors.New("resolved jog settings are not positive")

	// ErrSourceLocked is generated when another control source owns the session
	ErrSourceLocked = errors.New("jog session is owned by another control source")

	// ErrInterlock is generated when the requested axis may not move together
	// with the axes already jogging
	ErrInterlock = errors.New("axis interlock violated")

	// ErrDirectionConflict is generated when an axis is already jogging in the
	// opposite direction
	ErrDirectionConflict = errors.New("axis is already jogging in the opposite direction")

	// ErrKeyboardDisabled is generated when a keyboard hold arrives while
	// keyboard jogging is turned off in the settings
	ErrKeyboardDisabled = errors.New("keyboard jogging is disabled")

	// ErrClosed is generated when the engine has been closed
	ErrClosed = errors.New("jog engine closed")
)

const (
	// UnknownSource is the control source recorded for holds without one
	UnknownSource = "unknown"

	// KeyboardSource is the control source used by keyboard jogging, which
	// is gated by Settings.KeyboardJogEnabled
	KeyboardSource = "keyboard"
)

// Axis is a single machine axis letter
type Axis string

// the axes the engine knows how to jog
const (
	AxisX Axis = "X"
	AxisY Axis = "Y"
	AxisZ Axis = "Z"
	AxisA Axis = "A"
	AxisB Axis = "B"
	AxisC Axis = "C"
)

// axisOrder fixes the order axes appear in on a move line
var axisOrder = map[Axis]int{AxisX: 0, AxisY: 1, AxisZ: 2, AxisA: 3, AxisB: 4, AxisC: 5}

// ParseAxis converts an axis token such as "x" or " Y" into an Axis
func ParseAxis(s string) (Axis, bool) {
	a := Axis(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := axisOrder[a]
	return a, ok
}

// planar reports whether the axis is one of the two table axes
func (a Axis) planar() bool {
	return a == AxisX || a == AxisY
}

// exclusive reports whether the axis must always jog alone
func (a Axis) exclusive() bool {
	return a == AxisZ || a == AxisA
}

// ParseDirection converts "+" or "-" into +1 or -1
func ParseDirection(s string) (int, bool) {
	switch strings.TrimSpace(s) {
	case "+", "+1":
		return 1, true
	case "-", "-1":
		return -1, true
	default:
		return 0, false
	}
}

// Transport delivers one command block to the controller.  It may block
// until the controller acknowledges the block; the returned error is only
// logged, the engine treats success and failure alike.
type Transport func(ctx context.Context, block string) error

// PositionFunc reads the live position of an axis in inches.
// ok is false when the position is unavailable.
type PositionFunc func(axis Axis) (pos float64, ok bool)

// AccelFunc reads the acceleration limit of an axis in mm/s^2.
// ok is false when the acceleration is unavailable.
type AccelFunc func(axis Axis) (accel float64, ok bool)

// Hold is a request to begin jogging one axis for as long as a button is held
type Hold struct {
	// Button identifies the button session driving the axis
	Button string

	// Axis is the axis token, e.g. "X"
	Axis string

	// Dir is the direction token, "+" or "-"
	Dir string

	// Source identifies the input device; empty means UnknownSource
	Source string

	Settings  Settings
	Transport Transport
	Position  PositionFunc
	Accel     AccelFunc
}

// finite is true for numbers which are neither NaN nor infinite
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
