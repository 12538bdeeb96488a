package jog

import "github.com/pkg/errors"

// admit decides if axis may begin jogging in dir alongside the axes already
// in r.  existing is true when the axis is already jogging the same way, in
// which case nothing needs to change.
//
// Z and A always jog alone.  X and Y only combine with each other, and the
// remaining rotary axes never join a planar move.
func admit(r *registry, axis Axis, dir int) (existing bool, err error) {
	if cur, ok := r.axis(axis); ok {
		if cur.Dir != dir {
			return false, errors.Wrapf(ErrDirectionConflict, "axis %s", axis)
		}
		return true, nil
	}
	if r.len() == 0 {
		return false, nil
	}
	if axis.exclusive() {
		return false, errors.Wrapf(ErrInterlock, "%s must jog alone", axis)
	}
	for a := range r.axes {
		switch {
		case a.exclusive():
			return false, errors.Wrapf(ErrInterlock, "%s is jogging alone", a)
		case a.planar() != axis.planar():
			return false, errors.Wrapf(ErrInterlock, "%s cannot join %s", axis, a)
		}
	}
	return false, nil
}
