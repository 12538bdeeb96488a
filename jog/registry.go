package jog

import "sort"

// ActiveAxis is the accounting for one jogging axis
type ActiveAxis struct {
	Axis   Axis   `json:"axis"`
	Button string `json:"button"`
	Dir    int    `json:"dir"`

	// SentTarget is where the axis ends up once every segment queued so far
	// has executed
	SentTarget float64 `json:"sentTarget"`
}

// registry indexes active axes by letter and by owning button.
// Both maps are updated together on every mutation.
type registry struct {
	axes    map[Axis]*ActiveAxis
	buttons map[string]Axis
}

func newRegistry() *registry {
	return &registry{
		axes:    map[Axis]*ActiveAxis{},
		buttons: map[string]Axis{}}
}

func (r *registry) len() int {
	return len(r.axes)
}

func (r *registry) add(a *ActiveAxis) {
	r.axes[a.Axis] = a
	r.buttons[a.Button] = a.Axis
}

func (r *registry) axis(a Axis) (*ActiveAxis, bool) {
	st, ok := r.axes[a]
	return st, ok
}

func (r *registry) hasButton(btn string) bool {
	_, ok := r.buttons[btn]
	return ok
}

// removeButton drops the axis owned by btn, if any
func (r *registry) removeButton(btn string) (Axis, bool) {
	a, ok := r.buttons[btn]
	if !ok {
		return "", false
	}
	delete(r.buttons, btn)
	delete(r.axes, a)
	return a, true
}

func (r *registry) clear() {
	r.axes = map[Axis]*ActiveAxis{}
	r.buttons = map[string]Axis{}
}

// active returns the jogging axes in move-line order
func (r *registry) active() []*ActiveAxis {
	out := make([]*ActiveAxis, 0, len(r.axes))
	for _, a := range r.axes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return axisOrder[out[i].Axis] < axisOrder[out[j].Axis]
	})
	return out
}
