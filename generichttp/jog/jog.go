// Package jog provides an HTTP interface to a hold-to-jog engine.  A pendant
// or browser presses a button with POST /hold/{button} and releases it with
// DELETE /hold/{button}.
package jog

import (
	"context"
	"encoding/json"
	"go/types"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/jogstream/generichttp"
	"github.com/nasa-jpl/jogstream/jog"
	"github.com/nasa-jpl/jogstream/motion"
	"github.com/pkg/errors"
)

// Jogger is the subset of *jog.Engine the HTTP layer drives
type Jogger interface {
	TryStartHold(ctx context.Context, h jog.Hold) error
	StopHold(ctx context.Context, button string) error
	StopAll(ctx context.Context) error
	IsActive(ctx context.Context, button string) bool
	Snapshot(ctx context.Context) (jog.Status, error)
}

// HoldRequest is the body of POST /hold/{button}
type HoldRequest struct {
	Axis   string `json:"axis"`
	Dir    string `json:"dir"`
	Source string `json:"source"`
}

// HTTPJog binds a jog engine and a controller binding to HTTP routes
type HTTPJog struct {
	Engine  Jogger
	Binding motion.Binding

	mu       sync.RWMutex
	settings jog.Settings

	RouteTable generichttp.RouteTable
}

// NewHTTPJog returns a new HTTP wrapper with the route table pre-configured
func NewHTTPJog(e Jogger, b motion.Binding, s jog.Settings) *HTTPJog {
	h := &HTTPJog{Engine: e, Binding: b, settings: s}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/hold/{button}"}:   h.StartHold,
		{Method: http.MethodDelete, Path: "/hold/{button}"}: h.StopHold,
		{Method: http.MethodGet, Path: "/hold/{button}"}:    h.IsActive,
		{Method: http.MethodPost, Path: "/stop"}:            h.StopAll,
		{Method: http.MethodGet, Path: "/status"}:           h.Status,
		{Method: http.MethodGet, Path: "/feed-override"}:    generichttp.GetFloat(h.feedOverride),
		{Method: http.MethodPost, Path: "/feed-override"}:   h.SetFeedOverride,
	}
	return h
}

// RT satisfies the HTTPer interface
func (h *HTTPJog) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Settings returns the settings new holds are started with
func (h *HTTPJog) Settings() jog.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

func (h *HTTPJog) feedOverride() (float64, error) {
	return h.Settings().FeedOverride, nil
}

// StatusCode maps an engine error to an HTTP status
func StatusCode(err error) int {
	switch errors.Cause(err) {
	case nil:
		return http.StatusOK
	case jog.ErrMalformed, jog.ErrInvalidSettings:
		return http.StatusBadRequest
	case jog.ErrKeyboardDisabled:
		return http.StatusForbidden
	case jog.ErrInterlock, jog.ErrDirectionConflict:
		return http.StatusConflict
	case jog.ErrSourceLocked:
		return http.StatusLocked
	case jog.ErrClosed, context.Canceled, context.DeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// StartHold begins jogging the axis named in the body for as long as the
// button is held
func (h *HTTPJog) StartHold(w http.ResponseWriter, r *http.Request) {
	req := HoldRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	button := chi.URLParam(r, "button")
	hold := h.Binding.Hold(button, req.Axis, req.Dir, req.Source, h.Settings())
	if err := h.Engine.TryStartHold(r.Context(), hold); err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	hp := generichttp.HumanPayload{T: types.Bool, Bool: true}
	hp.EncodeAndRespond(w, r)
}

// StopHold releases the button.  Releasing a button that is not held is not
// an error.
func (h *HTTPJog) StopHold(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.StopHold(r.Context(), chi.URLParam(r, "button")); err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// IsActive reports whether the button holds an axis as {"bool": ...}
func (h *HTTPJog) IsActive(w http.ResponseWriter, r *http.Request) {
	active := h.Engine.IsActive(r.Context(), chi.URLParam(r, "button"))
	hp := generichttp.HumanPayload{T: types.Bool, Bool: active}
	hp.EncodeAndRespond(w, r)
}

// StopAll releases every held axis
func (h *HTTPJog) StopAll(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.StopAll(r.Context()); err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Status returns a snapshot of the jog session
func (h *HTTPJog) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	generichttp.RespondJSON(w, st)
}

// SetFeedOverride sets the feed rate, in inches per minute, that replaces the
// configured jog feed for holds started afterwards.  Zero clears it.
func (h *HTTPJog) SetFeedOverride(w http.ResponseWriter, r *http.Request) {
	f := generichttp.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.F64 < 0 {
		http.Error(w, "feed override must not be negative", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.settings.FeedOverride = f.F64
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}
