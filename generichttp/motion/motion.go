// Package motion provides a read-only HTTP interface to the positions a motion
// controller last reported
package motion

import (
	"go/types"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/jogstream/generichttp"
)

// Positioner reports the cached position of a single axis
type Positioner interface {
	Position(axis string) (float64, bool)
}

// PositionCache reports every cached position and the age of the cache
type PositionCache interface {
	Positioner
	Positions() (map[string]float64, time.Duration)
}

// PositionReport is the body of GET /positions
type PositionReport struct {
	Pos   map[string]float64 `json:"pos"`
	AgeMs float64            `json:"ageMs"`
}

// HTTPPosition adds position routes to the route table
func HTTPPosition(iface PositionCache, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}] = GetPos(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/positions"}] = GetPositions(iface)
}

// GetPos returns an HTTP handler func that gets the position of an axis.  An
// axis with no fresh position is 503.
func GetPos(p Positioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := strings.ToUpper(chi.URLParam(r, "axis"))
		pos, ok := p.Position(axis)
		if !ok {
			http.Error(w, "position of axis "+axis+" unavailable", http.StatusServiceUnavailable)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

// GetPositions returns an HTTP handler func that dumps the position cache
func GetPositions(p PositionCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pos, age := p.Positions()
		if pos == nil {
			pos = map[string]float64{}
		}
		generichttp.RespondJSON(w, PositionReport{Pos: pos, AgeMs: float64(age) / float64(time.Millisecond)})
	}
}
