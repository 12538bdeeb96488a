// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sync"

	"github.com/nasa-jpl/jogstream/generichttp"
)

// Inject adds lock routes to a route table which are used to manipulate the
// locker, and guards every route already in the table whose pattern is not
// listed in l.DoNotProtect.  Routes added to the table afterwards are not
// guarded.
func Inject(table generichttp.RouteTable, l *Locker) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
	for mp, h := range table {
		if l.protected(mp.Path) {
			table[mp] = l.Check(h).ServeHTTP
		}
	}
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of route patterns to not protect
type Locker struct {
	mu       sync.RWMutex
	isLocked bool

	// DoNotProtect is a list of route patterns, e.g. "/axis/{axis}/pos", not
	// to apply the lock to.  Patterns match exactly.
	DoNotProtect []string

	// OnLock is called each time the locker goes from unlocked to locked
	OnLock func()
}

// New returns a new Locker with DoNotProtect prepopulated with "/lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"/lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	was := l.isLocked
	l.isLocked = true
	hook := l.OnLock
	l.mu.Unlock()
	if !was && hook != nil {
		hook()
	}
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.isLocked = false
	l.mu.Unlock()
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLocked
}

func (l *Locker) protected(pattern string) bool {
	for _, str := range l.DoNotProtect {
		if pattern == str {
			return false
		}
	}
	return true
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	// return a handlerfunc wrapping a handler, middleware/generator pattern
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			http.Error(w, "jog surface is locked", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
