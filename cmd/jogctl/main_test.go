package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestSplitAxisDir(t *testing.T) {
	a, d, err := splitAxisDir("Z-")
	if err != nil || a != "Z" || d != "-" {
		t.Errorf("got %q %q %v", a, d, err)
	}
	if _, _, err := splitAxisDir("X"); err == nil {
		t.Error("expected an error for a bare axis")
	}
}

func TestRequestReportsStatus(t *testing.T) {
	var got map[string]bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/jog/lock" {
			json.NewDecoder(r.Body).Decode(&got)
			return
		}
		http.Error(w, "jog surface is locked", http.StatusLocked)
	}))
	defer srv.Close()
	t.Setenv("JOGCTL_ADDR", srv.URL+"/jog/")

	if err := lock(true); err != nil {
		t.Fatal(err)
	}
	if !got["bool"] {
		t.Errorf("expected lock body {bool:true}, got %v", got)
	}
	if _, err := request(context.Background(), http.MethodPost, "/stop", nil); err == nil {
		t.Error("expected a 423 to surface as an error")
	}
}

type quietSpinner struct{ started, stopped bool }

func (q *quietSpinner) Start() error { q.started = true; return nil }
func (q *quietSpinner) Stop() error { q.stopped = true; return nil }
func (q *quietSpinner) StopFail() error { return nil }
func (q *quietSpinner) StopFailMessage(string) {}

// pendant records the requests a hold makes.  POSTs wait for admit.
type pendant struct {
	mu    sync.Mutex
	calls []string
	admit chan struct{}
	code  int
}

func (p *pendant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.calls = append(p.calls, r.Method+" "+r.URL.Path)
	p.mu.Unlock()
	if r.Method == http.MethodPost {
		<-p.admit
		w.WriteHeader(p.code)
	}
}

func (p *pendant) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func TestReleaseDuringPressLetsGo(t *testing.T) {
	p := &pendant{admit: make(chan struct{}), code: http.StatusOK}
	srv := httptest.NewServer(p)
	defer srv.Close()
	t.Setenv("JOGCTL_ADDR", srv.URL+"/jog")

	released := make(chan struct{})
	done := make(chan error)
	spin := &quietSpinner{}
	go func() { done <- holdUntil("x+", map[string]string{"axis": "X", "dir": "+"}, spin, released) }()

	// let go before the server has answered the press
	close(released)
	close(p.admit)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	want := []string{"POST /jog/hold/x+", "DELETE /jog/hold/x+"}
	got := p.seen()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !spin.stopped {
		t.Error("expected the spinner stopped on release")
	}
}

func TestFailedPressStillReleases(t *testing.T) {
	p := &pendant{admit: make(chan struct{}), code: http.StatusServiceUnavailable}
	close(p.admit)
	srv := httptest.NewServer(p)
	defer srv.Close()
	t.Setenv("JOGCTL_ADDR", srv.URL+"/jog")

	spin := &quietSpinner{}
	if err := holdUntil("x+", map[string]string{"axis": "X", "dir": "+"}, spin, make(chan struct{})); err == nil {
		t.Fatal("expected the failed press to be reported")
	}
	got := p.seen()
	if len(got) != 2 || got[1] != "DELETE /jog/hold/x+" {
		t.Errorf("expected a release after the failed press, got %v", got)
	}
	if spin.started {
		t.Error("spinner started for a failed press")
	}
}
