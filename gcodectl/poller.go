package gcodectl

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// PositionSource reports axis positions keyed by upper-case axis letter
type PositionSource interface {
	Positions(ctx context.Context) (map[string]float64, error)
}

// Poller keeps a cached copy of a controller's positions, refreshed in the
// background.  A cache older than its maximum age reports no positions.
type Poller struct {
	src      PositionSource
	interval time.Duration
	maxAge   time.Duration
	log      zerolog.Logger
	now      func() time.Time
	errLog   rate.Sometimes

	mu  sync.RWMutex
	pos map[string]float64
	at  time.Time
}

// NewPoller returns a Poller querying src every interval.  maxAge defaults to
// four intervals.
func NewPoller(src PositionSource, interval, maxAge time.Duration, log zerolog.Logger) *Poller {
	if maxAge <= 0 {
		maxAge = 4 * interval
	}
	return &Poller{
		src:      src,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
		now:      time.Now,
		errLog:   rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Refresh queries the source once
func (p *Poller) Refresh(ctx context.Context) error {
	pos, err := p.src.Positions(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.pos = pos
	p.at = p.now()
	p.mu.Unlock()
	return nil
}

// Run refreshes until ctx is done.  Failures are logged, the cache simply
// ages out.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		rctx, cancel := context.WithTimeout(ctx, p.interval)
		err := p.Refresh(rctx)
		cancel()
		if err != nil && ctx.Err() == nil {
			p.errLog.Do(func() {
				p.log.Warn().Err(err).Msg("position refresh failed")
			})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Position returns the cached position of axis, if fresh
func (p *Poller) Position(axis string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pos == nil || p.now().Sub(p.at) > p.maxAge {
		return 0, false
	}
	v, ok := p.pos[strings.ToUpper(axis)]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Positions returns a copy of the cache and its age, nil if never refreshed
func (p *Poller) Positions() (map[string]float64, time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.pos == nil {
		return nil, 0
	}
	out := make(map[string]float64, len(p.pos))
	for k, v := range p.pos {
		out[k] = v
	}
	return out, p.now().Sub(p.at)
}
