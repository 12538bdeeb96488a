package comm

import (
	"context"
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= maxSize
	timeout time.Duration           // idle time after which pooled connections are freed
	conns   chan io.ReadWriteCloser // connections not on lease
	slots   chan struct{}           // one token per connection that may exist
	timer   *time.Timer             // reclaims idle connections
	maker   CreationFunc

	mu sync.Mutex
}

// NewPool returns a pool of at most maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		maker:   maker,
	}
	for i := 0; i < maxSize; i++ {
		p.slots <- struct{}{}
	}
	p.timer = time.AfterFunc(timeout, p.reclaim)
	p.timer.Stop() // nothing to close initially
	return p
}

// Get retrieves a connection, blocking until one is available if all are in
// use or ctx is done.  It is guaranteed that there is no contention for the
// ReadWriter.
//
// When done with the connection, return it with Put, or discard it with
// Destroy if it has gone bad.  ReturnWithError picks between the two.
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get(ctx context.Context) (io.ReadWriter, error) {
	p.timer.Stop()
	// short circuit: if a connection is available, immediately return it
	select {
	case c := <-p.conns:
		p.lease()
		return c, nil
	default:
	}
	select {
	case c := <-p.conns:
		p.lease()
		return c, nil
	case <-p.slots:
		// room for a new connection
		c, err := p.maker()
		if err != nil {
			p.slots <- struct{}{}
			return nil, err
		}
		p.lease()
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) lease() {
	p.mu.Lock()
	p.onLease++
	p.mu.Unlock()
}

// Put restores a connection to the pool.  It may be reused, or will be
// automatically freed after all connections are returned and the timeout
// has elapsed.
func (p *Pool) Put(rw io.ReadWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns <- rw.(io.ReadWriteCloser)
	p.onLease--
	if p.onLease == 0 {
		p.timer.Reset(p.timeout)
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	if c, ok := rw.(io.Closer); ok {
		c.Close()
	}
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
	p.slots <- struct{}{}
}

// ReturnWithError returns rw to the pool if err is nil, and destroys it
// otherwise
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection.  Leased connections are unaffected.
func (p *Pool) Close() error {
	p.timer.Stop()
	p.reclaim()
	return nil
}

// reclaim closes the idle connections
func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case c := <-p.conns:
			c.Close()
			p.slots <- struct{}{}
		default:
			return
		}
	}
}
