/*Package comm provides the connection plumbing between the jog server and a
motion controller.

Connections are made by a CreationFunc, either BackingOffTCPConnMaker for
controllers behind a network bridge or SerialConnMaker for a controller on a
USB/RS232 port, and are held in a Pool which closes them when idle.  A leased
connection is usually wrapped twice before use:

	conn, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	var rw io.ReadWriter = conn
	if t, err := comm.NewTimeout(conn, time.Second); err == nil {
		rw = t
	}
	wrap := comm.NewTerminator(rw, '\n', '\n')
	...
	pool.ReturnWithError(conn, err)
*/
package comm

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrTimeoutUnsupported is generated when NewTimeout is given a
	// connection which cannot have deadlines set on it
	ErrTimeoutUnsupported = errors.New("connection does not support deadlines")

	// ErrInterrupted is generated by a Timeout after Interrupt was called
	ErrInterrupted = errors.New("connection interrupted")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		// jog segments are tiny and latency sensitive
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// dialBackoff is the retry schedule used when opening a connection.  Serial
// bridges in particular do not like being connection thrashed.
func dialBackoff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Clock:               backoff.SystemClock}
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr, retrying
// with exponential backoff for up to timeout before giving up
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			return err
		}
		if err := backoff.Retry(op, dialBackoff(timeout)); err != nil {
			return nil, errors.Wrapf(err, "connecting to %s", addr)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc which opens the serial port described
// by conf.  A missing device is not retried, a busy one is.
func SerialConnMaker(conf *serial.Config, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var port *serial.Port
		op := func() error {
			var err error
			port, err = serial.OpenPort(conf)
			if err != nil && errors.Is(err, os.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(op, dialBackoff(timeout)); err != nil {
			return nil, errors.Wrapf(err, "opening serial port %s", conf.Name)
		}
		return port, nil
	}
}

type deadliner interface {
	io.ReadWriter
	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Timeout wraps a connection so that every Read and Write carries a fresh
// deadline.  Interrupt aborts any call in progress and all later ones.
type Timeout struct {
	conn deadliner
	d    time.Duration

	mu     sync.Mutex
	halted bool
}

// NewTimeout wraps rw, which must support deadlines (net.Conn does)
func NewTimeout(rw io.ReadWriter, d time.Duration) (*Timeout, error) {
	if rw == nil {
		return nil, ErrNotConnected
	}
	dl, ok := rw.(deadliner)
	if !ok {
		return nil, ErrTimeoutUnsupported
	}
	return &Timeout{conn: dl, d: d}, nil
}

func (t *Timeout) arm(set func(time.Time) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted {
		return ErrInterrupted
	}
	return set(time.Now().Add(t.d))
}

// Read implements io.Reader
func (t *Timeout) Read(b []byte) (int, error) {
	if err := t.arm(t.conn.SetReadDeadline); err != nil {
		return 0, err
	}
	return t.conn.Read(b)
}

// Write implements io.Writer
func (t *Timeout) Write(b []byte) (int, error) {
	if err := t.arm(t.conn.SetWriteDeadline); err != nil {
		return 0, err
	}
	return t.conn.Write(b)
}

// Interrupt forces any blocked Read or Write to return
func (t *Timeout) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halted = true
	t.conn.SetDeadline(time.Unix(1, 0))
}

// Terminator appends tx to every Write and reads up to and excluding rx
type Terminator struct {
	w  io.Writer
	r  *bufio.Reader
	tx byte
	rx byte
}

// NewTerminator wraps rw with line framing
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{w: rw, r: bufio.NewReader(rw), tx: tx, rx: rx}
}

// Write sends b followed by the tx terminator in a single write
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, t.tx)
	n, err := t.w.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// ReadLine returns the next frame with the rx terminator and any trailing
// carriage return stripped
func (t *Terminator) ReadLine() ([]byte, error) {
	buf, err := t.r.ReadBytes(t.rx)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	buf = buf[:len(buf)-1]
	return bytes.TrimSuffix(buf, []byte{'\r'}), nil
}

// Read implements io.Reader, returning at most one frame per call
func (t *Terminator) Read(b []byte) (int, error) {
	line, err := t.ReadLine()
	n := copy(b, line)
	return n, err
}
