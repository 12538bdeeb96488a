package comm_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nasa-jpl/jogstream/comm"
)

func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

// countingMaker dials addr and counts how many connections it made
func countingMaker(addr string, n *int32) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		atomic.AddInt32(n, 1)
		return net.Dial("tcp", addr)
	}
}

func TestPoolFillsToCapacity(t *testing.T) {
	var made int32
	pool := comm.NewPool(3, time.Second, countingMaker(tcpEchoServer(t), &made))
	for i := 0; i < 3; i++ {
		if _, err := pool.Get(context.Background()); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	if pool.Active() != 3 || pool.Size() != 3 {
		t.Errorf("expected 3 active connections, got %d of %d", pool.Active(), pool.Size())
	}
	if made != 3 {
		t.Errorf("expected 3 dials, got %d", made)
	}
}

func TestPoolReusesReturnedConnections(t *testing.T) {
	var made int32
	pool := comm.NewPool(3, time.Second, countingMaker(tcpEchoServer(t), &made))
	for i := 0; i < 5; i++ {
		conn, err := pool.Get(context.Background())
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		pool.Put(conn)
	}
	if made != 1 {
		t.Errorf("expected a single dial for sequential use, got %d", made)
	}
	if pool.Size() != 1 || pool.Active() != 0 {
		t.Errorf("expected one idle connection, got size %d active %d", pool.Size(), pool.Active())
	}
}

func TestPoolReclaimsIdleConnections(t *testing.T) {
	var made int32
	pool := comm.NewPool(2, 10*time.Millisecond, countingMaker(tcpEchoServer(t), &made))
	conn, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)
	deadline := time.Now().Add(time.Second)
	for pool.Size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pool.Size() != 0 {
		t.Fatalf("expected idle connection to be reclaimed, size is %d", pool.Size())
	}
	if _, err := pool.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if made != 2 {
		t.Errorf("expected a fresh dial after reclaim, got %d dials", made)
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	var made int32
	pool := comm.NewPool(2, time.Second, countingMaker(tcpEchoServer(t), &made))
	for i := 0; i < 2; i++ {
		if _, err := pool.Get(context.Background()); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Get to wait for a free connection, got %v", err)
	}
	if made != 2 {
		t.Errorf("pool overflowed, %d dials", made)
	}
}

func TestReturnWithErrorDestroys(t *testing.T) {
	var made int32
	pool := comm.NewPool(1, time.Second, countingMaker(tcpEchoServer(t), &made))
	conn, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(conn, io.ErrUnexpectedEOF)
	if pool.Size() != 0 {
		t.Errorf("expected a bad connection to leave the pool, size %d", pool.Size())
	}
	// the slot is free again
	if _, err := pool.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if made != 2 {
		t.Errorf("expected a redial, got %d dials", made)
	}
}

func TestMakerErrorFreesSlot(t *testing.T) {
	calls := 0
	pool := comm.NewPool(1, time.Second, func() (io.ReadWriteCloser, error) {
		calls++
		return nil, io.ErrClosedPipe
	})
	for i := 0; i < 2; i++ {
		if _, err := pool.Get(context.Background()); !errors.Is(err, io.ErrClosedPipe) {
			t.Fatalf("expected maker error, got %v", err)
		}
	}
	if calls != 2 || pool.Size() != 0 {
		t.Errorf("expected two attempts and an empty pool, got %d and %d", calls, pool.Size())
	}
}

func TestBackingOffTCPConnMakerGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	start := time.Now()
	_, err = comm.BackingOffTCPConnMaker(addr, 100*time.Millisecond)()
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("backoff did not respect its deadline, took %v", time.Since(start))
	}
}

func TestTerminatorFraming(t *testing.T) {
	var out bytes.Buffer
	in := bytes.NewBufferString("ok\r\nX:1.00 Y:2.00\nok\npartial")
	rw := struct {
		io.Reader
		io.Writer
	}{in, &out}
	term := comm.NewTerminator(rw, '\n', '\n')
	if _, err := term.Write([]byte("G91")); err != nil {
		t.Fatal(err)
	}
	if out.String() != "G91\n" {
		t.Errorf("expected terminated write, got %q", out.String())
	}
	for _, want := range []string{"ok", "X:1.00 Y:2.00", "ok"} {
		line, err := term.ReadLine()
		if err != nil {
			t.Fatal(err)
		}
		if string(line) != want {
			t.Errorf("expected %q, got %q", want, line)
		}
	}
	if _, err := term.ReadLine(); !errors.Is(err, comm.ErrTerminatorNotFound) {
		t.Errorf("expected missing terminator error, got %v", err)
	}
}

func TestTimeoutRequiresDeadlines(t *testing.T) {
	if _, err := comm.NewTimeout(&bytes.Buffer{}, time.Second); !errors.Is(err, comm.ErrTimeoutUnsupported) {
		t.Errorf("expected unsupported error, got %v", err)
	}
}

func TestTimeoutExpiresAndInterrupts(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	to, err := comm.NewTimeout(a, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	_, err = to.Read(buf)
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected a timeout, got %v", err)
	}

	to, _ = comm.NewTimeout(a, time.Hour)
	done := make(chan error, 1)
	go func() {
		_, err := to.Read(buf)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	to.Interrupt()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected interrupted read to fail")
		}
	case <-time.After(time.Second):
		t.Fatal("interrupt did not unblock the read")
	}
	if _, err := to.Write([]byte("x")); !errors.Is(err, comm.ErrInterrupted) {
		t.Errorf("expected ErrInterrupted after Interrupt, got %v", err)
	}
}
