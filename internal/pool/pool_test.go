package pool

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"rediscluster/internal/workerconn"
)

func pingServer(t *testing.T, replies int) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for i := 0; i < replies; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					// consume $len/payload pair, ignore args
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					if _, err := c.Write([]byte("+PONG\r\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestWithWorkerAcquireRelease(t *testing.T) {
	addr := pingServer(t, 4)
	p := New(Config{Addr: addr, Size: 1, MaxOverflow: 0})

	result, err := WithWorker(context.Background(), p, func(w *workerconn.Worker) (string, error) {
		return "ok", nil
	})
	if err != nil || result != "ok" {
		t.Fatalf("WithWorker = %q, %v", result, err)
	}
	idle, busy := p.Stats()
	if idle != 1 || busy != 0 {
		t.Errorf("after release: idle=%d busy=%d, want idle=1 busy=0", idle, busy)
	}
}

// TestWithWorkerBlocksUntilRelease covers §4.C: acquisition at capacity
// blocks for a freed worker instead of failing immediately.
func TestWithWorkerBlocksUntilRelease(t *testing.T) {
	addr := pingServer(t, 4)
	p := New(Config{Addr: addr, Size: 1, MaxOverflow: 0})

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = WithWorker(context.Background(), p, func(w *workerconn.Worker) (struct{}, error) {
			close(holding)
			<-release
			return struct{}{}, nil
		})
	}()
	<-holding

	done := make(chan struct{})
	go func() {
		_, err := WithWorker(context.Background(), p, func(w *workerconn.Worker) (struct{}, error) {
			return struct{}{}, nil
		})
		if err != nil {
			t.Errorf("WithWorker after release = %v, want nil", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WithWorker returned before the holder released its worker")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WithWorker never unblocked after release")
	}
}

// TestWithWorkerNoConnectionWhenFull covers the "without blocking
// indefinitely" half of §4.C: a caller bounds the wait with ctx and gets
// ErrNoConnection once it expires, rather than hanging forever.
func TestWithWorkerNoConnectionWhenFull(t *testing.T) {
	addr := pingServer(t, 4)
	p := New(Config{Addr: addr, Size: 1, MaxOverflow: 0})

	block := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = WithWorker(context.Background(), p, func(w *workerconn.Worker) (struct{}, error) {
			close(block)
			<-release
			return struct{}{}, nil
		})
	}()
	<-block
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := WithWorker(ctx, p, func(w *workerconn.Worker) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != ErrNoConnection {
		t.Errorf("WithWorker over capacity = %v, want ErrNoConnection", err)
	}
}

func TestWithWorkerReleasesOnPanic(t *testing.T) {
	addr := pingServer(t, 4)
	p := New(Config{Addr: addr, Size: 1, MaxOverflow: 0})

	func() {
		defer func() { recover() }()
		_, _ = WithWorker(context.Background(), p, func(w *workerconn.Worker) (struct{}, error) {
			panic("boom")
		})
	}()

	// The panicking worker is marked broken and closed, not leaked as busy.
	idle, busy := p.Stats()
	if busy != 0 {
		t.Errorf("busy after panic = %d, want 0", busy)
	}
	_ = idle

	_, err := WithWorker(context.Background(), p, func(w *workerconn.Worker) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != nil {
		t.Errorf("WithWorker after panic recovery = %v, want nil (pool should allow a fresh connection)", err)
	}
	_ = time.Second
}

func TestReconnectAllClosesIdle(t *testing.T) {
	addr := pingServer(t, 4)
	p := New(Config{Addr: addr, Size: 2, MaxOverflow: 0})

	_, err := WithWorker(context.Background(), p, func(w *workerconn.Worker) (struct{}, error) {
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatalf("WithWorker: %v", err)
	}
	idleBefore, _ := p.Stats()
	if idleBefore != 1 {
		t.Fatalf("idleBefore = %d, want 1", idleBefore)
	}
	p.ReconnectAll()
	idleAfter, _ := p.Stats()
	if idleAfter != 0 {
		t.Errorf("idleAfter ReconnectAll = %d, want 0", idleAfter)
	}
}
