// Package pool implements the bounded worker pool that backs one cluster
// primary: a baseline set of idle connections that can grow under load up to
// a fixed overflow, handed out one at a time via WithWorker.
package pool

import (
	"context"
	"errors"
	"sync"

	"rediscluster/internal/logger"
	"rediscluster/internal/workerconn"
)

// ErrNoConnection is returned when a worker cannot be acquired: the caller's
// ctx ended while waiting at capacity, or dialing a fresh connection failed.
var ErrNoConnection = errors.New("pool: no connection available")

// Config describes one pool's dial parameters and capacity.
type Config struct {
	Addr        string
	Password    string
	Size        int
	MaxOverflow int
}

// Pool is a bounded collection of workers for one primary. It is safe for
// concurrent use; at most Size+MaxOverflow workers are live at once.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	idle    []*workerconn.Worker
	busy    int
	total   int // idle + busy, tracked explicitly so eviction never overcounts
	waiters []chan struct{} // FIFO of acquirers parked at capacity, woken one at a time by release
}

// New creates a pool. No connections are dialed eagerly; workers are created
// lazily on first acquisition, matching the teacher's lazy-reconnect policy.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg}
}

// Addr returns the address this pool connects to.
func (p *Pool) Addr() string { return p.cfg.Addr }

// WithWorker acquires a worker, runs fn against it, and releases it
// afterward regardless of how fn returns (including panics). Acquisition
// blocks until a worker is available or ctx is done, surfacing
// ErrNoConnection once ctx ends or a dial fails; the wait is bounded only by
// ctx, so a ctx that is never done waits until a worker is released.
func WithWorker[R any](ctx context.Context, p *Pool, fn func(*workerconn.Worker) (R, error)) (R, error) {
	var zero R
	w, err := p.acquire(ctx)
	if err != nil {
		return zero, err
	}
	broken := false
	defer func() {
		p.release(w, broken)
	}()

	defer func() {
		if r := recover(); r != nil {
			broken = true
			panic(r)
		}
	}()

	result, err := fn(w)
	if err != nil && workerconn.IsTransportError(err) {
		broken = true
	}
	return result, err
}

// acquire hands out an idle worker, dials a fresh one under the
// Size+MaxOverflow ceiling, or — per §4.C — blocks until a release frees a
// slot. The wait ends only when a slot frees or ctx is done; ctx
// cancellation surfaces as ErrNoConnection, same as a failed dial.
func (p *Pool) acquire(ctx context.Context) (*workerconn.Worker, error) {
	for {
		p.mu.Lock()
		if n := len(p.idle); n > 0 {
			w := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.busy++
			p.mu.Unlock()
			if w.Closed() {
				return p.dialReplacement(ctx)
			}
			return w, nil
		}
		if p.total < p.cfg.Size+p.cfg.MaxOverflow {
			p.total++
			p.busy++
			p.mu.Unlock()

			w, err := workerconn.Dial(ctx, workerconn.Config{Addr: p.cfg.Addr, Password: p.cfg.Password})
			if err != nil {
				p.mu.Lock()
				p.total--
				p.busy--
				p.wakeWaiterLocked()
				p.mu.Unlock()
				logger.Warn("pool %s: dial failed: %v", p.cfg.Addr, err)
				return nil, ErrNoConnection
			}
			return w, nil
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
			// a worker was released or a slot freed; recheck from the top.
		case <-ctx.Done():
			p.removeWaiter(wait)
			return nil, ErrNoConnection
		}
	}
}

// removeWaiter drops wait from the waiter queue if it is still queued
// (release may have already popped and woken it concurrently, in which case
// this is a no-op and the freed worker simply waits in idle for the next
// acquirer).
func (p *Pool) removeWaiter(wait chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// wakeWaiterLocked wakes the longest-waiting acquirer, if any. Callers must
// hold p.mu.
func (p *Pool) wakeWaiterLocked() {
	if len(p.waiters) == 0 {
		return
	}
	wait := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(wait)
}

func (p *Pool) dialReplacement(ctx context.Context) (*workerconn.Worker, error) {
	w, err := workerconn.Dial(ctx, workerconn.Config{Addr: p.cfg.Addr, Password: p.cfg.Password})
	if err != nil {
		p.mu.Lock()
		p.busy--
		p.total--
		p.wakeWaiterLocked()
		p.mu.Unlock()
		logger.Warn("pool %s: reconnect failed: %v", p.cfg.Addr, err)
		return nil, ErrNoConnection
	}
	return w, nil
}

func (p *Pool) release(w *workerconn.Worker, broken bool) {
	if broken {
		w.Close()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy--
	if broken {
		p.total--
	} else {
		p.idle = append(p.idle, w)
	}
	p.wakeWaiterLocked()
}

// ReconnectAll closes every idle worker, forcing the pool to redial lazily
// on later acquisitions. Busy workers are not affected: they return to the
// idle set on release and stay in use.
func (p *Pool) ReconnectAll() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()
	for _, w := range idle {
		w.Close()
	}
}

// Stats reports the current idle/busy counts, chiefly for tests and
// diagnostics.
func (p *Pool) Stats() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.busy
}

// Drain closes every idle worker and forgets this pool's capacity. Called
// when a pool is evicted because its address no longer appears in a fresh
// snapshot.
func (p *Pool) Drain() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.total = 0
	p.mu.Unlock()
	for _, w := range idle {
		w.Close()
	}
}
