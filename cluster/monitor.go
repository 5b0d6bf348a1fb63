package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"rediscluster/internal/logger"
	"rediscluster/internal/pool"
)

// monitor is the per-cluster singleton that owns the snapshot. It is the
// only writer of the snapshot; every mutation (initial connect, refresh,
// pool eviction) is serialized through callCh, a single goroutine pattern
// grounded in the same spin()-over-a-channel-of-closures idiom used for
// redis cluster topology management in this corpus.
type monitor struct {
	name string
	cfg  Config

	snapshot atomic.Pointer[Snapshot]
	pools    atomic.Pointer[map[PoolID]*pool.Pool]

	standalone atomic.Bool

	callCh chan func()
	stopCh chan struct{}

	refreshLimiter *rate.Limiter

	// MissCh fires on a routing-signal-triggered refresh. ChangeCh fires
	// when the pool set changes (address added or removed). Both are
	// non-blocking sends: a caller not listening never stalls the monitor.
	MissCh   chan struct{}
	ChangeCh chan struct{}
}

func newMonitor(cfg Config) *monitor {
	m := &monitor{
		name:           cfg.Name,
		cfg:            cfg,
		callCh:         make(chan func()),
		stopCh:         make(chan struct{}),
		refreshLimiter: rate.NewLimiter(rate.Every(cfg.retryDelay()), 1),
		MissCh:         make(chan struct{}, 1),
		ChangeCh:       make(chan struct{}, 1),
	}
	empty := map[PoolID]*pool.Pool{}
	m.pools.Store(&empty)
	go m.spin()
	return m
}

// spin is the monitor's single writer goroutine. Anything that mutates the
// snapshot or the pool set runs as a closure submitted here.
func (m *monitor) spin() {
	ticker := newRefreshTicker(m.cfg.refreshInterval())
	defer ticker.Stop()
	for {
		select {
		case f := <-m.callCh:
			f()
		case <-tickerChan(ticker):
			if !m.standalone.Load() {
				m.rebuildInner()
			}
		case <-m.stopCh:
			return
		}
	}
}

// newRefreshTicker returns a stopped ticker when interval is 0 (periodic
// refresh disabled), so tickerChan never fires.
func newRefreshTicker(interval time.Duration) *time.Ticker {
	if interval <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(interval)
}

func tickerChan(t *time.Ticker) <-chan time.Time {
	return t.C
}

// call submits f to the monitor's single writer and blocks until it runs.
func (m *monitor) call(f func()) {
	done := make(chan struct{})
	m.callCh <- func() {
		f()
		close(done)
	}
	<-done
}

func (m *monitor) close() {
	close(m.stopCh)
}

// getSnapshot is the lock-free fast path read: no channel round-trip, just
// an atomic load.
func (m *monitor) getSnapshot() *Snapshot {
	return m.snapshot.Load()
}

func (m *monitor) getPool(id PoolID) (*pool.Pool, bool) {
	pools := *m.pools.Load()
	p, ok := pools[id]
	return p, ok
}

// getPoolBySlot returns {pool, version}, or ok=false when the snapshot is
// undefined (cold start, version 0) or the slot maps to no live pool (the
// snapshot's version). Callers depend on this arm to trigger a refresh.
func (m *monitor) getPoolBySlot(s uint16) (*pool.Pool, uint64, bool) {
	snap := m.getSnapshot()
	if snap == nil {
		return nil, 0, false
	}
	id := snap.poolIDForSlot(s)
	p, ok := m.getPool(id)
	if !ok {
		return nil, snap.Version, false
	}
	return p, snap.Version, true
}

func (m *monitor) getAllPools() []*pool.Pool {
	snap := m.getSnapshot()
	if snap == nil {
		return nil
	}
	pools := *m.pools.Load()
	ids := snap.allPoolIDs()
	out := make([]*pool.Pool, 0, len(ids))
	for _, id := range ids {
		if p, ok := pools[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// refresh requests a new snapshot. A concurrent refresh already past
// observedVersion makes this a no-op; refreshes are serialized per cluster
// through the single writer.
func (m *monitor) refresh(observedVersion uint64) {
	m.call(func() {
		cur := m.getSnapshot()
		if cur != nil && cur.Version > observedVersion {
			return // another refresh already advanced past what the caller saw
		}
		if !m.refreshLimiter.Allow() {
			return // coalesce refresh storms from many concurrent callers
		}
		m.notifyMiss()
		m.rebuildInner()
	})
}

func (m *monitor) notifyMiss() {
	select {
	case m.MissCh <- struct{}{}:
	default:
	}
}

func (m *monitor) notifyChange() {
	select {
	case m.ChangeCh <- struct{}{}:
	default:
	}
}

// rebuildInner implements the slot-map acquisition protocol (§4.E.1). It
// must only ever be invoked from inside the single writer (spin, or a
// closure submitted via call/callCh).
func (m *monitor) rebuildInner() {
	candidates := m.candidateAddrs()
	for _, addr := range candidates {
		slots, standalone, err := fetchSlots(addr, m.cfg.Password)
		if err != nil {
			logger.Debug("cluster %s: CLUSTER SLOTS on %s failed: %v", m.name, addr, err)
			continue
		}
		if standalone {
			m.publishStandalone(addr)
			return
		}
		if len(slots) == 0 {
			continue
		}
		m.publish(slots)
		return
	}
	logger.Warn("cluster %s: exhausted all candidate nodes, keeping previous snapshot", m.name)
}

// candidateAddrs orders current pool addresses first (most likely still
// live), then falls back to the configured init nodes.
func (m *monitor) candidateAddrs() []NodeAddr {
	seen := map[NodeAddr]bool{}
	var out []NodeAddr
	if snap := m.getSnapshot(); snap != nil {
		pools := *m.pools.Load()
		for _, id := range snap.allPoolIDs() {
			if p, ok := pools[id]; ok && !seen[p.Addr()] {
				seen[p.Addr()] = true
				out = append(out, p.Addr())
			}
		}
	}
	for _, addr := range m.cfg.Nodes {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

type rawSlotRange struct {
	start, end int
	primary    NodeAddr
}

// fetchSlots dials addr with a raw, non-cluster-routed client (per §9's
// design note: the monitor's bootstrap primitive must bypass our own slot
// routing) and issues CLUSTER SLOTS. standalone=true means the server
// replied that cluster mode is disabled.
func fetchSlots(addr, password string) (ranges []rawSlotRange, standalone bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Protocol 2 keeps this admin connection talking RESP2, matching our own
	// workerconn.Worker wire format.
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, Protocol: 2})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, false, fmt.Errorf("ping %s: %w", addr, err)
	}

	slots, err := client.ClusterSlots(ctx).Result()
	if err != nil {
		if strings.Contains(strings.ToUpper(err.Error()), "CLUSTER SUPPORT DISABLED") {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("cluster slots %s: %w", addr, err)
	}

	out := make([]rawSlotRange, 0, len(slots))
	for _, s := range slots {
		if len(s.Nodes) == 0 {
			continue
		}
		primary := s.Nodes[0].Addr
		if primary == "" {
			primary = addr
		}
		out = append(out, rawSlotRange{start: s.Start, end: s.End, primary: primary})
	}
	return out, false, nil
}

// publish reconciles ranges into a new snapshot: addresses already backed
// by a live pool reuse their PoolID (and their pool), new addresses get a
// fresh pool, and addresses no longer present are evicted after the new
// snapshot is live.
func (m *monitor) publish(ranges []rawSlotRange) {
	oldPools := *m.pools.Load()
	newPools := make(map[PoolID]*pool.Pool, len(ranges))
	newEntries := make(map[PoolID]*poolEntry, len(ranges))

	var newSnap Snapshot
	changed := false
	seenAddrs := map[NodeAddr]PoolID{}

	for _, r := range ranges {
		id, ok := seenAddrs[r.primary]
		if !ok {
			id = poolIDFor(r.primary)
			seenAddrs[r.primary] = id
			if p, ok := oldPools[id]; ok {
				newPools[id] = p
			} else {
				newPools[id] = pool.New(pool.Config{
					Addr:        r.primary,
					Password:    m.cfg.Password,
					Size:        m.cfg.size(),
					MaxOverflow: m.cfg.maxOverflow(),
				})
				changed = true
			}
			newEntries[id] = &poolEntry{addr: r.primary}
		}
		for s := r.start; s <= r.end && s < len(newSnap.slots); s++ {
			newSnap.slots[s] = id
		}
	}
	newSnap.pools = newEntries

	for addr, id := range oldAddrsByID(oldPools) {
		_ = addr
		if _, ok := newPools[id]; !ok {
			changed = true
		}
	}

	if cur := m.getSnapshot(); cur != nil {
		newSnap.Version = cur.Version + 1
	} else {
		newSnap.Version = 1
	}

	m.snapshot.Store(&newSnap)
	m.pools.Store(&newPools)
	m.standalone.Store(false)

	for id, p := range oldPools {
		if _, ok := newPools[id]; !ok {
			p.Drain()
		}
	}

	if changed {
		m.notifyChange()
	}
}

func oldAddrsByID(pools map[PoolID]*pool.Pool) map[NodeAddr]PoolID {
	out := make(map[NodeAddr]PoolID, len(pools))
	for id, p := range pools {
		out[p.Addr()] = id
	}
	return out
}

// publishStandalone marks the cluster single-node: every slot routes to one
// pool and the periodic rebuild is pointless (there is no topology to
// discover), matching the teacher's "cluster support disabled" fallback.
func (m *monitor) publishStandalone(addr NodeAddr) {
	id := poolIDFor(addr)
	oldPools := *m.pools.Load()
	p, ok := oldPools[id]
	if !ok {
		p = pool.New(pool.Config{
			Addr:        addr,
			Password:    m.cfg.Password,
			Size:        m.cfg.size(),
			MaxOverflow: m.cfg.maxOverflow(),
		})
	}
	newPools := map[PoolID]*pool.Pool{id: p}

	var newSnap Snapshot
	for s := range newSnap.slots {
		newSnap.slots[s] = id
	}
	newSnap.pools = map[PoolID]*poolEntry{id: {addr: addr}}
	if cur := m.getSnapshot(); cur != nil {
		newSnap.Version = cur.Version + 1
	} else {
		newSnap.Version = 1
	}

	m.snapshot.Store(&newSnap)
	m.pools.Store(&newPools)
	m.standalone.Store(true)

	for oid, op := range oldPools {
		if oid != id {
			op.Drain()
		}
	}
}

// connectCluster creates the monitor and attempts the initial slot-map
// fetch. A failure to reach any configured node is not itself an error:
// the cluster state is created with an undefined snapshot, and callers will
// retry-until-TTL (§4.D), triggering refreshes as they go.
func connectCluster(cfg Config) (*monitor, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("cluster: Config.Name is required")
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("cluster: Config.Nodes must not be empty")
	}
	m := newMonitor(cfg)
	m.call(func() {
		m.rebuildInner()
	})
	return m, nil
}

// reconnectAll asks every pool in the current snapshot to recycle its
// workers (see Pool.ReconnectAll). A caller whose observedVersion no longer
// matches the current snapshot's version is a no-op; callers carrying the
// current version each run their own pass through the pools.
func (m *monitor) reconnectAll(observedVersion uint64) {
	m.call(func() {
		cur := m.getSnapshot()
		if cur != nil && cur.Version != observedVersion {
			return
		}
		pools := *m.pools.Load()
		for _, p := range pools {
			p.ReconnectAll()
		}
	})
}
