package cluster

import "github.com/cespare/xxhash/v2"

// PoolID names a worker pool for one primary. It is a pure function of the
// node's host:port address string, so the same address always mints the same
// identifier across rebuilds; a rebuild that keeps an address unchanged
// keeps the same PoolID, letting the monitor reuse the live pool instead of
// draining and redialing it.
type PoolID uint64

// poolIDFor derives a PoolID from a host:port address, hashed as given.
func poolIDFor(addr string) PoolID {
	return PoolID(xxhash.Sum64String(addr))
}
