package cluster

import (
	"sync"

	"rediscluster/internal/config"
)

// Client is the public handle applications hold: a registry of connected
// clusters, each identified by its symbolic name, so multiple independent
// clusters can be managed side by side from one process.
type Client struct {
	mu       sync.RWMutex
	monitors map[string]*monitor
}

// NewClient creates an empty registry. Most applications want a single
// package-level Client; Default is provided for that.
func NewClient() *Client {
	return &Client{monitors: map[string]*monitor{}}
}

// Default is the package-level registry used by the free functions below,
// for applications that only ever talk to one process-wide set of clusters.
var Default = NewClient()

// Connect creates the cluster state for cfg.Name and attempts the initial
// slot-map fetch. Calling Connect again with a name already connected
// replaces that cluster's state: the new state is created first, then the
// previous one is disconnected (its monitor stopped and its pools drained).
func (c *Client) Connect(cfg Config) error {
	m, err := connectCluster(cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.monitors[cfg.Name]; ok {
		old.close()
		for _, p := range old.getAllPools() {
			p.Drain()
		}
	}
	c.monitors[cfg.Name] = m
	return nil
}

// Disconnect tears down the named cluster's monitor and drains its pools.
func (c *Client) Disconnect(name string) {
	c.mu.Lock()
	m, ok := c.monitors[name]
	if ok {
		delete(c.monitors, name)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	m.close()
	for _, p := range m.getAllPools() {
		p.Drain()
	}
}

// ConnectFile loads a multi-cluster configuration file and connects every
// cluster entry it describes. It stops at the first entry that fails to
// connect; clusters already connected from this call remain connected.
func (c *Client) ConnectFile(path string) error {
	entries, err := config.LoadAll(path)
	if err != nil {
		return err
	}
	for _, fc := range entries {
		if err := c.Connect(FromFileConfig(fc)); err != nil {
			return err
		}
	}
	return nil
}

// ConnectFile is Default.ConnectFile.
func ConnectFile(path string) error { return Default.ConnectFile(path) }

func (c *Client) monitorFor(name string) (*monitor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.monitors[name]
	if !ok {
		return nil, ErrUnknownCluster
	}
	return m, nil
}

// Connect is Default.Connect.
func Connect(cfg Config) error { return Default.Connect(cfg) }

// Disconnect is Default.Disconnect.
func Disconnect(name string) { Default.Disconnect(name) }
