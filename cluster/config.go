package cluster

import (
	"time"

	"rediscluster/internal/config"
)

// Config describes one cluster to connect to (§6 External Interfaces).
type Config struct {
	// Name identifies this cluster instance; must be unique among connected
	// clusters.
	Name string
	// Nodes are init nodes tried in order for the first slot-map fetch.
	// Listing more than one tolerates any single one being down.
	Nodes []NodeAddr
	// Password is sent via AUTH on every new worker connection, if set.
	Password string
	// Size is the baseline worker count per primary.
	Size int
	// MaxOverflow is the additional workers a pool may grow to under load.
	MaxOverflow int

	// RequestTTL overrides DefaultRequestTTL when nonzero.
	RequestTTL int
	// RetryDelay overrides the default 100ms retry throttle when nonzero.
	RetryDelay time.Duration
	// OLTransactionTTL overrides DefaultOLTransactionTTL when nonzero.
	OLTransactionTTL int
	// RefreshInterval overrides the periodic background refresh cadence
	// (default 30s) when nonzero; set to a negative value to disable
	// periodic refresh entirely.
	RefreshInterval time.Duration
}

func (c Config) requestTTL() int {
	if c.RequestTTL > 0 {
		return c.RequestTTL
	}
	return DefaultRequestTTL
}

func (c Config) retryDelay() time.Duration {
	if c.RetryDelay > 0 {
		return c.RetryDelay
	}
	return time.Duration(DefaultRetryDelayMillis) * time.Millisecond
}

func (c Config) olTransactionTTL() int {
	if c.OLTransactionTTL > 0 {
		return c.OLTransactionTTL
	}
	return DefaultOLTransactionTTL
}

func (c Config) refreshInterval() time.Duration {
	if c.RefreshInterval < 0 {
		return 0
	}
	if c.RefreshInterval > 0 {
		return c.RefreshInterval
	}
	return time.Duration(DefaultRefreshIntervalMS) * time.Millisecond
}

func (c Config) size() int {
	if c.Size > 0 {
		return c.Size
	}
	return DefaultSize
}

func (c Config) maxOverflow() int {
	if c.MaxOverflow > 0 {
		return c.MaxOverflow
	}
	return DefaultMaxOverflow
}

// FromFileConfig turns one config.ClusterConfig (already defaulted and
// validated) into a cluster.Config ready for Connect.
func FromFileConfig(fc config.ClusterConfig) Config {
	return Config{
		Name:             fc.Name,
		Nodes:            fc.NodeAddrs(),
		Password:         fc.Password,
		Size:             fc.Size,
		MaxOverflow:      fc.MaxOverflow,
		RequestTTL:       fc.RequestTTL,
		RetryDelay:       fc.RetryDelayDuration(),
		OLTransactionTTL: fc.OLTransactionTTL,
		RefreshInterval:  fc.RefreshIntervalDuration(),
	}
}
