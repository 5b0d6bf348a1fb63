// Package config loads multi-cluster configuration files for rediscluster.
// One file can describe several named clusters, each turned into a
// cluster.Config by ApplyDefaults/Validate before being handed to
// cluster.Connect.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the top-level shape of a cluster configuration file: a list of
// independently named clusters, each connected side by side.
type File struct {
	Clusters []ClusterConfig `yaml:"clusters"`
}

// NodeAddr is one init node entry in a config file.
type NodeAddr struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (n NodeAddr) String() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// ClusterConfig is the on-disk form of cluster.Config: the same fields,
// named the way an operator would write them in YAML, plus the overridable
// tuning constants spelled out as durations/counts.
type ClusterConfig struct {
	Name        string     `yaml:"cluster_name"`
	Nodes       []NodeAddr `yaml:"nodes"`
	Password    string     `yaml:"password"`
	Size        int        `yaml:"size"`
	MaxOverflow int        `yaml:"max_overflow"`

	RequestTTL       int    `yaml:"request_ttl"`
	RetryDelay       string `yaml:"retry_delay"`
	OLTransactionTTL int    `yaml:"ol_transaction_ttl"`
	RefreshInterval  string `yaml:"refresh_interval"`

	path string
}

// ValidationError aggregates every problem found in one cluster's config so
// an operator fixes a file in one pass instead of one error at a time.
type ValidationError struct {
	Cluster string
	Errors  []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config: invalid cluster %q:", e.Cluster)
	for _, msg := range e.Errors {
		b.WriteString("\n  - ")
		b.WriteString(msg)
	}
	return b.String()
}

// ApplyDefaults fills in unset fields with the package's documented
// defaults (§6 External Interfaces). Numeric fields that are zero or
// negative and duration strings that are empty count as unset, so an
// explicit 0 or negative count is replaced by the default as well.
func (c *ClusterConfig) ApplyDefaults() {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.MaxOverflow <= 0 {
		c.MaxOverflow = 4
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = 16
	}
	if c.RetryDelay == "" {
		c.RetryDelay = "100ms"
	}
	if c.OLTransactionTTL <= 0 {
		c.OLTransactionTTL = 5
	}
	if c.RefreshInterval == "" {
		c.RefreshInterval = "30s"
	}
}

// Validate checks that a cluster entry is usable, returning a
// *ValidationError with every problem found rather than stopping at the
// first one.
func (c *ClusterConfig) Validate() error {
	var errs []string

	if c.Name == "" {
		errs = append(errs, "cluster_name is required")
	}
	if len(c.Nodes) == 0 {
		errs = append(errs, "nodes must list at least one init node")
	}
	for i, n := range c.Nodes {
		if n.Host == "" {
			errs = append(errs, fmt.Sprintf("nodes[%d].host is required", i))
		}
		if n.Port <= 0 || n.Port > 65535 {
			errs = append(errs, fmt.Sprintf("nodes[%d].port must be in 1-65535", i))
		}
	}
	if c.Size < 0 {
		errs = append(errs, "size must not be negative")
	}
	if c.MaxOverflow < 0 {
		errs = append(errs, "max_overflow must not be negative")
	}
	if c.RetryDelay != "" {
		if _, err := time.ParseDuration(c.RetryDelay); err != nil {
			errs = append(errs, fmt.Sprintf("retry_delay %q: %v", c.RetryDelay, err))
		}
	}
	if c.RefreshInterval != "" {
		if _, err := time.ParseDuration(c.RefreshInterval); err != nil {
			errs = append(errs, fmt.Sprintf("refresh_interval %q: %v", c.RefreshInterval, err))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Cluster: c.Name, Errors: errs}
	}
	return nil
}

// RetryDelayDuration parses RetryDelay, already validated by Validate.
func (c *ClusterConfig) RetryDelayDuration() time.Duration {
	d, _ := time.ParseDuration(c.RetryDelay)
	return d
}

// RefreshIntervalDuration parses RefreshInterval, already validated by
// Validate. A negative value disables periodic refresh.
func (c *ClusterConfig) RefreshIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.RefreshInterval)
	return d
}

// NodeAddrs renders Nodes as "host:port" strings, the form cluster.Config
// expects.
func (c *ClusterConfig) NodeAddrs() []string {
	out := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		out[i] = n.String()
	}
	return out
}

// LoadFile reads and validates a multi-cluster configuration file.
// ApplyDefaults runs on every cluster entry before Validate, so defaults
// never fail validation on their own.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for i := range f.Clusters {
		f.Clusters[i].path = path
		f.Clusters[i].ApplyDefaults()
		if err := f.Clusters[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// LoadAll is LoadFile followed by a name uniqueness check: multiple
// independent cluster states coexist keyed by name (§3 Data Model), so two
// entries sharing a name is a config error, not a last-write-wins merge.
func LoadAll(path string) ([]ClusterConfig, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(f.Clusters))
	for _, c := range f.Clusters {
		if seen[c.Name] {
			return nil, fmt.Errorf("config: duplicate cluster_name %q in %s", c.Name, path)
		}
		seen[c.Name] = true
	}
	return f.Clusters, nil
}
