package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clusters.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeTempFile(t, `
clusters:
  - cluster_name: orders
    nodes:
      - host: 10.0.0.1
        port: 7000
      - host: 10.0.0.2
        port: 7001
`)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(f.Clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d", len(f.Clusters))
	}
	c := f.Clusters[0]
	if c.Size != 4 || c.MaxOverflow != 4 {
		t.Errorf("expected default size/max_overflow 4/4, got %d/%d", c.Size, c.MaxOverflow)
	}
	if c.RequestTTL != 16 {
		t.Errorf("expected default request_ttl 16, got %d", c.RequestTTL)
	}
	if c.RetryDelayDuration().String() != "100ms" {
		t.Errorf("expected default retry_delay 100ms, got %s", c.RetryDelayDuration())
	}
	if c.OLTransactionTTL != 5 {
		t.Errorf("expected default ol_transaction_ttl 5, got %d", c.OLTransactionTTL)
	}
	addrs := c.NodeAddrs()
	if len(addrs) != 2 || addrs[0] != "10.0.0.1:7000" || addrs[1] != "10.0.0.2:7001" {
		t.Errorf("unexpected node addrs: %v", addrs)
	}
}

func TestLoadFileRejectsMissingNodes(t *testing.T) {
	path := writeTempFile(t, `
clusters:
  - cluster_name: orders
    nodes: []
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error for empty nodes")
	}
}

func TestLoadFileRejectsBadPort(t *testing.T) {
	path := writeTempFile(t, `
clusters:
  - cluster_name: orders
    nodes:
      - host: 10.0.0.1
        port: 99999
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := writeTempFile(t, `
clusters:
  - cluster_name: orders
    nodes:
      - host: 10.0.0.1
        port: 7000
    retry_delay: "not-a-duration"
`)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error for bad retry_delay")
	}
}

func TestLoadAllRejectsDuplicateNames(t *testing.T) {
	path := writeTempFile(t, `
clusters:
  - cluster_name: orders
    nodes:
      - host: 10.0.0.1
        port: 7000
  - cluster_name: orders
    nodes:
      - host: 10.0.0.2
        port: 7000
`)
	if _, err := LoadAll(path); err == nil {
		t.Fatal("expected error for duplicate cluster_name")
	}
}

func TestLoadFileMissingFile(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
