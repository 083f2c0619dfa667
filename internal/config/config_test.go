package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsApplied(t *testing.T) {
	c := Default()

	assert.Equal(t, 20, c.Books.MaxConcurrentSymbols)
	assert.Equal(t, 5*time.Second, c.FreshnessThreshold())
	assert.Equal(t, 5000, c.Books.ActivationTimeoutColdMs)
	assert.Equal(t, 200, c.Books.ActivationTimeoutWarmMs)
	assert.Equal(t, "oldest-stale", c.Books.EvictionPolicy)
	assert.Equal(t, 10, c.Books.SnapshotAttemptBudget)
	assert.Equal(t, time.Second, c.SnapshotInterval())
	assert.Equal(t, 7*24*time.Hour, c.Retention())
	assert.Equal(t, 1000, c.Admission.RatePerMinute)
	assert.Equal(t, 30000, c.Admission.QueueTimeoutMs)
	assert.Equal(t, "memory", c.Snapshots.Backend)
	assert.Equal(t, "https://api.binance.com", c.Endpoints.RESTBase)
	assert.Equal(t, "wss://stream.binance.com:9443", c.Endpoints.StreamBase)
}

func TestLoadOverridesAndFallbacks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
books:
  max_concurrent_symbols: 2
  freshness_threshold_ms: 1500
snapshots:
  retention_days: 3
  backend: redis
  redis:
    addr: redis.internal:6379
symbols:
  BTCUSDT:
    price_scale: 2
    qty_scale: 5
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Books.MaxConcurrentSymbols)
	assert.Equal(t, 1500*time.Millisecond, c.FreshnessThreshold())
	assert.Equal(t, 3*24*time.Hour, c.Retention())
	assert.Equal(t, "redis", c.Snapshots.Backend)
	assert.Equal(t, "redis.internal:6379", c.Snapshots.Redis.Addr)

	// Untouched knobs still get defaults.
	assert.Equal(t, 1000, c.Admission.RatePerMinute)
	assert.Equal(t, ":8090", c.Server.Addr)

	p, q := c.ScalesFor("BTCUSDT")
	assert.Equal(t, int32(2), p)
	assert.Equal(t, int32(5), q)

	p, q = c.ScalesFor("UNKNOWNUSDT")
	assert.Equal(t, int32(8), p)
	assert.Equal(t, int32(8), q)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("books: ["), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
