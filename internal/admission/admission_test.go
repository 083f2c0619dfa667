package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
)

func TestAcquireWithinBudget(t *testing.T) {
	c := New(Config{RatePerMinute: 600, Burst: 5, RouteRatePerMinute: 600, RouteBurst: 5, QueueTimeout: time.Second})

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Acquire(context.Background(), "/api/v3/depth"))
	}
	stats := c.Snapshot()
	assert.Equal(t, int64(5), stats.Granted)
	assert.Equal(t, int64(0), stats.Denied)
}

func TestAcquireSaturationReturnsRateLimited(t *testing.T) {
	// One token per minute: the second caller cannot be served within the
	// queue timeout.
	c := New(Config{RatePerMinute: 1, Burst: 1, RouteRatePerMinute: 600, RouteBurst: 10, QueueTimeout: 50 * time.Millisecond})

	require.NoError(t, c.Acquire(context.Background(), "/r"))

	err := c.Acquire(context.Background(), "/r")
	require.Error(t, err)
	e := errs.AsError(err)
	assert.Equal(t, errs.CodeRateLimited, e.Code)

	retry, ok := e.Details["retry_after_secs"].(int)
	require.True(t, ok)
	assert.Positive(t, retry)
	assert.Equal(t, int64(1), c.Snapshot().Denied)
}

func TestRouteBudgetGatesBeforeGlobal(t *testing.T) {
	// Generous global bucket, single-token route bucket: the route is the
	// limiting stage.
	c := New(Config{RatePerMinute: 6000, Burst: 100, RouteRatePerMinute: 1, RouteBurst: 1, QueueTimeout: 50 * time.Millisecond})

	require.NoError(t, c.Acquire(context.Background(), "/slow"))
	err := c.Acquire(context.Background(), "/slow")
	require.Error(t, err)
	assert.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))

	// Other routes are unaffected.
	require.NoError(t, c.Acquire(context.Background(), "/other"))
}

func TestAcquireCancelledContext(t *testing.T) {
	c := New(Config{RatePerMinute: 1, Burst: 1, RouteRatePerMinute: 600, RouteBurst: 10, QueueTimeout: 10 * time.Second})
	require.NoError(t, c.Acquire(context.Background(), "/r"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.Acquire(ctx, "/r")
	require.Error(t, err)
	assert.Equal(t, errs.CodeCancelled, errs.CodeOf(err))
}

func TestUtilizationBounds(t *testing.T) {
	c := New(Config{RatePerMinute: 60, Burst: 2, RouteRatePerMinute: 600, RouteBurst: 10, QueueTimeout: time.Second})
	assert.LessOrEqual(t, c.Utilization(), 1.0)
	require.NoError(t, c.Acquire(context.Background(), "/r"))
	require.NoError(t, c.Acquire(context.Background(), "/r"))
	u := c.Utilization()
	assert.GreaterOrEqual(t, u, 0.0)
	assert.LessOrEqual(t, u, 1.0)
}
