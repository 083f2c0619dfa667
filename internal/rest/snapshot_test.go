package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/admission"
	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
)

func testAdmission() *admission.Controller {
	return admission.New(admission.Config{
		RatePerMinute:      6000,
		Burst:              100,
		RouteRatePerMinute: 6000,
		RouteBurst:         100,
		QueueTimeout:       time.Second,
	})
}

func newTestSnapshotter(base string) *Snapshotter {
	s := New(base, testAdmission(), zerolog.Nop())
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

const depthBody = `{
	"lastUpdateId": 160,
	"bids": [["50000.12", "1.5"], ["49999.00", "2"]],
	"asks": [["50001.00", "0.7"]]
}`

func TestSnapshotSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/depth", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1000", r.URL.Query().Get("limit"))
		w.Write([]byte(depthBody))
	}))
	defer srv.Close()

	snap, err := newTestSnapshotter(srv.URL).Snapshot(context.Background(), "BTCUSDT", market.Scales{Price: 2, Qty: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(160), snap.Cursor)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, int64(5000012), snap.Bids[0].Price)
	assert.Equal(t, int64(150000), snap.Bids[0].Qty)
	require.Len(t, snap.Asks, 1)
}

func TestSnapshotRetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(depthBody))
	}))
	defer srv.Close()

	snap, err := newTestSnapshotter(srv.URL).Snapshot(context.Background(), "BTCUSDT", market.Scales{Price: 2, Qty: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(160), snap.Cursor)
	assert.Equal(t, int64(2), calls.Load())
}

func TestSnapshotRateLimitBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestSnapshotter(srv.URL).Snapshot(context.Background(), "BTCUSDT", market.Scales{Price: 2, Qty: 5})
	require.Error(t, err)
	e := errs.AsError(err)
	assert.Equal(t, errs.CodeRateLimited, e.Code)
	retry, ok := e.Details["retry_after_secs"].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, retry, 1)
}

func TestSnapshotServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestSnapshotter(srv.URL).Snapshot(context.Background(), "BTCUSDT", market.Scales{Price: 2, Qty: 5})
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestSnapshotMalformedBodyIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"lastUpdateId": "nope"`))
	}))
	defer srv.Close()

	_, err := newTestSnapshotter(srv.URL).Snapshot(context.Background(), "BTCUSDT", market.Scales{Price: 2, Qty: 5})
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
}

func TestSnapshotCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(depthBody))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestSnapshotter(srv.URL).Snapshot(ctx, "BTCUSDT", market.Scales{Price: 2, Qty: 5})
	require.Error(t, err)
	assert.Equal(t, errs.CodeCancelled, errs.CodeOf(err))
}
