package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/store"
)

// seedHealthSnapshots writes a stable book: constant spread and depth.
func seedHealthSnapshots(t *testing.T, st *store.MemoryStore, symbol string, end time.Time, secs int) {
	t.Helper()
	for i := 0; i <= secs; i++ {
		sec := end.Unix() - int64(secs) + int64(i)
		require.NoError(t, st.Put(context.Background(), &store.Snapshot{
			Symbol: symbol,
			Second: sec,
			Bids: []market.Level{
				{Price: 10000, Qty: 50000},
				{Price: 9990, Qty: 50000},
			},
			Asks: []market.Level{
				{Price: 10010, Qty: 50000},
				{Price: 10020, Qty: 50000},
			},
			Cursor:    int64(i),
			EventTime: sec * 1000,
		}))
	}
}

func TestHealthScoreStableBook(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, st, _ := newTestEngine(t, now)
	d := e.DetectorFor("BTCUSDT", testScales)

	seedHealthSnapshots(t, st, "BTCUSDT", now, 60)

	// A steady update cadence feeds the normality component.
	cursor := int64(0)
	for i := 0; i < 30; i++ {
		at := now.Add(-time.Duration(30-i) * time.Second)
		for j := 0; j < 10; j++ {
			cursor++
			d.ObserveApply(applyEvent(at.Add(time.Duration(j)*50*time.Millisecond), cursor, nil))
		}
	}

	h, err := e.HealthScore(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, h.Score, 0.0)
	assert.LessOrEqual(t, h.Score, 100.0)
	// A perfectly stable spread scores at the top of its band.
	assert.Greater(t, h.SpreadStability, 90.0)
	assert.Greater(t, h.LiquidityDepth, 50.0)
	assert.GreaterOrEqual(t, h.UpdateRateNormal, 0.0)

	require.NotNil(t, h.VolatilityForecast)
	assert.Equal(t, 300, h.VolatilityForecast.HorizonSecs)
	// A constant mid has zero residual dispersion.
	assert.InDelta(t, 0.0, h.VolatilityForecast.Estimate, 1e-9)
	assert.Greater(t, h.VolatilityForecast.Confidence, 0.0)
}

func TestHealthScoreInsufficientData(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, _, _ := newTestEngine(t, now)
	e.DetectorFor("BTCUSDT", testScales)

	_, err := e.HealthScore(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInsufficientData, errs.CodeOf(err))
}

func TestHealthScoreNoDetector(t *testing.T) {
	e, st, _ := newTestEngine(t, time.Unix(1700000000, 0))
	seedHealthSnapshots(t, st, "BTCUSDT", time.Unix(1700000000, 0), 60)

	_, err := e.HealthScore(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInsufficientData, errs.CodeOf(err))
}

func TestForecastVolatilityNeedsSamples(t *testing.T) {
	assert.Nil(t, forecastVolatility([]float64{1, 2, 3}, []float64{1, 2, 3}))
}
