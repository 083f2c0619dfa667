package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/store"
	"github.com/forgetrade/mcp-binance-go/internal/stream"
	"github.com/forgetrade/mcp-binance-go/internal/tape"
)

var testScales = market.Scales{Price: 2, Qty: 4}

func newTestEngine(t *testing.T, at time.Time) (*Engine, *store.MemoryStore, *tape.Tapes) {
	t.Helper()
	st := store.NewMemoryStore()
	tapes := tape.NewTapes("wss://x", 32768, zerolog.Nop())
	e := NewEngine(Config{Retention: 7 * 24 * time.Hour}, st, tapes, zerolog.Nop())
	e.now = func() time.Time { return at }
	return e, st, tapes
}

// seedFlowSnapshots writes one snapshot per second for the window, adding
// bidAdds new bid levels and askAdds new ask levels each second.
func seedFlowSnapshots(t *testing.T, st *store.MemoryStore, symbol string, end time.Time, secs, bidAdds, askAdds int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i <= secs; i++ {
		sec := end.Unix() - int64(secs) + int64(i)
		snap := &store.Snapshot{
			Symbol:    symbol,
			Second:    sec,
			Cursor:    int64(1000 + i),
			EventTime: sec * 1000,
		}
		// A fixed anchor level keeps both sides populated; per-second
		// unique prices register as adds.
		snap.Bids = append(snap.Bids, market.Level{Price: 100000, Qty: 10000})
		snap.Asks = append(snap.Asks, market.Level{Price: 100100, Qty: 10000})
		for b := 0; b < bidAdds; b++ {
			snap.Bids = append(snap.Bids, market.Level{Price: int64(99000 - i*100 - b), Qty: 5000})
		}
		for a := 0; a < askAdds; a++ {
			snap.Asks = append(snap.Asks, market.Level{Price: int64(101000 + i*100 + a), Qty: 5000})
		}
		require.NoError(t, st.Put(ctx, snap))
	}
}

func TestOrderFlowValidatesWindow(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Unix(1700000000, 0))
	for _, w := range []int{0, 5, 45, 301} {
		_, err := e.OrderFlow(context.Background(), "ETHUSDT", w)
		require.Error(t, err, "window %d", w)
		assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	}
}

func TestOrderFlowInsufficientData(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Unix(1700000000, 0))
	_, err := e.OrderFlow(context.Background(), "ETHUSDT", 60)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInsufficientData, errs.CodeOf(err))
}

func TestOrderFlowStrongBuy(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, st, tapes := newTestEngine(t, now)

	// Bid-side adds dominate 2.5:1 over the window.
	seedFlowSnapshots(t, st, "ETHUSDT", now, 60, 5, 2)

	// Trades inside the window: 30 bought, 12 sold.
	tp := tapes.Get("ETHUSDT")
	for i := 0; i < 10; i++ {
		at := now.Add(-time.Duration(i) * time.Second)
		tp.Append(stream.Trade{Symbol: "ETHUSDT", Price: 2000, Qty: 3, EventTime: at, IsBuyerMaker: false})
		tp.Append(stream.Trade{Symbol: "ETHUSDT", Price: 2000, Qty: 1.2, EventTime: at, IsBuyerMaker: true})
	}

	of, err := e.OrderFlow(context.Background(), "ETHUSDT", 60)
	require.NoError(t, err)

	assert.Equal(t, FlowStrongBuy, of.FlowDirection)
	assert.Greater(t, of.BidFlowRate, of.AskFlowRate)
	assert.InDelta(t, of.BidFlowRate-of.AskFlowRate, of.NetFlow, 1e-9)
	assert.InDelta(t, 30-12, of.CumulativeDelta, 1e-6)
	assert.Equal(t, 20, of.TradeCount)
}

func TestOrderFlowNeutralAndSell(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("neutral", func(t *testing.T) {
		e, st, _ := newTestEngine(t, now)
		seedFlowSnapshots(t, st, "ETHUSDT", now, 30, 3, 3)
		of, err := e.OrderFlow(context.Background(), "ETHUSDT", 30)
		require.NoError(t, err)
		assert.Equal(t, FlowNeutral, of.FlowDirection)
	})

	t.Run("strong sell", func(t *testing.T) {
		e, st, _ := newTestEngine(t, now)
		seedFlowSnapshots(t, st, "ETHUSDT", now, 30, 1, 4)
		of, err := e.OrderFlow(context.Background(), "ETHUSDT", 30)
		require.NoError(t, err)
		assert.Equal(t, FlowStrongSell, of.FlowDirection)
		assert.Negative(t, of.NetFlow)
	})
}

func TestFlowDirectionBands(t *testing.T) {
	cases := []struct {
		bid, ask float64
		want     string
	}{
		{5, 2, FlowStrongBuy},
		{3, 2, FlowModerateBuy},
		{2, 2, FlowNeutral},
		{1.7, 2, FlowNeutral},
		{1.2, 2, FlowModerateSell},
		{0.5, 2, FlowStrongSell},
		{1, 0, FlowStrongBuy},
		{0, 1, FlowStrongSell},
		{0, 0, FlowNeutral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, flowDirection(tc.bid, tc.ask), "bid=%v ask=%v", tc.bid, tc.ask)
	}
}
