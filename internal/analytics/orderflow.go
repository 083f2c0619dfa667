package analytics

import (
	"context"
	"time"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/store"
)

// Flow directions, ordered strongest-buy to strongest-sell.
const (
	FlowStrongBuy    = "STRONG_BUY"
	FlowModerateBuy  = "MODERATE_BUY"
	FlowNeutral      = "NEUTRAL"
	FlowModerateSell = "MODERATE_SELL"
	FlowStrongSell   = "STRONG_SELL"
)

// ValidOrderFlowWindow reports whether windowSecs is one of the supported
// windows.
func ValidOrderFlowWindow(windowSecs int) bool {
	switch windowSecs {
	case 10, 30, 60, 300:
		return true
	}
	return false
}

// OrderFlowWindow summarizes level-add pressure over a trailing window.
type OrderFlowWindow struct {
	Symbol          string  `json:"symbol"`
	WindowSecs      int     `json:"window_secs"`
	BidFlowRate     float64 `json:"bid_flow_rate"`
	AskFlowRate     float64 `json:"ask_flow_rate"`
	NetFlow         float64 `json:"net_flow"`
	FlowDirection   string  `json:"flow_direction"`
	CumulativeDelta float64 `json:"cumulative_delta"`
	SnapshotCount   int     `json:"snapshot_count"`
	TradeCount      int     `json:"trade_count"`
}

// OrderFlow scans the snapshot history for the trailing window and infers
// per-second level additions per side, then folds in the trade tape's
// cumulative delta over the same window.
func (e *Engine) OrderFlow(ctx context.Context, symbol string, windowSecs int) (*OrderFlowWindow, error) {
	if !ValidOrderFlowWindow(windowSecs) {
		return nil, errs.Validation("window_secs must be one of 10, 30, 60, 300; got %d", windowSecs)
	}

	now := e.now()
	fromSec := now.Add(-time.Duration(windowSecs) * time.Second).Unix()
	it, err := e.store.Scan(ctx, symbol, fromSec, now.Unix())
	if err != nil {
		return nil, errs.AsError(err)
	}
	defer it.Close()

	var (
		prev      *store.Snapshot
		bidAdds   int
		askAdds   int
		snapshots int
	)
	for {
		snap, ok := it.Next()
		if !ok {
			break
		}
		snapshots++
		if prev != nil {
			b, a := countAdds(prev, snap)
			bidAdds += b
			askAdds += a
		}
		prev = snap
	}
	if err := it.Err(); err != nil {
		return nil, errs.AsError(err)
	}
	if snapshots < 2 {
		return nil, errs.InsufficientData(snapshots, 2, "snapshots")
	}

	w := float64(windowSecs)
	out := &OrderFlowWindow{
		Symbol:        symbol,
		WindowSecs:    windowSecs,
		BidFlowRate:   float64(bidAdds) / w,
		AskFlowRate:   float64(askAdds) / w,
		SnapshotCount: snapshots,
	}
	out.NetFlow = out.BidFlowRate - out.AskFlowRate
	out.FlowDirection = flowDirection(out.BidFlowRate, out.AskFlowRate)

	if tp, ok := e.tapes.Lookup(symbol); ok {
		for _, tr := range tp.Range(now.Add(-time.Duration(windowSecs)*time.Second), now) {
			out.TradeCount++
			if tr.IsBuyerMaker {
				out.CumulativeDelta -= tr.Qty
			} else {
				out.CumulativeDelta += tr.Qty
			}
		}
	}
	return out, nil
}

// countAdds counts levels that are new or grew between two consecutive
// snapshots, per side.
func countAdds(prev, cur *store.Snapshot) (bidAdds, askAdds int) {
	return sideAdds(prev.Bids, cur.Bids), sideAdds(prev.Asks, cur.Asks)
}

func sideAdds(prev, cur []market.Level) int {
	before := make(map[int64]int64, len(prev))
	for _, lv := range prev {
		before[lv.Price] = lv.Qty
	}
	adds := 0
	for _, lv := range cur {
		old, ok := before[lv.Price]
		if !ok || lv.Qty > old {
			adds++
		}
	}
	return adds
}

// flowDirection classifies the bid/ask add-rate ratio.
func flowDirection(bidRate, askRate float64) string {
	switch {
	case askRate == 0 && bidRate == 0:
		return FlowNeutral
	case askRate == 0:
		return FlowStrongBuy
	case bidRate == 0:
		return FlowStrongSell
	}
	ratio := bidRate / askRate
	switch {
	case ratio > 2.0:
		return FlowStrongBuy
	case ratio >= 1.2:
		return FlowModerateBuy
	case ratio >= 0.8:
		return FlowNeutral
	case ratio >= 0.5:
		return FlowModerateSell
	default:
		return FlowStrongSell
	}
}
