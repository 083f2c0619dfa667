package metrics

import (
	"github.com/forgetrade/mcp-binance-go/internal/book"
	"github.com/forgetrade/mcp-binance-go/internal/errs"
)

// Depth view presets.
const (
	DepthLite = 20
	DepthFull = 100
)

// L2View is the compact integer-encoded depth view. Prices and quantities
// stay in their scaled fixed-point form; the scales travel with the
// payload so clients can reconstruct exact decimals.
type L2View struct {
	Symbol     string     `json:"symbol"`
	Bids       [][2]int64 `json:"bids"` // [price, qty] scaled
	Asks       [][2]int64 `json:"asks"`
	PriceScale int32      `json:"price_scale"`
	QtyScale   int32      `json:"qty_scale"`
	Cursor     int64      `json:"cursor"`
	UpdatedAt  int64      `json:"updated_at_ms"`
	State      string     `json:"state"`
}

// ComputeL2 builds the compact view for 1..DepthFull levels.
func ComputeL2(v book.View, levels int) (*L2View, error) {
	if levels < 1 || levels > DepthFull {
		return nil, errs.Validation("levels must be in [1, %d], got %d", DepthFull, levels)
	}
	out := &L2View{
		Symbol:     v.Symbol,
		Bids:       make([][2]int64, 0, levels),
		Asks:       make([][2]int64, 0, levels),
		PriceScale: v.Scales.Price,
		QtyScale:   v.Scales.Qty,
		Cursor:     v.Cursor,
		UpdatedAt:  v.UpdatedAt.UnixMilli(),
		State:      v.State.String(),
	}
	for i := 0; i < levels && i < len(v.Bids); i++ {
		out.Bids = append(out.Bids, [2]int64{v.Bids[i].Price, v.Bids[i].Qty})
	}
	for i := 0; i < levels && i < len(v.Asks); i++ {
		out.Asks = append(out.Asks, [2]int64{v.Asks[i].Price, v.Asks[i].Qty})
	}
	return out, nil
}
