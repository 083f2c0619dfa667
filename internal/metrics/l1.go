// Package metrics derives read views from a point-in-time session copy: L1
// aggregates and the compact L2 depth view. Health summaries come from the
// book package. Everything here is a pure function over a book.View;
// nothing mutates session state.
package metrics

import (
	"math"
	"sort"

	"github.com/forgetrade/mcp-binance-go/internal/book"
	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// DefaultNotionalSizes are the slippage probe sizes (quote units) used
// when the caller does not pass its own.
var DefaultNotionalSizes = []float64{1_000, 10_000, 100_000}

// L1Config shapes the cheap aggregate view.
type L1Config struct {
	// ImbalanceTopK is how many levels per side feed the imbalance ratio.
	ImbalanceTopK int
	// WallMultiplier flags levels holding more than this multiple of the
	// median level quantity.
	WallMultiplier float64
	// WallScanLevels is how many levels per side are scanned for walls.
	WallScanLevels int
	// MaxWallsPerSide bounds the reported walls.
	MaxWallsPerSide int
}

func (c *L1Config) normalize() {
	if c.ImbalanceTopK <= 0 {
		c.ImbalanceTopK = 5
	}
	if c.WallMultiplier <= 0 {
		c.WallMultiplier = 5.0
	}
	if c.WallScanLevels <= 0 {
		c.WallScanLevels = 20
	}
	if c.MaxWallsPerSide <= 0 {
		c.MaxWallsPerSide = 3
	}
}

// Wall is a price level holding an outsized resting quantity.
type Wall struct {
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Qty        float64 `json:"qty"`
	MedianMult float64 `json:"median_mult"`
}

// Slippage is the simulated cost of sweeping the book for one notional
// size, in both directions.
type Slippage struct {
	Notional float64 `json:"notional"`

	BuyAvgPrice  float64 `json:"buy_avg_price,omitempty"`
	BuyCostBps   float64 `json:"buy_cost_bps,omitempty"`
	SellAvgPrice float64 `json:"sell_avg_price,omitempty"`
	SellCostBps  float64 `json:"sell_cost_bps,omitempty"`

	// Insufficient flags a book too shallow for the probe; Available is
	// the notional actually resting on the short side.
	Insufficient bool    `json:"insufficient,omitempty"`
	Available    float64 `json:"available_notional,omitempty"`
}

// L1Metrics is the cheapest view of a symbol's book.
type L1Metrics struct {
	Symbol     string     `json:"symbol"`
	BestBid    float64    `json:"best_bid"`
	BestAsk    float64    `json:"best_ask"`
	BestBidQty float64    `json:"best_bid_qty"`
	BestAskQty float64    `json:"best_ask_qty"`
	Mid        float64    `json:"mid"`
	Spread     float64    `json:"spread"`
	SpreadBps  float64    `json:"spread_bps"`
	Microprice float64    `json:"microprice"`
	Imbalance  float64    `json:"imbalance"`
	Walls      []Wall     `json:"walls"`
	Slippage   []Slippage `json:"slippage"`
	Cursor     int64      `json:"cursor"`
	UpdatedAt  int64      `json:"updated_at_ms"`
	State      string     `json:"state"`
}

// ComputeL1 derives the L1 aggregates from a top-N view. The view should
// carry enough levels for the wall scan (WallScanLevels per side).
func ComputeL1(v book.View, cfg L1Config, notionalSizes []float64) (*L1Metrics, error) {
	cfg.normalize()
	if len(v.Bids) == 0 || len(v.Asks) == 0 {
		return nil, errs.Unavailable(nil).WithDetail("symbol", v.Symbol).WithDetail("reason", "book side empty")
	}
	if len(notionalSizes) == 0 {
		notionalSizes = DefaultNotionalSizes
	}

	bestBid := v.Bids[0].PriceFloat(v.Scales)
	bestAsk := v.Asks[0].PriceFloat(v.Scales)
	bidQty := v.Bids[0].QtyFloat(v.Scales)
	askQty := v.Asks[0].QtyFloat(v.Scales)
	mid := (bestBid + bestAsk) / 2
	spread := bestAsk - bestBid

	m := &L1Metrics{
		Symbol:     v.Symbol,
		BestBid:    bestBid,
		BestAsk:    bestAsk,
		BestBidQty: bidQty,
		BestAskQty: askQty,
		Mid:        mid,
		Spread:     spread,
		SpreadBps:  spread / mid * 10_000,
		Microprice: (bestBid*askQty + bestAsk*bidQty) / (bidQty + askQty),
		Imbalance:  imbalance(v, cfg.ImbalanceTopK),
		Walls:      walls(v, cfg),
		Cursor:     v.Cursor,
		UpdatedAt:  v.UpdatedAt.UnixMilli(),
		State:      v.State.String(),
	}
	for _, size := range notionalSizes {
		m.Slippage = append(m.Slippage, slippage(v, mid, size))
	}
	return m, nil
}

// imbalance is (qty_bid - qty_ask) / (qty_bid + qty_ask) over the top K
// levels, clamped to [-1, 1] by construction.
func imbalance(v book.View, k int) float64 {
	var bid, ask float64
	for i := 0; i < k && i < len(v.Bids); i++ {
		bid += v.Bids[i].QtyFloat(v.Scales)
	}
	for i := 0; i < k && i < len(v.Asks); i++ {
		ask += v.Asks[i].QtyFloat(v.Scales)
	}
	if bid+ask == 0 {
		return 0
	}
	return (bid - ask) / (bid + ask)
}

// walls flags levels whose quantity exceeds wall_multiplier times the
// median quantity over the scanned depth.
func walls(v book.View, cfg L1Config) []Wall {
	med := medianQty(v, cfg.WallScanLevels)
	if med == 0 {
		return nil
	}
	out := make([]Wall, 0, 2*cfg.MaxWallsPerSide)
	out = append(out, sideWalls(v, v.Bids, "bid", med, cfg)...)
	out = append(out, sideWalls(v, v.Asks, "ask", med, cfg)...)
	return out
}

func sideWalls(v book.View, levels []market.Level, side string, med float64, cfg L1Config) []Wall {
	var found []Wall
	for i := 0; i < cfg.WallScanLevels && i < len(levels); i++ {
		qty := levels[i].QtyFloat(v.Scales)
		if qty > cfg.WallMultiplier*med {
			found = append(found, Wall{
				Side:       side,
				Price:      levels[i].PriceFloat(v.Scales),
				Qty:        qty,
				MedianMult: qty / med,
			})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Qty > found[j].Qty })
	if len(found) > cfg.MaxWallsPerSide {
		found = found[:cfg.MaxWallsPerSide]
	}
	return found
}

func medianQty(v book.View, scan int) float64 {
	var qtys []float64
	for i := 0; i < scan && i < len(v.Bids); i++ {
		qtys = append(qtys, v.Bids[i].QtyFloat(v.Scales))
	}
	for i := 0; i < scan && i < len(v.Asks); i++ {
		qtys = append(qtys, v.Asks[i].QtyFloat(v.Scales))
	}
	if len(qtys) == 0 {
		return 0
	}
	sort.Float64s(qtys)
	n := len(qtys)
	if n%2 == 1 {
		return qtys[n/2]
	}
	return (qtys[n/2-1] + qtys[n/2]) / 2
}

// slippage walks both sides of the book, asks for the buy and bids for the
// sell, consuming notional until the probe size is exhausted.
func slippage(v book.View, mid, notional float64) Slippage {
	s := Slippage{Notional: notional}

	buyAvg, buyOK, buyAvail := sweep(v, v.Asks, notional)
	sellAvg, sellOK, sellAvail := sweep(v, v.Bids, notional)

	if !buyOK || !sellOK {
		s.Insufficient = true
		s.Available = math.Min(buyAvail, sellAvail)
		return s
	}
	s.BuyAvgPrice = buyAvg
	s.BuyCostBps = (buyAvg - mid) / mid * 10_000
	s.SellAvgPrice = sellAvg
	s.SellCostBps = (mid - sellAvg) / mid * 10_000
	return s
}

func sweep(v book.View, levels []market.Level, notional float64) (avgPrice float64, ok bool, available float64) {
	var cost, qty float64
	remaining := notional
	for _, lv := range levels {
		price := lv.PriceFloat(v.Scales)
		levelQty := lv.QtyFloat(v.Scales)
		levelNotional := price * levelQty
		available += levelNotional
		if levelNotional >= remaining {
			fillQty := remaining / price
			cost += remaining
			qty += fillQty
			return cost / qty, true, available
		}
		cost += levelNotional
		qty += levelQty
		remaining -= levelNotional
	}
	return 0, false, available
}
