package analytics

import (
	"sort"
	"time"

	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// Absorption directions and entity heuristics.
const (
	DirectionAccumulation = "ACCUMULATION"
	DirectionDistribution = "DISTRIBUTION"

	EntityMarketMaker = "MARKET_MAKER"
	EntityWhale       = "WHALE"
	EntityUnknown     = "UNKNOWN"
)

// AbsorptionEvent is a price level that keeps refilling while trades hit
// it: resting size soaking up flow without letting the price move.
type AbsorptionEvent struct {
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Price          float64   `json:"price"`
	Direction      string    `json:"direction"`
	EntityType     string    `json:"entity_type"`
	AbsorbedVolume float64   `json:"absorbed_volume"`
	RefillCount    int       `json:"refill_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// Absorptions lists the tracked absorption levels for symbol within the
// trailing lookback, strongest first.
func (e *Engine) Absorptions(symbol string, lookbackSecs int) []AbsorptionEvent {
	d, ok := e.detector(symbol)
	if !ok {
		return nil
	}
	if lookbackSecs <= 0 {
		lookbackSecs = 300
	}
	return d.absorptions(time.Duration(lookbackSecs) * time.Second)
}

func (d *Detector) absorptions(lookback time.Duration) []AbsorptionEvent {
	cutoff := d.now().Add(-lookback)
	d.mu.Lock()
	defer d.mu.Unlock()

	// Median refill rate across active levels anchors the entity
	// heuristic.
	rates := make([]float64, 0, len(d.levels))
	for _, tr := range d.levels {
		if tr.refillCount > 0 {
			rates = append(rates, refillRate(tr))
		}
	}
	med := medianOf(rates)

	out := make([]AbsorptionEvent, 0, 8)
	for key, tr := range d.levels {
		if tr.refillCount < 1 || tr.lastRefill.Before(cutoff) {
			continue
		}
		ev := AbsorptionEvent{
			Symbol:         d.symbol,
			Side:           key.side.String(),
			Price:          market.Level{Price: key.price}.PriceFloat(d.scales),
			AbsorbedVolume: tr.absorbedQty,
			RefillCount:    tr.refillCount,
			FirstSeen:      tr.firstRefill,
			LastSeen:       tr.lastRefill,
		}
		if key.side == market.Bid {
			ev.Direction = DirectionAccumulation
		} else {
			ev.Direction = DirectionDistribution
		}
		ev.EntityType = entityOf(refillRate(tr), med)
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AbsorbedVolume > out[j].AbsorbedVolume })
	return out
}

func refillRate(tr *levelTrack) float64 {
	span := tr.lastRefill.Sub(tr.firstRefill).Seconds()
	if span <= 0 {
		span = 1
	}
	return float64(tr.refillCount) / span
}

// entityOf classifies the refiller from its rate multiple over the median:
// sustained machine-speed refills read as a market maker, a heavy but
// slower multiple as a single large participant.
func entityOf(rate, median float64) string {
	if median <= 0 {
		return EntityUnknown
	}
	mult := rate / median
	switch {
	case mult >= 10:
		return EntityMarketMaker
	case mult >= 5:
		return EntityWhale
	default:
		return EntityUnknown
	}
}
