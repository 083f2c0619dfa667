package analytics

import (
	"context"
	"math"
	"time"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// HealthScore is the composite 0-100 microstructure health blend plus its
// components and an optional volatility point forecast.
type HealthScore struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`

	SpreadStability  float64 `json:"spread_stability"`
	LiquidityDepth   float64 `json:"liquidity_depth"`
	OrderFlowBalance float64 `json:"order_flow_balance"`
	UpdateRateNormal float64 `json:"update_rate_normality"`

	VolatilityForecast *VolatilityForecast `json:"volatility_forecast,omitempty"`
}

// VolatilityForecast is a 5-minute regression-style point estimate.
type VolatilityForecast struct {
	HorizonSecs int     `json:"horizon_secs"`
	Estimate    float64 `json:"estimate"` // expected relative move, e.g. 0.004 = 0.4%
	Confidence  float64 `json:"confidence"`
}

// Component weights of the composite score.
const (
	weightSpread  = 0.30
	weightDepth   = 0.30
	weightFlow    = 0.20
	weightUpdates = 0.20

	healthWindow = 60 * time.Second
)

// HealthScore blends spread stability, depth, flow balance, and update
// rate normality over the trailing minute of snapshots.
func (e *Engine) HealthScore(ctx context.Context, symbol string) (*HealthScore, error) {
	sc, ok := e.scalesOf(symbol)
	if !ok {
		return nil, errs.InsufficientData(0, 5, "snapshots")
	}

	now := e.now()
	it, err := e.store.Scan(ctx, symbol, now.Add(-healthWindow).Unix(), now.Unix())
	if err != nil {
		return nil, errs.AsError(err)
	}
	defer it.Close()

	var (
		spreads []float64
		depths  []float64
		mids    []float64
		times   []float64
	)
	for {
		snap, ok := it.Next()
		if !ok {
			break
		}
		if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
			continue
		}
		bid := snap.Bids[0].PriceFloat(sc)
		ask := snap.Asks[0].PriceFloat(sc)
		spreads = append(spreads, ask-bid)
		mids = append(mids, (ask+bid)/2)
		times = append(times, float64(snap.Second))

		var depth float64
		for _, lv := range snap.Bids {
			depth += lv.QtyFloat(sc)
		}
		for _, lv := range snap.Asks {
			depth += lv.QtyFloat(sc)
		}
		depths = append(depths, depth)
	}
	if err := it.Err(); err != nil {
		return nil, errs.AsError(err)
	}
	if len(spreads) < 5 {
		return nil, errs.InsufficientData(len(spreads), 5, "snapshots")
	}

	h := &HealthScore{Symbol: symbol}
	h.SpreadStability = spreadStability(spreads)
	h.LiquidityDepth = liquidityDepth(depths)
	h.OrderFlowBalance = e.flowBalance(ctx, symbol)
	h.UpdateRateNormal = e.updateNormality(symbol, now)
	h.Score = weightSpread*h.SpreadStability +
		weightDepth*h.LiquidityDepth +
		weightFlow*h.OrderFlowBalance +
		weightUpdates*h.UpdateRateNormal
	h.VolatilityForecast = forecastVolatility(times, mids)
	return h, nil
}

func (e *Engine) scalesOf(symbol string) (market.Scales, bool) {
	d, found := e.detector(symbol)
	if !found {
		return market.Scales{}, false
	}
	return d.scales, true
}

// spreadStability scores the inverse coefficient of variation of the
// spread: a flat spread is healthy.
func spreadStability(spreads []float64) float64 {
	mean, variance := meanVar(spreads)
	if mean <= 0 {
		return 0
	}
	cv := math.Sqrt(variance) / mean
	return clampScore(100 * (1 - math.Tanh(2*cv)))
}

// liquidityDepth scores current depth against the window baseline.
func liquidityDepth(depths []float64) float64 {
	mean, _ := meanVar(depths)
	if mean <= 0 {
		return 0
	}
	ratio := depths[len(depths)-1] / mean
	return clampScore(100 * math.Tanh(ratio))
}

// flowBalance inverts |net_flow| relative to total flow: balanced books
// score high.
func (e *Engine) flowBalance(ctx context.Context, symbol string) float64 {
	of, err := e.OrderFlow(ctx, symbol, 60)
	if err != nil {
		return 50 // neutral when flow cannot be computed
	}
	total := of.BidFlowRate + of.AskFlowRate
	if total == 0 {
		return 100
	}
	return clampScore(100 * (1 - math.Abs(of.NetFlow)/total))
}

// updateNormality scores the z-score of the latest complete second's
// update count against the trailing buckets.
func (e *Engine) updateNormality(symbol string, now time.Time) float64 {
	d, ok := e.detector(symbol)
	if !ok {
		return 50
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := now.Unix() - 1
	var rates []float64
	var current float64
	for _, b := range d.secs {
		if b.sec == 0 || cur-b.sec >= secWindow {
			continue
		}
		if b.sec == cur {
			current = float64(b.updates)
			continue
		}
		rates = append(rates, float64(b.updates))
	}
	if len(rates) < 5 {
		return 50
	}
	mean, variance := meanVar(rates)
	std := math.Sqrt(variance)
	if std == 0 {
		if current == mean {
			return 100
		}
		return 50
	}
	z := math.Abs(current-mean) / std
	return clampScore(100 - 25*z)
}

// forecastVolatility fits mid = a + b*t over the window and projects the
// residual dispersion onto a 5-minute horizon. Confidence grows with the
// sample count and fit quality.
func forecastVolatility(times, mids []float64) *VolatilityForecast {
	n := len(mids)
	if n < 10 {
		return nil
	}
	tMean, _ := meanVar(times)
	mMean, mVar := meanVar(mids)
	if mMean <= 0 {
		return nil
	}

	var cov, tVar float64
	for i := range mids {
		cov += (times[i] - tMean) * (mids[i] - mMean)
		tVar += (times[i] - tMean) * (times[i] - tMean)
	}
	if tVar == 0 {
		return nil
	}
	slope := cov / tVar

	var ssRes float64
	for i := range mids {
		pred := mMean + slope*(times[i]-tMean)
		ssRes += (mids[i] - pred) * (mids[i] - pred)
	}
	residStd := math.Sqrt(ssRes / float64(n))

	span := times[n-1] - times[0]
	if span <= 0 {
		return nil
	}
	// Scale the per-window dispersion to the horizon with a sqrt-of-time
	// diffusion assumption.
	horizon := 300.0
	estimate := residStd / mMean * math.Sqrt(horizon/span)

	r2 := 0.0
	if mVar > 0 {
		r2 = 1 - ssRes/(mVar*float64(n))
		if r2 < 0 {
			r2 = 0
		}
	}
	conf := math.Min(0.95, 0.3+0.4*float64(n)/60.0+0.25*r2)
	return &VolatilityForecast{HorizonSecs: int(horizon), Estimate: estimate, Confidence: conf}
}

func meanVar(v []float64) (mean, variance float64) {
	if len(v) == 0 {
		return 0, 0
	}
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	for _, x := range v {
		variance += (x - mean) * (x - mean)
	}
	variance /= float64(len(v))
	return mean, variance
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
