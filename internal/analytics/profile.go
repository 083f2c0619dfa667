package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// VolumeBin is one price bucket of a volume profile.
type VolumeBin struct {
	PriceLevel float64 `json:"price_level"` // bin lower bound
	Volume     float64 `json:"volume"`
	TradeCount int     `json:"trade_count"`
}

// VolumeProfile is the trade-driven distribution of volume over price.
type VolumeProfile struct {
	Symbol         string      `json:"symbol"`
	Start          time.Time   `json:"start"`
	End            time.Time   `json:"end"`
	BinSize        float64     `json:"bin_size"`
	Bins           []VolumeBin `json:"bins"`
	PointOfControl float64     `json:"point_of_control"`
	ValueAreaHigh  float64     `json:"value_area_high"`
	ValueAreaLow   float64     `json:"value_area_low"`
	TotalVolume    float64     `json:"total_volume"`
	TotalTrades    int         `json:"total_trades"`
}

// VolumeProfile aggregates the trade tape over [start, end] into price
// bins and derives POC and the 70% value area.
func (e *Engine) VolumeProfile(ctx context.Context, symbol string, start, end time.Time, scales market.Scales) (*VolumeProfile, error) {
	if !end.After(start) {
		return nil, errs.Validation("end must be after start")
	}
	if end.Sub(start) > e.cfg.Retention {
		return nil, errs.RangeTooLarge(int(e.cfg.Retention.Hours()))
	}
	_ = ctx

	tp, ok := e.tapes.Lookup(symbol)
	if !ok {
		return nil, errs.InsufficientData(0, e.cfg.MinProfileTrades, "trades")
	}
	trades := tp.Range(start, end)
	if len(trades) < e.cfg.MinProfileTrades {
		return nil, errs.InsufficientData(len(trades), e.cfg.MinProfileTrades, "trades")
	}

	lo, hi := trades[0].Price, trades[0].Price
	for _, tr := range trades {
		lo = math.Min(lo, tr.Price)
		hi = math.Max(hi, tr.Price)
	}

	tick := math.Pow10(-int(scales.Price))
	binSize := math.Max(tick*10, (hi-lo)/100)
	binCount := int(math.Ceil((hi-lo)/binSize)) + 1
	if binCount < 1 {
		binCount = 1
	}

	bins := make([]VolumeBin, binCount)
	for i := range bins {
		bins[i].PriceLevel = lo + float64(i)*binSize
	}
	var total float64
	for _, tr := range trades {
		i := int((tr.Price - lo) / binSize)
		if i >= binCount {
			i = binCount - 1
		}
		bins[i].Volume += tr.Qty
		bins[i].TradeCount++
		total += tr.Qty
	}

	poc := 0
	for i, b := range bins {
		if b.Volume > bins[poc].Volume {
			poc = i
		}
	}
	vaLo, vaHi := valueArea(bins, poc, total)

	return &VolumeProfile{
		Symbol:         symbol,
		Start:          start,
		End:            end,
		BinSize:        binSize,
		Bins:           bins,
		PointOfControl: bins[poc].PriceLevel + binSize/2,
		ValueAreaLow:   bins[vaLo].PriceLevel,
		ValueAreaHigh:  bins[vaHi].PriceLevel + binSize,
		TotalVolume:    total,
		TotalTrades:    len(trades),
	}, nil
}

// valueArea expands alternately up and down from the POC, one bin per step,
// until the covered bins hold at least 70% of total volume. Once one edge
// of the profile is reached, expansion continues on the other side only.
func valueArea(bins []VolumeBin, poc int, total float64) (lo, hi int) {
	lo, hi = poc, poc
	covered := bins[poc].Volume
	target := 0.70 * total

	up := true
	for covered < target && (lo > 0 || hi < len(bins)-1) {
		if (up && hi < len(bins)-1) || lo == 0 {
			hi++
			covered += bins[hi].Volume
		} else {
			lo--
			covered += bins[lo].Volume
		}
		up = !up
	}
	return lo, hi
}

// LiquidityVacuum is a contiguous run of thin bins inside a profile.
type LiquidityVacuum struct {
	Symbol         string  `json:"symbol"`
	PriceLow       float64 `json:"price_low"`
	PriceHigh      float64 `json:"price_high"`
	DeficitPct     float64 `json:"deficit_pct"`
	ExpectedImpact string  `json:"expected_impact"`
}

// Expected-impact bands for a vacuum's deficit.
const (
	ImpactFast       = "FAST_MOVEMENT"
	ImpactModerate   = "MODERATE_MOVEMENT"
	ImpactNegligible = "NEGLIGIBLE"
)

// vacuumThreshold flags bins holding less than this share of the local
// median volume.
const vacuumThreshold = 0.20

// LiquidityVacuums computes a volume profile over the trailing hours and
// scans it for contiguous thin-bin runs.
func (e *Engine) LiquidityVacuums(ctx context.Context, symbol string, hours int, scales market.Scales) ([]LiquidityVacuum, error) {
	if hours <= 0 {
		return nil, errs.Validation("hours must be positive, got %d", hours)
	}
	now := e.now()
	profile, err := e.VolumeProfile(ctx, symbol, now.Add(-time.Duration(hours)*time.Hour), now, scales)
	if err != nil {
		return nil, err
	}
	return scanVacuums(symbol, profile), nil
}

// scanVacuums emits each contiguous run of bins whose volume is below
// vacuumThreshold of the median volume in a surrounding window. Inside a
// wide empty range the local window is itself empty, so the profile-wide
// median takes over as the baseline there.
func scanVacuums(symbol string, p *VolumeProfile) []LiquidityVacuum {
	const window = 10

	vols := make([]float64, len(p.Bins))
	for i, b := range p.Bins {
		vols[i] = b.Volume
	}
	globalMed := medianOf(vols)

	var out []LiquidityVacuum
	runStart := -1
	var runDeficit float64
	var runLen int

	flush := func(endIdx int) {
		if runStart < 0 {
			return
		}
		avgDeficit := runDeficit / float64(runLen)
		out = append(out, LiquidityVacuum{
			Symbol:         symbol,
			PriceLow:       p.Bins[runStart].PriceLevel,
			PriceHigh:      p.Bins[endIdx-1].PriceLevel + p.BinSize,
			DeficitPct:     avgDeficit * 100,
			ExpectedImpact: impactOf(avgDeficit),
		})
		runStart = -1
		runDeficit = 0
		runLen = 0
	}

	for i := range p.Bins {
		med := localMedian(p.Bins, i, window)
		if med == 0 {
			med = globalMed
		}
		if med > 0 && p.Bins[i].Volume < vacuumThreshold*med {
			if runStart < 0 {
				runStart = i
			}
			runDeficit += 1 - p.Bins[i].Volume/med
			runLen++
			continue
		}
		flush(i)
	}
	flush(len(p.Bins))
	return out
}

func impactOf(deficit float64) string {
	switch {
	case deficit >= 0.80:
		return ImpactFast
	case deficit >= 0.50:
		return ImpactModerate
	default:
		return ImpactNegligible
	}
}

// localMedian is the median volume of the bins within +-window of i,
// excluding i itself.
func localMedian(bins []VolumeBin, i, window int) float64 {
	lo := i - window
	if lo < 0 {
		lo = 0
	}
	hi := i + window
	if hi > len(bins)-1 {
		hi = len(bins) - 1
	}
	vols := make([]float64, 0, hi-lo)
	for j := lo; j <= hi; j++ {
		if j == i {
			continue
		}
		vols = append(vols, bins[j].Volume)
	}
	if len(vols) == 0 {
		return 0
	}
	sort.Float64s(vols)
	n := len(vols)
	if n%2 == 1 {
		return vols[n/2]
	}
	return (vols[n/2-1] + vols[n/2]) / 2
}
