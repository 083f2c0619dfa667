package analytics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/forgetrade/mcp-binance-go/internal/book"
	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/tape"
)

// Anomaly types.
const (
	AnomalyQuoteStuffing  = "QUOTE_STUFFING"
	AnomalyIcebergOrder   = "ICEBERG_ORDER"
	AnomalyFlashCrashRisk = "FLASH_CRASH_RISK"
)

// Severity bands, mapped from the detection confidence.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// minConfidence gates every emission.
const minConfidence = 0.95

// Anomaly is one detector emission with type-specific metadata.
type Anomaly struct {
	Type       string         `json:"type"`
	Symbol     string         `json:"symbol"`
	At         time.Time      `json:"at"`
	Confidence float64        `json:"confidence"`
	Severity   string         `json:"severity"`
	Metadata   map[string]any `json:"metadata"`
}

const (
	secWindow       = 64  // per-second buckets retained
	depthWindow     = 16  // seconds of depth history for flash-crash
	spreadWindow    = 60  // seconds of spread history
	anomalyRingCap  = 256 // emissions retained per symbol
	maxLevelTracks  = 4096
	refillWindow    = 5 * time.Second
	refillTolerance = 0.25 // refill qty must be within 25% of the removal
	minIcebergRefills = 3
)

type secBucket struct {
	sec     int64
	updates int // deltas applied
	changes int // level mutations
	cancels int // level removals
}

type depthBucket struct {
	sec int64
	qty int64 // top-N scaled qty, both sides
}

type spreadBucket struct {
	sec    int64
	spread float64
	set    bool
}

type levelKey struct {
	side  market.Side
	price int64
}

type levelTrack struct {
	lastRemovedQty int64
	lastRemovedAt  time.Time
	refillCount    int
	firstRefill    time.Time
	lastRefill     time.Time
	absorbedQty    float64 // quantity units
	lastTouched    time.Time
}

// Detector is the per-symbol streaming anomaly pipeline, fed directly by
// the session's delta application. It keeps fixed-size per-second rings so
// a 1000 delta/s feed costs O(changes) per event with no allocation spikes.
type Detector struct {
	symbol string
	scales market.Scales
	cfg    Config
	tape   *tape.Tape
	now    func() time.Time

	mu         sync.Mutex
	secs       [secWindow]secBucket
	depths     [depthWindow]depthBucket
	spreads    [spreadWindow]spreadBucket
	levels       map[levelKey]*levelTrack
	lastSec      int64
	evaluatedSec int64
	anomalies    []Anomaly // ring
	anomalyPos   int
}

func newDetector(symbol string, scales market.Scales, cfg Config, tp *tape.Tape, now func() time.Time) *Detector {
	return &Detector{
		symbol:    symbol,
		scales:    scales,
		cfg:       cfg,
		tape:      tp,
		now:       now,
		levels:    make(map[levelKey]*levelTrack),
		anomalies: make([]Anomaly, 0, anomalyRingCap),
	}
}

// ObserveApply ingests one applied delta. Called on the session's writer
// goroutine; all work is constant-bounded.
func (d *Detector) ObserveApply(ev book.ApplyEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sec := ev.EventTime.Unix()
	if d.lastSec != 0 && sec > d.lastSec {
		// The previous second just completed; run the once-per-second
		// detectors on it.
		d.evaluateSecond(d.lastSec)
	}
	if sec >= d.lastSec {
		d.lastSec = sec
	}

	b := &d.secs[sec%secWindow]
	if b.sec != sec {
		*b = secBucket{sec: sec}
	}
	b.updates++
	b.changes += len(ev.Changes)

	db := &d.depths[sec%depthWindow]
	db.sec = sec
	db.qty = ev.TopBidQty + ev.TopAskQty

	if ev.HasBid && ev.HasAsk {
		sp := &d.spreads[sec%spreadWindow]
		sp.sec = sec
		sp.spread = ev.BestAsk.PriceFloat(d.scales) - ev.BestBid.PriceFloat(d.scales)
		sp.set = true
	}

	for _, ch := range ev.Changes {
		switch ch.Kind {
		case book.LevelRemoved:
			b.cancels++
			d.trackRemoval(ch, ev.EventTime)
		case book.LevelDecreased:
			d.trackRemoval(ch, ev.EventTime)
		case book.LevelAdded, book.LevelIncreased:
			d.trackRepost(ch, ev.EventTime)
		}
	}
	d.pruneLevels(ev.EventTime)
}

func (d *Detector) trackRemoval(ch book.LevelChange, at time.Time) {
	key := levelKey{side: ch.Side, price: ch.Price}
	tr, ok := d.levels[key]
	if !ok {
		tr = &levelTrack{}
		d.levels[key] = tr
	}
	tr.lastRemovedQty = ch.PrevQty - ch.NewQty
	tr.lastRemovedAt = at
	tr.lastTouched = at
}

// trackRepost detects removal-then-repost of similar quantity within the
// refill window: the iceberg/absorption signature.
func (d *Detector) trackRepost(ch book.LevelChange, at time.Time) {
	key := levelKey{side: ch.Side, price: ch.Price}
	tr, ok := d.levels[key]
	if !ok {
		return
	}
	tr.lastTouched = at
	if tr.lastRemovedQty <= 0 || at.Sub(tr.lastRemovedAt) > refillWindow {
		return
	}
	reposted := ch.NewQty - ch.PrevQty
	diff := math.Abs(float64(reposted - tr.lastRemovedQty))
	if diff > refillTolerance*float64(tr.lastRemovedQty) {
		return
	}

	if tr.refillCount == 0 {
		tr.firstRefill = at
	}
	tr.refillCount++
	tr.lastRefill = at
	tr.absorbedQty += float64(tr.lastRemovedQty) / math.Pow10(int(d.scales.Qty))
	tr.lastRemovedQty = 0

	d.checkIceberg(key, tr, at)
}

// checkIceberg compares this level's refill rate against the median refill
// rate of the other refilling levels.
func (d *Detector) checkIceberg(key levelKey, tr *levelTrack, at time.Time) {
	if tr.refillCount < minIcebergRefills {
		return
	}
	span := tr.lastRefill.Sub(tr.firstRefill).Seconds()
	if span <= 0 {
		span = 1
	}
	rate := float64(tr.refillCount) / span

	rates := make([]float64, 0, 16)
	for k, other := range d.levels {
		if k == key || other.refillCount == 0 {
			continue
		}
		os := other.lastRefill.Sub(other.firstRefill).Seconds()
		if os <= 0 {
			os = 1
		}
		rates = append(rates, float64(other.refillCount)/os)
	}
	med := medianOf(rates)
	if med <= 0 || rate < d.cfg.IcebergRefillFactor*med {
		return
	}

	mult := rate / med
	conf := confidenceFrom((mult - d.cfg.IcebergRefillFactor) / d.cfg.IcebergRefillFactor)
	d.emit(Anomaly{
		Type:       AnomalyIcebergOrder,
		Symbol:     d.symbol,
		At:         at,
		Confidence: conf,
		Severity:   severityOf(conf),
		Metadata: map[string]any{
			"side":            key.side.String(),
			"price":           market.Level{Price: key.price}.PriceFloat(d.scales),
			"refill_count":    tr.refillCount,
			"refill_rate":     rate,
			"median_multiple": mult,
		},
	})
}

// evaluateSecond runs the quote-stuffing and flash-crash detectors against
// a just-completed second. Idempotent per second.
func (d *Detector) evaluateSecond(sec int64) {
	if sec <= d.evaluatedSec {
		return
	}
	d.evaluatedSec = sec
	b := d.secs[sec%secWindow]
	if b.sec != sec {
		return
	}
	d.checkStuffing(sec, b)
	d.checkFlashCrash(sec, b)
}

func (d *Detector) checkStuffing(sec int64, b secBucket) {
	if float64(b.updates) <= d.cfg.StuffingUpdateRate {
		return
	}
	from := time.Unix(sec, 0)
	fills := len(d.tape.Range(from, from.Add(time.Second)))
	fillRate := float64(fills) / float64(b.updates)
	if fillRate >= d.cfg.StuffingMaxFillRate {
		return
	}

	excess := (float64(b.updates) - d.cfg.StuffingUpdateRate) / d.cfg.StuffingUpdateRate
	conf := confidenceFrom(excess + (d.cfg.StuffingMaxFillRate-fillRate)/d.cfg.StuffingMaxFillRate)
	d.emit(Anomaly{
		Type:       AnomalyQuoteStuffing,
		Symbol:     d.symbol,
		At:         from.Add(time.Second),
		Confidence: conf,
		Severity:   severityOf(conf),
		Metadata: map[string]any{
			"update_rate": float64(b.updates),
			"fill_rate":   fillRate,
			"fills":       fills,
		},
	})
}

func (d *Detector) checkFlashCrash(sec int64, b secBucket) {
	var signals int
	meta := map[string]any{}

	// Depth collapse: top-N quantity lost vs the max over the trailing
	// window.
	var maxDepth, curDepth int64
	for _, db := range d.depths {
		if db.sec == 0 || sec-db.sec >= depthWindow-1 {
			continue
		}
		if db.qty > maxDepth {
			maxDepth = db.qty
		}
		if db.sec == sec {
			curDepth = db.qty
		}
	}
	if maxDepth > 0 && curDepth > 0 {
		loss := 1 - float64(curDepth)/float64(maxDepth)
		if loss > 0.80 {
			signals++
			meta["depth_loss_pct"] = loss * 100
		}
	}

	// Spread blowout vs the trailing average.
	var cur, sum float64
	var n int
	for _, sp := range d.spreads {
		if !sp.set || sec-sp.sec >= spreadWindow {
			continue
		}
		if sp.sec == sec {
			cur = sp.spread
			continue
		}
		sum += sp.spread
		n++
	}
	if n > 0 && cur > 0 {
		avg := sum / float64(n)
		if avg > 0 && cur > 10*avg {
			signals++
			meta["spread_multiple"] = cur / avg
		}
	}

	// Cancellation burst.
	if b.changes >= 50 {
		cancelRate := float64(b.cancels) / float64(b.changes)
		if cancelRate > 0.90 {
			signals++
			meta["cancel_rate"] = cancelRate
		}
	}

	if signals == 0 {
		return
	}
	conf := confidenceFrom(float64(signals) * 0.8)
	d.emit(Anomaly{
		Type:       AnomalyFlashCrashRisk,
		Symbol:     d.symbol,
		At:         time.Unix(sec+1, 0),
		Confidence: conf,
		Severity:   severityOf(conf),
		Metadata:   meta,
	})
}

// emit appends to the bounded ring, dropping sub-threshold detections.
func (d *Detector) emit(a Anomaly) {
	if a.Confidence < minConfidence {
		return
	}
	if len(d.anomalies) < anomalyRingCap {
		d.anomalies = append(d.anomalies, a)
		return
	}
	d.anomalies[d.anomalyPos%anomalyRingCap] = a
	d.anomalyPos++
}

// pruneLevels bounds the level-track map by dropping the stalest entries.
func (d *Detector) pruneLevels(now time.Time) {
	if len(d.levels) <= maxLevelTracks {
		return
	}
	for key, tr := range d.levels {
		if now.Sub(tr.lastTouched) > time.Minute {
			delete(d.levels, key)
		}
	}
}

// Recent returns anomalies within the trailing lookback, newest last.
func (d *Detector) Recent(lookback time.Duration) []Anomaly {
	now := d.now()
	cutoff := now.Add(-lookback)
	d.mu.Lock()
	defer d.mu.Unlock()

	// The most recent second may have completed without a follow-up delta
	// to trigger its evaluation; settle it here.
	if d.lastSec != 0 && now.Unix() > d.lastSec {
		d.evaluateSecond(d.lastSec)
	}

	out := make([]Anomaly, 0, len(d.anomalies))
	for _, a := range d.anomalies {
		if a.At.After(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Anomalies returns the recent detections for symbol, empty when no
// detector is running.
func (e *Engine) Anomalies(symbol string, lookbackSecs int) []Anomaly {
	d, ok := e.detector(symbol)
	if !ok {
		return nil
	}
	if lookbackSecs <= 0 {
		lookbackSecs = 60
	}
	return d.Recent(time.Duration(lookbackSecs) * time.Second)
}

// confidenceFrom maps a positive "how far past threshold" signal into
// [0.95, 0.999].
func confidenceFrom(excess float64) float64 {
	if excess < 0 {
		excess = 0
	}
	return math.Min(0.999, minConfidence+0.049*math.Tanh(excess))
}

func severityOf(conf float64) string {
	switch {
	case conf >= 0.99:
		return SeverityCritical
	case conf >= 0.975:
		return SeverityHigh
	case conf >= 0.96:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func medianOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}
