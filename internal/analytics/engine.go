// Package analytics computes windowed derived metrics over the snapshot
// history and the trade tapes: order flow, volume profiles, liquidity
// vacuums, streaming microstructure anomaly detection, absorption
// tracking, and the composite health score. Every operation is a
// single-shot read; nothing here mutates session state.
package analytics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/store"
	"github.com/forgetrade/mcp-binance-go/internal/tape"
)

// Config shapes the analytics layer.
type Config struct {
	// Retention bounds volume-profile ranges; longer requests fail with
	// RangeTooLarge.
	Retention time.Duration
	// MinProfileTrades is the volume-profile floor.
	MinProfileTrades int

	// Detector thresholds.
	StuffingUpdateRate  float64
	StuffingMaxFillRate float64
	IcebergRefillFactor float64
}

func (c *Config) normalize() {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MinProfileTrades <= 0 {
		c.MinProfileTrades = 100
	}
	if c.StuffingUpdateRate <= 0 {
		c.StuffingUpdateRate = 500
	}
	if c.StuffingMaxFillRate <= 0 {
		c.StuffingMaxFillRate = 0.10
	}
	if c.IcebergRefillFactor <= 0 {
		c.IcebergRefillFactor = 5.0
	}
}

// Engine is the analytics entry point.
type Engine struct {
	cfg   Config
	store store.Store
	tapes *tape.Tapes
	log   zerolog.Logger

	mu        sync.RWMutex
	detectors map[string]*Detector

	// now is swapped in tests.
	now func() time.Time
}

// NewEngine builds the analytics engine over the snapshot store and tapes.
func NewEngine(cfg Config, st store.Store, tapes *tape.Tapes, logger zerolog.Logger) *Engine {
	cfg.normalize()
	return &Engine{
		cfg:       cfg,
		store:     st,
		tapes:     tapes,
		log:       logger.With().Str("component", "analytics").Logger(),
		detectors: make(map[string]*Detector),
		now:       time.Now,
	}
}

// DetectorFor returns the streaming anomaly detector for symbol, creating
// it on first touch. The caller attaches it as a session apply observer.
func (e *Engine) DetectorFor(symbol string, scales market.Scales) *Detector {
	e.mu.RLock()
	d, ok := e.detectors[symbol]
	e.mu.RUnlock()
	if ok {
		return d
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.detectors[symbol]; ok {
		return d
	}
	d = newDetector(symbol, scales, e.cfg, e.tapes.Get(symbol), e.now)
	e.detectors[symbol] = d
	return d
}

func (e *Engine) detector(symbol string) (*Detector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.detectors[symbol]
	return d, ok
}
