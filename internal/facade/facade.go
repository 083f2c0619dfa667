// Package facade adapts the order book core to the external tool-call
// layer: argument validation, operation routing, and structured results.
// It holds no domain logic of its own.
package facade

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/admission"
	"github.com/forgetrade/mcp-binance-go/internal/analytics"
	"github.com/forgetrade/mcp-binance-go/internal/book"
	"github.com/forgetrade/mcp-binance-go/internal/creds"
	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/metrics"
	"github.com/forgetrade/mcp-binance-go/internal/telemetry"
)

// ScalesFunc resolves per-symbol fixed-point scales.
type ScalesFunc func(symbol string) market.Scales

// Facade exposes the tool operations.
type Facade struct {
	registry  *book.Registry
	analytics *analytics.Engine
	creds     *creds.Store
	admission *admission.Controller
	tel       *telemetry.Registry
	scalesFor ScalesFunc
	l1        metrics.L1Config
	log       zerolog.Logger
}

// New wires the facade.
func New(reg *book.Registry, eng *analytics.Engine, cs *creds.Store, adm *admission.Controller, tel *telemetry.Registry, scalesFor ScalesFunc, l1 metrics.L1Config, logger zerolog.Logger) *Facade {
	return &Facade{
		registry:  reg,
		analytics: eng,
		creds:     cs,
		admission: adm,
		tel:       tel,
		scalesFor: scalesFor,
		l1:        l1,
		log:       logger.With().Str("component", "facade").Logger(),
	}
}

// BookMetricsArgs are the arguments of book.metrics.
type BookMetricsArgs struct {
	Symbol        string    `json:"symbol"`
	NotionalSizes []float64 `json:"notional_sizes,omitempty"`
}

// BookMetrics activates the symbol if needed and computes the L1 view.
func (f *Facade) BookMetrics(ctx context.Context, args BookMetricsArgs) (*metrics.L1Metrics, error) {
	for _, size := range args.NotionalSizes {
		if size <= 0 {
			return nil, errs.Validation("notional sizes must be positive")
		}
	}
	sess, err := f.registry.Acquire(ctx, args.Symbol)
	if err != nil {
		return nil, err
	}
	return metrics.ComputeL1(sess.TopN(metrics.DepthFull), f.l1, args.NotionalSizes)
}

// BookDepthArgs are the arguments of book.depth. Levels nil means the
// default of 20; an explicit 0 is rejected.
type BookDepthArgs struct {
	Symbol string `json:"symbol"`
	Levels *int   `json:"levels,omitempty"`
}

// BookDepth returns the compact integer-encoded L2 view.
func (f *Facade) BookDepth(ctx context.Context, args BookDepthArgs) (*metrics.L2View, error) {
	levels := metrics.DepthLite
	if args.Levels != nil {
		levels = *args.Levels
	}
	if levels < 1 || levels > metrics.DepthFull {
		return nil, errs.Validation("levels must be in [1, %d], got %d", metrics.DepthFull, levels)
	}
	sess, err := f.registry.Acquire(ctx, args.Symbol)
	if err != nil {
		return nil, err
	}
	return metrics.ComputeL2(sess.TopN(levels), levels)
}

// HealthResult is the book.health payload.
type HealthResult struct {
	Sessions  []book.Health        `json:"sessions"`
	Aggregate book.AggregateHealth `json:"aggregate"`
	Admission admission.Stats      `json:"admission"`
}

// BookHealth reports one symbol (when given) or every session plus the
// aggregate view. Unknown symbols report nothing rather than activating.
func (f *Facade) BookHealth(ctx context.Context, symbol string) (*HealthResult, error) {
	_ = ctx
	out := &HealthResult{
		Aggregate: f.registry.Health(),
		Admission: f.admission.Snapshot(),
	}
	if symbol != "" {
		if !market.ValidSymbol(symbol) {
			return nil, errs.SymbolInvalid(symbol)
		}
		if sess, ok := f.registry.Lookup(symbol); ok {
			out.Sessions = append(out.Sessions, sess.HealthInfo())
		}
		return out, nil
	}
	for _, sess := range f.registry.Sessions() {
		out.Sessions = append(out.Sessions, sess.HealthInfo())
	}
	return out, nil
}

// OrderFlowArgs are the arguments of analytics.order_flow.
type OrderFlowArgs struct {
	Symbol     string `json:"symbol"`
	WindowSecs int    `json:"window_secs"`
}

// OrderFlow computes the windowed order-flow artifact.
func (f *Facade) OrderFlow(ctx context.Context, args OrderFlowArgs) (*analytics.OrderFlowWindow, error) {
	if !market.ValidSymbol(args.Symbol) {
		return nil, errs.SymbolInvalid(args.Symbol)
	}
	defer f.tel.ObserveAnalytics("order_flow", time.Now())
	return f.analytics.OrderFlow(ctx, args.Symbol, args.WindowSecs)
}

// VolumeProfileArgs are the arguments of analytics.volume_profile; bounds
// are ISO-8601.
type VolumeProfileArgs struct {
	Symbol string `json:"symbol"`
	Start  string `json:"start"`
	End    string `json:"end"`
}

// VolumeProfile computes the trade-driven volume profile.
func (f *Facade) VolumeProfile(ctx context.Context, args VolumeProfileArgs) (*analytics.VolumeProfile, error) {
	if !market.ValidSymbol(args.Symbol) {
		return nil, errs.SymbolInvalid(args.Symbol)
	}
	start, err := time.Parse(time.RFC3339, args.Start)
	if err != nil {
		return nil, errs.Validation("start is not ISO-8601: %v", err)
	}
	end, err := time.Parse(time.RFC3339, args.End)
	if err != nil {
		return nil, errs.Validation("end is not ISO-8601: %v", err)
	}
	defer f.tel.ObserveAnalytics("volume_profile", time.Now())
	return f.analytics.VolumeProfile(ctx, args.Symbol, start, end, f.scalesFor(args.Symbol))
}

// AnomaliesArgs are the arguments of analytics.anomalies.
type AnomaliesArgs struct {
	Symbol       string `json:"symbol"`
	LookbackSecs int    `json:"lookback_secs"`
}

// Anomalies lists recent microstructure anomalies.
func (f *Facade) Anomalies(ctx context.Context, args AnomaliesArgs) ([]analytics.Anomaly, error) {
	_ = ctx
	if !market.ValidSymbol(args.Symbol) {
		return nil, errs.SymbolInvalid(args.Symbol)
	}
	return f.analytics.Anomalies(args.Symbol, args.LookbackSecs), nil
}

// LiquidityVacuumsArgs are the arguments of analytics.liquidity_vacuums.
type LiquidityVacuumsArgs struct {
	Symbol string `json:"symbol"`
	Hours  int    `json:"hours"`
}

// LiquidityVacuums scans the recent volume profile for thin price ranges.
func (f *Facade) LiquidityVacuums(ctx context.Context, args LiquidityVacuumsArgs) ([]analytics.LiquidityVacuum, error) {
	if !market.ValidSymbol(args.Symbol) {
		return nil, errs.SymbolInvalid(args.Symbol)
	}
	defer f.tel.ObserveAnalytics("liquidity_vacuums", time.Now())
	return f.analytics.LiquidityVacuums(ctx, args.Symbol, args.Hours, f.scalesFor(args.Symbol))
}

// HealthScore computes the composite microstructure health score.
func (f *Facade) HealthScore(ctx context.Context, symbol string) (*analytics.HealthScore, error) {
	if !market.ValidSymbol(symbol) {
		return nil, errs.SymbolInvalid(symbol)
	}
	defer f.tel.ObserveAnalytics("health_score", time.Now())
	return f.analytics.HealthScore(ctx, symbol)
}

// Absorptions lists tracked absorption levels.
func (f *Facade) Absorptions(ctx context.Context, args AnomaliesArgs) ([]analytics.AbsorptionEvent, error) {
	_ = ctx
	if !market.ValidSymbol(args.Symbol) {
		return nil, errs.SymbolInvalid(args.Symbol)
	}
	return f.analytics.Absorptions(args.Symbol, args.LookbackSecs), nil
}

// ConfigureCredentialsArgs install API keys for a client session.
type ConfigureCredentialsArgs struct {
	SessionID string `json:"session_id"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	Testnet   bool   `json:"testnet,omitempty"`
}

// ConfigureCredentials validates and stores the session's keys. The keys
// are never echoed back or logged.
func (f *Facade) ConfigureCredentials(ctx context.Context, args ConfigureCredentialsArgs) error {
	_ = ctx
	env := creds.EnvMainnet
	if args.Testnet {
		env = creds.EnvTestnet
	}
	if err := f.creds.Configure(args.SessionID, args.APIKey, args.SecretKey, env); err != nil {
		return err
	}
	f.log.Info().Str("session", args.SessionID).Str("env", string(env)).Msg("credentials configured")
	return nil
}

// RevokeCredentials drops the session's keys.
func (f *Facade) RevokeCredentials(ctx context.Context, sessionID string) {
	_ = ctx
	f.creds.Revoke(sessionID)
	f.log.Info().Str("session", sessionID).Msg("credentials revoked")
}
