package book

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// SessionFactory builds an unstarted session for a symbol. The registry
// owns the returned session's lifecycle.
type SessionFactory func(symbol string) *Session

// RegistryConfig shapes the registry.
type RegistryConfig struct {
	MaxConcurrentSymbols int
	// EvictionMinAge is the minimum staleness before a session may be
	// evicted to admit a new symbol.
	EvictionMinAge        time.Duration
	ActivationTimeoutCold time.Duration
	ActivationTimeoutWarm time.Duration
}

func (c *RegistryConfig) normalize() {
	if c.MaxConcurrentSymbols <= 0 {
		c.MaxConcurrentSymbols = 20
	}
	if c.EvictionMinAge <= 0 {
		c.EvictionMinAge = 5 * time.Second
	}
	if c.ActivationTimeoutCold <= 0 {
		c.ActivationTimeoutCold = 5 * time.Second
	}
	if c.ActivationTimeoutWarm <= 0 {
		c.ActivationTimeoutWarm = 200 * time.Millisecond
	}
}

type managedSession struct {
	session *Session
	cancel  context.CancelFunc
}

// Registry owns every live session, enforces the hard concurrent-symbol
// cap, and performs lazy activation with the wait-until-ready contract.
// Look-ups are the hot path; mutation only happens on admission and
// eviction.
type Registry struct {
	cfg     RegistryConfig
	factory SessionFactory
	log     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*managedSession
	baseCtx  context.Context
}

// NewRegistry builds a registry. Start must be called before Acquire.
func NewRegistry(cfg RegistryConfig, factory SessionFactory, logger zerolog.Logger) *Registry {
	cfg.normalize()
	return &Registry{
		cfg:      cfg,
		factory:  factory,
		log:      logger.With().Str("component", "book_registry").Logger(),
		sessions: make(map[string]*managedSession),
	}
}

// Start installs the supervisor context every session runs under. Shutdown
// is the supervisor's cancel: deterministic, leak-free.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
}

// Acquire returns the ready session for symbol, creating or evicting as
// needed. Existing sessions get the warm activation budget, new ones the
// cold budget.
func (r *Registry) Acquire(ctx context.Context, symbol string) (*Session, error) {
	if !market.ValidSymbol(symbol) {
		return nil, errs.SymbolInvalid(symbol)
	}

	r.mu.RLock()
	ms, ok := r.sessions[symbol]
	r.mu.RUnlock()
	if ok {
		return r.await(ctx, ms.session, r.cfg.ActivationTimeoutWarm)
	}

	ms, err := r.admit(symbol)
	if err != nil {
		return nil, err
	}
	return r.await(ctx, ms.session, r.cfg.ActivationTimeoutCold)
}

// admit creates (and starts) a session for symbol, evicting if the cap is
// reached. Runs under the write lock.
func (r *Registry) admit(symbol string) (*managedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ms, ok := r.sessions[symbol]; ok {
		return ms, nil
	}
	if r.baseCtx == nil {
		return nil, errs.Internal("registry not started")
	}

	if len(r.sessions) >= r.cfg.MaxConcurrentSymbols {
		victim := r.evictionCandidate()
		if victim == "" {
			return nil, errs.CapacityExhausted(r.cfg.MaxConcurrentSymbols)
		}
		r.dropLocked(victim)
		r.log.Info().Str("evicted", victim).Str("admitted", symbol).Msg("evicted idle session")
	}

	sess := r.factory(symbol)
	ctx, cancel := context.WithCancel(r.baseCtx)
	sess.Start(ctx)
	ms := &managedSession{session: sess, cancel: cancel}
	r.sessions[symbol] = ms
	return ms, nil
}

// evictionCandidate picks the session to replace: failed sessions first,
// then the oldest Stale past the minimum age, then the oldest Live past
// the minimum age. Returns "" when nothing qualifies.
func (r *Registry) evictionCandidate() string {
	var (
		failed     string
		staleSym   string
		staleAt    time.Time
		liveSym    string
		liveAt     time.Time
		minAllowed = time.Now().Add(-r.cfg.EvictionMinAge)
	)
	for sym, ms := range r.sessions {
		st := ms.session.State()
		at := ms.session.UpdatedAt()
		switch st {
		case StateFailed:
			failed = sym
		case StateStale:
			if !at.After(minAllowed) && (staleSym == "" || at.Before(staleAt)) {
				staleSym, staleAt = sym, at
			}
		case StateLive:
			if !at.After(minAllowed) && (liveSym == "" || at.Before(liveAt)) {
				liveSym, liveAt = sym, at
			}
		}
	}
	if failed != "" {
		return failed
	}
	if staleSym != "" {
		return staleSym
	}
	return liveSym
}

func (r *Registry) dropLocked(symbol string) {
	if ms, ok := r.sessions[symbol]; ok {
		ms.cancel()
		delete(r.sessions, symbol)
	}
}

// await applies the activation budget on top of the caller's context.
func (r *Registry) await(ctx context.Context, sess *Session, budget time.Duration) (*Session, error) {
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := sess.WaitReady(waitCtx); err != nil {
		if ctx.Err() != nil {
			return nil, errs.Cancelled()
		}
		if e := errs.AsError(err); e.Code == errs.CodeUnavailable {
			return nil, e
		}
		return nil, errs.Unavailable(err).WithDetail("symbol", sess.Symbol()).WithDetail("state", sess.State().String())
	}
	return sess, nil
}

// Lookup returns the session without activating it.
func (r *Registry) Lookup(symbol string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.sessions[symbol]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Deactivate tears down the session for symbol, if any.
func (r *Registry) Deactivate(symbol string) {
	r.mu.Lock()
	r.dropLocked(symbol)
	r.mu.Unlock()
}

// Sessions snapshots the current session set.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, ms := range r.sessions {
		out = append(out, ms.session)
	}
	return out
}

// AggregateHealth summarizes the registry for the health view.
type AggregateHealth struct {
	ActiveSymbols int            `json:"active_symbols"`
	MaxSymbols    int            `json:"max_symbols"`
	StateCounts   map[string]int `json:"state_counts"`
}

// Health builds the aggregate health view.
func (r *Registry) Health() AggregateHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg := AggregateHealth{
		ActiveSymbols: len(r.sessions),
		MaxSymbols:    r.cfg.MaxConcurrentSymbols,
		StateCounts:   make(map[string]int, 5),
	}
	for _, ms := range r.sessions {
		agg.StateCounts[ms.session.State().String()]++
	}
	return agg
}

// Shutdown cancels every session and empties the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for sym, ms := range r.sessions {
		ms.cancel()
		delete(r.sessions, sym)
	}
	r.mu.Unlock()
}
