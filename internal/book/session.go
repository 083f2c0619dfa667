package book

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/backoff"
	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/stream"
)

// State is the lifecycle of a book session.
type State int

const (
	StateUninitialized State = iota
	StateSyncing
	StateLive
	StateStale
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateStale:
		return "stale"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncSnapshot seeds or reseeds a session's book.
type SyncSnapshot struct {
	Bids   []market.Level
	Asks   []market.Level
	Cursor int64
}

// SnapshotFunc fetches a deep snapshot for the symbol. Implementations sit
// behind the admission layer and do their own rate-limit retries; the
// session adds the attempt budget and backoff on top.
type SnapshotFunc func(ctx context.Context, symbol string, scales market.Scales) (*SyncSnapshot, error)

// DeltaSource is the stream side of a session, satisfied by
// *stream.DepthStream.
type DeltaSource interface {
	Run(ctx context.Context)
	Events() <-chan stream.Event
}

// LevelChange describes one level mutation inside an applied delta.
type LevelChange struct {
	Side    market.Side
	Price   int64
	Kind    ChangeKind
	PrevQty int64
	NewQty  int64
}

// ApplyEvent is handed to observers after every applied delta. All fields
// are copies; observers never touch live book state.
type ApplyEvent struct {
	Symbol    string
	Scales    market.Scales
	Cursor    int64
	EventTime time.Time
	BestBid   market.Level
	BestAsk   market.Level
	HasBid    bool
	HasAsk    bool
	// TopBidQty / TopAskQty sum the scaled quantity over the top depth
	// levels, for depth-loss and imbalance style detectors.
	TopBidQty int64
	TopAskQty int64
	Changes   []LevelChange
}

// Observer consumes apply events. Calls happen on the session's writer
// goroutine; implementations must be fast and must not block.
type Observer interface {
	ObserveApply(ev ApplyEvent)
}

// SessionConfig shapes one session.
type SessionConfig struct {
	Symbol             string
	Scales             market.Scales
	FreshnessThreshold time.Duration
	SnapshotAttempts   int
	SyncBufferLimit    int
	// TopDepthLevels is how many levels per side feed the ApplyEvent
	// depth aggregates.
	TopDepthLevels int
}

func (c *SessionConfig) normalize() {
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = 5 * time.Second
	}
	if c.SnapshotAttempts <= 0 {
		c.SnapshotAttempts = 10
	}
	if c.SyncBufferLimit <= 0 {
		c.SyncBufferLimit = 2048
	}
	if c.TopDepthLevels <= 0 {
		c.TopDepthLevels = 10
	}
}

// Session owns the authoritative local book for one symbol. A single writer
// goroutine applies deltas; readers copy top-N views under a shared lock.
type Session struct {
	cfg      SessionConfig
	snapshot SnapshotFunc
	source   DeltaSource
	log      zerolog.Logger

	mu            sync.RWMutex
	book          *Book
	cursor        int64
	state         State
	updatedAt     time.Time
	failReason    error
	lastGap       time.Time
	lastReconnect time.Time
	gapCount      int64
	applied       int64
	ready         chan struct{}

	observers []Observer

	startOnce sync.Once
	done      chan struct{}
}

// NewSession builds a session. Observers must be attached before Start.
func NewSession(cfg SessionConfig, snap SnapshotFunc, source DeltaSource, logger zerolog.Logger) *Session {
	cfg.normalize()
	return &Session{
		cfg:      cfg,
		snapshot: snap,
		source:   source,
		log:      logger.With().Str("component", "book_session").Str("symbol", cfg.Symbol).Logger(),
		book:     NewBook(),
		state:    StateUninitialized,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Symbol returns the session's symbol.
func (s *Session) Symbol() string { return s.cfg.Symbol }

// Scales returns the session's fixed-point scales.
func (s *Session) Scales() market.Scales { return s.cfg.Scales }

// AddObserver attaches an apply observer. Must be called before Start.
func (s *Session) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Start launches the stream and the writer task. Idempotent; the session
// runs until ctx is cancelled.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.source.Run(ctx)
		go s.run(ctx)
	})
}

// Done is closed when the writer task has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// run is the single writer: alternate sync and live phases until shutdown.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	events := s.source.Events()

	for ctx.Err() == nil {
		if err := s.sync(ctx, events); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
		if !s.live(ctx, events) {
			return
		}
		// live returned true: gap or backlog, go around for a resync.
	}
}

// sync buffers stream deltas while fetching a REST snapshot, then chains
// the buffer onto the snapshot cursor. An unusable buffer restarts the
// whole phase with a fresh snapshot.
func (s *Session) sync(ctx context.Context, events <-chan stream.Event) error {
	for ctx.Err() == nil {
		s.setSyncing()

		snap, buffer, err := s.awaitSnapshot(ctx, events)
		if err != nil {
			return err
		}

		restart, err := s.seed(snap, buffer)
		if err != nil {
			return err
		}
		if restart {
			s.log.Warn().Msg("buffered deltas do not chain on snapshot, refetching")
			continue
		}
		return nil
	}
	return ctx.Err()
}

// awaitSnapshot runs the snapshot fetch (with attempt budget) concurrently
// with delta buffering.
func (s *Session) awaitSnapshot(ctx context.Context, events <-chan stream.Event) (*SyncSnapshot, []*stream.DepthDelta, error) {
	snapCh := make(chan *SyncSnapshot, 1)
	errCh := make(chan error, 1)
	go func() {
		policy := backoff.New()
		var lastErr error
		for attempt := 0; attempt < s.cfg.SnapshotAttempts; attempt++ {
			if ctx.Err() != nil {
				errCh <- ctx.Err()
				return
			}
			snap, err := s.snapshot(ctx, s.cfg.Symbol, s.cfg.Scales)
			if err == nil {
				snapCh <- snap
				return
			}
			lastErr = err
			s.log.Warn().Err(err).Int("attempt", attempt+1).Int("budget", s.cfg.SnapshotAttempts).Msg("snapshot fetch failed")
			if policy.Sleep(ctx) != nil {
				errCh <- ctx.Err()
				return
			}
		}
		errCh <- fmt.Errorf("snapshot attempt budget exhausted: %w", lastErr)
	}()

	var buffer []*stream.DepthDelta
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case err := <-errCh:
			return nil, nil, err
		case snap := <-snapCh:
			return snap, buffer, nil
		case ev, ok := <-events:
			if !ok {
				return nil, nil, fmt.Errorf("depth stream terminated during sync")
			}
			switch {
			case ev.Delta != nil:
				buffer = append(buffer, ev.Delta)
				if len(buffer) > s.cfg.SyncBufferLimit {
					// The stream is outrunning the snapshot fetch; older
					// entries are covered by the snapshot cursor anyway.
					buffer = buffer[len(buffer)/2:]
				}
			case ev.Disconnected:
				s.noteReconnect()
				buffer = buffer[:0]
			case ev.Dropped:
				buffer = buffer[:0]
			}
		}
	}
}

// seed loads the snapshot and drains the buffer. restart=true means the
// buffer had a hole relative to the snapshot and sync must refetch.
func (s *Session) seed(snap *SyncSnapshot, buffer []*stream.DepthDelta) (restart bool, err error) {
	s.mu.Lock()
	s.book.Load(snap.Bids, snap.Asks)
	s.cursor = snap.Cursor
	s.mu.Unlock()

	if s.bookCrossed() {
		return false, errs.Internal("snapshot for %s is crossed", s.cfg.Symbol)
	}

	live := false
	for _, d := range buffer {
		if d.LastID <= snap.Cursor {
			continue // already covered by the snapshot
		}
		cur := s.Cursor()
		if !live {
			if d.FirstID > cur+1 {
				return true, nil // hole before the first applicable delta
			}
			s.apply(d)
			live = true
			continue
		}
		if d.FirstID != cur+1 {
			return true, nil
		}
		s.apply(d)
	}

	// Live is reached when the first chained delta lands; with an empty
	// buffer the snapshot itself is the freshest state we have.
	s.setLive(time.Now())
	return false, nil
}

// live applies chained deltas until a gap (true) or shutdown (false).
func (s *Session) live(ctx context.Context, events <-chan stream.Event) bool {
	staleTick := time.NewTicker(s.cfg.FreshnessThreshold / 2)
	defer staleTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-staleTick.C:
			s.checkStale()
		case ev, ok := <-events:
			if !ok {
				return false
			}
			switch {
			case ev.Delta != nil:
				if gap := s.applyLive(ev.Delta); gap {
					return true
				}
			case ev.Disconnected:
				s.noteReconnect()
				// The stream reconnects on its own; the next delta
				// decides whether the chain survived.
			case ev.Dropped:
				s.log.Warn().Msg("backlog detected, resyncing")
				s.noteGap(time.Now())
				return true
			}
		}
	}
}

// applyLive enforces the strict chain: only first_update_id == cursor+1
// applies. Replays and jumps are both gaps; a crossed book after apply is
// treated the same way.
func (s *Session) applyLive(d *stream.DepthDelta) (gap bool) {
	cur := s.Cursor()
	if d.FirstID != cur+1 {
		s.log.Warn().
			Int64("cursor", cur).
			Int64("first_id", d.FirstID).
			Int64("last_id", d.LastID).
			Msg("sequence gap detected")
		s.noteGap(d.EventTime)
		return true
	}
	s.apply(d)
	if s.bookCrossed() {
		s.log.Warn().Msg("book crossed after apply, treating as gap")
		s.noteGap(d.EventTime)
		return true
	}
	return false
}

// apply mutates the book under the write lock and fans the change out to
// observers after release.
func (s *Session) apply(d *stream.DepthDelta) {
	changes := make([]LevelChange, 0, len(d.Bids)+len(d.Asks))

	s.mu.Lock()
	for _, lv := range d.Bids {
		kind, prev := s.book.Apply(market.Bid, lv)
		changes = append(changes, LevelChange{Side: market.Bid, Price: lv.Price, Kind: kind, PrevQty: prev, NewQty: lv.Qty})
	}
	for _, lv := range d.Asks {
		kind, prev := s.book.Apply(market.Ask, lv)
		changes = append(changes, LevelChange{Side: market.Ask, Price: lv.Price, Kind: kind, PrevQty: prev, NewQty: lv.Qty})
	}
	s.cursor = d.LastID
	s.updatedAt = d.EventTime
	s.applied++
	if s.state == StateStale {
		s.state = StateLive
	}

	ev := ApplyEvent{
		Symbol:    s.cfg.Symbol,
		Scales:    s.cfg.Scales,
		Cursor:    s.cursor,
		EventTime: d.EventTime,
		Changes:   changes,
	}
	if bid, ok := s.book.BestBid(); ok {
		ev.BestBid, ev.HasBid = bid, true
	}
	if ask, ok := s.book.BestAsk(); ok {
		ev.BestAsk, ev.HasAsk = ask, true
	}
	bids, asks := s.book.Top(s.cfg.TopDepthLevels)
	for _, lv := range bids {
		ev.TopBidQty += lv.Qty
	}
	for _, lv := range asks {
		ev.TopAskQty += lv.Qty
	}
	s.mu.Unlock()

	for _, o := range s.observers {
		o.ObserveApply(ev)
	}
}

// View is a consistent top-N copy as of one cursor value.
type View struct {
	Symbol    string
	Scales    market.Scales
	Bids      []market.Level
	Asks      []market.Level
	Cursor    int64
	UpdatedAt time.Time
	State     State
}

// TopN copies the top n levels of each side.
func (s *Session) TopN(n int) View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bids, asks := s.book.Top(n)
	return View{
		Symbol:    s.cfg.Symbol,
		Scales:    s.cfg.Scales,
		Bids:      bids,
		Asks:      asks,
		Cursor:    s.cursor,
		UpdatedAt: s.updatedAt,
		State:     s.state,
	}
}

// Cursor returns the last applied update ID.
func (s *Session) Cursor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UpdatedAt returns the event time of the last applied delta.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Health is the per-session slice of the health view.
type Health struct {
	Symbol        string    `json:"symbol"`
	State         string    `json:"state"`
	AgeMs         int64     `json:"age_ms"`
	Cursor        int64     `json:"cursor"`
	BidLevels     int       `json:"bid_levels"`
	AskLevels     int       `json:"ask_levels"`
	AppliedDeltas int64     `json:"applied_deltas"`
	GapCount      int64     `json:"gap_count"`
	LastGap       time.Time `json:"last_gap,omitempty"`
	LastReconnect time.Time `json:"last_reconnect,omitempty"`
}

// HealthInfo snapshots the session's health counters.
func (s *Session) HealthInfo() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bidN, askN := s.book.Depth()
	h := Health{
		Symbol:        s.cfg.Symbol,
		State:         s.state.String(),
		Cursor:        s.cursor,
		BidLevels:     bidN,
		AskLevels:     askN,
		AppliedDeltas: s.applied,
		GapCount:      s.gapCount,
		LastGap:       s.lastGap,
		LastReconnect: s.lastReconnect,
	}
	if !s.updatedAt.IsZero() {
		h.AgeMs = time.Since(s.updatedAt).Milliseconds()
	}
	return h
}

// WaitReady blocks until the session is at least Live, it permanently
// failed, or ctx ends.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.RLock()
		st, ch, reason := s.state, s.ready, s.failReason
		s.mu.RUnlock()

		switch st {
		case StateLive, StateStale:
			return nil
		case StateFailed:
			return errs.Unavailable(reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Session) setSyncing() {
	s.mu.Lock()
	if s.state == StateLive || s.state == StateStale || s.state == StateFailed {
		s.ready = make(chan struct{})
	}
	s.state = StateSyncing
	s.mu.Unlock()
}

func (s *Session) setLive(at time.Time) {
	s.mu.Lock()
	s.state = StateLive
	if s.updatedAt.IsZero() {
		s.updatedAt = at
	}
	close(s.ready)
	s.mu.Unlock()
	s.log.Info().Int64("cursor", s.cursor).Msg("session live")
}

func (s *Session) fail(reason error) {
	s.mu.Lock()
	s.state = StateFailed
	s.failReason = reason
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	s.mu.Unlock()
	s.log.Error().Err(reason).Msg("session failed")
}

func (s *Session) checkStale() {
	s.mu.Lock()
	if s.state == StateLive && !s.updatedAt.IsZero() && time.Since(s.updatedAt) > s.cfg.FreshnessThreshold {
		s.state = StateStale
	}
	s.mu.Unlock()
}

func (s *Session) noteGap(at time.Time) {
	s.mu.Lock()
	s.lastGap = at
	s.gapCount++
	s.mu.Unlock()
}

func (s *Session) noteReconnect() {
	s.mu.Lock()
	s.lastReconnect = time.Now()
	s.mu.Unlock()
}

func (s *Session) bookCrossed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.book.Crossed()
}
