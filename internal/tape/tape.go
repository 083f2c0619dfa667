// Package tape keeps a bounded in-memory ring of recent aggregated trades
// per symbol, fed by the trade stream and read by analytics.
package tape

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/stream"
)

// Tape is one symbol's trade ring. Appends overwrite the oldest entry once
// the ring is full.
type Tape struct {
	mu   sync.RWMutex
	buf  []stream.Trade
	head int // next write position
	size int
}

// NewTape builds a ring with the given capacity.
func NewTape(capacity int) *Tape {
	if capacity <= 0 {
		capacity = 65536
	}
	return &Tape{buf: make([]stream.Trade, capacity)}
}

// Append records a trade. Implements stream.TradeSink.
func (t *Tape) Append(tr stream.Trade) {
	t.mu.Lock()
	t.buf[t.head] = tr
	t.head = (t.head + 1) % len(t.buf)
	if t.size < len(t.buf) {
		t.size++
	}
	t.mu.Unlock()
}

// Len reports how many trades the ring currently holds.
func (t *Tape) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Range copies the trades with event time in [from, to], oldest first.
func (t *Tape) Range(from, to time.Time) []stream.Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]stream.Trade, 0, t.size/4)
	start := t.head - t.size
	if start < 0 {
		start += len(t.buf)
	}
	for i := 0; i < t.size; i++ {
		tr := t.buf[(start+i)%len(t.buf)]
		if tr.EventTime.Before(from) || tr.EventTime.After(to) {
			continue
		}
		out = append(out, tr)
	}
	return out
}

// Tapes owns the per-symbol tapes and their ingest streams. Streams start
// lazily on first touch and live under the supervisor context.
type Tapes struct {
	base     string
	capacity int
	log      zerolog.Logger

	mu      sync.RWMutex
	tapes   map[string]*Tape
	baseCtx context.Context

	// newIngest is swapped by tests to avoid real connections.
	newIngest func(symbol string, sink stream.TradeSink) ingestRunner
}

type ingestRunner interface {
	Run(ctx context.Context)
}

// NewTapes builds the tape registry. base is the stream endpoint base URL.
func NewTapes(base string, capacity int, logger zerolog.Logger) *Tapes {
	t := &Tapes{
		base:     base,
		capacity: capacity,
		log:      logger,
		tapes:    make(map[string]*Tape),
	}
	t.newIngest = func(symbol string, sink stream.TradeSink) ingestRunner {
		return stream.NewTradeStream(t.base, symbol, sink, t.log)
	}
	return t
}

// Start installs the supervisor context for ingest streams.
func (t *Tapes) Start(ctx context.Context) {
	t.mu.Lock()
	t.baseCtx = ctx
	t.mu.Unlock()
}

// Get returns the tape for symbol, starting its ingest stream on first
// touch.
func (t *Tapes) Get(symbol string) *Tape {
	t.mu.RLock()
	tp, ok := t.tapes[symbol]
	t.mu.RUnlock()
	if ok {
		return tp
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tp, ok := t.tapes[symbol]; ok {
		return tp
	}
	tp = NewTape(t.capacity)
	t.tapes[symbol] = tp
	if t.baseCtx != nil {
		go t.newIngest(symbol, tp).Run(t.baseCtx)
	}
	return tp
}

// Lookup returns the tape without starting ingestion.
func (t *Tapes) Lookup(symbol string) (*Tape, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tp, ok := t.tapes[symbol]
	return tp, ok
}
