package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgetrade/mcp-binance-go/internal/book"
)

// Writer snapshots every Live or Stale session on a fixed cadence and runs the
// retention sweep. One writer serves the whole registry.
type Writer struct {
	registry *book.Registry
	store    Store
	interval time.Duration
	sweepGap time.Duration
	retain   time.Duration
	log      zerolog.Logger
}

// NewWriter builds the snapshot cadence task.
func NewWriter(reg *book.Registry, st Store, interval, sweepEvery, retention time.Duration, logger zerolog.Logger) *Writer {
	if interval <= 0 {
		interval = time.Second
	}
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Writer{
		registry: reg,
		store:    st,
		interval: interval,
		sweepGap: sweepEvery,
		retain:   retention,
		log:      logger.With().Str("component", "snapshot_writer").Logger(),
	}
}

// Run ticks until ctx ends. Each tick writes at most one record per
// (symbol, second); re-ticks within the same second overwrite identically.
func (w *Writer) Run(ctx context.Context) {
	tick := time.NewTicker(w.interval)
	sweep := time.NewTicker(w.sweepGap)
	defer tick.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			w.writeAll(ctx, now)
		case <-sweep.C:
			removed, err := w.store.Sweep(ctx, time.Now().Add(-w.retain))
			if err != nil && ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("retention sweep failed")
			} else if removed > 0 {
				w.log.Info().Int("removed", removed).Msg("retention sweep")
			}
		}
	}
}

func (w *Writer) writeAll(ctx context.Context, now time.Time) {
	for _, sess := range w.registry.Sessions() {
		st := sess.State()
		if st != book.StateLive && st != book.StateStale {
			continue
		}
		v := sess.TopN(TopLevels)
		snap := &Snapshot{
			Symbol:    v.Symbol,
			Second:    now.Unix(),
			Bids:      v.Bids,
			Asks:      v.Asks,
			Cursor:    v.Cursor,
			EventTime: v.UpdatedAt.UnixMilli(),
		}
		if err := w.store.Put(ctx, snap); err != nil && ctx.Err() == nil {
			w.log.Warn().Err(err).Str("symbol", v.Symbol).Msg("snapshot write failed")
		}
	}
}
