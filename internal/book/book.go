// Package book maintains the per-symbol L2 order books: the ordered level
// structure, the session state machine that keeps it synchronized with the
// depth stream, and the registry that owns every live session.
package book

import (
	"sort"

	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// Book holds both sides of an L2 order book as sorted level slices: bids
// descending, asks ascending. Insert, replace, and remove are O(log n)
// search plus a memmove, which beats a tree for the level counts a depth
// stream actually carries, and the top-N read path is a straight copy off
// the front of each slice.
//
// Book itself is not goroutine safe; Session serializes all writes and
// guards reads with its own lock.
type Book struct {
	bids []market.Level // sorted by price descending
	asks []market.Level // sorted by price ascending
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{}
}

// Load replaces both sides from a snapshot, dropping zero-quantity levels.
func (b *Book) Load(bids, asks []market.Level) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, lv := range bids {
		if lv.Qty > 0 {
			b.bids = append(b.bids, lv)
		}
	}
	for _, lv := range asks {
		if lv.Qty > 0 {
			b.asks = append(b.asks, lv)
		}
	}
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price > b.bids[j].Price })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price < b.asks[j].Price })
}

// ChangeKind classifies the effect of a single level apply.
type ChangeKind int

const (
	LevelNoop ChangeKind = iota
	LevelAdded
	LevelIncreased
	LevelDecreased
	LevelRemoved
)

// Apply sets or removes one level. Qty zero removes; any other quantity
// replaces the level atomically. Returns what happened plus the previous
// quantity at that price so observers can classify the change.
func (b *Book) Apply(side market.Side, lv market.Level) (ChangeKind, int64) {
	levels := &b.bids
	cmp := func(i int) bool { return (*levels)[i].Price <= lv.Price }
	if side == market.Ask {
		levels = &b.asks
		cmp = func(i int) bool { return (*levels)[i].Price >= lv.Price }
	}

	i := sort.Search(len(*levels), cmp)
	found := i < len(*levels) && (*levels)[i].Price == lv.Price

	switch {
	case lv.Qty == 0 && found:
		prev := (*levels)[i].Qty
		*levels = append((*levels)[:i], (*levels)[i+1:]...)
		return LevelRemoved, prev
	case lv.Qty == 0:
		return LevelNoop, 0
	case found:
		prev := (*levels)[i].Qty
		(*levels)[i].Qty = lv.Qty
		switch {
		case lv.Qty > prev:
			return LevelIncreased, prev
		case lv.Qty < prev:
			return LevelDecreased, prev
		default:
			return LevelNoop, prev
		}
	default:
		*levels = append(*levels, market.Level{})
		copy((*levels)[i+1:], (*levels)[i:])
		(*levels)[i] = lv
		return LevelAdded, 0
	}
}

// BestBid returns the highest bid, if any.
func (b *Book) BestBid() (market.Level, bool) {
	if len(b.bids) == 0 {
		return market.Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b *Book) BestAsk() (market.Level, bool) {
	if len(b.asks) == 0 {
		return market.Level{}, false
	}
	return b.asks[0], true
}

// Crossed reports whether best_bid >= best_ask while both sides are
// non-empty. A crossed book after an apply means the feed desynchronized.
func (b *Book) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	return okB && okA && bid.Price >= ask.Price
}

// Top copies up to n levels from the front of each side.
func (b *Book) Top(n int) (bids, asks []market.Level) {
	if n > len(b.bids) {
		bids = append([]market.Level(nil), b.bids...)
	} else {
		bids = append([]market.Level(nil), b.bids[:n]...)
	}
	if n > len(b.asks) {
		asks = append([]market.Level(nil), b.asks...)
	} else {
		asks = append([]market.Level(nil), b.asks[:n]...)
	}
	return bids, asks
}

// Depth reports the number of levels per side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}
