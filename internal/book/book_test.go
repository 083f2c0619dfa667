package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/market"
)

func lv(price, qty int64) market.Level {
	return market.Level{Price: price, Qty: qty}
}

func TestBookLoadOrdersSides(t *testing.T) {
	b := NewBook()
	b.Load(
		[]market.Level{lv(100, 1), lv(102, 2), lv(101, 3), lv(99, 0)},
		[]market.Level{lv(105, 1), lv(103, 2), lv(104, 0)},
	)

	bids, asks := b.Top(10)
	require.Len(t, bids, 3)
	require.Len(t, asks, 2)
	assert.Equal(t, int64(102), bids[0].Price) // descending
	assert.Equal(t, int64(100), bids[2].Price)
	assert.Equal(t, int64(103), asks[0].Price) // ascending
	assert.Equal(t, int64(105), asks[1].Price)
}

func TestBookApplyInsertReplaceRemove(t *testing.T) {
	b := NewBook()
	b.Load([]market.Level{lv(100, 1)}, []market.Level{lv(110, 1)})

	kind, prev := b.Apply(market.Bid, lv(105, 2))
	assert.Equal(t, LevelAdded, kind)
	assert.Equal(t, int64(0), prev)

	kind, prev = b.Apply(market.Bid, lv(105, 5))
	assert.Equal(t, LevelIncreased, kind)
	assert.Equal(t, int64(2), prev)

	kind, prev = b.Apply(market.Bid, lv(105, 1))
	assert.Equal(t, LevelDecreased, kind)
	assert.Equal(t, int64(5), prev)

	kind, prev = b.Apply(market.Bid, lv(105, 0))
	assert.Equal(t, LevelRemoved, kind)
	assert.Equal(t, int64(1), prev)

	// Removing an absent level is a no-op, and never retained.
	kind, _ = b.Apply(market.Bid, lv(104, 0))
	assert.Equal(t, LevelNoop, kind)

	bids, _ := b.Top(10)
	require.Len(t, bids, 1)
	assert.Equal(t, int64(100), bids[0].Price)
}

func TestBookNeverRetainsZeroQty(t *testing.T) {
	b := NewBook()
	b.Load([]market.Level{lv(100, 1), lv(99, 2)}, []market.Level{lv(110, 1)})
	b.Apply(market.Bid, lv(99, 0))
	bids, asks := b.Top(100)
	for _, l := range append(bids, asks...) {
		assert.Positive(t, l.Qty)
	}
}

func TestBookBestAndCrossed(t *testing.T) {
	b := NewBook()
	_, ok := b.BestBid()
	assert.False(t, ok)
	assert.False(t, b.Crossed())

	b.Load([]market.Level{lv(100, 1)}, []market.Level{lv(101, 1)})
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(100), bid.Price)
	assert.False(t, b.Crossed())

	// A bid at or above the best ask crosses the book.
	b.Apply(market.Bid, lv(101, 1))
	assert.True(t, b.Crossed())
}

func TestBookTopBounds(t *testing.T) {
	b := NewBook()
	b.Load([]market.Level{lv(100, 1), lv(99, 1)}, []market.Level{lv(101, 1)})
	bids, asks := b.Top(5)
	assert.Len(t, bids, 2)
	assert.Len(t, asks, 1)

	bids, asks = b.Top(1)
	assert.Len(t, bids, 1)
	assert.Len(t, asks, 1)
}
