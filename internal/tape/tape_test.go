package tape

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/stream"
)

func trade(price, qty float64, at time.Time) stream.Trade {
	return stream.Trade{Symbol: "BTCUSDT", Price: price, Qty: qty, EventTime: at}
}

func TestTapeAppendAndRange(t *testing.T) {
	tp := NewTape(16)
	base := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		tp.Append(trade(100+float64(i), 1, base.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 10, tp.Len())

	got := tp.Range(base.Add(2*time.Second), base.Add(5*time.Second))
	require.Len(t, got, 4)
	assert.InDelta(t, 102, got[0].Price, 1e-9)
	assert.InDelta(t, 105, got[3].Price, 1e-9)
}

func TestTapeWrapsWhenFull(t *testing.T) {
	tp := NewTape(4)
	base := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		tp.Append(trade(float64(i), 1, base.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 4, tp.Len())

	got := tp.Range(base, base.Add(time.Hour))
	require.Len(t, got, 4)
	// Only the newest four survive, oldest first.
	assert.InDelta(t, 6, got[0].Price, 1e-9)
	assert.InDelta(t, 9, got[3].Price, 1e-9)
}

func TestTapesGetIsStableAndIsolated(t *testing.T) {
	tapes := NewTapes("wss://x", 16, zerolog.Nop())

	a := tapes.Get("BTCUSDT")
	b := tapes.Get("BTCUSDT")
	assert.Same(t, a, b)

	c := tapes.Get("ETHUSDT")
	c.Append(trade(1, 1, time.Unix(1, 0)))
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 1, c.Len())

	got, ok := tapes.Lookup("ETHUSDT")
	require.True(t, ok)
	assert.Same(t, c, got)
	_, ok = tapes.Lookup("XRPUSDT")
	assert.False(t, ok)
}
