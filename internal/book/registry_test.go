package book

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
)

// instantFactory builds sessions that go Live immediately from a canned
// snapshot. The returned sources let tests drive per-symbol deltas.
func instantFactory(sources map[string]*fakeSource) SessionFactory {
	return func(symbol string) *Session {
		src := newFakeSource()
		sources[symbol] = src
		snapFn := func(ctx context.Context, sym string, sc market.Scales) (*SyncSnapshot, error) {
			return testSnapshot(100), nil
		}
		return NewSession(SessionConfig{
			Symbol: symbol,
			Scales: market.Scales{Price: 2, Qty: 4},
		}, snapFn, src, zerolog.Nop())
	}
}

func newTestRegistry(t *testing.T, maxSymbols int, sources map[string]*fakeSource) (*Registry, context.CancelFunc) {
	t.Helper()
	reg := NewRegistry(RegistryConfig{
		MaxConcurrentSymbols:  maxSymbols,
		EvictionMinAge:        5 * time.Second,
		ActivationTimeoutCold: 2 * time.Second,
		ActivationTimeoutWarm: 500 * time.Millisecond,
	}, instantFactory(sources), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)
	return reg, cancel
}

func TestRegistryRejectsInvalidSymbol(t *testing.T) {
	reg, cancel := newTestRegistry(t, 2, map[string]*fakeSource{})
	defer cancel()

	_, err := reg.Acquire(context.Background(), "btc")
	require.Error(t, err)
	assert.Equal(t, errs.CodeSymbolInvalid, errs.CodeOf(err))
}

func TestRegistryLazyActivationAndReuse(t *testing.T) {
	sources := map[string]*fakeSource{}
	reg, cancel := newTestRegistry(t, 2, sources)
	defer cancel()

	s1, err := reg.Acquire(context.Background(), "AAAUSDT")
	require.NoError(t, err)
	assert.Equal(t, StateLive, s1.State())

	// Second touch returns the same session without a new activation.
	s2, err := reg.Acquire(context.Background(), "AAAUSDT")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, reg.Health().ActiveSymbols)
}

func TestRegistryEvictsOldestPastThreshold(t *testing.T) {
	sources := map[string]*fakeSource{}
	reg, cancel := newTestRegistry(t, 2, sources)
	defer cancel()

	a, err := reg.Acquire(context.Background(), "AAAUSDT")
	require.NoError(t, err)
	b, err := reg.Acquire(context.Background(), "BBBUSDT")
	require.NoError(t, err)

	// A last updated 20s ago, B 100ms ago.
	sources["AAAUSDT"].delta(delta(101, 101, time.Now().Add(-20*time.Second), []market.Level{lv(10001, 1)}, nil))
	sources["BBBUSDT"].delta(delta(101, 101, time.Now().Add(-100*time.Millisecond), []market.Level{lv(10001, 1)}, nil))
	waitForCursor(t, a, 101)
	waitForCursor(t, b, 101)

	c, err := reg.Acquire(context.Background(), "CCCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StateLive, c.State())

	_, ok := reg.Lookup("AAAUSDT")
	assert.False(t, ok, "oldest session should have been evicted")
	_, ok = reg.Lookup("BBBUSDT")
	assert.True(t, ok)

	// No remaining candidate is older than the eviction threshold, so a
	// fourth symbol must be refused.
	_, err = reg.Acquire(context.Background(), "DDDUSDT")
	require.Error(t, err)
	assert.Equal(t, errs.CodeCapacityExhausted, errs.CodeOf(err))
	assert.Equal(t, 2, reg.Health().ActiveSymbols)
}

func TestRegistryCapNeverExceeded(t *testing.T) {
	sources := map[string]*fakeSource{}
	reg, cancel := newTestRegistry(t, 3, sources)
	defer cancel()

	for _, sym := range []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"} {
		_, err := reg.Acquire(context.Background(), sym)
		require.NoError(t, err)
		assert.LessOrEqual(t, reg.Health().ActiveSymbols, 3)
	}
}

func TestRegistryDeactivateStopsSession(t *testing.T) {
	sources := map[string]*fakeSource{}
	reg, cancel := newTestRegistry(t, 2, sources)
	defer cancel()

	s, err := reg.Acquire(context.Background(), "AAAUSDT")
	require.NoError(t, err)

	reg.Deactivate("AAAUSDT")
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session writer did not stop on deactivation")
	}
	_, ok := reg.Lookup("AAAUSDT")
	assert.False(t, ok)
}

func TestRegistryShutdownStopsEverything(t *testing.T) {
	sources := map[string]*fakeSource{}
	reg, cancel := newTestRegistry(t, 4, sources)
	defer cancel()

	var sessions []*Session
	for _, sym := range []string{"AAAUSDT", "BBBUSDT"} {
		s, err := reg.Acquire(context.Background(), sym)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}
	reg.Shutdown()
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("session leaked past shutdown")
		}
	}
	assert.Equal(t, 0, reg.Health().ActiveSymbols)
}
