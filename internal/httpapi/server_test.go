package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/admission"
	"github.com/forgetrade/mcp-binance-go/internal/analytics"
	"github.com/forgetrade/mcp-binance-go/internal/book"
	"github.com/forgetrade/mcp-binance-go/internal/creds"
	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/facade"
	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/metrics"
	"github.com/forgetrade/mcp-binance-go/internal/store"
	"github.com/forgetrade/mcp-binance-go/internal/stream"
	"github.com/forgetrade/mcp-binance-go/internal/tape"
)

type idleSource struct{ ch chan stream.Event }

func (s *idleSource) Run(ctx context.Context)     {}
func (s *idleSource) Events() <-chan stream.Event { return s.ch }

func testServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	factory := func(symbol string) *book.Session {
		snapFn := func(ctx context.Context, sym string, sc market.Scales) (*book.SyncSnapshot, error) {
			return &book.SyncSnapshot{
				Bids:   []market.Level{{Price: 10000, Qty: 10000}},
				Asks:   []market.Level{{Price: 10010, Qty: 10000}},
				Cursor: 42,
			}, nil
		}
		return book.NewSession(book.SessionConfig{
			Symbol: symbol,
			Scales: market.Scales{Price: 2, Qty: 4},
		}, snapFn, &idleSource{ch: make(chan stream.Event)}, zerolog.Nop())
	}
	reg := book.NewRegistry(book.RegistryConfig{
		MaxConcurrentSymbols:  4,
		ActivationTimeoutCold: 2 * time.Second,
	}, factory, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	reg.Start(ctx)

	eng := analytics.NewEngine(analytics.Config{},
		store.NewMemoryStore(),
		tape.NewTapes("wss://x", 64, zerolog.Nop()),
		zerolog.Nop())
	adm := admission.New(admission.Config{})

	f := facade.New(reg, eng, creds.NewStore(), adm, nil,
		func(string) market.Scales { return market.Scales{Price: 2, Qty: 4} },
		metrics.L1Config{}, zerolog.Nop())
	return New(":0", f, zerolog.Nop()), cancel
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthzAndRequestID(t *testing.T) {
	s, cancel := testServer(t)
	defer cancel()

	w := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestDepthEndpoint(t *testing.T) {
	s, cancel := testServer(t)
	defer cancel()

	w := get(t, s, "/v1/book/BTCUSDT/depth?levels=1")
	require.Equal(t, http.StatusOK, w.Code)

	var l2 metrics.L2View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &l2))
	assert.Equal(t, int64(42), l2.Cursor)
	require.Len(t, l2.Bids, 1)
	assert.Equal(t, [2]int64{10000, 10000}, l2.Bids[0])
}

func TestErrorMapping(t *testing.T) {
	s, cancel := testServer(t)
	defer cancel()

	// Validation errors map to 400 with the structured error body.
	w := get(t, s, "/v1/book/BTCUSDT/depth?levels=0")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body struct {
		Error errs.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, errs.CodeValidation, body.Error.Code)
	assert.NotEmpty(t, body.Error.Message)

	w = get(t, s, "/v1/book/notasymbol/depth")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, s, "/v1/analytics/BTCUSDT/order-flow?window_secs=45")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Analytics with no data maps to 422.
	w = get(t, s, "/v1/analytics/BTCUSDT/order-flow?window_secs=60")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestStatusOfCoversTaxonomy(t *testing.T) {
	cases := map[errs.Code]int{
		errs.CodeValidation:         http.StatusBadRequest,
		errs.CodeSymbolInvalid:      http.StatusBadRequest,
		errs.CodeRangeTooLarge:      http.StatusBadRequest,
		errs.CodeRateLimited:        http.StatusTooManyRequests,
		errs.CodeCapacityExhausted:  http.StatusServiceUnavailable,
		errs.CodeUnavailable:        http.StatusBadGateway,
		errs.CodeInsufficientData:   http.StatusUnprocessableEntity,
		errs.CodeCredentialsMissing: http.StatusUnauthorized,
		errs.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusOf(code), string(code))
	}
}
