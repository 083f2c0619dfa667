// Package rest fetches the deep REST depth snapshot used to seed and
// resynchronize a book session. Every call passes the shared admission
// layer and a circuit breaker; 429/418 responses honor Retry-After and
// retry on a short exponential schedule.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/forgetrade/mcp-binance-go/internal/admission"
	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/market"
)

const (
	depthRoute   = "/api/v3/depth"
	depthLimit   = 1000
	maxRetries   = 3
	retryBase    = time.Second
	clientTimout = 15 * time.Second
)

// BookSnapshot is a deep depth snapshot plus the cursor to chain deltas on.
type BookSnapshot struct {
	Symbol string
	Bids   []market.Level
	Asks   []market.Level
	Cursor int64
}

// Snapshotter fetches depth snapshots for any symbol.
type Snapshotter struct {
	base      string
	client    *http.Client
	admission *admission.Controller
	breaker   *gobreaker.CircuitBreaker
	log       zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Snapshotter against the given REST base URL.
func New(base string, adm *admission.Controller, logger zerolog.Logger) *Snapshotter {
	settings := gobreaker.Settings{
		Name:     "rest-depth",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
	return &Snapshotter{
		base:      strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: clientTimout},
		admission: adm,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		log:       logger.With().Str("component", "rest_snapshotter").Logger(),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// depthResponse mirrors GET /api/v3/depth.
type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Snapshot fetches the top levels for symbol, retrying rate-limit
// responses per the documented schedule. Scales convert the wire decimals
// into the session's fixed-point representation.
func (s *Snapshotter) Snapshot(ctx context.Context, symbol string, scales market.Scales) (*BookSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBase << uint(attempt-1)
			if ra := retryAfterOf(lastErr); ra > delay {
				delay = ra
			}
			if err := s.sleep(ctx, delay); err != nil {
				return nil, errs.Cancelled()
			}
		}

		snap, err := s.fetch(ctx, symbol, scales)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		if errs.CodeOf(err) != errs.CodeRateLimited {
			return nil, err
		}
		s.log.Warn().Str("symbol", symbol).Int("attempt", attempt+1).Err(err).Msg("depth snapshot rate limited")
	}
	return nil, lastErr
}

func (s *Snapshotter) fetch(ctx context.Context, symbol string, scales market.Scales) (*BookSnapshot, error) {
	if err := s.admission.Acquire(ctx, depthRoute); err != nil {
		return nil, err
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.get(ctx, symbol, scales)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.Unavailable(err)
		}
		return nil, err
	}
	return result.(*BookSnapshot), nil
}

func (s *Snapshotter) get(ctx context.Context, symbol string, scales market.Scales) (*BookSnapshot, error) {
	url := fmt.Sprintf("%s%s?symbol=%s&limit=%d", s.base, depthRoute, strings.ToUpper(symbol), depthLimit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Internal("build depth request: %v", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Cancelled()
		}
		return nil, errs.Unavailable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418:
		io.Copy(io.Discard, resp.Body)
		return nil, errs.RateLimited(parseRetryAfter(resp.Header.Get("Retry-After")))
	default:
		io.Copy(io.Discard, resp.Body)
		return nil, errs.Unavailable(fmt.Errorf("depth snapshot: unexpected status %d", resp.StatusCode))
	}

	var body depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, err, "depth snapshot: malformed body")
	}
	bids, err := market.ParseLevels(body.Bids, scales)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, err, "depth snapshot: bad bid levels")
	}
	asks, err := market.ParseLevels(body.Asks, scales)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, err, "depth snapshot: bad ask levels")
	}
	return &BookSnapshot{
		Symbol: strings.ToUpper(symbol),
		Bids:   bids,
		Asks:   asks,
		Cursor: body.LastUpdateID,
	}, nil
}

func parseRetryAfter(h string) int {
	if h == "" {
		return 1
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 1 {
		return 1
	}
	return secs
}

func retryAfterOf(err error) time.Duration {
	e := errs.AsError(err)
	if e.Code != errs.CodeRateLimited {
		return 0
	}
	if v, ok := e.Details["retry_after_secs"].(int); ok {
		return time.Duration(v) * time.Second
	}
	return 0
}
