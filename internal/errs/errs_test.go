package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOfUnwrapsChains(t *testing.T) {
	base := RateLimited(7)
	wrapped := fmt.Errorf("fetch: %w", base)

	assert.Equal(t, CodeRateLimited, CodeOf(wrapped))
	assert.Equal(t, CodeCancelled, CodeOf(context.Canceled))
	assert.Equal(t, CodeCancelled, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestAsErrorNormalizes(t *testing.T) {
	e := AsError(fmt.Errorf("x: %w", Unavailable(errors.New("dial failed"))))
	assert.Equal(t, CodeUnavailable, e.Code)

	e = AsError(errors.New("plain"))
	assert.Equal(t, CodeInternal, e.Code)
}

func TestRateLimitedCarriesRetryHint(t *testing.T) {
	e := RateLimited(12)
	require.NotNil(t, e.Details)
	assert.Equal(t, 12, e.Details["retry_after_secs"])

	e = RateLimited(0)
	assert.Equal(t, 1, e.Details["retry_after_secs"], "retry hint is always positive")
}

func TestWithDetailAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	e := Wrap(CodeUnavailable, cause, "upstream gone").WithDetail("symbol", "BTCUSDT")

	assert.ErrorIs(t, e, cause)
	assert.Equal(t, "BTCUSDT", e.Details["symbol"])
	assert.Contains(t, e.Error(), "UNAVAILABLE")
	assert.Contains(t, e.Error(), "socket closed")
}

func TestInsufficientDataDetails(t *testing.T) {
	e := InsufficientData(3, 100, "trades")
	assert.Equal(t, 3, e.Details["have"])
	assert.Equal(t, 100, e.Details["need"])
	assert.Contains(t, e.Message, "trades")
}
