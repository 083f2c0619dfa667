// Package backoff provides the shared reconnect/retry delay policy:
// exponential growth from a base delay to a cap with ±25% jitter.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

const (
	// DefaultBase is the first retry delay.
	DefaultBase = 100 * time.Millisecond
	// DefaultCap bounds the exponential growth.
	DefaultCap = 30 * time.Second
	// jitterFrac is the relative jitter applied to every delay.
	jitterFrac = 0.25
)

// Policy computes successive delays. Safe for use by a single goroutine.
type Policy struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
}

// New returns a policy with the default base and cap.
func New() *Policy {
	return &Policy{Base: DefaultBase, Cap: DefaultCap}
}

// Next returns the delay for the next attempt and advances the policy.
func (p *Policy) Next() time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	cap := p.Cap
	if cap <= 0 {
		cap = DefaultCap
	}

	d := base << uint(p.attempt)
	if d > cap || d <= 0 {
		d = cap
	} else {
		p.attempt++
	}

	jitter := 1 + jitterFrac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// Reset restarts the policy after a successful attempt.
func (p *Policy) Reset() { p.attempt = 0 }

// Attempt reports how many times the delay has doubled since the last
// reset; it stops growing once the cap is reached.
func (p *Policy) Attempt() int { return p.attempt }

// Sleep waits for the next delay or until ctx is done, returning ctx.Err()
// in the latter case.
func (p *Policy) Sleep(ctx context.Context) error {
	t := time.NewTimer(p.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
