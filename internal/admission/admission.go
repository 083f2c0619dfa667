// Package admission is the single process-wide gate in front of every
// outbound upstream call. A global token bucket models the documented
// per-IP request limit; a smaller per-route bucket sits in front of it so
// one hot endpoint cannot starve the rest of the process.
package admission

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
)

// Controller implements the two-stage admission policy. The zero value is
// not usable; construct with New.
type Controller struct {
	global *rate.Limiter

	mu         sync.RWMutex
	routes     map[string]*rate.Limiter
	routeRate  rate.Limit
	routeBurst int

	queueTimeout time.Duration

	statsMu sync.Mutex
	granted int64
	denied  int64
	waited  time.Duration
}

// Config shapes a Controller.
type Config struct {
	RatePerMinute      int
	Burst              int
	RouteRatePerMinute int
	RouteBurst         int
	QueueTimeout       time.Duration
}

// New builds a Controller from the given config.
func New(cfg Config) *Controller {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 1000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 50
	}
	if cfg.RouteRatePerMinute <= 0 {
		cfg.RouteRatePerMinute = 100
	}
	if cfg.RouteBurst <= 0 {
		cfg.RouteBurst = 10
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	return &Controller{
		global:       rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.Burst),
		routes:       make(map[string]*rate.Limiter),
		routeRate:    rate.Limit(float64(cfg.RouteRatePerMinute) / 60.0),
		routeBurst:   cfg.RouteBurst,
		queueTimeout: cfg.QueueTimeout,
	}
}

// routeLimiter returns or creates the limiter for an HTTP route.
func (c *Controller) routeLimiter(route string) *rate.Limiter {
	c.mu.RLock()
	lim, ok := c.routes[route]
	c.mu.RUnlock()
	if ok {
		return lim
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lim, ok := c.routes[route]; ok {
		return lim
	}
	lim = rate.NewLimiter(c.routeRate, c.routeBurst)
	c.routes[route] = lim
	return lim
}

// Acquire blocks until both the route budget and the global budget grant a
// token, the queue timeout elapses, or ctx is cancelled. On saturation it
// returns a RateLimited error carrying a retry hint.
func (c *Controller) Acquire(ctx context.Context, route string) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.queueTimeout)
	defer cancel()

	start := time.Now()
	if err := c.routeLimiter(route).Wait(waitCtx); err != nil {
		return c.deny(ctx, waitCtx, route)
	}
	if err := c.global.Wait(waitCtx); err != nil {
		return c.deny(ctx, waitCtx, route)
	}

	c.statsMu.Lock()
	c.granted++
	c.waited += time.Since(start)
	c.statsMu.Unlock()
	return nil
}

func (c *Controller) deny(ctx, waitCtx context.Context, route string) error {
	// The limiter refuses up front when the wait would overrun the queue
	// timeout; the caller is still held until the timeout or its own
	// cancellation before the outcome is decided.
	<-waitCtx.Done()
	if ctx.Err() != nil {
		// Caller cancelled; not an admission denial.
		return errs.Cancelled()
	}
	c.statsMu.Lock()
	c.denied++
	c.statsMu.Unlock()
	return errs.RateLimited(c.retryAfterSecs(route))
}

// retryAfterSecs estimates when the next token becomes available, taking
// the slower of the two buckets.
func (c *Controller) retryAfterSecs(route string) int {
	delay := reservationDelay(c.global)
	if d := reservationDelay(c.routeLimiter(route)); d > delay {
		delay = d
	}
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func reservationDelay(lim *rate.Limiter) time.Duration {
	r := lim.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}

// Utilization reports the share of the global bucket currently consumed,
// in [0, 1].
func (c *Controller) Utilization() float64 {
	burst := float64(c.global.Burst())
	if burst == 0 {
		return 0
	}
	u := 1 - c.global.Tokens()/burst
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// Stats is a point-in-time view of admission activity.
type Stats struct {
	Granted     int64         `json:"granted"`
	Denied      int64         `json:"denied"`
	TotalWaited time.Duration `json:"total_waited"`
	Utilization float64       `json:"utilization"`
}

// Snapshot returns the current counters.
func (c *Controller) Snapshot() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{
		Granted:     c.granted,
		Denied:      c.denied,
		TotalWaited: c.waited,
		Utilization: c.Utilization(),
	}
}
