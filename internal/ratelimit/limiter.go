// Package ratelimit implements the fixed-window admission limiter.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/developingchet/admission-guard/internal/metrics"
	"github.com/developingchet/admission-guard/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	// ErrStoreUnavailable wraps counter store failures. The accompanying
	// Result is always an allow.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")
	ErrEmptyIdentifier  = errors.New("empty rate limit identifier")
)

// Result is the outcome of one Check.
type Result struct {
	Allowed     bool
	Limit       int
	Remaining   int
	ResetTime   time.Time
	TotalHits   int
	WindowStart time.Time
}

// RetryAfter is the wait until the window resets, never negative.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Options tunes a Limiter. Zero values pick the defaults.
type Options struct {
	StoreTimeout     time.Duration    // per store call, default 100ms
	ErrorLogInterval time.Duration    // store error log throttle, default 10s
	Clock            func() time.Time // default time.Now
}

// Limiter counts hits per endpoint+identifier in the injected store. It keeps
// no counter state of its own; atomicity comes from CounterStore.Increment.
type Limiter struct {
	store   storage.CounterStore
	log     zerolog.Logger
	now     func() time.Time
	timeout time.Duration
	errLog  *rate.Sometimes
}

// New returns a Limiter over store.
func New(store storage.CounterStore, opts Options, log zerolog.Logger) *Limiter {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 100 * time.Millisecond
	}
	if opts.ErrorLogInterval <= 0 {
		opts.ErrorLogInterval = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Limiter{
		store:   store,
		log:     log.With().Str("component", "ratelimit").Logger(),
		now:     opts.Clock,
		timeout: opts.StoreTimeout,
		errLog:  &rate.Sometimes{First: 1, Interval: opts.ErrorLogInterval},
	}
}

// Check counts one hit for identifier against endpoint's policy.
//
// On store failure the request is allowed with Remaining = MaxRequests-1 and
// the returned error wraps ErrStoreUnavailable.
func (l *Limiter) Check(ctx context.Context, endpoint, identifier string, p Policy) (Result, error) {
	if identifier == "" {
		return Result{}, ErrEmptyIdentifier
	}
	if err := p.Validate(); err != nil {
		return Result{}, fmt.Errorf("policy %s: %w", endpoint, err)
	}
	now := l.now()

	sctx, cancel := l.storeContext(ctx)
	defer cancel()
	rec, err := l.store.Increment(sctx, endpoint, identifier, p.Window, p.MaxRequests, now)
	if err != nil {
		metrics.RateLimitChecks.WithLabelValues(endpoint, "error").Inc()
		metrics.StoreErrors.WithLabelValues("increment").Inc()
		l.errLog.Do(func() {
			l.log.Error().Err(err).Str("endpoint", endpoint).Msg("counter store failed; allowing request")
		})
		return Result{
			Allowed:   true,
			Limit:     p.MaxRequests,
			Remaining: p.MaxRequests - 1,
			ResetTime: now.Add(p.Window),
		}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	res := Result{
		Allowed:     rec.Hits <= p.MaxRequests,
		Limit:       p.MaxRequests,
		Remaining:   max(0, p.MaxRequests-rec.Hits),
		ResetTime:   rec.ResetTime,
		TotalHits:   rec.Hits,
		WindowStart: rec.WindowStart,
	}
	if res.Allowed {
		metrics.RateLimitChecks.WithLabelValues(endpoint, "allowed").Inc()
	} else {
		metrics.RateLimitChecks.WithLabelValues(endpoint, "limited").Inc()
		l.log.Debug().Str("endpoint", endpoint).Str("identifier", identifier).
			Int("hits", rec.Hits).Time("reset", rec.ResetTime).Msg("rate limit exceeded")
	}
	return res, nil
}

// Refund gives back one hit in the window that started at windowStart. It is
// a no-op once that window has rolled over.
func (l *Limiter) Refund(ctx context.Context, endpoint, identifier string, windowStart time.Time) error {
	if windowStart.IsZero() {
		return nil
	}
	sctx, cancel := l.storeContext(ctx)
	defer cancel()
	if err := l.store.Refund(sctx, endpoint, identifier, windowStart); err != nil {
		metrics.StoreErrors.WithLabelValues("refund").Inc()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// storeContext detaches from client cancellation so an aborted request cannot
// leave a half-applied counter update, then bounds the call.
func (l *Limiter) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
}
