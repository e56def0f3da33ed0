// Package retry re-runs a bridged backend call with exponential backoff.
// Every failure is treated as retryable; callers validate their input
// before entering Do.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/tradebridge/bridge"
	"github.com/rustyeddy/tradebridge/metrics"
)

var log = logrus.WithField("component", "retry")

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
)

// Error is returned when every attempt failed. It wraps the last error.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type options struct {
	name        string
	maxAttempts int
	baseDelay   time.Duration
}

type Option func(*options)

// Name labels log records and metrics for the operation.
func Name(name string) Option {
	return func(o *options) { o.name = name }
}

func MaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func BaseDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.baseDelay = d
		}
	}
}

// Policy carries configured defaults; zero fields keep the package
// defaults. Pass its Options before any per-call options so the latter win.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p Policy) Options() []Option {
	var opts []Option
	if p.MaxAttempts > 0 {
		opts = append(opts, MaxAttempts(p.MaxAttempts))
	}
	if p.BaseDelay > 0 {
		opts = append(opts, BaseDelay(p.BaseDelay))
	}
	return opts
}

// Backoff is the wait after failed attempt n (0-based): base * 2^n.
func Backoff(base time.Duration, n int) time.Duration {
	return base << uint(n)
}

// Do runs op through the bridge pool up to MaxAttempts times, sleeping
// Backoff(BaseDelay, n) after failed attempt n. No worker is held while
// waiting. If ctx ends during a wait, ctx.Err() is returned.
func Do[T any](ctx context.Context, pool *bridge.Pool, op func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{
		name:        "call",
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		v, err := bridge.Call(ctx, pool, op)
		if err == nil {
			return v, nil
		}
		lastErr = err

		// Our own context ended: no point trying again.
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt == o.maxAttempts-1 {
			break
		}

		delay := Backoff(o.baseDelay, attempt)
		log.WithFields(logrus.Fields{
			"op":      o.name,
			"attempt": attempt + 1,
			"of":      o.maxAttempts,
			"delay":   delay,
		}).WithError(err).Warn("attempt failed, retrying")
		metrics.RetryAttempts.WithLabelValues(o.name).Inc()

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	metrics.RetryExhausted.WithLabelValues(o.name).Inc()
	log.WithFields(logrus.Fields{
		"op":       o.name,
		"attempts": o.maxAttempts,
	}).WithError(lastErr).Error("all attempts failed")
	return zero, &Error{Op: o.name, Attempts: o.maxAttempts, Err: lastErr}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
