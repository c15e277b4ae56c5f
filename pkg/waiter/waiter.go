// Package waiter provides a generic condition-polling primitive with
// pluggable backoff strategies and jitter. It is the single synchronization
// building block used across harnesskit: process shutdown grace periods,
// pool drain confirmation, terminal prompt readiness and output matching are
// all expressed as conditions handed to Wait.
//
// A condition reports three outcomes: done (value ready), not ready, or an
// error. An error is treated as "not ready yet" rather than fatal, since
// flaky readiness checks must not abort a legitimate wait, but it is
// remembered as LastErr for diagnostics. Only timeout expiry (or context
// cancellation) terminates a wait unsuccessfully.
package waiter

import (
	"context"
	"time"
)

// Condition is polled until it reports done. Returning an error counts as
// "not ready yet"; the error is retained as the result's LastErr.
type Condition[T any] func(ctx context.Context) (value T, done bool, err error)

// Result describes the outcome of a single Wait invocation.
type Result[T any] struct {
	OK        bool
	Value     T
	Attempts  int
	TotalWait time.Duration
	LastErr   error
}

// Options controls polling cadence and termination.
type Options struct {
	// Timeout bounds the whole wait. Zero means DefaultOptions().Timeout.
	Timeout time.Duration
	// BaseDelay seeds the backoff strategy.
	BaseDelay time.Duration
	// MaxDelay caps any computed delay.
	MaxDelay time.Duration
	// Strategy selects one of the built-in backoff curves.
	Strategy Strategy
	// Jitter perturbs each delay by ±(Jitter*delay)/2. 0 disables jitter.
	Jitter float64
	// Interval, when set, overrides Strategy entirely. It receives the
	// 1-based attempt number and BaseDelay.
	Interval func(attempt int, base time.Duration) time.Duration
	// MaxConsecutiveErrors fails the wait early once the condition has
	// returned the same error text that many times in a row. 0 disables
	// the check, matching the permissive historical behavior.
	MaxConsecutiveErrors int
}

// DefaultOptions returns polling defaults suitable for UI and process
// readiness checks.
func DefaultOptions() Options {
	return Options{
		Timeout:   10 * time.Second,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		Strategy:  StrategyExponential,
		Jitter:    0.1,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.Strategy == "" {
		o.Strategy = def.Strategy
	}
	return o
}

// Wait polls cond until it reports done, the timeout expires, or ctx is
// cancelled. It returns a fresh Result describing the outcome; it never
// returns an error itself.
func Wait[T any](ctx context.Context, cond Condition[T], opts Options) Result[T] {
	opts = opts.withDefaults()

	var (
		result      Result[T]
		start       = time.Now()
		deadline    = start.Add(opts.Timeout)
		consecErrs  int
		lastErrText string
	)

	for {
		result.Attempts++

		value, done, err := cond(ctx)
		if err != nil {
			result.LastErr = err
			if opts.MaxConsecutiveErrors > 0 {
				if err.Error() == lastErrText {
					consecErrs++
				} else {
					lastErrText = err.Error()
					consecErrs = 1
				}
				if consecErrs >= opts.MaxConsecutiveErrors {
					result.TotalWait = time.Since(start)
					return result
				}
			}
		} else {
			consecErrs = 0
			lastErrText = ""
			if done {
				result.OK = true
				result.Value = value
				result.TotalWait = time.Since(start)
				return result
			}
		}

		if time.Now().After(deadline) {
			result.TotalWait = time.Since(start)
			return result
		}

		delay := nextDelay(result.Attempts, opts)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if result.LastErr == nil {
				result.LastErr = ctx.Err()
			}
			result.TotalWait = time.Since(start)
			return result
		case <-timer.C:
		}
	}
}
