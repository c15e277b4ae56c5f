package waiter

import (
	"math/rand"
	"time"
)

// Strategy names a built-in backoff curve.
type Strategy string

const (
	// StrategyLinear grows the delay as base*attempt.
	StrategyLinear Strategy = "linear"
	// StrategyExponential grows the delay as base*2^(attempt-1).
	StrategyExponential Strategy = "exponential"
	// StrategyFibonacci grows the delay as base*fib(attempt).
	StrategyFibonacci Strategy = "fibonacci"
	// StrategyQuadratic grows the delay as base*attempt².
	StrategyQuadratic Strategy = "quadratic"
)

const minDelay = time.Millisecond

// Delay computes the raw (un-jittered) delay for a 1-based attempt number,
// capped at maxDelay. It is a pure function, exposed for testing and for
// callers that preview backoff schedules.
func (s Strategy) Delay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch s {
	case StrategyLinear:
		delay = base * time.Duration(attempt)
	case StrategyExponential:
		if attempt > 62 {
			delay = maxDelay
		} else {
			delay = base * time.Duration(int64(1)<<uint(attempt-1))
		}
	case StrategyFibonacci:
		// fib grows past int64/base quickly; the product can wrap positive,
		// so cap before multiplying like the exponential branch does.
		if f := fib(attempt); base > 0 && f > int64(maxDelay/base) {
			delay = maxDelay
		} else {
			delay = base * time.Duration(f)
		}
	case StrategyQuadratic:
		delay = base * time.Duration(attempt) * time.Duration(attempt)
	default:
		delay = base
	}

	if delay > maxDelay || delay < 0 {
		delay = maxDelay
	}
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

// nextDelay computes the jittered delay for the next poll.
func nextDelay(attempt int, opts Options) time.Duration {
	if opts.Interval != nil {
		d := opts.Interval(attempt, opts.BaseDelay)
		if d > opts.MaxDelay {
			d = opts.MaxDelay
		}
		if d < minDelay {
			d = minDelay
		}
		return d
	}

	delay := opts.Strategy.Delay(attempt, opts.BaseDelay, opts.MaxDelay)

	if opts.Jitter > 0 {
		// ±(jitter*delay)/2 around the computed delay
		spread := float64(delay) * opts.Jitter
		delay += time.Duration(rand.Float64()*spread - spread/2)
	}

	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

// fib returns the nth Fibonacci number with fib(1) = fib(2) = 1, saturating
// before int64 overflow; Delay compares the result against maxDelay/base.
func fib(n int) int64 {
	if n <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		a, b = b, a+b
		if b < 0 {
			return int64(1) << 62
		}
	}
	return b
}
