package waiter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{
		Timeout:   500 * time.Millisecond,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
		Strategy:  StrategyLinear,
	}
}

func TestWaitSucceedsAfterAttempts(t *testing.T) {
	calls := 0
	result := Wait(context.Background(), func(context.Context) (int, bool, error) {
		calls++
		if calls >= 3 {
			return 42, true, nil
		}
		return 0, false, nil
	}, fastOptions())

	require.True(t, result.OK)
	assert.Equal(t, 42, result.Value)
	assert.Equal(t, 3, result.Attempts)
	assert.NoError(t, result.LastErr)
}

func TestWaitFirstAttemptImmediate(t *testing.T) {
	start := time.Now()
	result := Wait(context.Background(), func(context.Context) (string, bool, error) {
		return "ready", true, nil
	}, fastOptions())

	require.True(t, result.OK)
	assert.Equal(t, 1, result.Attempts)
	// No backoff sleep before the first poll.
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitTimeout(t *testing.T) {
	opts := fastOptions()
	opts.Timeout = 50 * time.Millisecond

	start := time.Now()
	result := Wait(context.Background(), func(context.Context) (int, bool, error) {
		return 0, false, nil
	}, opts)
	elapsed := time.Since(start)

	assert.False(t, result.OK)
	assert.GreaterOrEqual(t, result.Attempts, 2)
	// Timeout plus at most one trailing delay.
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestWaitErrorsAreNotFatal(t *testing.T) {
	sentinel := errors.New("flaky check")
	calls := 0
	result := Wait(context.Background(), func(context.Context) (int, bool, error) {
		calls++
		if calls < 3 {
			return 0, false, sentinel
		}
		return 7, true, nil
	}, fastOptions())

	require.True(t, result.OK)
	assert.Equal(t, 7, result.Value)
	// LastErr keeps the most recent error even on success.
	assert.Equal(t, sentinel, result.LastErr)
}

func TestWaitMaxConsecutiveErrors(t *testing.T) {
	opts := fastOptions()
	opts.MaxConsecutiveErrors = 3

	calls := 0
	result := Wait(context.Background(), func(context.Context) (int, bool, error) {
		calls++
		return 0, false, errors.New("permission denied")
	}, opts)

	assert.False(t, result.OK)
	assert.Equal(t, 3, result.Attempts)
	assert.EqualError(t, result.LastErr, "permission denied")
}

func TestWaitDistinctErrorsResetConsecutiveCount(t *testing.T) {
	opts := fastOptions()
	opts.MaxConsecutiveErrors = 3

	calls := 0
	result := Wait(context.Background(), func(context.Context) (int, bool, error) {
		calls++
		if calls >= 5 {
			return 1, true, nil
		}
		return 0, false, fmt.Errorf("transient %d", calls)
	}, opts)

	require.True(t, result.OK)
	assert.Equal(t, 5, result.Attempts)
}

func TestWaitContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	opts := fastOptions()
	opts.Timeout = 10 * time.Second
	opts.BaseDelay = 20 * time.Millisecond

	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := Wait(ctx, func(context.Context) (int, bool, error) {
		return 0, false, nil
	}, opts)

	assert.False(t, result.OK)
	assert.ErrorIs(t, result.LastErr, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitCustomInterval(t *testing.T) {
	var intervals []int
	opts := fastOptions()
	opts.Interval = func(attempt int, base time.Duration) time.Duration {
		intervals = append(intervals, attempt)
		return base
	}

	calls := 0
	result := Wait(context.Background(), func(context.Context) (int, bool, error) {
		calls++
		return calls, calls >= 4, nil
	}, opts)

	require.True(t, result.OK)
	assert.Equal(t, []int{1, 2, 3}, intervals)
}

func TestStrategyDelay(t *testing.T) {
	base := 10 * time.Millisecond
	maxDelay := time.Hour

	tests := []struct {
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{StrategyLinear, 1, 10 * time.Millisecond},
		{StrategyLinear, 4, 40 * time.Millisecond},
		{StrategyExponential, 1, 10 * time.Millisecond},
		{StrategyExponential, 4, 80 * time.Millisecond},
		{StrategyFibonacci, 1, 10 * time.Millisecond},
		{StrategyFibonacci, 2, 10 * time.Millisecond},
		{StrategyFibonacci, 6, 80 * time.Millisecond},
		{StrategyQuadratic, 3, 90 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_attempt_%d", tt.strategy, tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.strategy.Delay(tt.attempt, base, maxDelay))
		})
	}
}

func TestStrategyDelayCapping(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := time.Second

	assert.Equal(t, maxDelay, StrategyExponential.Delay(30, base, maxDelay))
	assert.Equal(t, maxDelay, StrategyFibonacci.Delay(50, base, maxDelay))
	// Overflow-prone attempts saturate at the cap instead of going negative.
	assert.Equal(t, maxDelay, StrategyExponential.Delay(200, base, maxDelay))
	assert.Equal(t, maxDelay, StrategyFibonacci.Delay(200, base, maxDelay))
}

func TestStrategyDelayFloor(t *testing.T) {
	// Sub-millisecond bases are rounded up to the floor.
	assert.Equal(t, time.Millisecond, StrategyLinear.Delay(1, 10*time.Microsecond, time.Second))
	assert.Equal(t, time.Millisecond, Strategy("bogus").Delay(1, 0, time.Second))
}

func TestNextDelayJitterBounds(t *testing.T) {
	opts := Options{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Hour,
		Strategy:  StrategyLinear,
		Jitter:    0.5,
	}

	raw := StrategyLinear.Delay(2, opts.BaseDelay, opts.MaxDelay)
	spread := time.Duration(float64(raw) * opts.Jitter / 2)

	for i := 0; i < 200; i++ {
		d := nextDelay(2, opts)
		assert.GreaterOrEqual(t, d, raw-spread-time.Millisecond)
		assert.LessOrEqual(t, d, raw+spread+time.Millisecond)
	}
}

func TestForText(t *testing.T) {
	var text atomic.Value
	text.Store("")
	go func() {
		time.Sleep(20 * time.Millisecond)
		text.Store("line one\nhello world\n")
	}()

	result := ForText(context.Background(), func() string { return text.Load().(string) }, "hello", fastOptions())
	require.True(t, result.OK)
	assert.Contains(t, result.Value, "hello world")
}

func TestForPattern(t *testing.T) {
	re := regexp.MustCompile(`build #\d+ done`)
	result := ForPattern(context.Background(), func() string {
		return "noise\nbuild #17 done\nmore"
	}, re, fastOptions())

	require.True(t, result.OK)
	assert.Equal(t, "build #17 done", result.Value)
}

func TestForPromptMatchesLastLineOnly(t *testing.T) {
	prompt := regexp.MustCompile(`\$\s*$`)

	// The prompt pattern appears mid-output but the last line is not a prompt,
	// so the wait must time out.
	opts := fastOptions()
	opts.Timeout = 50 * time.Millisecond
	result := ForPrompt(context.Background(), func() string {
		return "user@host $ \nstill running..."
	}, prompt, opts)
	assert.False(t, result.OK)

	result = ForPrompt(context.Background(), func() string {
		return "output line\nuser@host $ "
	}, prompt, fastOptions())
	require.True(t, result.OK)
	assert.Equal(t, "user@host $", result.Value)
}

func TestRetry(t *testing.T) {
	calls := 0
	result := Retry(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("not yet")
		}
		return "done", nil
	}, fastOptions())

	require.True(t, result.OK)
	assert.Equal(t, "done", result.Value)
	assert.Equal(t, 3, result.Attempts)
}

func TestForAll(t *testing.T) {
	var a, b atomic.Bool
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Store(true)
		time.Sleep(10 * time.Millisecond)
		b.Store(true)
	}()

	result := ForAll(context.Background(), []func() bool{
		a.Load,
		b.Load,
	}, fastOptions())
	assert.True(t, result.OK)
}

func TestForAny(t *testing.T) {
	result := ForAny(context.Background(), []func() bool{
		func() bool { return false },
		func() bool { return true },
		func() bool { return true },
	}, fastOptions())

	require.True(t, result.OK)
	assert.Equal(t, 1, result.Value)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "", lastLine(""))
	assert.Equal(t, "only", lastLine("only"))
	assert.Equal(t, "second", lastLine("first\nsecond\n"))
	assert.Equal(t, "crlf", lastLine("first\r\ncrlf\r\n"))
	assert.Equal(t, "user@host $", lastLine("output\nuser@host $ "))
	assert.Equal(t, "tabbed", lastLine("first\ntabbed\t\n"))
}
