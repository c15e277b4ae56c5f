package waiter

import (
	"context"
	"regexp"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// The helpers below are condition-function compositions over Wait. None of
// them introduce state of their own.

// ForText polls getText until the accumulated output contains substr.
// The matched snapshot of the text is returned as the result value.
func ForText(ctx context.Context, getText func() string, substr string, opts Options) Result[string] {
	return Wait(ctx, func(context.Context) (string, bool, error) {
		text := getText()
		if strings.Contains(text, substr) {
			return text, true, nil
		}
		return "", false, nil
	}, opts)
}

// ForPattern polls getText until re matches. The first match is returned.
func ForPattern(ctx context.Context, getText func() string, re *regexp.Regexp, opts Options) Result[string] {
	return Wait(ctx, func(context.Context) (string, bool, error) {
		if m := re.FindString(getText()); m != "" {
			return m, true, nil
		}
		return "", false, nil
	}, opts)
}

// ForPrompt polls getText until the last non-empty line matches the prompt
// pattern. Shells emit the prompt last, so only the final line is inspected.
func ForPrompt(ctx context.Context, getText func() string, prompt *regexp.Regexp, opts Options) Result[string] {
	return Wait(ctx, func(context.Context) (string, bool, error) {
		line := lastLine(getText())
		if line != "" && prompt.MatchString(line) {
			return line, true, nil
		}
		return "", false, nil
	}, opts)
}

// ForPID polls until a process with the given PID exists.
func ForPID(ctx context.Context, pid int, opts Options) Result[int] {
	return Wait(ctx, func(context.Context) (int, bool, error) {
		exists, err := process.PidExists(int32(pid))
		if err != nil {
			return 0, false, err
		}
		return pid, exists, nil
	}, opts)
}

// ForPIDGone polls until no process with the given PID exists.
func ForPIDGone(ctx context.Context, pid int, opts Options) Result[int] {
	return Wait(ctx, func(context.Context) (int, bool, error) {
		exists, err := process.PidExists(int32(pid))
		if err != nil {
			return 0, false, err
		}
		return pid, !exists, nil
	}, opts)
}

// Retry runs op until it succeeds, treating any returned error as "retry".
func Retry[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts Options) Result[T] {
	return Wait(ctx, func(ctx context.Context) (T, bool, error) {
		v, err := op(ctx)
		if err != nil {
			var zero T
			return zero, false, err
		}
		return v, true, nil
	}, opts)
}

// ForAll polls until every predicate reports true within the same attempt.
func ForAll(ctx context.Context, preds []func() bool, opts Options) Result[bool] {
	return Wait(ctx, func(context.Context) (bool, bool, error) {
		for _, pred := range preds {
			if !pred() {
				return false, false, nil
			}
		}
		return true, true, nil
	}, opts)
}

// ForAny polls until one predicate reports true and returns its index.
// Predicates race; the lowest succeeding index within an attempt wins.
func ForAny(ctx context.Context, preds []func() bool, opts Options) Result[int] {
	return Wait(ctx, func(context.Context) (int, bool, error) {
		for i, pred := range preds {
			if pred() {
				return i, true, nil
			}
		}
		return -1, false, nil
	}, opts)
}

// lastLine returns the final line of text with trailing whitespace stripped.
// Shell prompts commonly end in a space; matching is simpler against the
// trimmed form.
func lastLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\r\n"), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimRight(lines[len(lines)-1], " \t\r")
}
