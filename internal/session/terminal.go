// Package session provides the terminal-session resource type pooled by the
// harness: one shell process per session, spawned through a shared
// supervisor, with captured output and readiness polling. It is the
// reference Factory implementation for sessionpool; other expensive session
// types plug in the same way.
package session

import (
	"context"
	"io"
	"os"
	"regexp"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/harnesskit/harnesskit/pkg/errors"
	"github.com/harnesskit/harnesskit/pkg/procman"
	"github.com/harnesskit/harnesskit/pkg/sessionpool"
	"github.com/harnesskit/harnesskit/pkg/waiter"
)

const readyMarker = "__harness_ready__"

// Options configures terminal creation.
type Options struct {
	// Shell is the default shell when the resource config names none.
	Shell string
	// PromptPattern, when set, is used by WaitForPrompt.
	PromptPattern *regexp.Regexp
	// ReadyTimeout bounds the readiness wait after spawn.
	ReadyTimeout time.Duration
	// MaxOutputBytes bounds captured output; older output is dropped first.
	MaxOutputBytes int
	// KillGracePeriod is the window between SIGTERM and SIGKILL on destroy.
	KillGracePeriod time.Duration
}

// DefaultOptions returns terminal defaults.
func DefaultOptions() Options {
	return Options{
		Shell:           "/bin/sh",
		ReadyTimeout:    10 * time.Second,
		MaxOutputBytes:  1 << 20,
		KillGracePeriod: 2 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Shell == "" {
		o.Shell = def.Shell
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = def.ReadyTimeout
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = def.MaxOutputBytes
	}
	if o.KillGracePeriod <= 0 {
		o.KillGracePeriod = def.KillGracePeriod
	}
	return o
}

// Terminal is one pooled shell session. Output capture is bounded; the
// oldest output is dropped once the cap is reached.
type Terminal struct {
	pid        int
	supervisor *procman.Supervisor
	stdin      io.WriteCloser
	output     *boundedBuffer
	opts       Options
}

// PID returns the shell's process ID.
func (t *Terminal) PID() int { return t.pid }

// Send writes one line to the shell's stdin.
func (t *Terminal) Send(line string) error {
	_, err := io.WriteString(t.stdin, line+"\n")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeProcess, "failed to write to terminal")
	}
	return nil
}

// Output returns the captured output so far.
func (t *Terminal) Output() string { return t.output.String() }

// Truncate discards the captured output.
func (t *Terminal) Truncate() { t.output.Reset() }

// WaitForText polls until the captured output contains substr.
func (t *Terminal) WaitForText(ctx context.Context, substr string, opts waiter.Options) waiter.Result[string] {
	return waiter.ForText(ctx, t.Output, substr, opts)
}

// WaitForPrompt polls until the last output line matches the configured
// prompt pattern.
func (t *Terminal) WaitForPrompt(ctx context.Context, opts waiter.Options) waiter.Result[string] {
	if t.opts.PromptPattern == nil {
		return waiter.Result[string]{LastErr: errors.New(errors.ErrorTypeValidation, "no prompt pattern configured")}
	}
	return waiter.ForPrompt(ctx, t.Output, t.opts.PromptPattern, opts)
}

// alive reports whether the shell process is still tracked and running.
func (t *Terminal) alive() bool {
	for _, p := range t.supervisor.Processes() {
		if p.PID == t.pid && p.Status == procman.StatusRunning {
			return true
		}
	}
	return false
}

// Factory creates pooled terminals over a shared supervisor.
type Factory struct {
	supervisor *procman.Supervisor
	opts       Options
	logger     *zap.Logger
}

// NewFactory creates a terminal factory. The supervisor is shared; its
// shutdown drains every terminal the factory ever spawned.
func NewFactory(supervisor *procman.Supervisor, opts Options, logger *zap.Logger) *Factory {
	return &Factory{
		supervisor: supervisor,
		opts:       opts.withDefaults(),
		logger:     logger.With(zap.String("component", "terminal_factory")),
	}
}

// Create spawns a shell for the config and waits until it is ready to accept
// input. Readiness is detected by echoing a marker through the shell rather
// than prompt-matching, since pooled shells run on pipes, not PTYs.
func (f *Factory) Create(ctx context.Context, cfg sessionpool.ResourceConfig) (*Terminal, error) {
	shell := cfg.Profile
	if shell == "" {
		shell = f.opts.Shell
	}

	output := newBoundedBuffer(f.opts.MaxOutputBytes)

	// An OS pipe becomes the child's stdin descriptor directly, so the
	// reaper never waits on a stdin copy goroutine and a shell that exits
	// on its own is observed promptly. WaitDelay covers the output side,
	// where background children of the shell may hold the pipe open.
	stdinReader, stdinWriter, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProcess, "failed to create stdin pipe")
	}

	proc, err := f.supervisor.Start(ctx, shell, nil, procman.StartOptions{
		Dir:             cfg.WorkDir,
		NewProcessGroup: true,
		Stdin:           stdinReader,
		Stdout:          output,
		Stderr:          output,
		WaitDelay:       f.opts.KillGracePeriod,
	})
	_ = stdinReader.Close()
	if err != nil {
		_ = stdinWriter.Close()
		return nil, err
	}

	t := &Terminal{
		pid:        proc.PID,
		supervisor: f.supervisor,
		stdin:      stdinWriter,
		output:     output,
		opts:       f.opts,
	}

	if err := t.Send("echo " + readyMarker); err != nil {
		f.destroyProcess(t)
		return nil, err
	}
	res := waiter.ForText(ctx, t.Output, readyMarker, waiter.Options{
		Timeout:   f.opts.ReadyTimeout,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  100 * time.Millisecond,
		Strategy:  waiter.StrategyLinear,
	})
	if !res.OK {
		f.destroyProcess(t)
		return nil, errors.Newf(errors.ErrorTypeTimeout,
			"terminal %d not ready within %s", t.pid, f.opts.ReadyTimeout)
	}
	t.Truncate()

	f.logger.Debug("terminal ready",
		zap.Int("pid", t.pid),
		zap.String("shell", shell))
	return t, nil
}

// Reset returns a used terminal to a clean state: captured output is
// dropped and the shell must still be alive. A dead shell fails the reset so
// the pool destroys it instead of reusing a corpse.
func (f *Factory) Reset(t *Terminal) error {
	if !t.alive() {
		return errors.Newf(errors.ErrorTypeProcess, "terminal %d has exited", t.pid)
	}
	t.Truncate()
	return nil
}

// Destroy tears the terminal down two-phase: SIGTERM, a polled grace
// period, then SIGKILL for a shell that would not die.
func (f *Factory) Destroy(t *Terminal) error {
	_ = t.stdin.Close()

	if !f.supervisor.Kill(t.pid, syscall.SIGTERM) {
		// already gone or untracked
		return nil
	}

	res := waiter.ForPIDGone(context.Background(), t.pid, waiter.Options{
		Timeout:   f.opts.KillGracePeriod,
		BaseDelay: 25 * time.Millisecond,
		MaxDelay:  200 * time.Millisecond,
		Strategy:  waiter.StrategyLinear,
	})
	if !res.OK {
		f.supervisor.Kill(t.pid, syscall.SIGKILL)
	}

	f.logger.Debug("terminal destroyed", zap.Int("pid", t.pid))
	return nil
}

func (f *Factory) destroyProcess(t *Terminal) {
	if err := f.Destroy(t); err != nil {
		f.logger.Warn("failed to destroy terminal", zap.Int("pid", t.pid), zap.Error(err))
	}
}

// boundedBuffer is a concurrency-safe output sink that keeps at most cap
// bytes, dropping the oldest on overflow.
type boundedBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newBoundedBuffer(capacity int) *boundedBuffer {
	return &boundedBuffer{cap: capacity}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		excess := len(b.buf) - b.cap
		b.buf = append(b.buf[:0], b.buf[excess:]...)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *boundedBuffer) Reset() {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.mu.Unlock()
}
