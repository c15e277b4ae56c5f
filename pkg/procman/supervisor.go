// Package procman supervises spawned OS processes. It owns the mapping from
// PID to managed process state and guarantees that no spawned process
// outlives its supervisor without being explicitly signaled: termination is
// always two-phase (graceful signal, polled grace period, forced signal).
//
// Program-level signal handling is deliberately not owned here. A single
// SignalRelay is created at the composition root and injected into each
// supervisor, so tests can construct and destroy supervisors freely without
// global handler state.
package procman

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/harnesskit/harnesskit/pkg/errors"
	"github.com/harnesskit/harnesskit/pkg/waiter"
)

// Status is the lifecycle state of a managed process.
type Status string

const (
	// StatusRunning means the process is alive and tracked.
	StatusRunning Status = "running"
	// StatusExited means the process ended on its own.
	StatusExited Status = "exited"
	// StatusTerminated means the process ended due to a signal other than SIGKILL.
	StatusTerminated Status = "terminated"
	// StatusKilled means the process was forcibly killed.
	StatusKilled Status = "killed"
)

// ManagedProcess is the supervisor's record of one spawned process. Entries
// are mutated only on spawn and on exit/kill observation, and removed from
// the table once a terminal status has been reported to the hooks.
type ManagedProcess struct {
	PID            int
	Command        string
	Args           []string
	StartTime      time.Time
	ProcessGroupID int
	Status         Status
	ExitCode       int
}

func (p *ManagedProcess) terminal() bool {
	return p.Status != StatusRunning
}

// Hooks is the closed set of supervisor event callbacks. Nil members are
// skipped. Callbacks run on the supervisor's goroutines and must not block.
type Hooks struct {
	OnStart       func(*ManagedProcess)
	OnExit        func(*ManagedProcess)
	OnKill        func(*ManagedProcess, syscall.Signal)
	OnCleanupDone func(signaled int)
	OnError       func(error)
}

func (h Hooks) errorf(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// StartOptions controls how a process is spawned.
type StartOptions struct {
	Dir string
	Env []string
	// NewProcessGroup detaches the child into its own process group so the
	// whole group can be signaled as a unit.
	NewProcessGroup bool
	Stdin           io.Reader
	Stdout          io.Writer
	Stderr          io.Writer
	// WaitDelay bounds how long the reaper waits for non-file I/O pipes to
	// drain after the process exits. Without it, a stdin reader that never
	// closes keeps an exited child tracked as running.
	WaitDelay time.Duration
}

type entry struct {
	cmd    *exec.Cmd
	record *ManagedProcess
	done   chan struct{}
}

// Supervisor tracks spawned processes and performs graceful-then-forced
// termination. All methods are safe for concurrent use.
type Supervisor struct {
	logger *zap.Logger
	hooks  Hooks
	relay  *SignalRelay

	mu           sync.Mutex
	procs        map[int]*entry
	shuttingDown atomic.Bool
	shutdownDone atomic.Bool
}

// NewSupervisor creates a supervisor. relay may be nil when program-level
// signal handling is managed elsewhere (for example in tests).
func NewSupervisor(logger *zap.Logger, hooks Hooks, relay *SignalRelay) *Supervisor {
	s := &Supervisor{
		logger: logger.With(zap.String("component", "procman")),
		hooks:  hooks,
		relay:  relay,
		procs:  make(map[int]*entry),
	}
	if relay != nil {
		relay.register(s)
	}
	return s
}

// Start spawns a process and begins tracking it. The returned record is a
// snapshot; subsequent state changes are reported through hooks and
// WaitForExit.
func (s *Supervisor) Start(ctx context.Context, command string, args []string, opts StartOptions) (*ManagedProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProcess, "start cancelled")
	}
	if s.shuttingDown.Load() {
		return nil, errors.New(errors.ErrorTypeUnavailable, "supervisor is shutting down")
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.WaitDelay = opts.WaitDelay
	if opts.NewProcessGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		werr := errors.Wrap(err, errors.ErrorTypeProcess, "failed to spawn process").
			WithDetail("command", command)
		s.hooks.errorf(werr)
		return nil, werr
	}

	record := &ManagedProcess{
		PID:       cmd.Process.Pid,
		Command:   command,
		Args:      args,
		StartTime: time.Now(),
		Status:    StatusRunning,
		ExitCode:  -1,
	}
	if opts.NewProcessGroup {
		record.ProcessGroupID = cmd.Process.Pid
	}

	e := &entry{cmd: cmd, record: record, done: make(chan struct{})}

	s.mu.Lock()
	s.procs[record.PID] = e
	s.mu.Unlock()

	s.logger.Debug("process started",
		zap.Int("pid", record.PID),
		zap.String("command", command),
		zap.Bool("process_group", opts.NewProcessGroup))

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(snapshot(record))
	}

	go s.watch(e)

	return snapshot(record), nil
}

// watch reaps the process and records its terminal status. The entry is
// removed from the table only after the exit has been reported.
func (s *Supervisor) watch(e *entry) {
	_ = e.cmd.Wait()

	s.mu.Lock()
	rec := e.record
	if ws, ok := exitStatus(e.cmd); ok && ws.Signaled() {
		if ws.Signal() == syscall.SIGKILL {
			rec.Status = StatusKilled
		} else {
			rec.Status = StatusTerminated
		}
		rec.ExitCode = -1
	} else {
		rec.Status = StatusExited
		rec.ExitCode = e.cmd.ProcessState.ExitCode()
	}
	s.mu.Unlock()

	s.logger.Debug("process exited",
		zap.Int("pid", rec.PID),
		zap.String("status", string(rec.Status)),
		zap.Int("exit_code", rec.ExitCode))

	if s.hooks.OnExit != nil {
		s.hooks.OnExit(snapshot(rec))
	}

	close(e.done)

	s.mu.Lock()
	delete(s.procs, rec.PID)
	s.mu.Unlock()
}

func exitStatus(cmd *exec.Cmd) (syscall.WaitStatus, bool) {
	if cmd.ProcessState == nil {
		return 0, false
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	return ws, ok
}

// Kill signals a tracked process. It signals the whole process group when
// one was created, falling back to the single PID. It reports whether a
// signal was actually sent; unknown or already-terminal PIDs return false
// without error.
func (s *Supervisor) Kill(pid int, sig syscall.Signal) bool {
	s.mu.Lock()
	e, ok := s.procs[pid]
	if !ok || e.record.terminal() {
		s.mu.Unlock()
		return false
	}
	pgid := e.record.ProcessGroupID
	rec := snapshot(e.record)
	s.mu.Unlock()

	var err error
	if pgid > 0 {
		err = unix.Kill(-pgid, sig)
		if err != nil {
			err = unix.Kill(pid, sig)
		}
	} else {
		err = unix.Kill(pid, sig)
	}
	if err != nil {
		s.hooks.errorf(errors.Wrap(err, errors.ErrorTypeProcess, "failed to signal process").
			WithDetail("pid", pid).
			WithDetail("signal", sig.String()))
		return false
	}

	s.logger.Debug("signaled process",
		zap.Int("pid", pid),
		zap.Int("pgid", pgid),
		zap.String("signal", sig.String()))

	if s.hooks.OnKill != nil {
		s.hooks.OnKill(rec, sig)
	}
	return true
}

// KillAll signals every tracked process, tolerating per-entry failures, and
// returns the number successfully signaled.
func (s *Supervisor) KillAll(sig syscall.Signal) int {
	s.mu.Lock()
	pids := make([]int, 0, len(s.procs))
	for pid := range s.procs {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	signaled := 0
	for _, pid := range pids {
		if s.Kill(pid, sig) {
			signaled++
		}
	}
	return signaled
}

// WaitForExit blocks until the tracked process reaches a terminal state or
// the timeout elapses. It returns nil for unknown PIDs and on timeout.
func (s *Supervisor) WaitForExit(ctx context.Context, pid int, timeout time.Duration) *ManagedProcess {
	s.mu.Lock()
	e, ok := s.procs[pid]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		s.mu.Lock()
		rec := snapshot(e.record)
		s.mu.Unlock()
		return rec
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Count returns the number of tracked, non-terminal processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.procs {
		if !e.record.terminal() {
			n++
		}
	}
	return n
}

// Processes returns snapshots of all tracked processes.
func (s *Supervisor) Processes() []*ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ManagedProcess, 0, len(s.procs))
	for _, e := range s.procs {
		out = append(out, snapshot(e.record))
	}
	return out
}

// Shutdown terminates all tracked processes: SIGTERM first, then a polled
// grace period, then SIGKILL for anything still outstanding. It is
// idempotent; concurrent and repeated calls after the first are no-ops.
func (s *Supervisor) Shutdown(ctx context.Context, timeout time.Duration) {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	signaled := s.KillAll(syscall.SIGTERM)
	s.logger.Info("shutting down supervised processes",
		zap.Int("signaled", signaled))

	res := waiter.Wait(ctx, func(context.Context) (int, bool, error) {
		n := s.Count()
		return n, n == 0, nil
	}, waiter.Options{
		Timeout:   timeout,
		BaseDelay: 25 * time.Millisecond,
		MaxDelay:  250 * time.Millisecond,
		Strategy:  waiter.StrategyLinear,
	})

	if !res.OK {
		forced := s.KillAll(syscall.SIGKILL)
		s.logger.Warn("forced kill of outstanding processes",
			zap.Int("outstanding", res.Value),
			zap.Int("forced", forced))

		waiter.Wait(ctx, func(context.Context) (int, bool, error) {
			n := s.Count()
			return n, n == 0, nil
		}, waiter.Options{
			Timeout:   time.Second,
			BaseDelay: 25 * time.Millisecond,
			Strategy:  waiter.StrategyLinear,
		})
	}

	if s.shutdownDone.CompareAndSwap(false, true) && s.hooks.OnCleanupDone != nil {
		s.hooks.OnCleanupDone(signaled)
	}
}

// Destroy detaches this supervisor from the signal relay. It does not touch
// the relay's program-wide handler and does not signal tracked processes;
// callers wanting both run Shutdown first.
func (s *Supervisor) Destroy() {
	if s.relay != nil {
		s.relay.unregister(s)
	}
}

func snapshot(p *ManagedProcess) *ManagedProcess {
	cp := *p
	cp.Args = append([]string(nil), p.Args...)
	return &cp
}
