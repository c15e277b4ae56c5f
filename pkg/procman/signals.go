package procman

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// SignalRelay owns the program-wide SIGINT/SIGTERM handler. Exactly one
// relay is created at the composition root and injected into every
// supervisor; the OS handler itself is registered at most once per relay via
// sync.Once, so constructing and destroying supervisors never races on
// signal registration.
type SignalRelay struct {
	logger  *zap.Logger
	timeout time.Duration

	mu          sync.Mutex
	supervisors map[*Supervisor]struct{}

	once   sync.Once
	sigCh  chan os.Signal
	stopCh chan struct{}

	// OnSignal, when set, runs after every registered supervisor has been
	// shut down in response to a signal. The composition root typically
	// exits the program here.
	OnSignal func(os.Signal)
}

// NewSignalRelay creates a relay that gives each supervisor the given
// shutdown grace period when a signal arrives.
func NewSignalRelay(logger *zap.Logger, shutdownTimeout time.Duration) *SignalRelay {
	return &SignalRelay{
		logger:      logger.With(zap.String("component", "signal_relay")),
		timeout:     shutdownTimeout,
		supervisors: make(map[*Supervisor]struct{}),
		sigCh:       make(chan os.Signal, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start installs the OS signal handler. Repeated calls are no-ops.
func (r *SignalRelay) Start() {
	r.once.Do(func() {
		signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGTERM)
		go r.loop()
	})
}

// Stop removes the OS signal handler and ends the relay goroutine.
func (r *SignalRelay) Stop() {
	signal.Stop(r.sigCh)
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

func (r *SignalRelay) loop() {
	for {
		select {
		case sig := <-r.sigCh:
			r.logger.Info("received signal, shutting down supervisors",
				zap.String("signal", sig.String()))
			r.shutdownAll()
			if r.OnSignal != nil {
				r.OnSignal(sig)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *SignalRelay) shutdownAll() {
	r.mu.Lock()
	supervisors := make([]*Supervisor, 0, len(r.supervisors))
	for s := range r.supervisors {
		supervisors = append(supervisors, s)
	}
	r.mu.Unlock()

	for _, s := range supervisors {
		s.Shutdown(context.Background(), r.timeout)
	}
}

func (r *SignalRelay) register(s *Supervisor) {
	r.mu.Lock()
	r.supervisors[s] = struct{}{}
	r.mu.Unlock()
}

func (r *SignalRelay) unregister(s *Supervisor) {
	r.mu.Lock()
	delete(r.supervisors, s)
	r.mu.Unlock()
}
