// Command harnesskit drives the harness core from the command line: running
// a command under process supervision and benchmarking the session pool.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/harnesskit/harnesskit/internal/session"
	"github.com/harnesskit/harnesskit/pkg/compression"
	"github.com/harnesskit/harnesskit/pkg/config"
	"github.com/harnesskit/harnesskit/pkg/logger"
	"github.com/harnesskit/harnesskit/pkg/observability"
	"github.com/harnesskit/harnesskit/pkg/procman"
	"github.com/harnesskit/harnesskit/pkg/sessionpool"
	"github.com/harnesskit/harnesskit/pkg/waiter"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "harnesskit",
		Short: "harnesskit - resource lifecycle core for test-automation harnesses",
		Long: `harnesskit supervises the processes, session pools and polling primitives
behind a UI/CLI test-automation harness. The run command executes a single
command under supervision with graceful shutdown; bench exercises the
session pool and prints a metrics snapshot.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("harnesskit v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var runConfigFile string
	runCmd := &cobra.Command{
		Use:   "run -- command [args...]",
		Short: "Run a command under process supervision",
		Long: `Run a command under the harness process supervisor. SIGINT/SIGTERM are
relayed as a graceful two-phase shutdown of the whole process group.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervised(runConfigFile, args[0], args[1:])
		},
	}
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "", "Harness config file (YAML)")
	root.AddCommand(runCmd)

	var (
		benchConfigFile string
		benchWorkers    int
		benchIterations int
		benchShell      string
	)
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the session pool",
		Long: `Drive a synthetic acquire/use/release workload against the session pool
with more workers than pool slots, then print a metrics snapshot as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(benchConfigFile, benchWorkers, benchIterations, benchShell)
		},
	}
	benchCmd.Flags().StringVarP(&benchConfigFile, "config", "c", "", "Harness config file (YAML)")
	benchCmd.Flags().IntVar(&benchWorkers, "workers", 8, "Concurrent workers")
	benchCmd.Flags().IntVar(&benchIterations, "iterations", 20, "Iterations per worker")
	benchCmd.Flags().StringVar(&benchShell, "shell", "/bin/sh", "Shell to pool")
	root.AddCommand(benchCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the harness config, falling back to defaults when no
// file is given.
func loadConfig(path string) (*config.HarnessConfig, error) {
	cfg := config.NewHarnessConfig("harnesskit")
	if path != "" {
		if err := config.Load(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, err
	}

	if cfg.Observability.EnableTracing {
		if err := observability.InitTracing(observability.TracingConfig{
			ServiceName:    cfg.Name,
			ServiceVersion: version,
			Environment:    "development",
			SamplingRate:   cfg.Observability.SamplingRate,
		}); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// poolOptions maps the pool, buffer and memory config sections onto pool
// options. Memory thresholds are configured in MB and converted to bytes.
func poolOptions(cfg *config.HarnessConfig) sessionpool.Options {
	return sessionpool.Options{
		MaxPoolSize:     cfg.Pool.MaxPoolSize,
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		IdleTimeout:     cfg.Pool.IdleTimeout,
		MaxAge:          cfg.Pool.MaxAge,
		CleanupInterval: cfg.Pool.CleanupInterval,
		Buffers: sessionpool.BufferOptions{
			MaxTotalBuffers: cfg.Buffers.MaxTotalBuffers,
			Compression: &compression.Config{
				Algorithm: compression.Algorithm(cfg.Buffers.Compression),
				Level:     compression.Default,
			},
		},
		Memory: sessionpool.MemoryOptions{
			CheckInterval:  cfg.Memory.CheckInterval,
			MaxHeapUsed:    uint64(cfg.Memory.MaxHeapUsedMB) << 20,
			MaxRSS:         uint64(cfg.Memory.MaxRSSMB) << 20,
			GCThresholdPct: cfg.Memory.GCThresholdPct,
		},
	}
}

// waiterOptions maps the waiter config section onto polling options.
func waiterOptions(w config.WaiterConfig) waiter.Options {
	return waiter.Options{
		Timeout:   w.Timeout,
		BaseDelay: w.BaseDelay,
		MaxDelay:  w.MaxDelay,
		Strategy:  waiter.Strategy(w.Strategy),
		Jitter:    w.Jitter,
	}
}

func runSupervised(configFile, command string, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	relay := procman.NewSignalRelay(log, cfg.Supervisor.ShutdownTimeout)
	relay.OnSignal = func(os.Signal) { os.Exit(130) }
	relay.Start()
	defer relay.Stop()

	sup := procman.NewSupervisor(log, procman.Hooks{
		OnExit: func(p *procman.ManagedProcess) {
			log.Info("process exited",
				zap.Int("pid", p.PID),
				zap.String("status", string(p.Status)),
				zap.Int("exit_code", p.ExitCode))
		},
		OnError: func(err error) {
			log.Error("supervisor error", zap.Error(err))
		},
	}, relay)
	defer sup.Destroy()

	ctx := context.Background()
	proc, err := sup.Start(ctx, command, args, procman.StartOptions{
		NewProcessGroup: cfg.Supervisor.NewProcessGroup,
		Stdin:           os.Stdin,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	})
	if err != nil {
		return err
	}
	observability.SetTrackedProcesses(sup.Count())

	final := sup.WaitForExit(ctx, proc.PID, 24*time.Hour)
	observability.SetTrackedProcesses(sup.Count())
	if final != nil && final.ExitCode > 0 {
		os.Exit(final.ExitCode)
	}
	return nil
}

func runBench(configFile string, workers, iterations int, shell string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	relay := procman.NewSignalRelay(log, cfg.Supervisor.ShutdownTimeout)
	relay.Start()
	defer relay.Stop()

	sup := procman.NewSupervisor(log, procman.Hooks{}, relay)
	defer sup.Destroy()

	factory := session.NewFactory(sup, session.Options{Shell: shell}, log)
	pool, err := sessionpool.New[*session.Terminal](factory, poolOptions(cfg), sessionpool.Hooks{}, log)
	if err != nil {
		return err
	}

	tracer := observability.Tracer()
	reqCfg := sessionpool.ResourceConfig{Profile: shell}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				ctx := context.WithValue(context.Background(), logger.ComponentKey, "bench")
				ctx, span := tracer.Start(ctx, "bench.iteration",
					trace.WithAttributes(
						attribute.Int("worker", worker),
						attribute.Int("iteration", i)))

				term, err := pool.Acquire(ctx, reqCfg)
				if err != nil {
					logger.WithContext(ctx).Warn("acquire failed",
						zap.Int("worker", worker), zap.Error(err))
					span.End()
					continue
				}
				ctx = context.WithValue(ctx, logger.SessionIDKey, fmt.Sprintf("term-%d", term.PID()))
				if err := term.Send("echo bench"); err == nil {
					term.WaitForText(ctx, "bench", waiterOptions(cfg.Waiter))
				}
				if err := pool.Release(term); err != nil {
					logger.WithContext(ctx).Warn("release failed", zap.Error(err))
				}
				span.End()
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	stats := pool.Stats()
	pool.Destroy()
	sup.Shutdown(context.Background(), cfg.Supervisor.ShutdownTimeout)
	_ = observability.ShutdownTracing(context.Background())

	out, err := gojson.MarshalIndent(struct {
		Elapsed string            `json:"elapsed"`
		Workers int               `json:"workers"`
		Stats   sessionpool.Stats `json:"stats"`
	}{elapsed.String(), workers, stats}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
