// The coordinator service binary: registry, health sweeper, routing
// cascade, ingestion pipeline and the HTTP planes, wired from config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coordcore/coordinator/internal/api"
	"github.com/coordcore/coordinator/internal/auth"
	"github.com/coordcore/coordinator/internal/clock"
	"github.com/coordcore/coordinator/internal/config"
	"github.com/coordcore/coordinator/internal/coord"
	"github.com/coordcore/coordinator/internal/dispatch"
	"github.com/coordcore/coordinator/internal/events"
	"github.com/coordcore/coordinator/internal/health"
	"github.com/coordcore/coordinator/internal/infra"
	"github.com/coordcore/coordinator/internal/ingest"
	"github.com/coordcore/coordinator/internal/logproc"
	"github.com/coordcore/coordinator/internal/metrics"
	"github.com/coordcore/coordinator/internal/registry"
	"github.com/coordcore/coordinator/internal/store"
	"github.com/coordcore/coordinator/internal/stream"
)

// Exit codes: 0 success, 1 generic failure, 2 bad invocation,
// 3 configuration error, 4 upstream unreachable.
const (
	exitOK = iota
	exitFailure
	exitUsage
	exitConfig
	exitUpstream
)

const (
	snapshotInterval = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
	drainTimeout     = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "coordinator.yaml", "path to the yaml config file")
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		return exitUsage
	}

	// .env is a local-development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	setupLogging(cfg.Server.LogLevel)
	log.Printf("Starting coordinator on %s", cfg.Server.ListenAddr)

	clk := clock.System()
	m := metrics.New()

	// Credential validation, with Redis-backed cache when configured.
	var cache auth.Cache = auth.NewMemoryCache(clk)
	if cfg.Redis.Addr != "" {
		rc, err := infra.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Warn("Redis unavailable, using in-memory credential cache", "error", err)
		} else {
			cache = rc
			defer rc.Close()
		}
	}
	validator := auth.NewValidator(cfg.Auth.MasterSecret, clk, cache)
	if cfg.Auth.StaticTokensPath != "" {
		if err := validator.LoadStaticTokens(cfg.Auth.StaticTokensPath); err != nil {
			fmt.Fprintf(os.Stderr, "token table: %v\n", err)
			return exitConfig
		}
	}

	// Registry, warm-started from the last snapshot. A corrupt snapshot is
	// an invariant violation: crash-mark and exit.
	reg := registry.NewStore(clk)
	if _, err := reg.LoadSnapshot(cfg.Registry.SnapshotPath); err != nil {
		writeCrashMarker(cfg.Registry.SnapshotPath, err)
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		return exitFailure
	}

	// Interaction store: Postgres when a DSN is configured, the segmented
	// file store otherwise.
	var interactions logproc.Store
	if cfg.Store.DatabaseURL != "" {
		ps, err := store.OpenPostgresStore(cfg.Store.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
			return exitUpstream
		}
		interactions = ps
	} else {
		fs, err := store.OpenFileStore(cfg.Store.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "store: %v\n", err)
			return exitFailure
		}
		interactions = fs
	}
	defer interactions.Close()

	deadLetter, err := store.OpenDeadLetterFile(cfg.Store.DeadLetterPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dead-letter: %v\n", err)
		return exitFailure
	}
	defer deadLetter.Close()

	// Pipeline: ingestion queue -> processor -> store, outcomes folded back
	// into the registry.
	queue := ingest.NewQueue(cfg.Ingest.QueueCapacity)
	processor := logproc.NewProcessor(queue, interactions, deadLetter, reg.RecordOutcome, clk, m)

	monitor := health.NewMonitor(reg, clk)
	monitor.SoftTTL = time.Duration(cfg.Heartbeat.SoftTTLSeconds) * time.Second
	monitor.HardTTL = time.Duration(cfg.Heartbeat.HardTTLSeconds) * time.Second

	coordinator := coord.New(reg, dispatch.New(), clk, m)
	bus := events.NewBus()

	server := api.NewServer(api.Deps{
		Registry:    reg,
		Monitor:     monitor,
		Coordinator: coordinator,
		Processor:   processor,
		Queue:       queue,
		Bus:         bus,
		Tail:        stream.NewTail(bus),
		Validator:   validator,
		Clock:       clk,
		Metrics:     m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reg.SnapshotLoop(ctx, cfg.Registry.SnapshotPath, snapshotInterval)
	go monitor.Run(ctx)
	procDone := make(chan struct{})
	go func() {
		processor.Run(ctx)
		close(procDone)
	}()
	go processor.RetentionLoop(ctx, time.Duration(cfg.Store.RetentionDays)*24*time.Hour)
	go exportRegistryGauges(ctx, reg, m)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server: %v\n", err)
			return exitFailure
		}
		return exitOK
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down", sig)
	}

	// Orderly shutdown: stop accepting, drain what is queued, take the
	// final snapshot (SnapshotLoop writes it on context cancel).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	cancel() // stops the loops; the processor flushes pending events
	select {
	case <-procDone:
	case <-time.After(drainTimeout):
		log.Printf("Queue drain timed out with %d events pending", queue.Depth())
	}

	log.Printf("Coordinator stopped")
	return exitOK
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// exportRegistryGauges refreshes the per-status MCP gauges and breaker
// gauges every few seconds.
func exportRegistryGauges(ctx context.Context, reg *registry.Store, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			byStatus := map[string]int{"active": 0, "degraded": 0, "suspect": 0, "dead": 0}
			for _, d := range reg.List(registry.Filter{}) {
				byStatus[string(d.Status)]++
				open := 0.0
				if d.Breaker.State == "open" {
					open = 1.0
				}
				m.BreakerOpen.WithLabelValues(d.ID).Set(open)
			}
			for status, n := range byStatus {
				m.RegisteredMCPs.WithLabelValues(status).Set(float64(n))
			}
		}
	}
}

// writeCrashMarker records a fatal invariant violation next to the
// snapshot so the supervisor (and the next start) can see what happened.
func writeCrashMarker(snapshotPath string, cause error) {
	marker := filepath.Join(filepath.Dir(snapshotPath), "coordinator.crash")
	body := fmt.Sprintf("time: %s\ncause: %v\n", time.Now().UTC().Format(time.RFC3339), cause)
	_ = os.WriteFile(marker, []byte(body), 0o644)
}
