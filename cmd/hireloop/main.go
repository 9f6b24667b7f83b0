package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hireloop/hireloop/internal/agents"
	"github.com/hireloop/hireloop/internal/engine"
	"github.com/hireloop/hireloop/internal/logging"
	"github.com/hireloop/hireloop/internal/scheduler"
	"github.com/hireloop/hireloop/internal/store"
	"github.com/hireloop/hireloop/internal/streaming"
	"github.com/hireloop/hireloop/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hireloop:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	directory := &rosterDirectory{dir: cfg.DataDir}
	availability := &declaredAvailability{dir: cfg.DataDir}
	calendar := newMemoryCalendar()

	registry := agents.NewRegistry()
	for _, agent := range []agents.Agent{
		agents.NewScreenAgent(&fileExtractor{dir: cfg.DataDir}),
		agents.NewEvaluateAgent(&keywordScorer{dir: cfg.DataDir}),
		agents.NewReviewAgent(),
		agents.NewScheduleAgent(directory, calendar, availability, calendar),
		agents.NewNotifyAgent(newOutboxMailer(cfg.DataDir)),
	} {
		if err := registry.Register(agent); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
	}

	hub := streaming.NewMemoryHub()
	orch, err := engine.NewOrchestrator(st, registry, hub, engine.OrchestratorConfig{Workers: cfg.PoolSize}, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	defer orch.Shutdown()

	recovered, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight workflows: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered in-flight workflows", slog.Int("count", recovered))
	}

	sched := scheduler.NewScheduler(st, orch, &inboxSource{dir: cfg.DataDir}, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Error("missed-launch recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := mcp.NewHireloopServer(mcp.HireloopServerDeps{
		Orchestrator: orch,
		Directory:    directory,
		FreeBusy:     calendar,
		Availability: availability,
		Logger:       logger,
	})

	logger.Info("hireloop serving on stdio",
		slog.String("db_path", cfg.DBPath),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("pool_size", cfg.PoolSize))

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
