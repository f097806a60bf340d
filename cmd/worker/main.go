// Command worker drains the transactional outbox and sweeps escrows whose
// capture outcome is still unknown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"escrowflow/app"
	"escrowflow/config"
	"escrowflow/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("worker: DATABASE_URL is required; without it the api runs the workers in-process")
	}

	shutdownTracing, err := telemetry.Setup(ctx, "escrowflow-worker", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Notifier()
	if err != nil {
		return err
	}

	logger.Info("worker started",
		slog.Duration("poll", cfg.OutboxPoll),
		slog.Duration("reconcile_every", cfg.ReconcileEvery),
	)
	return a.RunWorkers(ctx, n)
}
