package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escrowflow/app"
	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("api exited", slog.String("error", err.Error()))
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

	shutdownTracing, err := telemetry.Setup(ctx, "escrowflow-api", cfg.OTelEndpoint)
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

	idem, err := a.Idempotency(ctx)
	if err != nil {
		return err
	}

	server := &Server{
		authService:    auth.NewService(cfg.JWTSecret),
		orderService:   a.Orders,
		ledgerService:  a.Ledger,
		deliveryGate:   a.Delivery,
		disputeService: a.Disputes,
		idempotency:    idem,
		idempotencyTTL: cfg.IdempotencyTTL,
		logger:         logger,
	}

	// Without a shared database no separate worker can see this outbox.
	if !a.Shared {
		n, err := a.Notifier()
		if err != nil {
			return err
		}
		go func() {
			if err := a.RunWorkers(ctx, n); err != nil {
				logger.Error("in-process workers stopped", slog.String("error", err.Error()))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
