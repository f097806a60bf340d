// Package app wires the escrow core from configuration. Both binaries build
// on it so the API and the worker always agree on store and gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/delivery"
	"escrowflow/dispute"
	"escrowflow/fulfillment"
	"escrowflow/gateway"
	"escrowflow/idempotency"
	"escrowflow/ledger"
	"escrowflow/migrations"
	"escrowflow/outbox"
	"escrowflow/policy"
	"escrowflow/store"
)

const reconcileBatch = 100

// Queue is a store that also serves as the outbox queue.
type Queue interface {
	store.Store
	outbox.Queue
}

type App struct {
	Config  config.Config
	Policy  policy.Policy
	Logger  *slog.Logger
	Store   Queue
	Gateway gateway.Gateway

	Ledger   *ledger.Service
	Orders   *fulfillment.Service
	Delivery *delivery.Gate
	Disputes *dispute.Service

	// Shared reports whether the store outlives this process, so that a
	// separate worker sees the same outbox.
	Shared bool

	closers []func() error
}

// New builds the services. The store is PostgreSQL when DATABASE_URL is set
// and in memory otherwise; the gateway is HTTP when GATEWAY_URL is set and
// the sandbox otherwise. Either gateway is wrapped in the retry policy.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Policy: pol, Logger: logger}

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := migrations.Apply(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		a.Store = db.NewStore(pool)
		a.Shared = true
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		a.Store = store.NewMemory()
	}

	var gw gateway.Gateway
	if cfg.GatewayURL != "" {
		gw = gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayTimeout)
	} else {
		logger.Warn("GATEWAY_URL not set, using sandbox gateway")
		gw = gateway.NewSandbox()
	}
	a.Gateway = gateway.NewRetrying(gw, pol.Gateway, logger)

	a.Ledger = ledger.NewService(a.Store, a.Gateway).WithLogger(logger).WithDisputeWindow(pol.Dispute.Window)
	a.Orders = fulfillment.NewService(a.Store, a.Ledger).WithLogger(logger)
	a.Delivery = delivery.NewGate(a.Store, a.Ledger, pol.Delivery.Checklist).WithLogger(logger)
	a.Disputes = dispute.NewService(a.Store, a.Ledger, pol.Dispute).WithLogger(logger)
	return a, nil
}

// Idempotency returns the Redis store when REDIS_URL is set and an in-memory
// store otherwise.
func (a *App) Idempotency(ctx context.Context) (idempotency.Store, error) {
	if a.Config.RedisURL == "" {
		return idempotency.NewMemoryStore(), nil
	}
	client, err := idempotency.Connect(ctx, a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return idempotency.NewRedisStore(client), nil
}

// Notifier returns a Kafka notifier when brokers are configured and a log
// notifier otherwise.
func (a *App) Notifier() (outbox.Notifier, error) {
	if len(a.Config.KafkaBrokers) == 0 {
		return outbox.NewLogNotifier(a.Logger), nil
	}
	n, err := outbox.NewKafkaNotifier(a.Config.KafkaBrokers, a.Config.KafkaTopicPrefix)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, n.Close)
	return n, nil
}

// Dispatcher builds the outbox dispatcher over the app's store and gateway.
func (a *App) Dispatcher(n outbox.Notifier) *outbox.Dispatcher {
	return outbox.NewDispatcher(a.Store, a.Gateway, n, outbox.DispatcherConfig{
		BatchSize:    a.Config.OutboxBatchSize,
		MaxAttempts:  a.Policy.Outbox.MaxAttempts,
		RetryDelay:   a.Policy.Outbox.RetryDelay,
		PollInterval: a.Config.OutboxPoll,
		Lease:        a.Policy.Outbox.ClaimLease,
	}).WithLogger(a.Logger)
}

// RunWorkers dispatches the outbox and sweeps pending captures until ctx is
// cancelled.
func (a *App) RunWorkers(ctx context.Context, n outbox.Notifier) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Dispatcher(n).Run(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(a.Config.ReconcileEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if _, err := a.Ledger.Reconcile(ctx, reconcileBatch); err != nil && ctx.Err() == nil {
				a.Logger.ErrorContext(ctx, "reconciliation failed", slog.String("error", err.Error()))
			}
		}
	})
	return g.Wait()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
