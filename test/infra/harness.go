package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database a stress run talks to: a container (or a reused
// DSN), a migrated pool and the teardown for both.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	dropFn    func(context.Context) error
}

// NewHarness starts Postgres (unless dsn or STRESS_TEST_PG_DSN is set) and
// applies migrations into a fresh schema.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	pgC, resolved, err := StartPostgres16(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	isolate := pgC.C == nil
	pool, dropFn, err := ApplyMigrations(ctx, resolved, isolate)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}

	return &Harness{container: pgC, pool: pool, dsn: resolved, dropFn: dropFn}, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close drops the run schema, closes the pool and stops the container.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.dropFn != nil {
		_ = h.dropFn(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables between epochs. TRUNCATE bypasses the
// row-level guard on escrow_releases.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"escrow_releases",
		"disputes",
		"escrows",
		"order_fulfillment",
		"orders",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
