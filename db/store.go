package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/store"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store is the PostgreSQL implementation of store.Store. Every versioned
// update is an UPDATE ... WHERE version = $n inside one transaction; zero
// affected rows aborts the transaction with a ConcurrencyError.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)
var _ outbox.Queue = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

const orderColumns = `id, buyer_id, event_id, currency, total, mode, items, created_at, updated_at`

func (s *Store) Order(ctx context.Context, id string) (order.Order, error) {
	var (
		o     order.Order
		items []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id).
		Scan(&o.ID, &o.BuyerID, &o.EventID, &o.Currency, &o.Total, &o.Mode, &items, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, fmt.Errorf("db: order %s: %w", id, apperr.ErrNotFound)
		}
		return order.Order{}, fmt.Errorf("db: order: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return order.Order{}, fmt.Errorf("db: order items: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT dimension, status, reason, proof_ref, version, updated_at
		FROM order_fulfillment
		WHERE order_id = $1`, id)
	if err != nil {
		return order.Order{}, fmt.Errorf("db: order fulfillment: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d  order.Dimension
			fs order.FulfillmentState
		)
		if err := rows.Scan(&d, &fs.Status, &fs.Reason, &fs.ProofRef, &fs.Version, &fs.UpdatedAt); err != nil {
			return order.Order{}, fmt.Errorf("db: scan fulfillment: %w", err)
		}
		o.SetDimension(d, fs)
	}
	if err := rows.Err(); err != nil {
		return order.Order{}, fmt.Errorf("db: iterate fulfillment: %w", err)
	}
	return o, nil
}

const escrowColumns = `id, order_id, event_id, payer_id, payee_id, amount, currency, mode, kind, status,
	routing, COALESCE(gateway_ref, ''), pending_reconciliation,
	held_at, hold_reason, released_at, release_reason, refunded_at, refund_reason,
	disputed_at, dispute_reason, disputed_by, disputed_from, resolution,
	version, created_at, updated_at`

func scanEscrow(row rowScanner) (escrow.Escrow, error) {
	var (
		e          escrow.Escrow
		routing    []byte
		resolution []byte
	)
	err := row.Scan(
		&e.ID, &e.OrderID, &e.EventID, &e.PayerID, &e.PayeeID, &e.Amount, &e.Currency, &e.Mode, &e.Kind, &e.Status,
		&routing, &e.GatewayRef, &e.PendingReconciliation,
		&e.HeldAt, &e.HoldReason, &e.ReleasedAt, &e.ReleaseReason, &e.RefundedAt, &e.RefundReason,
		&e.DisputedAt, &e.DisputeReason, &e.DisputedBy, &e.DisputedFrom, &resolution,
		&e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if len(routing) > 0 {
		if err := json.Unmarshal(routing, &e.Routing); err != nil {
			return escrow.Escrow{}, fmt.Errorf("decode routing: %w", err)
		}
	}
	if len(resolution) > 0 {
		var split escrow.Split
		if err := json.Unmarshal(resolution, &split); err != nil {
			return escrow.Escrow{}, fmt.Errorf("decode resolution: %w", err)
		}
		e.Resolution = &split
	}
	return e, nil
}

func (s *Store) Escrow(ctx context.Context, id string) (escrow.Escrow, error) {
	e, err := scanEscrow(s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Escrow{}, fmt.Errorf("db: escrow %s: %w", id, apperr.ErrNotFound)
		}
		return escrow.Escrow{}, fmt.Errorf("db: escrow: %w", err)
	}
	return e, nil
}

func (s *Store) queryEscrows(ctx context.Context, query string, args ...any) ([]escrow.Escrow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escrow.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) EscrowsByOrder(ctx context.Context, orderID string) ([]escrow.Escrow, error) {
	out, err := s.queryEscrows(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("db: escrows by order: %w", err)
	}
	return out, nil
}

func (s *Store) PendingReconciliation(ctx context.Context, limit int) ([]escrow.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.queryEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE pending_reconciliation AND status = 'created'
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("db: pending reconciliation: %w", err)
	}
	return out, nil
}

func (s *Store) Releases(ctx context.Context, escrowID string) ([]escrow.Release, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, escrow_id, recipient_id, recipient_type, amount, reason, released_at, notes
		FROM escrow_releases
		WHERE escrow_id = $1
		ORDER BY released_at, id`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("db: releases: %w", err)
	}
	defer rows.Close()
	var out []escrow.Release
	for rows.Next() {
		var r escrow.Release
		if err := rows.Scan(&r.ID, &r.EscrowID, &r.RecipientID, &r.RecipientType, &r.Amount, &r.Reason, &r.ReleasedAt, &r.Notes); err != nil {
			return nil, fmt.Errorf("db: scan release: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate releases: %w", err)
	}
	return out, nil
}

const disputeColumns = `id, escrow_id, order_id, initiator_id, reason_code, description, evidence, status,
	resolution, reviewer_id, resolved_by, version, created_at, updated_at, resolved_at`

func scanDispute(row rowScanner) (escrow.Dispute, error) {
	var (
		d          escrow.Dispute
		evidence   []byte
		resolution []byte
	)
	err := row.Scan(&d.ID, &d.EscrowID, &d.OrderID, &d.InitiatorID, &d.ReasonCode, &d.Description, &evidence, &d.Status,
		&resolution, &d.ReviewerID, &d.ResolvedBy, &d.Version, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt)
	if err != nil {
		return escrow.Dispute{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return escrow.Dispute{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	if len(resolution) > 0 {
		var split escrow.Split
		if err := json.Unmarshal(resolution, &split); err != nil {
			return escrow.Dispute{}, fmt.Errorf("decode resolution: %w", err)
		}
		d.Resolution = &split
	}
	return d, nil
}

func (s *Store) Dispute(ctx context.Context, id string) (escrow.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Dispute{}, fmt.Errorf("db: dispute %s: %w", id, apperr.ErrNotFound)
		}
		return escrow.Dispute{}, fmt.Errorf("db: dispute: %w", err)
	}
	return d, nil
}

func (s *Store) DisputeByEscrow(ctx context.Context, escrowID string) (escrow.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE escrow_id = $1`, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Dispute{}, fmt.Errorf("db: dispute for escrow %s: %w", escrowID, apperr.ErrNotFound)
		}
		return escrow.Dispute{}, fmt.Errorf("db: dispute by escrow: %w", err)
	}
	return d, nil
}

// Commit applies cs in one transaction. Escrow rows are written before order
// dimensions so that racing writers fail on the escrow first.
func (s *Store) Commit(ctx context.Context, cs store.ChangeSet) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("db: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	steps := []func(context.Context, pgx.Tx, store.ChangeSet) error{
		insertOrders,
		insertEscrows,
		updateEscrows,
		updateDimensions,
		insertReleases,
		insertDisputes,
		updateDisputes,
		cancelPayouts,
		insertMessages,
	}
	for _, step := range steps {
		if err := step(ctx, tx, cs); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

func insertOrders(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, o := range cs.NewOrders {
		items, err := json.Marshal(o.Items)
		if err != nil {
			return fmt.Errorf("db: encode items: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO orders (id, buyer_id, event_id, currency, total, mode, items, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING`,
			o.ID, o.BuyerID, o.EventID, o.Currency, o.Total, string(o.Mode), string(items), o.CreatedAt, o.UpdatedAt)
		if err != nil {
			return fmt.Errorf("db: insert order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &apperr.ConcurrencyError{Entity: "order", ID: o.ID}
		}
		for _, d := range order.Dimensions {
			fs := o.Dimension(d)
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_fulfillment (order_id, dimension, status, reason, proof_ref, version, updated_at)
				VALUES ($1, $2, $3, $4, $5, 1, $6)`,
				o.ID, string(d), string(fs.Status), fs.Reason, fs.ProofRef, fs.UpdatedAt); err != nil {
				return fmt.Errorf("db: insert fulfillment: %w", err)
			}
		}
	}
	return nil
}

func escrowArgs(e escrow.Escrow) ([]any, error) {
	routing, err := json.Marshal(e.Routing)
	if err != nil {
		return nil, fmt.Errorf("db: encode routing: %w", err)
	}
	if e.Routing == nil {
		routing = []byte("[]")
	}
	var resolution any
	if e.Resolution != nil {
		raw, err := json.Marshal(e.Resolution)
		if err != nil {
			return nil, fmt.Errorf("db: encode resolution: %w", err)
		}
		resolution = string(raw)
	}
	var gatewayRef any
	if e.GatewayRef != "" {
		gatewayRef = e.GatewayRef
	}
	return []any{
		e.ID, e.OrderID, e.EventID, e.PayerID, e.PayeeID, e.Amount, e.Currency, string(e.Mode), string(e.Kind), string(e.Status),
		string(routing), gatewayRef, e.PendingReconciliation,
		e.HeldAt, e.HoldReason, e.ReleasedAt, string(e.ReleaseReason), e.RefundedAt, e.RefundReason,
		e.DisputedAt, e.DisputeReason, e.DisputedBy, string(e.DisputedFrom), resolution,
		e.CreatedAt, e.UpdatedAt,
	}, nil
}

func insertEscrows(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, e := range cs.NewEscrows {
		args, err := escrowArgs(e)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO escrows (id, order_id, event_id, payer_id, payee_id, amount, currency, mode, kind, status,
				routing, gateway_ref, pending_reconciliation,
				held_at, hold_reason, released_at, release_reason, refunded_at, refund_reason,
				disputed_at, dispute_reason, disputed_by, disputed_from, resolution,
				created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
				$20, $21, $22, $23, $24, $25, $26, 1)`, args...)
		if err != nil {
			return escrowWriteError(e, err)
		}
	}
	return nil
}

func updateEscrows(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, u := range cs.Escrows {
		args, err := escrowArgs(u.Next)
		if err != nil {
			return err
		}
		// created_at is immutable and dropped from the column list.
		args = append(args[:24:24], args[25], u.Expected)
		tag, err := tx.Exec(ctx, `
			UPDATE escrows SET
				order_id = $2, event_id = $3, payer_id = $4, payee_id = $5, amount = $6, currency = $7,
				mode = $8, kind = $9, status = $10, routing = $11, gateway_ref = $12, pending_reconciliation = $13,
				held_at = $14, hold_reason = $15, released_at = $16, release_reason = $17,
				refunded_at = $18, refund_reason = $19, disputed_at = $20, dispute_reason = $21,
				disputed_by = $22, disputed_from = $23, resolution = $24,
				updated_at = $25, version = version + 1
			WHERE id = $1 AND version = $26`, args...)
		if err != nil {
			return escrowWriteError(u.Next, err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrStale(ctx, tx, "escrow", `SELECT EXISTS (SELECT 1 FROM escrows WHERE id = $1)`, u.Next.ID, u.Expected)
		}
	}
	return nil
}

func escrowWriteError(e escrow.Escrow, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "escrows_gateway_ref_key":
			return apperr.Validation("gateway_reference_in_use", "gateway_reference",
				fmt.Sprintf("gateway reference %s already funds another escrow", e.GatewayRef))
		case pgErr.Code == pgUniqueViolation:
			return &apperr.ConcurrencyError{Entity: "escrow", ID: e.ID}
		case pgErr.Code == pgForeignKeyViolation:
			return fmt.Errorf("db: escrow %s references order %s: %w", e.ID, e.OrderID, apperr.ErrNotFound)
		}
	}
	return fmt.Errorf("db: write escrow: %w", err)
}

func missingOrStale(ctx context.Context, tx pgx.Tx, entity, existsQuery, id string, expected int64) error {
	var exists bool
	if err := tx.QueryRow(ctx, existsQuery, id).Scan(&exists); err != nil {
		return fmt.Errorf("db: check %s: %w", entity, err)
	}
	if !exists {
		return fmt.Errorf("db: %s %s: %w", entity, id, apperr.ErrNotFound)
	}
	return &apperr.ConcurrencyError{Entity: entity, ID: id, Expected: expected}
}

func updateDimensions(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, u := range cs.Dimensions {
		tag, err := tx.Exec(ctx, `
			UPDATE order_fulfillment
			SET status = $3, reason = $4, proof_ref = $5, updated_at = $6, version = version + 1
			WHERE order_id = $1 AND dimension = $2 AND version = $7`,
			u.OrderID, string(u.Dimension), string(u.Next.Status), u.Next.Reason, u.Next.ProofRef, u.Next.UpdatedAt, u.Expected)
		if err != nil {
			return fmt.Errorf("db: update fulfillment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, u.OrderID).Scan(&exists); err != nil {
				return fmt.Errorf("db: check order: %w", err)
			}
			if !exists {
				return fmt.Errorf("db: order %s: %w", u.OrderID, apperr.ErrNotFound)
			}
			return &apperr.ConcurrencyError{Entity: "order." + string(u.Dimension), ID: u.OrderID, Expected: u.Expected}
		}
		if _, err := tx.Exec(ctx, `UPDATE orders SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, u.OrderID, u.Next.UpdatedAt); err != nil {
			return fmt.Errorf("db: touch order: %w", err)
		}
	}
	return nil
}

func insertReleases(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, r := range cs.Releases {
		_, err := tx.Exec(ctx, `
			INSERT INTO escrow_releases (id, escrow_id, recipient_id, recipient_type, amount, reason, released_at, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.EscrowID, r.RecipientID, string(r.RecipientType), r.Amount, string(r.Reason), r.ReleasedAt, r.Notes)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return &apperr.ConcurrencyError{Entity: "escrow_release", ID: r.ID}
			}
			return fmt.Errorf("db: insert release: %w", err)
		}
	}
	return nil
}

func disputeArgs(d escrow.Dispute) ([]any, error) {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return nil, fmt.Errorf("db: encode evidence: %w", err)
	}
	if d.Evidence == nil {
		evidence = []byte("[]")
	}
	var resolution any
	if d.Resolution != nil {
		raw, err := json.Marshal(d.Resolution)
		if err != nil {
			return nil, fmt.Errorf("db: encode resolution: %w", err)
		}
		resolution = string(raw)
	}
	return []any{
		d.ID, d.EscrowID, d.OrderID, d.InitiatorID, d.ReasonCode, d.Description, string(evidence), string(d.Status),
		resolution, d.ReviewerID, d.ResolvedBy, d.CreatedAt, d.UpdatedAt, d.ResolvedAt,
	}, nil
}

func insertDisputes(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, d := range cs.NewDisputes {
		args, err := disputeArgs(d)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO disputes (id, escrow_id, order_id, initiator_id, reason_code, description, evidence, status,
				resolution, reviewer_id, resolved_by, created_at, updated_at, resolved_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)`, args...)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return &apperr.ConcurrencyError{Entity: "dispute", ID: d.EscrowID}
			}
			return fmt.Errorf("db: insert dispute: %w", err)
		}
	}
	return nil
}

func updateDisputes(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, u := range cs.Disputes {
		args, err := disputeArgs(u.Next)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE disputes SET
				evidence = $2, status = $3, resolution = $4, reviewer_id = $5, resolved_by = $6,
				updated_at = $7, resolved_at = $8, version = version + 1
			WHERE id = $1 AND version = $9`,
			u.Next.ID, args[6], args[7], args[8], u.Next.ReviewerID, u.Next.ResolvedBy, u.Next.UpdatedAt, u.Next.ResolvedAt, u.Expected)
		if err != nil {
			return fmt.Errorf("db: update dispute: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrStale(ctx, tx, "dispute", `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, u.Next.ID, u.Expected)
		}
	}
	return nil
}

func insertMessages(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, m := range cs.Messages {
		status := m.Status
		if status == "" {
			status = outbox.StatusPending
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outbox (id, topic, key, payload, status, attempts, available_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.Topic, m.Key, string(m.Payload), string(status), m.Attempts, m.AvailableAt, m.CreatedAt); err != nil {
			return fmt.Errorf("db: insert outbox message: %w", err)
		}
	}
	return nil
}

// cancelPayouts withdraws payouts that no dispatcher has claimed or tried.
func cancelPayouts(ctx context.Context, tx pgx.Tx, cs store.ChangeSet) error {
	for _, id := range cs.CancelPayouts {
		tag, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'cancelled', last_error = 'superseded by dispute resolution'
			WHERE id = $1 AND topic = $2 AND status = 'pending' AND attempts = 0`, id, outbox.TopicPayout)
		if err != nil {
			return fmt.Errorf("db: cancel payout: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return missingOrStale(ctx, tx, "outbox", `SELECT EXISTS (SELECT 1 FROM outbox WHERE id = $1)`, id, 0)
		}
	}
	return nil
}

const messageColumns = `id, topic, key, payload, status, attempts, last_error, available_at, created_at, sent_at`

// Claim takes due messages under FOR UPDATE SKIP LOCKED and marks them
// sending until now+lease, so concurrent dispatchers never share a row.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]outbox.Message, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox SET status = 'sending', available_at = $3
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status IN ('pending', 'sending') AND available_at <= $1
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED)
		RETURNING `+messageColumns, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("db: outbox claim: %w", err)
	}
	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Payouts(ctx context.Context, escrowID string) ([]outbox.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM outbox
		WHERE topic = $1 AND key = $2
		ORDER BY created_at, id`, outbox.TopicPayout, escrowID)
	if err != nil {
		return nil, fmt.Errorf("db: payouts: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]outbox.Message, error) {
	defer rows.Close()
	var out []outbox.Message
	for rows.Next() {
		var (
			m       outbox.Message
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &payload, &m.Status, &m.Attempts, &m.LastError, &m.AvailableAt, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, fmt.Errorf("db: scan outbox: %w", err)
		}
		m.Payload = payload
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate outbox: %w", err)
	}
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'sent', attempts = attempts + 1, sent_at = $2
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("db: mark sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("db: outbox message %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	status := outbox.StatusPending
	if dead {
		status = outbox.StatusDead
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = $2, attempts = $3, available_at = $4, last_error = $5
		WHERE id = $1`, id, string(status), attempts, next, lastErr)
	if err != nil {
		return fmt.Errorf("db: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("db: outbox message %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}
