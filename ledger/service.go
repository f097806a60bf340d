// Package ledger owns the escrow state machine and the release audit trail.
//
// Every mutation reads the escrow and its order, computes the next snapshot
// and commits it conditionally on the versions it read. Nothing is written
// when a precondition fails.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/order"
	"escrowflow/store"
)

// maxOrderRetries bounds recomputation when only the order projection moved
// under us. A conflict on the escrow itself is never retried.
const maxOrderRetries = 3

// ErrDisputeWindowClosed matches, via errors.Is, a dispute filed too long
// after release.
var ErrDisputeWindowClosed = &apperr.StateConflictError{Code: "dispute_window_closed"}

type Service struct {
	store         store.Store
	gateway       gateway.Gateway
	logger        *slog.Logger
	disputeWindow time.Duration
	idGenerator   func() string
	now           func() time.Time
}

func NewService(st store.Store, gw gateway.Gateway) *Service {
	return &Service{
		store:         st,
		gateway:       gw,
		logger:        slog.Default(),
		disputeWindow: 30 * 24 * time.Hour,
		idGenerator:   func() string { return uuid.NewString() },
		now:           time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithDisputeWindow(window time.Duration) *Service {
	if window > 0 {
		s.disputeWindow = window
	}
	return s
}

// InitiateParams describes one escrow to create.
type InitiateParams struct {
	OrderID  string
	EventID  string
	PayerID  string
	PayeeID  string
	Amount   int64
	Currency string
	Mode     escrow.FundingMode
	Kind     escrow.Kind
	Routing  []escrow.RoutingEntry
}

// NewEscrow validates p and builds an escrow in the created state without
// storing it. Checkout uses it to commit an order and its escrows together.
func (s *Service) NewEscrow(p InitiateParams) (escrow.Escrow, error) {
	switch {
	case p.OrderID == "":
		return escrow.Escrow{}, apperr.Validation("order_missing", "order_id", "order id is required")
	case p.PayerID == "":
		return escrow.Escrow{}, apperr.Validation("payer_missing", "payer_id", "payer id is required")
	case p.Amount <= 0:
		return escrow.Escrow{}, apperr.Validation("non_positive_amount", "amount", "amount must be positive")
	case p.Amount > escrow.MaxAmount:
		return escrow.Escrow{}, apperr.Validation("amount_too_large", "amount", fmt.Sprintf("amount exceeds the maximum %d", escrow.MaxAmount))
	case !p.Mode.Valid():
		return escrow.Escrow{}, apperr.Validation("unsupported_funding_mode", "mode", fmt.Sprintf("unsupported funding mode %q", p.Mode))
	}
	if err := escrow.ValidateRouting(p.Amount, p.Routing); err != nil {
		return escrow.Escrow{}, err
	}
	payee := p.PayeeID
	if payee == "" && len(p.Routing) > 0 {
		payee = p.Routing[0].PayeeID
	}
	if payee == "" {
		return escrow.Escrow{}, apperr.Validation("payee_missing", "payee_id", "payee id is required")
	}
	kind := p.Kind
	if kind == "" {
		kind = escrow.KindFull
	}
	now := s.now().UTC()
	return escrow.Escrow{
		ID:        s.idGenerator(),
		OrderID:   p.OrderID,
		EventID:   p.EventID,
		PayerID:   p.PayerID,
		PayeeID:   payee,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Mode:      p.Mode,
		Kind:      kind,
		Status:    escrow.StatusCreated,
		Routing:   append([]escrow.RoutingEntry(nil), p.Routing...),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Initiate creates an escrow for an existing order.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (escrow.Escrow, error) {
	e, err := s.NewEscrow(p)
	if err != nil {
		return escrow.Escrow{}, err
	}
	o, err := s.store.Order(ctx, p.OrderID)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: initiate: %w", err)
	}
	if e.Currency == "" {
		e.Currency = o.Currency
	}
	if d := o.Delivery.Status; d != order.DeliveryPending && d != order.DeliveryShipped {
		return escrow.Escrow{}, &apperr.StateConflictError{
			Code:      "delivery_closed",
			Entity:    "order.delivery",
			ID:        o.ID,
			Current:   string(d),
			Requested: string(escrow.StatusCreated),
			Message:   "escrows are only added before delivery is settled",
		}
	}
	siblings, err := s.store.EscrowsByOrder(ctx, o.ID)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: initiate: %w", err)
	}
	committed, ok := e.Amount, true
	for _, sib := range siblings {
		if sib.Status == escrow.StatusRefunded || !ok {
			continue
		}
		committed, ok = escrow.AddAmounts(committed, sib.Amount)
	}
	if !ok || committed > o.Total {
		return escrow.Escrow{}, apperr.Validation("order_total_exceeded", "amount",
			fmt.Sprintf("escrows of order %s would exceed its total %d", o.ID, o.Total))
	}

	cs := store.ChangeSet{NewEscrows: []escrow.Escrow{e}}
	cs.Dimensions = SyncOrder(o, append(siblings, e), "", s.now().UTC())
	if err := s.store.Commit(ctx, cs); err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: initiate: %w", err)
	}
	e.Version = 1
	s.logger.InfoContext(ctx, "escrow initiated",
		slog.String("escrow_id", e.ID),
		slog.String("order_id", e.OrderID),
		slog.Int64("amount", e.Amount),
	)
	return e, nil
}

// HoldParams carries the gateway confirmation of captured funds.
type HoldParams struct {
	GatewayRef string
	Reason     string
}

// Hold moves a funded escrow from created to held. Repeating it with the
// same gateway reference returns the escrow unchanged.
func (s *Service) Hold(ctx context.Context, escrowID string, p HoldParams) (escrow.Escrow, error) {
	if p.GatewayRef == "" {
		return escrow.Escrow{}, apperr.Validation("gateway_reference_required", "gateway_reference", "gateway reference is required")
	}
	out, err := s.mutate(ctx, escrowID, func(e escrow.Escrow, _ order.Order, now time.Time) (Change, error) {
		if e.Status != escrow.StatusCreated && e.GatewayRef == p.GatewayRef {
			return Change{}, errAlreadyApplied
		}
		return s.PlanHold(e, p, now)
	})
	if errors.Is(err, errAlreadyApplied) || (apperr.IsConcurrency(err) && s.heldWith(ctx, escrowID, p.GatewayRef)) {
		return s.store.Escrow(ctx, escrowID)
	}
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: hold: %w", err)
	}
	return out, nil
}

func (s *Service) heldWith(ctx context.Context, escrowID, ref string) bool {
	e, err := s.store.Escrow(ctx, escrowID)
	return err == nil && e.Status != escrow.StatusCreated && e.GatewayRef == ref
}

// Release pays out a held escrow. It only succeeds once the order's delivery
// was confirmed; the Delivery Confirmation Gate releases in the same unit of
// work that confirms delivery.
func (s *Service) Release(ctx context.Context, escrowID string, reason escrow.ReleaseReason) (escrow.Escrow, error) {
	if reason != escrow.ReasonDeliveryConfirmed && reason != escrow.ReasonManual {
		return escrow.Escrow{}, apperr.Validation("invalid_release_reason", "reason", fmt.Sprintf("%q cannot release an escrow", reason))
	}
	out, err := s.mutate(ctx, escrowID, func(e escrow.Escrow, o order.Order, now time.Time) (Change, error) {
		if o.Delivery.Status != order.DeliveryDelivered {
			return Change{}, &apperr.StateConflictError{
				Code:      "delivery_not_confirmed",
				Entity:    "order.delivery",
				ID:        o.ID,
				Current:   string(o.Delivery.Status),
				Requested: string(order.DeliveryDelivered),
				Message:   "release requires confirmed delivery",
			}
		}
		return s.PlanRelease(e, reason, "", now)
	})
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: release: %w", err)
	}
	return out, nil
}

// Refund returns the full amount of a created or held escrow to its payer.
func (s *Service) Refund(ctx context.Context, escrowID, reason string) (escrow.Escrow, error) {
	out, err := s.mutate(ctx, escrowID, func(e escrow.Escrow, _ order.Order, now time.Time) (Change, error) {
		return s.PlanRefund(e, reason, now)
	})
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: refund: %w", err)
	}
	return out, nil
}

// Dispute freezes a held or released escrow.
func (s *Service) Dispute(ctx context.Context, escrowID, reason, initiatorID string) (escrow.Escrow, error) {
	out, err := s.mutate(ctx, escrowID, func(e escrow.Escrow, _ order.Order, now time.Time) (Change, error) {
		return s.PlanDispute(e, reason, initiatorID, now)
	})
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: dispute: %w", err)
	}
	return out, nil
}

// ResolveParams is a mediator-determined split.
type ResolveParams struct {
	EscrowID    string
	PayerAmount int64
	PayeeAmount int64
	Notes       string
}

// ResolveDispute executes a split on a disputed escrow. A split that does not
// sum to the escrow amount aborts with an *apperr.InvariantViolationError.
func (s *Service) ResolveDispute(ctx context.Context, p ResolveParams) (escrow.Escrow, error) {
	out, err := s.mutate(ctx, p.EscrowID, func(e escrow.Escrow, _ order.Order, now time.Time) (Change, error) {
		prior, err := s.Trail(ctx, e.ID)
		if err != nil {
			return Change{}, err
		}
		return s.PlanResolve(e, prior, p, now)
	})
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: resolve dispute: %w", err)
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	return s.store.Escrow(ctx, escrowID)
}

func (s *Service) Releases(ctx context.Context, escrowID string) ([]escrow.Release, error) {
	if _, err := s.store.Escrow(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.store.Releases(ctx, escrowID)
}

// Trail loads the release records and payout instructions of an escrow.
func (s *Service) Trail(ctx context.Context, escrowID string) (Trail, error) {
	rs, err := s.store.Releases(ctx, escrowID)
	if err != nil {
		return Trail{}, err
	}
	payouts, err := s.store.Payouts(ctx, escrowID)
	if err != nil {
		return Trail{}, err
	}
	return Trail{Releases: rs, Payouts: payouts}, nil
}

var errAlreadyApplied = errors.New("ledger: already applied")

// PlanFunc computes a change from fresh snapshots of an escrow and its order.
type PlanFunc func(e escrow.Escrow, o order.Order, now time.Time) (Change, error)

// Apply commits the change computed by plan under the same concurrency rules
// as the built-in operations. Collaborators use it to write their own records
// in the escrow's unit of work.
func (s *Service) Apply(ctx context.Context, escrowID string, plan PlanFunc) (escrow.Escrow, error) {
	return s.mutate(ctx, escrowID, plan)
}

// mutate runs plan against fresh snapshots and commits the result together
// with the order projection. When only the projection lost its race the plan
// is recomputed; losing the escrow's own compare-and-set surfaces as
// *apperr.ConcurrencyError.
func (s *Service) mutate(ctx context.Context, escrowID string, plan PlanFunc) (escrow.Escrow, error) {
	for attempt := 0; ; attempt++ {
		e, err := s.store.Escrow(ctx, escrowID)
		if err != nil {
			return escrow.Escrow{}, err
		}
		o, err := s.store.Order(ctx, e.OrderID)
		if err != nil {
			return escrow.Escrow{}, err
		}
		now := s.now().UTC()
		change, err := plan(e, o, now)
		if err != nil {
			return escrow.Escrow{}, err
		}

		cs := change.ChangeSet()
		siblings, err := s.store.EscrowsByOrder(ctx, o.ID)
		if err != nil {
			return escrow.Escrow{}, err
		}
		cs.Dimensions = SyncOrder(o, replaceEscrow(siblings, change.Next), change.Payment, now)

		err = s.store.Commit(ctx, cs)
		if err == nil {
			s.logTransition(ctx, change)
			return change.Next, nil
		}
		var ce *apperr.ConcurrencyError
		if errors.As(err, &ce) && ce.Entity != "escrow" && attempt < maxOrderRetries {
			continue
		}
		return escrow.Escrow{}, err
	}
}

func (s *Service) logTransition(ctx context.Context, c Change) {
	if c.Prev.Status == c.Next.Status {
		return
	}
	s.logger.InfoContext(ctx, "escrow transition",
		slog.String("escrow_id", c.Next.ID),
		slog.String("order_id", c.Next.OrderID),
		slog.String("from", string(c.Prev.Status)),
		slog.String("to", string(c.Next.Status)),
		slog.Int("releases", len(c.Releases)),
	)
}

func replaceEscrow(list []escrow.Escrow, next escrow.Escrow) []escrow.Escrow {
	out := make([]escrow.Escrow, 0, len(list)+1)
	found := false
	for _, e := range list {
		if e.ID == next.ID {
			out = append(out, next)
			found = true
			continue
		}
		out = append(out, e)
	}
	if !found {
		out = append(out, next)
	}
	return out
}
