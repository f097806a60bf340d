// Package delivery is the delivery confirmation gate. It is the only code
// path that marks an order delivered, and it releases every escrow of the
// order in the same commit.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/store"
)

const maxAttempts = 3

var (
	ErrProofRequired       = apperr.Validation("proof_required", "proof_url", "")
	ErrChecklistIncomplete = apperr.Validation("checklist_incomplete", "acknowledged", "")
	ErrPaymentNotHeld      = &apperr.StateConflictError{Code: "payment_not_held"}
)

type Gate struct {
	store     store.Store
	ledger    *ledger.Service
	checklist []string
	logger    *slog.Logger
	idGen     func() string
	now       func() time.Time
}

func NewGate(st store.Store, l *ledger.Service, checklist []string) *Gate {
	return &Gate{
		store:     st,
		ledger:    l,
		checklist: append([]string(nil), checklist...),
		logger:    slog.Default(),
		idGen:     func() string { return uuid.NewString() },
		now:       time.Now,
	}
}

func (g *Gate) WithIDGenerator(gen func() string) *Gate {
	g.idGen = gen
	return g
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// Checklist returns the items a buyer must acknowledge.
func (g *Gate) Checklist() []string {
	return append([]string(nil), g.checklist...)
}

type ConfirmParams struct {
	OrderID      string
	ActorID      string
	ProofURL     string
	Notes        string
	Acknowledged []string
}

type Confirmation struct {
	Order    order.Order
	Escrows  []escrow.Escrow
	Releases []escrow.Release
}

// ConfirmDelivery checks every precondition against fresh snapshots and then
// commits delivered, released payment, released escrows and their release
// records together. If any escrow cannot be released nothing is written.
func (g *Gate) ConfirmDelivery(ctx context.Context, p ConfirmParams) (Confirmation, error) {
	if strings.TrimSpace(p.ProofURL) == "" {
		return Confirmation{}, apperr.Validation(ErrProofRequired.Code, ErrProofRequired.Field, "a proof of delivery reference is required")
	}
	if missing := g.unacknowledged(p.Acknowledged); len(missing) > 0 {
		return Confirmation{}, apperr.Validation(ErrChecklistIncomplete.Code, ErrChecklistIncomplete.Field,
			"not acknowledged: "+strings.Join(missing, ", "))
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		conf, cs, err := g.plan(ctx, p)
		if err != nil {
			return Confirmation{}, err
		}
		err = g.store.Commit(ctx, cs)
		if err == nil {
			g.logger.InfoContext(ctx, "delivery confirmed",
				slog.String("order_id", conf.Order.ID),
				slog.String("actor_id", p.ActorID),
				slog.Int("escrows", len(conf.Escrows)),
				slog.Int("releases", len(conf.Releases)),
			)
			return conf, nil
		}
		if !apperr.IsConcurrency(err) {
			return Confirmation{}, fmt.Errorf("delivery: confirm: %w", err)
		}
		lastErr = err
	}

	var ce *apperr.ConcurrencyError
	errors.As(lastErr, &ce)
	return Confirmation{}, &apperr.StateConflictError{
		Code:      "concurrent_update",
		Entity:    ce.Entity,
		ID:        ce.ID,
		Requested: string(order.DeliveryDelivered),
		Message:   "the order kept changing while delivery was being confirmed",
	}
}

// plan reads the order and its escrows and builds the unit of work.
func (g *Gate) plan(ctx context.Context, p ConfirmParams) (Confirmation, store.ChangeSet, error) {
	o, err := g.store.Order(ctx, p.OrderID)
	if err != nil {
		return Confirmation{}, store.ChangeSet{}, fmt.Errorf("delivery: confirm: %w", err)
	}
	if p.ActorID != o.BuyerID {
		return Confirmation{}, store.ChangeSet{}, fmt.Errorf("delivery: only the buyer confirms delivery: %w", apperr.ErrForbidden)
	}
	if o.Payment.Status != order.PaymentHeld {
		return Confirmation{}, store.ChangeSet{}, &apperr.StateConflictError{
			Code:      ErrPaymentNotHeld.Code,
			Entity:    "order.payment",
			ID:        o.ID,
			Current:   string(o.Payment.Status),
			Requested: string(order.PaymentReleased),
			Message:   "funds must be held before delivery can be confirmed",
		}
	}
	if o.Delivery.Status != order.DeliveryPending && o.Delivery.Status != order.DeliveryShipped {
		return Confirmation{}, store.ChangeSet{}, apperr.Conflict("order.delivery", o.ID, string(o.Delivery.Status), string(order.DeliveryDelivered))
	}

	escrows, err := g.store.EscrowsByOrder(ctx, o.ID)
	if err != nil {
		return Confirmation{}, store.ChangeSet{}, fmt.Errorf("delivery: confirm: %w", err)
	}
	now := g.now().UTC()
	var (
		cs   store.ChangeSet
		conf = Confirmation{Escrows: make([]escrow.Escrow, 0, len(escrows))}
	)
	for _, e := range escrows {
		// A refunded participant escrow has nothing left to release.
		if e.Status == escrow.StatusRefunded {
			conf.Escrows = append(conf.Escrows, e)
			continue
		}
		change, err := g.ledger.PlanRelease(e, escrow.ReasonDeliveryConfirmed, p.Notes, now)
		if err != nil {
			return Confirmation{}, store.ChangeSet{}, err
		}
		cs.Merge(change.ChangeSet())
		conf.Escrows = append(conf.Escrows, change.Next)
		conf.Releases = append(conf.Releases, change.Releases...)
	}
	if len(cs.Escrows) == 0 {
		return Confirmation{}, store.ChangeSet{}, apperr.Conflict("order.escrow", o.ID, string(o.Escrow.Status), string(escrow.StatusReleased))
	}

	delivered := o.Delivery
	delivered.Status = order.DeliveryDelivered
	delivered.ProofRef = p.ProofURL
	delivered.Reason = p.Notes
	delivered.UpdatedAt = now
	cs.Dimensions = append(cs.Dimensions, store.DimensionUpdate{
		OrderID:   o.ID,
		Dimension: order.DimensionDelivery,
		Next:      delivered,
		Expected:  o.Delivery.Version,
	})
	cs.Dimensions = append(cs.Dimensions, ledger.SyncOrder(o, conf.Escrows, order.PaymentReleased, now)...)
	cs.Messages = append(cs.Messages, outbox.NewEvent(g.idGen(), outbox.TopicOrderDelivered, o.ID, outbox.EventPayload{
		OrderID: o.ID,
		Status:  string(order.DeliveryDelivered),
		Reason:  p.ProofURL,
		ActorID: p.ActorID,
	}, now))

	next := o.Clone()
	for _, u := range cs.Dimensions {
		fs := u.Next
		fs.Version = u.Expected + 1
		next.SetDimension(u.Dimension, fs)
	}
	next.UpdatedAt = now
	conf.Order = next
	return conf, cs, nil
}

func (g *Gate) unacknowledged(acks []string) []string {
	seen := make(map[string]struct{}, len(acks))
	for _, a := range acks {
		seen[strings.TrimSpace(a)] = struct{}{}
	}
	var missing []string
	for _, item := range g.checklist {
		if _, ok := seen[item]; !ok {
			missing = append(missing, item)
		}
	}
	return missing
}
