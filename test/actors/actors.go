// Package actors drives the escrow services from concurrent goroutines. Every
// actor loops until stop closes and swallows the errors a racing caller is
// expected to see; only an invariant violation ends the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/delivery"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fulfillment"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/store"
)

// Env is the shared world the actors race over.
type Env struct {
	Store      store.Store
	Ledger     *ledger.Service
	Orders     *fulfillment.Service
	Gate       *delivery.Gate
	Disputes   *dispute.Service
	Dispatcher *outbox.Dispatcher
	Sandbox    *gateway.Sandbox
	Checkouts  []fulfillment.Checkout
	Stats      *Stats
}

// Stats counts what happened across all actors.
type Stats struct {
	Calls    atomic.Int64
	Rejected atomic.Int64
	Infra    atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("calls=%d rejected=%d infra=%d", s.Calls.Load(), s.Rejected.Load(), s.Infra.Load())
}

// Actor is one racing loop.
type Actor func(ctx context.Context, env *Env, rng *rand.Rand) error

// Loop runs step with jitter until ctx ends or stop closes.
func Loop(ctx context.Context, env *Env, seed int64, stop <-chan struct{}, step Actor) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		env.Stats.Calls.Add(1)
		if err := classify(env.Stats, step(ctx, env, rng)); err != nil {
			return err
		}
		time.Sleep(time.Duration(5+rng.Intn(20)) * time.Millisecond)
	}
}

// classify returns err only when it signals a broken invariant.
func classify(stats *Stats, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.AsInvariant(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case isDomain(err):
		stats.Rejected.Add(1)
	default:
		// Terminated backends and dropped connections.
		stats.Infra.Add(1)
	}
	return nil
}

func isDomain(err error) bool {
	if _, ok := apperr.AsValidation(err); ok {
		return true
	}
	if _, ok := apperr.AsConflict(err); ok {
		return true
	}
	if _, ok := apperr.AsGateway(err); ok {
		return true
	}
	return apperr.IsConcurrency(err) || errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrForbidden)
}

func pick(env *Env, rng *rand.Rand) fulfillment.Checkout {
	return env.Checkouts[rng.Intn(len(env.Checkouts))]
}

func pickEscrow(env *Env, rng *rand.Rand) (fulfillment.Checkout, escrow.Escrow) {
	c := pick(env, rng)
	return c, c.Escrows[rng.Intn(len(c.Escrows))]
}

var mediator = auth.Actor{ID: "stress-mediator", Role: auth.RoleMediator}

// Confirmer confirms delivery of a random order, releasing every held escrow.
func Confirmer(ctx context.Context, env *Env, rng *rand.Rand) error {
	c := pick(env, rng)
	_, err := env.Gate.ConfirmDelivery(ctx, delivery.ConfirmParams{
		OrderID:      c.Order.ID,
		ActorID:      c.Order.BuyerID,
		ProofURL:     fmt.Sprintf("https://proof.example/%s", c.Order.ID),
		Acknowledged: env.Gate.Checklist(),
	})
	return err
}

// Refunder refunds a random escrow.
func Refunder(ctx context.Context, env *Env, rng *rand.Rand) error {
	_, e := pickEscrow(env, rng)
	_, err := env.Ledger.Refund(ctx, e.ID, "stress refund")
	return err
}

// Disputer opens a dispute on a random escrow as its payer.
func Disputer(ctx context.Context, env *Env, rng *rand.Rand) error {
	_, e := pickEscrow(env, rng)
	_, err := env.Disputes.Submit(ctx, dispute.SubmitParams{
		EscrowID:    e.ID,
		Actor:       auth.Actor{ID: e.PayerID, Role: auth.RoleBuyer},
		ReasonCode:  "quality_issue",
		Description: "seams came apart after the first wear",
		Evidence:    []string{"https://evidence.example/photo.jpg"},
	})
	return err
}

// Mediator reviews and resolves disputes with a random split that always
// sums to the escrow amount.
func Mediator(ctx context.Context, env *Env, rng *rand.Rand) error {
	_, e := pickEscrow(env, rng)
	d, err := env.Store.DisputeByEscrow(ctx, e.ID)
	if err != nil {
		return err
	}
	if d.Status == escrow.DisputeSubmitted {
		if _, err := env.Disputes.StartReview(ctx, d.ID, mediator); err != nil {
			return err
		}
	}
	payer := rng.Int63n(e.Amount + 1)
	_, _, err = env.Disputes.Resolve(ctx, dispute.ResolveParams{
		EscrowID:    e.ID,
		Actor:       mediator,
		PayerAmount: payer,
		PayeeAmount: e.Amount - payer,
		Notes:       "stress split",
	})
	return err
}

// Producer moves production back and forth between in_progress and on_hold.
func Producer(ctx context.Context, env *Env, rng *rand.Rand) error {
	c := pick(env, rng)
	status := order.ProductionInProgress
	if rng.Intn(3) == 0 {
		status = order.ProductionOnHold
	}
	_, err := env.Orders.UpdateFulfillment(ctx, fulfillment.UpdateParams{
		OrderID:   c.Order.ID,
		Dimension: order.DimensionProduction,
		Status:    status,
		Reason:    "stress",
	})
	return err
}

// Shipper ships a random order.
func Shipper(ctx context.Context, env *Env, rng *rand.Rand) error {
	c := pick(env, rng)
	_, err := env.Orders.UpdateFulfillment(ctx, fulfillment.UpdateParams{
		OrderID:   c.Order.ID,
		Dimension: order.DimensionDelivery,
		Status:    order.DeliveryShipped,
		ProofRef:  "TRACK-" + c.Order.ID,
	})
	return err
}

// Reconciler settles captures left pending at seed time.
func Reconciler(ctx context.Context, env *Env, rng *rand.Rand) error {
	_, e := pickEscrow(env, rng)
	env.Sandbox.SetOutcome(e.ID, gateway.OutcomeSuccess)
	_, err := env.Ledger.Reconcile(ctx, 20)
	return err
}

// Dispatcher drains one outbox batch.
func Dispatcher(ctx context.Context, env *Env, _ *rand.Rand) error {
	_, err := env.Dispatcher.RunOnce(ctx)
	return err
}
