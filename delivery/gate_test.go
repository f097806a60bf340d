package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/fulfillment"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/routing"
	"escrowflow/store"
)

var checklist = []string{"items_received", "matches_description"}

type env struct {
	store  *store.Memory
	ledger *ledger.Service
	orders *fulfillment.Service
	gate   *Gate
}

func newEnv(t *testing.T) *env {
	t.Helper()
	var seq atomic.Int64
	gen := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	now := func() time.Time { return time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC) }
	st := store.NewMemory()
	l := ledger.NewService(st, nil).WithIDGenerator(gen).WithClock(now)
	return &env{
		store:  st,
		ledger: l,
		orders: fulfillment.NewService(st, l).WithIDGenerator(gen).WithClock(now),
		gate:   NewGate(st, l, checklist).WithIDGenerator(gen).WithClock(now),
	}
}

// funded creates a single payer order and holds its escrow.
func (e *env) funded(t *testing.T) fulfillment.Checkout {
	t.Helper()
	ctx := context.Background()
	out, err := e.orders.CreateOrder(ctx, fulfillment.CreateOrderParams{
		BuyerID: "buyer-1",
		Mode:    escrow.ModeSinglePayer,
		Items: []order.Item{
			{Type: order.ItemFabric, RetailerID: "R", Amount: 15000},
			{Type: order.ItemTailoring, MakerID: "M", Amount: 25000},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	for i, es := range out.Escrows {
		held, err := e.ledger.Hold(ctx, es.ID, ledger.HoldParams{GatewayRef: "gw-" + es.ID})
		if err != nil {
			t.Fatalf("hold: %v", err)
		}
		out.Escrows[i] = held
	}
	return out
}

func confirm(orderID string) ConfirmParams {
	return ConfirmParams{
		OrderID:      orderID,
		ActorID:      "buyer-1",
		ProofURL:     "https://proof.example/photo.jpg",
		Acknowledged: checklist,
	}
}

func TestConfirmDeliveryReleasesEscrow(t *testing.T) {
	e := newEnv(t)
	out := e.funded(t)

	conf, err := e.gate.ConfirmDelivery(context.Background(), confirm(out.Order.ID))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if conf.Order.Delivery.Status != order.DeliveryDelivered ||
		conf.Order.Payment.Status != order.PaymentReleased ||
		conf.Order.Escrow.Status != order.Status(escrow.StatusReleased) {
		t.Fatalf("unexpected order dimensions %+v", conf.Order)
	}
	if conf.Order.Overall() != order.OverallCompleted {
		t.Fatalf("expected completed, got %s", conf.Order.Overall())
	}

	stored, _ := e.store.Order(context.Background(), out.Order.ID)
	if stored.Delivery.Status != order.DeliveryDelivered || stored.Delivery.ProofRef == "" {
		t.Fatalf("stored delivery %+v", stored.Delivery)
	}
	es, _ := e.store.Escrow(context.Background(), out.Escrows[0].ID)
	if es.Status != escrow.StatusReleased {
		t.Fatalf("expected released escrow, got %s", es.Status)
	}
	rs, _ := e.store.Releases(context.Background(), es.ID)
	byPayee := map[string]int64{}
	for _, r := range rs {
		byPayee[r.RecipientID] += r.Amount
	}
	if len(rs) != 2 || byPayee["R"] != 15000 || byPayee["M"] != 25000 {
		t.Fatalf("unexpected releases %+v", rs)
	}

	var delivered int
	for _, m := range e.store.Messages() {
		if m.Topic == outbox.TopicOrderDelivered {
			delivered++
		}
	}
	if delivered != 1 {
		t.Fatalf("expected one order.delivered message, got %d", delivered)
	}

	_, err = e.gate.ConfirmDelivery(context.Background(), confirm(out.Order.ID))
	if _, ok := apperr.AsConflict(err); !ok {
		t.Fatalf("second confirmation must conflict, got %v", err)
	}
}

func TestConfirmDeliveryPreconditions(t *testing.T) {
	e := newEnv(t)
	out := e.funded(t)

	noProof := confirm(out.Order.ID)
	noProof.ProofURL = " "
	if _, err := e.gate.ConfirmDelivery(context.Background(), noProof); !errors.Is(err, ErrProofRequired) {
		t.Fatalf("expected proof_required, got %v", err)
	}

	partial := confirm(out.Order.ID)
	partial.Acknowledged = []string{"items_received"}
	_, err := e.gate.ConfirmDelivery(context.Background(), partial)
	if v, ok := apperr.AsValidation(err); !ok || v.Code != ErrChecklistIncomplete.Code {
		t.Fatalf("expected checklist_incomplete, got %v", err)
	}

	stranger := confirm(out.Order.ID)
	stranger.ActorID = "maker-1"
	if _, err := e.gate.ConfirmDelivery(context.Background(), stranger); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	if _, err := e.gate.ConfirmDelivery(context.Background(), confirm("missing")); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConfirmDeliveryRequiresHeldPayment(t *testing.T) {
	e := newEnv(t)
	out, err := e.orders.CreateOrder(context.Background(), fulfillment.CreateOrderParams{
		BuyerID: "buyer-1",
		Mode:    escrow.ModeSinglePayer,
		Items:   []order.Item{{Type: order.ItemTailoring, MakerID: "M", Amount: 5000}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	_, err = e.gate.ConfirmDelivery(context.Background(), confirm(out.Order.ID))
	if !errors.Is(err, ErrPaymentNotHeld) {
		t.Fatalf("expected payment_not_held, got %v", err)
	}
}

func TestConfirmDeliveryRollsBackWhenAnEscrowIsDisputed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out, err := e.orders.CreateOrder(ctx, fulfillment.CreateOrderParams{
		BuyerID: "buyer-1",
		Mode:    escrow.ModePayerPlusParticipants,
		Items: []order.Item{
			{Type: order.ItemFabric, RetailerID: "R", ParticipantID: "p1", Amount: 10000},
			{Type: order.ItemTailoring, MakerID: "M", ParticipantID: "p2", Amount: 10000},
		},
		DepositPercent: decimal.NewFromInt(50),
		Participants: []routing.Share{
			{ParticipantID: "p1", Amount: 5000},
			{ParticipantID: "p2", Amount: 5000},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	for _, es := range out.Escrows {
		if _, err := e.ledger.Hold(ctx, es.ID, ledger.HoldParams{GatewayRef: "gw-" + es.ID}); err != nil {
			t.Fatalf("hold: %v", err)
		}
	}
	disputed := out.Escrows[len(out.Escrows)-1]
	if _, err := e.ledger.Dispute(ctx, disputed.ID, "quality_issue", "p2"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	// Payment stays held while one escrow is disputed.
	before, _ := e.store.Order(ctx, out.Order.ID)
	if before.Payment.Status != order.PaymentHeld {
		t.Fatalf("expected payment held, got %s", before.Payment.Status)
	}

	_, err = e.gate.ConfirmDelivery(ctx, confirm(out.Order.ID))
	c, ok := apperr.AsConflict(err)
	if !ok || c.Current != string(escrow.StatusDisputed) {
		t.Fatalf("expected conflict on the disputed escrow, got %v", err)
	}

	after, _ := e.store.Order(ctx, out.Order.ID)
	if after.Delivery.Status != order.DeliveryPending || after.Delivery.Version != before.Delivery.Version {
		t.Fatalf("delivery must be untouched, got %+v", after.Delivery)
	}
	for _, es := range out.Escrows {
		got, _ := e.store.Escrow(ctx, es.ID)
		if got.Status == escrow.StatusReleased {
			t.Fatalf("escrow %s released despite rollback", es.ID)
		}
		if rs, _ := e.store.Releases(ctx, es.ID); len(rs) != 0 {
			t.Fatalf("escrow %s has releases after rollback", es.ID)
		}
	}
}

type racingStore struct {
	*store.Memory
	before func()
}

func (r *racingStore) Commit(ctx context.Context, cs store.ChangeSet) error {
	if r.before != nil {
		hook := r.before
		r.before = nil
		hook()
	}
	return r.Memory.Commit(ctx, cs)
}

func TestConfirmDeliveryRefetchesAfterLostRace(t *testing.T) {
	e := newEnv(t)
	out := e.funded(t)
	ctx := context.Background()

	racing := &racingStore{Memory: e.store}
	gate := NewGate(racing, e.ledger, checklist)
	racing.before = func() {
		if _, err := e.ledger.Dispute(ctx, out.Escrows[0].ID, "quality_issue", "buyer-1"); err != nil {
			t.Errorf("dispute: %v", err)
		}
	}

	_, err := gate.ConfirmDelivery(ctx, confirm(out.Order.ID))
	if _, ok := apperr.AsConflict(err); !ok {
		t.Fatalf("expected state conflict after losing the race, got %v", err)
	}
	es, _ := e.store.Escrow(ctx, out.Escrows[0].ID)
	if es.Status != escrow.StatusDisputed {
		t.Fatalf("dispute must win, got %s", es.Status)
	}
}
