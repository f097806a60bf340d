package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/policy"
	"escrowflow/store"
)

var (
	buyer    = auth.Actor{ID: "buyer-1", Role: auth.RoleBuyer}
	mediator = auth.Actor{ID: "mediator-1", Role: auth.RoleMediator}
)

type harness struct {
	store  *store.Memory
	ledger *ledger.Service
	svc    *Service

	mu  sync.Mutex
	now time.Time
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var seq atomic.Int64
	gen := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }
	h := &harness{store: store.NewMemory(), now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	pol := policy.Default().Dispute
	h.ledger = ledger.NewService(h.store, nil).WithIDGenerator(gen).WithClock(h.clock).WithDisputeWindow(pol.Window)
	h.svc = NewService(h.store, h.ledger, pol).WithIDGenerator(gen).WithClock(h.clock)
	return h
}

// heldEscrow stores an order and a held escrow routed to R and M.
func (h *harness) heldEscrow(t *testing.T, delivery order.Status) escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	o := order.New("o1", buyer.ID, "", "USD", escrow.ModeSinglePayer, []order.Item{
		{Type: order.ItemFabric, RetailerID: "R", Amount: 15000},
		{Type: order.ItemTailoring, MakerID: "M", Amount: 25000},
	}, 40000, h.clock())
	if err := h.store.Commit(ctx, store.ChangeSet{NewOrders: []order.Order{o}}); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	e, err := h.ledger.Initiate(ctx, ledger.InitiateParams{
		OrderID: "o1",
		PayerID: buyer.ID,
		Amount:  40000,
		Mode:    escrow.ModeSinglePayer,
		Routing: []escrow.RoutingEntry{
			{Category: escrow.CategoryFabric, PayeeID: "R", Amount: 15000},
			{Category: escrow.CategoryTailoring, PayeeID: "M", Amount: 25000},
		},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	e, err = h.ledger.Hold(ctx, e.ID, ledger.HoldParams{GatewayRef: "gw-1"})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	// Escrows are added while delivery is open; the requested status follows.
	if delivery != order.DeliveryPending {
		cur, _ := h.store.Order(ctx, "o1")
		next := cur.Delivery
		next.Status = delivery
		if err := h.store.Commit(ctx, store.ChangeSet{Dimensions: []store.DimensionUpdate{{
			OrderID: "o1", Dimension: order.DimensionDelivery, Next: next, Expected: cur.Delivery.Version,
		}}}); err != nil {
			t.Fatalf("set delivery: %v", err)
		}
	}
	return e
}

func submission(escrowID string) SubmitParams {
	return SubmitParams{
		EscrowID:    escrowID,
		Actor:       buyer,
		ReasonCode:  "quality_issue",
		Description: "The seams on the left sleeve came apart on first wear.",
		Evidence:    []string{"https://evidence.example/sleeve.jpg"},
	}
}

func TestSubmitRejectsEachInvalidInputDistinctly(t *testing.T) {
	h := newHarness(t)
	e := h.heldEscrow(t, order.DeliveryPending)

	tests := []struct {
		name   string
		mutate func(*SubmitParams)
		want   error
	}{
		{"short description", func(p *SubmitParams) { p.Description = "bad fit" }, ErrDescriptionTooShort},
		{"padded description", func(p *SubmitParams) { p.Description = "   too short here   " }, ErrDescriptionTooShort},
		{"no evidence", func(p *SubmitParams) { p.Evidence = nil }, ErrEvidenceRequired},
		{"blank evidence", func(p *SubmitParams) { p.Evidence = []string{" "} }, ErrEvidenceRequired},
		{"unknown reason", func(p *SubmitParams) { p.ReasonCode = "changed_my_mind" }, ErrInvalidReason},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := submission(e.ID)
			tc.mutate(&p)
			_, err := h.svc.Submit(context.Background(), p)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	got, _ := h.store.Escrow(context.Background(), e.ID)
	if got.Status != escrow.StatusHeld {
		t.Fatalf("rejected submissions must not freeze the escrow, got %s", got.Status)
	}
}

func TestSubmitRequiresParty(t *testing.T) {
	h := newHarness(t)
	e := h.heldEscrow(t, order.DeliveryPending)
	p := submission(e.ID)
	p.Actor = auth.Actor{ID: "stranger", Role: auth.RoleBuyer}
	if _, err := h.svc.Submit(context.Background(), p); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	maker := submission(e.ID)
	maker.Actor = auth.Actor{ID: "M", Role: auth.RoleMaker}
	if _, err := h.svc.Submit(context.Background(), maker); err != nil {
		t.Fatalf("routed payee may dispute: %v", err)
	}
}

func TestSubmitFreezesEscrowOnce(t *testing.T) {
	h := newHarness(t)
	e := h.heldEscrow(t, order.DeliveryPending)
	ctx := context.Background()

	d, err := h.svc.Submit(ctx, submission(e.ID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Status != escrow.DisputeSubmitted || d.EscrowID != e.ID || d.OrderID != "o1" {
		t.Fatalf("unexpected dispute %+v", d)
	}
	got, _ := h.store.Escrow(ctx, e.ID)
	if got.Status != escrow.StatusDisputed {
		t.Fatalf("expected disputed escrow, got %s", got.Status)
	}
	o, _ := h.store.Order(ctx, "o1")
	if o.Overall() != order.OverallDisputed {
		t.Fatalf("expected disputed order, got %s", o.Overall())
	}

	_, err = h.svc.Submit(ctx, submission(e.ID))
	if !errors.Is(err, ErrDisputeExists) {
		t.Fatalf("expected dispute_exists, got %v", err)
	}

	if _, err := h.ledger.Refund(ctx, e.ID, "cancel"); err == nil {
		t.Fatal("refund of a disputed escrow must fail")
	}
}

func TestSubmitAfterWindowCloses(t *testing.T) {
	h := newHarness(t)
	e := h.heldEscrow(t, order.DeliveryDelivered)
	ctx := context.Background()
	if _, err := h.ledger.Release(ctx, e.ID, escrow.ReasonDeliveryConfirmed); err != nil {
		t.Fatalf("release: %v", err)
	}
	h.advance(31 * 24 * time.Hour)

	_, err := h.svc.Submit(ctx, submission(e.ID))
	if !errors.Is(err, ErrDisputeWindowClosed) {
		t.Fatalf("expected window closed, got %v", err)
	}
	if _, err := h.store.DisputeByEscrow(ctx, e.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("no dispute may be stored, got %v", err)
	}
}

func TestSubmitOnCreatedEscrowConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := order.New("o2", buyer.ID, "", "USD", escrow.ModeSinglePayer, []order.Item{{Type: order.ItemTailoring, MakerID: "M", Amount: 100}}, 100, h.clock())
	if err := h.store.Commit(ctx, store.ChangeSet{NewOrders: []order.Order{o}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e, err := h.ledger.Initiate(ctx, ledger.InitiateParams{OrderID: "o2", PayerID: buyer.ID, PayeeID: "M", Amount: 100, Mode: escrow.ModeSinglePayer})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, err = h.svc.Submit(ctx, submission(e.ID))
	if c, ok := apperr.AsConflict(err); !ok || c.Current != string(escrow.StatusCreated) {
		t.Fatalf("expected conflict reporting created, got %v", err)
	}
}

func TestReviewAndResolve(t *testing.T) {
	h := newHarness(t)
	e := h.heldEscrow(t, order.DeliveryPending)
	ctx := context.Background()
	d, err := h.svc.Submit(ctx, submission(e.ID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	split := ResolveParams{EscrowID: e.ID, Actor: mediator, PayerAmount: 20000, PayeeAmount: 20000, Notes: "half"}
	if _, _, err := h.svc.Resolve(ctx, split); !errors.Is(err, ErrNotReviewing) {
		t.Fatalf("resolve before review must fail with not reviewing, got %v", err)
	}

	if _, err := h.svc.StartReview(ctx, d.ID, buyer); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden review, got %v", err)
	}
	reviewed, err := h.svc.StartReview(ctx, d.ID, mediator)
	if err != nil {
		t.Fatalf("start review: %v", err)
	}
	if reviewed.Status != escrow.DisputeReviewing || reviewed.ReviewerID != mediator.ID {
		t.Fatalf("unexpected dispute %+v", reviewed)
	}
	if _, err := h.svc.StartReview(ctx, d.ID, mediator); err == nil {
		t.Fatal("review may only start once")
	}

	buyerSplit := split
	buyerSplit.Actor = buyer
	if _, _, err := h.svc.Resolve(ctx, buyerSplit); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	bad := split
	bad.PayeeAmount = 1
	if _, _, err := h.svc.Resolve(ctx, bad); !errors.Is(err, &apperr.InvariantViolationError{Code: "split_sum_mismatch"}) {
		t.Fatalf("expected split_sum_mismatch, got %v", err)
	}
	still, _ := h.svc.Get(ctx, d.ID)
	if still.Status != escrow.DisputeReviewing {
		t.Fatalf("failed resolve must leave the dispute reviewing, got %s", still.Status)
	}

	resolved, out, err := h.svc.Resolve(ctx, split)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != escrow.DisputeResolved || resolved.ResolvedBy != mediator.ID || resolved.Resolution == nil {
		t.Fatalf("unexpected dispute %+v", resolved)
	}
	if out.Status != escrow.StatusReleased {
		t.Fatalf("expected released escrow, got %s", out.Status)
	}
	stored, _ := h.svc.Get(ctx, d.ID)
	if stored.Status != escrow.DisputeResolved {
		t.Fatalf("stored dispute %s", stored.Status)
	}
	rs, _ := h.store.Releases(ctx, e.ID)
	if escrow.SumReleases(rs) != e.Amount {
		t.Fatalf("release trail sums to %d", escrow.SumReleases(rs))
	}
}

func TestDescriptionCountsRunes(t *testing.T) {
	h := newHarness(t)
	e := h.heldEscrow(t, order.DeliveryPending)
	p := submission(e.ID)
	p.Description = strings.Repeat("é", 20)
	if _, err := h.svc.Submit(context.Background(), p); err != nil {
		t.Fatalf("twenty characters must be accepted: %v", err)
	}
}
