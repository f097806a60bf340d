package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/apperr"
	"escrowflow/delivery"
	"escrowflow/escrow"
	"escrowflow/fulfillment"
	"escrowflow/gateway"
	"escrowflow/ledger"
	"escrowflow/migrations"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/store"
)

// TestStore_Integration connects to a real PostgreSQL via DATABASE_URL and
// runs an order from checkout to released funds through the pgx store.
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	gw := gateway.NewSandbox()
	l := ledger.NewService(st, gw)
	orders := fulfillment.NewService(st, l)
	gate := delivery.NewGate(st, l, []string{"items_received"})

	buyer := "buyer-" + uuid.NewString()
	out, err := orders.CreateOrder(ctx, fulfillment.CreateOrderParams{
		BuyerID: buyer,
		Mode:    escrow.ModeSinglePayer,
		Items: []order.Item{
			{Type: order.ItemFabric, RetailerID: "R", Amount: 15000},
			{Type: order.ItemTailoring, MakerID: "M", Amount: 25000},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	stored, err := st.Order(ctx, out.Order.ID)
	if err != nil {
		t.Fatalf("read order: %v", err)
	}
	if stored.Total != 40000 || len(stored.Items) != 2 || stored.Payment.Version != 1 {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	e := out.Escrows[0]
	held, err := l.Fund(ctx, e.ID)
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if held.Status != escrow.StatusHeld || held.GatewayRef == "" || held.Version != 2 {
		t.Fatalf("unexpected held escrow %+v", held)
	}

	// A stale write is rejected without touching the row.
	stale := e
	stale.Status = escrow.StatusRefunded
	err = st.Commit(ctx, store.ChangeSet{Escrows: []store.EscrowUpdate{{Next: stale, Expected: e.Version}}})
	if !apperr.IsConcurrency(err) {
		t.Fatalf("expected concurrency error, got %v", err)
	}

	// Another escrow may not reuse the gateway reference.
	other := e
	other.ID = uuid.NewString()
	other.Status = escrow.StatusCreated
	other.GatewayRef = held.GatewayRef
	err = st.Commit(ctx, store.ChangeSet{NewEscrows: []escrow.Escrow{other}})
	if v, ok := apperr.AsValidation(err); !ok || v.Code != "gateway_reference_in_use" {
		t.Fatalf("expected gateway_reference_in_use, got %v", err)
	}

	conf, err := gate.ConfirmDelivery(ctx, delivery.ConfirmParams{
		OrderID:      out.Order.ID,
		ActorID:      buyer,
		ProofURL:     "https://proof.example/" + out.Order.ID,
		Acknowledged: []string{"items_received"},
	})
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}
	if conf.Order.Overall() != order.OverallCompleted {
		t.Fatalf("expected completed order, got %s", conf.Order.Overall())
	}

	rs, err := st.Releases(ctx, e.ID)
	if err != nil {
		t.Fatalf("releases: %v", err)
	}
	if escrow.SumReleases(rs) != e.Amount {
		t.Fatalf("release trail sums to %d, want %d", escrow.SumReleases(rs), e.Amount)
	}

	if _, err := pool.Exec(ctx, `DELETE FROM escrow_releases WHERE escrow_id = $1`, e.ID); err == nil {
		t.Fatal("release records must be append-only")
	}

	msgs, err := st.Claim(ctx, 500, time.Now().Add(time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	var payouts int
	for _, m := range msgs {
		if m.Topic == outbox.TopicPayout && m.Key == e.ID {
			payouts++
			if err := st.MarkSent(ctx, m.ID, time.Now()); err != nil {
				t.Fatalf("mark sent: %v", err)
			}
		}
	}
	if payouts != len(rs) {
		t.Fatalf("expected %d payout messages, got %d", len(rs), payouts)
	}

	if _, err := st.Escrow(ctx, uuid.NewString()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_IntegrationOneDisputePerEscrow(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	l := ledger.NewService(st, gateway.NewSandbox())
	out, err := fulfillment.NewService(st, l).CreateOrder(ctx, fulfillment.CreateOrderParams{
		BuyerID: "buyer-" + uuid.NewString(),
		Mode:    escrow.ModeSinglePayer,
		Items:   []order.Item{{Type: order.ItemTailoring, MakerID: "M", Amount: 900}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	e := out.Escrows[0]
	now := time.Now().UTC()
	first := escrow.Dispute{
		ID: uuid.NewString(), EscrowID: e.ID, OrderID: e.OrderID, InitiatorID: e.PayerID,
		ReasonCode: "quality_issue", Description: "stitching came apart",
		Evidence: []string{"https://evidence.example/1"}, Status: escrow.DisputeSubmitted,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := st.Commit(ctx, store.ChangeSet{NewDisputes: []escrow.Dispute{first}}); err != nil {
		t.Fatalf("first dispute: %v", err)
	}
	second := first
	second.ID = uuid.NewString()
	err = st.Commit(ctx, store.ChangeSet{NewDisputes: []escrow.Dispute{second}})
	var ce *apperr.ConcurrencyError
	if !errors.As(err, &ce) || ce.Entity != "dispute" {
		t.Fatalf("expected dispute concurrency error, got %v", err)
	}

	got, err := st.DisputeByEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("dispute by escrow: %v", err)
	}
	if got.ID != first.ID || len(got.Evidence) != 1 || got.Version != 1 {
		t.Fatalf("unexpected dispute %+v", got)
	}

	reviewing := got
	reviewing.Status = escrow.DisputeReviewing
	reviewing.ReviewerID = "mediator-1"
	if err := st.Commit(ctx, store.ChangeSet{Disputes: []store.DisputeUpdate{{Next: reviewing, Expected: 1}}}); err != nil {
		t.Fatalf("review: %v", err)
	}
	err = st.Commit(ctx, store.ChangeSet{Disputes: []store.DisputeUpdate{{Next: reviewing, Expected: 1}}})
	if !apperr.IsConcurrency(err) {
		t.Fatalf("expected stale dispute update to fail, got %v", err)
	}
}
