package app

import (
	"context"
	"testing"
	"time"

	"escrowflow/config"
	"escrowflow/delivery"
	"escrowflow/escrow"
	"escrowflow/fulfillment"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/store"
)

func testConfig() config.Config {
	return config.Config{
		OutboxPoll:      10 * time.Millisecond,
		OutboxBatchSize: 10,
		ReconcileEvery:  10 * time.Millisecond,
		GatewayTimeout:  time.Second,
		IdempotencyTTL:  time.Hour,
	}
}

func TestNewDefaultsToMemoryAndSandbox(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	if a.Shared {
		t.Fatal("memory store must not be reported as shared")
	}
	if _, ok := a.Store.(*store.Memory); !ok {
		t.Fatalf("expected memory store, got %T", a.Store)
	}
	if _, err := a.Idempotency(context.Background()); err != nil {
		t.Fatalf("idempotency: %v", err)
	}
	n, err := a.Notifier()
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	if _, ok := n.(*outbox.LogNotifier); !ok {
		t.Fatalf("expected log notifier, got %T", n)
	}
}

func TestRunWorkersDrainsOutbox(t *testing.T) {
	a, err := New(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	out, err := a.Orders.CreateOrder(ctx, fulfillment.CreateOrderParams{
		BuyerID: "buyer-1",
		Mode:    escrow.ModeSinglePayer,
		Items:   []order.Item{{Type: order.ItemTailoring, MakerID: "M", Amount: 5000}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := a.Ledger.Fund(ctx, out.Escrows[0].ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := a.Delivery.ConfirmDelivery(ctx, delivery.ConfirmParams{
		OrderID:      out.Order.ID,
		ActorID:      "buyer-1",
		ProofURL:     "https://proof.example/1",
		Acknowledged: a.Delivery.Checklist(),
	}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	n, _ := a.Notifier()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.RunWorkers(runCtx, n) }()

	mem := a.Store.(*store.Memory)
	deadline := time.Now().Add(5 * time.Second)
	for {
		pending := 0
		for _, m := range mem.Messages() {
			if m.Status != outbox.StatusSent {
				pending++
			}
		}
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("%d messages still not sent", pending)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("workers: %v", err)
	}
}
