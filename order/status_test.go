package order

import (
	"errors"
	"testing"
	"time"

	"escrowflow/apperr"
	"escrowflow/escrow"
)

func TestCheckTransitionPerDimension(t *testing.T) {
	cases := []struct {
		name     string
		dim      Dimension
		from, to Status
		wantErr  error
	}{
		{"payment hold", DimensionPayment, PaymentPending, PaymentHeld, nil},
		{"payment release", DimensionPayment, PaymentHeld, PaymentReleased, nil},
		{"payment skip hold", DimensionPayment, PaymentPending, PaymentReleased, &apperr.StateConflictError{}},
		{"payment failed is terminal", DimensionPayment, PaymentFailed, PaymentHeld, &apperr.StateConflictError{}},
		{"declined capture fails payment", DimensionPayment, PaymentPending, PaymentFailed, nil},
		{"production start", DimensionProduction, ProductionPending, ProductionInProgress, nil},
		{"production pause", DimensionProduction, ProductionInProgress, ProductionOnHold, nil},
		{"production resume", DimensionProduction, ProductionOnHold, ProductionInProgress, nil},
		{"production reopen", DimensionProduction, ProductionCompleted, ProductionInProgress, &apperr.StateConflictError{}},
		{"delivery ship", DimensionDelivery, DeliveryPending, DeliveryShipped, nil},
		{"delivery return", DimensionDelivery, DeliveryShipped, DeliveryReturned, nil},
		{"delivery skip ship", DimensionDelivery, DeliveryPending, DeliveryReturned, &apperr.StateConflictError{}},
		{"unknown status", DimensionDelivery, DeliveryPending, "lost", &apperr.ValidationError{}},
		{"unknown dimension", "quality", "pending", "done", &apperr.ValidationError{}},
		{"escrow mirror", DimensionEscrow, Status(escrow.StatusHeld), Status(escrow.StatusDisputed), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTransition("o1", tc.dim, tc.from, tc.to)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %T, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCheckTransitionConflictCarriesCurrent(t *testing.T) {
	err := CheckTransition("o1", DimensionDelivery, DeliveryDelivered, DeliveryShipped)
	conflict, ok := apperr.AsConflict(err)
	if !ok {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if conflict.Current != string(DeliveryDelivered) || conflict.Entity != "order.delivery" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
}

func TestDeriveOverallStatus(t *testing.T) {
	held := Status(escrow.StatusHeld)
	released := Status(escrow.StatusReleased)
	disputed := Status(escrow.StatusDisputed)

	cases := []struct {
		name                                    string
		payment, production, delivery, escrowSt Status
		want                                    OverallStatus
	}{
		{"fresh", PaymentPending, ProductionPending, DeliveryPending, Status(escrow.StatusCreated), OverallPending},
		{"producing", PaymentHeld, ProductionInProgress, DeliveryPending, held, OverallInProgress},
		{"shipped", PaymentHeld, ProductionCompleted, DeliveryShipped, held, OverallInDelivery},
		{"completed", PaymentReleased, ProductionCompleted, DeliveryDelivered, released, OverallCompleted},
		{"disputed wins", PaymentReleased, ProductionCompleted, DeliveryDelivered, disputed, OverallDisputed},
		{"disputed while shipping", PaymentHeld, ProductionCompleted, DeliveryShipped, disputed, OverallDisputed},
		{"released but not delivered", PaymentHeld, ProductionOnHold, DeliveryPending, released, OverallPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveOverallStatus(tc.payment, tc.production, tc.delivery, tc.escrowSt)
			if got != tc.want {
				t.Fatalf("expected %s got %s", tc.want, got)
			}
			if again := DeriveOverallStatus(tc.payment, tc.production, tc.delivery, tc.escrowSt); again != got {
				t.Fatalf("derivation not stable: %s vs %s", got, again)
			}
		})
	}
}

func TestNormalizeItems(t *testing.T) {
	items, total, err := NormalizeItems([]Item{
		{Type: ItemFabric, RetailerID: "R", Quantity: 3, UnitPrice: 5000},
		{Type: ItemTailoring, MakerID: "M", Amount: 25000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 40000 {
		t.Fatalf("expected total 40000 got %d", total)
	}
	if items[0].Amount != 15000 || items[1].Quantity != 1 || items[1].UnitPrice != 25000 {
		t.Fatalf("unexpected normalized items %+v", items)
	}

	_, _, err = NormalizeItems([]Item{{Type: ItemFabric, RetailerID: "R", Quantity: 2, UnitPrice: 100, Amount: 150}})
	if !errors.Is(err, apperr.Validation("amount_mismatch", "", "")) {
		t.Fatalf("expected amount_mismatch, got %v", err)
	}

	_, _, err = NormalizeItems([]Item{{Type: ItemFabric, RetailerID: "R", Amount: -5}})
	if !errors.Is(err, &apperr.ValidationError{}) {
		t.Fatalf("expected validation error for negative amount, got %v", err)
	}

	_, _, err = NormalizeItems([]Item{{Type: "gift", Amount: 5}})
	if !errors.Is(err, apperr.Validation("invalid_item_type", "", "")) {
		t.Fatalf("expected invalid_item_type, got %v", err)
	}
}

func TestItemPayeeFollowsType(t *testing.T) {
	it := Item{Type: ItemFabric, RetailerID: "R", MakerID: "M"}
	cat, payee, _ := it.Payee()
	if cat != escrow.CategoryFabric || payee != "R" {
		t.Fatalf("fabric must route to retailer, got %s/%s", cat, payee)
	}
	it.Type = ItemService
	cat, payee, _ = it.Payee()
	if cat != escrow.CategoryTailoring || payee != "M" {
		t.Fatalf("service must route to maker, got %s/%s", cat, payee)
	}
}

func TestNewOrderInitialDimensions(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	o := New("o1", "b1", "", "USD", escrow.ModeSinglePayer, nil, 100, now)
	if o.Payment.Status != PaymentPending || o.Delivery.Status != DeliveryPending ||
		o.Production.Status != ProductionPending || o.Escrow.Status != Status(escrow.StatusCreated) {
		t.Fatalf("unexpected initial dimensions %+v", o)
	}
	if o.Overall() != OverallPending {
		t.Fatalf("expected pending overall, got %s", o.Overall())
	}
}

func TestNormalizeItemsRejectsOverflow(t *testing.T) {
	const huge = 6917529027641081856
	cases := []struct {
		name  string
		items []Item
	}{
		{"total wraps", []Item{
			{Type: ItemFabric, RetailerID: "R", Amount: huge},
			{Type: ItemFabric, RetailerID: "R", Amount: huge},
			{Type: ItemFabric, RetailerID: "R", Amount: huge},
		}},
		{"line wraps to the stated amount", []Item{
			{Type: ItemFabric, RetailerID: "R", Quantity: 1<<62 + 1, UnitPrice: 4, Amount: 4},
		}},
		{"line above the cap", []Item{
			{Type: ItemTailoring, MakerID: "M", Quantity: 2, UnitPrice: escrow.MaxAmount},
		}},
		{"total above the cap", []Item{
			{Type: ItemTailoring, MakerID: "M", Amount: escrow.MaxAmount},
			{Type: ItemFabric, RetailerID: "R", Amount: 1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, total, err := NormalizeItems(tc.items)
			if !errors.Is(err, apperr.Validation("amount_too_large", "", "")) {
				t.Fatalf("expected amount_too_large, got total=%d err=%v", total, err)
			}
		})
	}

	if _, total, err := NormalizeItems([]Item{{Type: ItemTailoring, MakerID: "M", Amount: escrow.MaxAmount}}); err != nil || total != escrow.MaxAmount {
		t.Fatalf("the cap itself is accepted, got %d %v", total, err)
	}
}
