package routing

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/order"
)

func TestRouteSinglePayerSplitsByItemType(t *testing.T) {
	allocs, err := Route(Request{
		PayerID: "buyer-1",
		Mode:    escrow.ModeSinglePayer,
		Items: []order.Item{
			{Type: order.ItemFabric, RetailerID: "R", MakerID: "M", Amount: 15000},
			{Type: order.ItemTailoring, RetailerID: "R", MakerID: "M", Amount: 25000},
		},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(allocs) != 1 {
		t.Fatalf("expected one escrow, got %d", len(allocs))
	}
	a := allocs[0]
	if a.Amount != 40000 || a.PayerID != "buyer-1" || a.Kind != escrow.KindFull {
		t.Fatalf("unexpected allocation %+v", a)
	}
	want := []escrow.RoutingEntry{
		{Category: escrow.CategoryFabric, PayeeID: "R", Amount: 15000},
		{Category: escrow.CategoryTailoring, PayeeID: "M", Amount: 25000},
	}
	if !reflect.DeepEqual(a.Routing, want) {
		t.Fatalf("expected routing %+v, got %+v", want, a.Routing)
	}
	if err := escrow.ValidateRouting(a.Amount, a.Routing); err != nil {
		t.Fatalf("router produced invalid routing: %v", err)
	}
}

func TestRouteMergesSamePayee(t *testing.T) {
	allocs, err := Route(Request{
		PayerID: "buyer-1",
		Mode:    escrow.ModeSinglePayer,
		Items: []order.Item{
			{Type: order.ItemFabric, RetailerID: "R", Amount: 1000},
			{Type: order.ItemAccessory, RetailerID: "R", Amount: 200},
			{Type: order.ItemService, MakerID: "M", Amount: 300},
		},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if got := allocs[0].Routing; len(got) != 2 || got[0].Amount != 1200 || got[1].Amount != 300 {
		t.Fatalf("unexpected routing %+v", got)
	}
}

func TestRouteRejectsMissingPayee(t *testing.T) {
	_, err := Route(Request{
		PayerID: "buyer-1",
		Mode:    escrow.ModeSinglePayer,
		Items: []order.Item{
			{Type: order.ItemTailoring, RetailerID: "R", Amount: 1000},
		},
	})
	v, ok := apperr.AsValidation(err)
	if !ok || v.Code != "payee_missing" || v.Field != "items[0].maker_id" {
		t.Fatalf("expected payee_missing on maker_id, got %v", err)
	}
}

func TestRoutePerParticipant(t *testing.T) {
	allocs, err := Route(Request{
		Mode: escrow.ModePerParticipant,
		Items: []order.Item{
			{Type: order.ItemFabric, RetailerID: "R", ParticipantID: "p1", Amount: 1000},
			{Type: order.ItemTailoring, MakerID: "M", ParticipantID: "p2", Amount: 3000},
			{Type: order.ItemTailoring, MakerID: "M", ParticipantID: "p1", Amount: 2000},
		},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(allocs) != 2 {
		t.Fatalf("expected two escrows, got %d", len(allocs))
	}
	if allocs[0].PayerID != "p1" || allocs[0].Amount != 3000 || len(allocs[0].Routing) != 2 {
		t.Fatalf("unexpected p1 allocation %+v", allocs[0])
	}
	if allocs[1].PayerID != "p2" || allocs[1].Amount != 3000 || allocs[1].PayeeID != "M" {
		t.Fatalf("unexpected p2 allocation %+v", allocs[1])
	}
}

func TestRoutePerParticipantWithoutParticipants(t *testing.T) {
	_, err := Route(Request{
		Mode:  escrow.ModePerParticipant,
		Items: []order.Item{{Type: order.ItemFabric, RetailerID: "R", Amount: 1000}},
	})
	if !errors.Is(err, apperr.Validation("participants_required", "", "")) {
		t.Fatalf("expected participants_required, got %v", err)
	}
}

func TestRouteDepositPlusDeclaredShares(t *testing.T) {
	items := []order.Item{
		{Type: order.ItemFabric, RetailerID: "R", Amount: 100000},
		{Type: order.ItemTailoring, MakerID: "M", Amount: 300000},
	}
	allocs, err := Route(Request{
		PayerID:        "organizer",
		Mode:           escrow.ModePayerPlusParticipants,
		Items:          items,
		DepositPercent: decimal.NewFromInt(30),
		Participants: []Share{
			{ParticipantID: "p1", Amount: 140000},
			{ParticipantID: "p2", Amount: 140000},
		},
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(allocs) != 3 {
		t.Fatalf("expected deposit plus two participant escrows, got %d", len(allocs))
	}
	if allocs[0].Kind != escrow.KindDeposit || allocs[0].Amount != 120000 || allocs[0].PayerID != "organizer" {
		t.Fatalf("unexpected deposit %+v", allocs[0])
	}

	var participants int64
	perPayee := map[string]int64{}
	for _, a := range allocs {
		if a.Kind == escrow.KindParticipant {
			participants += a.Amount
		}
		if err := escrow.ValidateRouting(a.Amount, a.Routing); err != nil {
			t.Fatalf("allocation %+v has invalid routing: %v", a, err)
		}
		for _, r := range a.Routing {
			perPayee[r.PayeeID] += r.Amount
		}
	}
	if participants != 280000 {
		t.Fatalf("expected participants to sum to 280000, got %d", participants)
	}
	if perPayee["R"] != 100000 || perPayee["M"] != 300000 {
		t.Fatalf("routing across escrows must match item totals, got %v", perPayee)
	}
}

func TestRouteDepositRejectsShortParticipants(t *testing.T) {
	_, err := Route(Request{
		PayerID:        "organizer",
		Mode:           escrow.ModePayerPlusParticipants,
		Items:          []order.Item{{Type: order.ItemTailoring, MakerID: "M", Amount: 400000}},
		DepositPercent: decimal.NewFromInt(30),
		Participants: []Share{
			{ParticipantID: "p1", Amount: 135000},
			{ParticipantID: "p2", Amount: 135000},
		},
	})
	if !errors.Is(err, apperr.Validation("participant_sum_mismatch", "", "")) {
		t.Fatalf("expected participant_sum_mismatch, got %v", err)
	}
}

func TestRouteDepositDerivesSharesFromItems(t *testing.T) {
	allocs, err := Route(Request{
		PayerID: "organizer",
		Mode:    escrow.ModePayerPlusParticipants,
		Items: []order.Item{
			{Type: order.ItemTailoring, MakerID: "M", ParticipantID: "p1", Amount: 333},
			{Type: order.ItemTailoring, MakerID: "M", ParticipantID: "p2", Amount: 333},
			{Type: order.ItemFabric, RetailerID: "R", ParticipantID: "p3", Amount: 334},
		},
		DepositPercent: decimal.RequireFromString("12.5"),
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	var total int64
	for _, a := range allocs {
		total += a.Amount
	}
	if total != 1000 {
		t.Fatalf("escrows must sum to order total, got %d", total)
	}
	if allocs[0].Amount != 125 {
		t.Fatalf("expected deposit 125, got %d", allocs[0].Amount)
	}
}

func TestRouteDepositPercentBounds(t *testing.T) {
	for _, pct := range []string{"0", "100", "-5"} {
		_, err := Route(Request{
			PayerID:        "organizer",
			Mode:           escrow.ModePayerPlusParticipants,
			Items:          []order.Item{{Type: order.ItemFabric, RetailerID: "R", ParticipantID: "p1", Amount: 1000}},
			DepositPercent: decimal.RequireFromString(pct),
		})
		if !errors.Is(err, apperr.Validation("invalid_deposit_percent", "", "")) {
			t.Fatalf("pct %s: expected invalid_deposit_percent, got %v", pct, err)
		}
	}
}

func TestRouteUnknownMode(t *testing.T) {
	_, err := Route(Request{
		PayerID: "b",
		Mode:    "crowdfund",
		Items:   []order.Item{{Type: order.ItemFabric, RetailerID: "R", Amount: 1}},
	})
	if !errors.Is(err, apperr.Validation("unsupported_funding_mode", "", "")) {
		t.Fatalf("expected unsupported_funding_mode, got %v", err)
	}
}

func TestApportionSumsExactly(t *testing.T) {
	cases := []struct {
		amount  int64
		weights []int64
	}{
		{100, []int64{1, 1, 1}},
		{7, []int64{5, 0, 5}},
		{120000, []int64{100000, 300000}},
		{1, []int64{3, 3, 3}},
	}
	for _, tc := range cases {
		parts := Apportion(tc.amount, tc.weights)
		var sum int64
		for i, p := range parts {
			if p < 0 || (tc.weights[i] == 0 && p != 0) {
				t.Fatalf("Apportion(%d, %v) produced %v", tc.amount, tc.weights, parts)
			}
			sum += p
		}
		if sum != tc.amount {
			t.Fatalf("Apportion(%d, %v) sums to %d", tc.amount, tc.weights, sum)
		}
	}
}

func TestRouteRejectsOverflowingItems(t *testing.T) {
	const huge = 6917529027641081856
	for _, mode := range []escrow.FundingMode{escrow.ModeSinglePayer, escrow.ModePayerPlusParticipants} {
		_, err := Route(Request{
			PayerID:        "buyer-1",
			Mode:           mode,
			DepositPercent: decimal.NewFromInt(20),
			Items: []order.Item{
				{Type: order.ItemFabric, RetailerID: "R", Amount: huge, ParticipantID: "p1"},
				{Type: order.ItemFabric, RetailerID: "R", Amount: huge, ParticipantID: "p1"},
				{Type: order.ItemTailoring, MakerID: "M", Amount: huge, ParticipantID: "p2"},
			},
		})
		if !errors.Is(err, apperr.Validation("amount_too_large", "", "")) {
			t.Fatalf("%s: expected amount_too_large, got %v", mode, err)
		}
	}
}
