// Package routing computes the escrow set for an order: how many escrows,
// who funds each one and which payees each one pays out to.
package routing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/order"
)

var hundred = decimal.NewFromInt(100)

// Share is a declared participant contribution in payer_plus_participants mode.
type Share struct {
	ParticipantID string `json:"participant_id"`
	Amount        int64  `json:"amount"`
}

// Request is the router input. Items must already be normalized.
type Request struct {
	PayerID        string
	Mode           escrow.FundingMode
	Items          []order.Item
	DepositPercent decimal.Decimal
	Participants   []Share
}

// Allocation is one escrow to initiate.
type Allocation struct {
	Kind    escrow.Kind
	PayerID string
	PayeeID string
	Amount  int64
	Routing []escrow.RoutingEntry
}

// Route fails fast with a ValidationError before any escrow exists.
func Route(req Request) ([]Allocation, error) {
	if len(req.Items) == 0 {
		return nil, apperr.Validation("items_required", "items", "at least one item is required")
	}
	switch req.Mode {
	case escrow.ModeSinglePayer:
		return routeSinglePayer(req)
	case escrow.ModePerParticipant:
		return routePerParticipant(req)
	case escrow.ModePayerPlusParticipants:
		return routeDepositPlusShares(req)
	}
	return nil, apperr.Validation("unsupported_funding_mode", "funding_mode", fmt.Sprintf("unsupported funding mode %q", req.Mode))
}

func routeSinglePayer(req Request) ([]Allocation, error) {
	if req.PayerID == "" {
		return nil, apperr.Validation("payer_missing", "payer_id", "payer id is required")
	}
	entries, total, err := routeItems(req.Items, nil)
	if err != nil {
		return nil, err
	}
	return []Allocation{newAllocation(escrow.KindFull, req.PayerID, total, entries)}, nil
}

func routePerParticipant(req Request) ([]Allocation, error) {
	groups, ids, err := groupByParticipant(req.Items)
	if err != nil {
		return nil, err
	}
	out := make([]Allocation, 0, len(ids))
	for _, participantID := range ids {
		g := groups[participantID]
		entries, total, err := routeItems(g.items, g.index)
		if err != nil {
			return nil, err
		}
		out = append(out, newAllocation(escrow.KindParticipant, participantID, total, entries))
	}
	return out, nil
}

func routeDepositPlusShares(req Request) ([]Allocation, error) {
	if req.PayerID == "" {
		return nil, apperr.Validation("payer_missing", "payer_id", "organizer id is required")
	}
	if !req.DepositPercent.IsPositive() || !req.DepositPercent.LessThan(hundred) {
		return nil, apperr.Validation("invalid_deposit_percent", "deposit_percent", "deposit percent must be greater than 0 and less than 100")
	}
	entries, total, err := routeItems(req.Items, nil)
	if err != nil {
		return nil, err
	}

	deposit := decimal.NewFromInt(total).Mul(req.DepositPercent).Div(hundred).Round(0).IntPart()
	if deposit <= 0 || deposit >= total {
		return nil, apperr.Validation("invalid_deposit_percent", "deposit_percent",
			fmt.Sprintf("deposit of %s%% leaves no funds for one side of a %d order", req.DepositPercent, total))
	}
	remainder := total - deposit

	shares, err := participantShares(req, remainder)
	if err != nil {
		return nil, err
	}

	weights := amounts(entries)
	depositParts := Apportion(deposit, weights)
	left := make([]int64, len(weights))
	for i := range weights {
		left[i] = weights[i] - depositParts[i]
	}

	out := make([]Allocation, 0, len(shares)+1)
	out = append(out, newAllocation(escrow.KindDeposit, req.PayerID, deposit, withAmounts(entries, depositParts)))
	for i, share := range shares {
		parts := left
		if i < len(shares)-1 {
			parts = Apportion(share.Amount, left)
		}
		out = append(out, newAllocation(escrow.KindParticipant, share.ParticipantID, share.Amount, withAmounts(entries, parts)))
		if i < len(shares)-1 {
			next := make([]int64, len(left))
			for j := range left {
				next[j] = left[j] - parts[j]
			}
			left = next
		}
	}

	var sum int64
	for _, a := range out {
		sum += a.Amount
	}
	if sum != total {
		return nil, &apperr.InvariantViolationError{
			Code:    "routing_total_mismatch",
			Entity:  "order",
			Message: fmt.Sprintf("deposit plus participant escrows sum to %d, order total is %d", sum, total),
		}
	}
	return out, nil
}

// participantShares returns the declared shares, or derives them from item
// ownership when none were declared.
func participantShares(req Request, remainder int64) ([]Share, error) {
	if len(req.Participants) > 0 {
		seen := make(map[string]struct{}, len(req.Participants))
		var sum int64
		for i, s := range req.Participants {
			field := fmt.Sprintf("participants[%d]", i)
			if s.ParticipantID == "" {
				return nil, apperr.Validation("participant_missing", field, "participant id is required")
			}
			if _, dup := seen[s.ParticipantID]; dup {
				return nil, apperr.Validation("duplicate_participant", field, fmt.Sprintf("participant %s declared twice", s.ParticipantID))
			}
			seen[s.ParticipantID] = struct{}{}
			if s.Amount <= 0 {
				return nil, apperr.Validation("non_positive_amount", field, "participant amount must be positive")
			}
			var ok bool
			if sum, ok = escrow.AddAmounts(sum, s.Amount); !ok {
				return nil, apperr.Validation("amount_too_large", field, fmt.Sprintf("participant escrows exceed the maximum amount %d", escrow.MaxAmount))
			}
		}
		if sum != remainder {
			return nil, apperr.Validation("participant_sum_mismatch", "participants",
				fmt.Sprintf("participant escrows sum to %d, expected %d after deposit", sum, remainder))
		}
		return append([]Share(nil), req.Participants...), nil
	}

	groups, ids, err := groupByParticipant(req.Items)
	if err != nil {
		return nil, err
	}
	weights := make([]int64, len(ids))
	for i, id := range ids {
		for _, it := range groups[id].items {
			weights[i] += it.Amount
		}
	}
	parts := Apportion(remainder, weights)
	out := make([]Share, 0, len(ids))
	for i, id := range ids {
		if parts[i] == 0 {
			continue
		}
		out = append(out, Share{ParticipantID: id, Amount: parts[i]})
	}
	return out, nil
}

type participantGroup struct {
	items []order.Item
	index []int
}

func groupByParticipant(items []order.Item) (map[string]*participantGroup, []string, error) {
	if allUnassigned(items) {
		return nil, nil, apperr.Validation("participants_required", "participants", "this funding mode needs at least one participant")
	}
	groups := make(map[string]*participantGroup)
	var ids []string
	for i, it := range items {
		if it.ParticipantID == "" {
			return nil, nil, apperr.Validation("participant_missing", fmt.Sprintf("items[%d]", i), "every item needs a participant in this funding mode")
		}
		g, ok := groups[it.ParticipantID]
		if !ok {
			g = &participantGroup{}
			groups[it.ParticipantID] = g
			ids = append(ids, it.ParticipantID)
		}
		g.items = append(g.items, it)
		g.index = append(g.index, i)
	}
	return groups, ids, nil
}

func allUnassigned(items []order.Item) bool {
	for _, it := range items {
		if it.ParticipantID != "" {
			return false
		}
	}
	return true
}

// routeItems aggregates items into one routing entry per (category, payee),
// in first-seen order. index maps positions back to the order's item list for
// error fields.
func routeItems(items []order.Item, index []int) ([]escrow.RoutingEntry, int64, error) {
	type key struct {
		cat   escrow.Category
		payee string
	}
	seen := make(map[key]int)
	var (
		entries []escrow.RoutingEntry
		total   int64
	)
	for i, it := range items {
		pos := i
		if index != nil {
			pos = index[i]
		}
		field := fmt.Sprintf("items[%d]", pos)
		cat, payee, err := it.Payee()
		if err != nil {
			return nil, 0, apperr.Validation("invalid_item_type", field, err.Error())
		}
		if payee == "" {
			who := "retailer_id"
			if cat == escrow.CategoryTailoring {
				who = "maker_id"
			}
			return nil, 0, apperr.Validation("payee_missing", field+"."+who, fmt.Sprintf("%s item has no %s", it.Type, who))
		}
		if it.Amount <= 0 {
			return nil, 0, apperr.Validation("non_positive_amount", field, "amount must be positive")
		}
		var ok bool
		if total, ok = escrow.AddAmounts(total, it.Amount); !ok {
			return nil, 0, apperr.Validation("amount_too_large", field, fmt.Sprintf("items exceed the maximum amount %d", escrow.MaxAmount))
		}
		k := key{cat, payee}
		if idx, found := seen[k]; found {
			// Bounded by total, which passed the check above.
			entries[idx].Amount += it.Amount
		} else {
			seen[k] = len(entries)
			entries = append(entries, escrow.RoutingEntry{Category: cat, PayeeID: payee, Amount: it.Amount})
		}
	}
	return entries, total, nil
}

func newAllocation(kind escrow.Kind, payerID string, amount int64, entries []escrow.RoutingEntry) Allocation {
	a := Allocation{Kind: kind, PayerID: payerID, Amount: amount, Routing: entries}
	if len(entries) > 0 {
		a.PayeeID = entries[0].PayeeID
	}
	return a
}

func amounts(entries []escrow.RoutingEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Amount
	}
	return out
}

// withAmounts copies entries with new amounts, dropping zero entries.
func withAmounts(entries []escrow.RoutingEntry, parts []int64) []escrow.RoutingEntry {
	out := make([]escrow.RoutingEntry, 0, len(entries))
	for i, e := range entries {
		if parts[i] == 0 {
			continue
		}
		e.Amount = parts[i]
		out = append(out, e)
	}
	return out
}

// Apportion splits amount across weights with the largest remainder method.
// The parts always sum to amount.
func Apportion(amount int64, weights []int64) []int64 {
	out := make([]int64, len(weights))
	var total int64
	for _, w := range weights {
		total += w
	}
	if total <= 0 || amount == 0 {
		return out
	}

	type remainder struct {
		idx  int
		frac decimal.Decimal
	}
	amt := decimal.NewFromInt(amount)
	tot := decimal.NewFromInt(total)
	rems := make([]remainder, 0, len(weights))
	var assigned int64
	for i, w := range weights {
		exact := amt.Mul(decimal.NewFromInt(w)).Div(tot)
		floor := exact.Floor()
		out[i] = floor.IntPart()
		assigned += out[i]
		rems = append(rems, remainder{idx: i, frac: exact.Sub(floor)})
	}
	sort.SliceStable(rems, func(a, b int) bool {
		return rems[a].frac.GreaterThan(rems[b].frac)
	})
	for i := 0; assigned < amount; i++ {
		out[rems[i%len(rems)].idx]++
		assigned++
	}
	return out
}
