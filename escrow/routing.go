package escrow

import (
	"fmt"

	"escrowflow/apperr"
)

// ValidateRouting checks that a routing map is absent or sums to amount with
// positive, fully attributed entries.
func ValidateRouting(amount int64, routing []RoutingEntry) error {
	if len(routing) == 0 {
		return nil
	}
	var sum int64
	for i, entry := range routing {
		field := fmt.Sprintf("routing[%d]", i)
		if entry.Category != CategoryFabric && entry.Category != CategoryTailoring {
			return apperr.Validation("invalid_category", field, fmt.Sprintf("unknown category %q", entry.Category))
		}
		if entry.PayeeID == "" {
			return apperr.Validation("payee_missing", field, "payee id is required")
		}
		if entry.Amount <= 0 {
			return apperr.Validation("non_positive_amount", field, "amount must be positive")
		}
		var ok bool
		if sum, ok = AddAmounts(sum, entry.Amount); !ok {
			return apperr.Validation("amount_too_large", field, fmt.Sprintf("routing exceeds the maximum amount %d", MaxAmount))
		}
	}
	if sum != amount {
		return apperr.Validation("routing_sum_mismatch", "routing",
			fmt.Sprintf("routing sums to %d, escrow amount is %d", sum, amount))
	}
	return nil
}

// Payouts returns the recipients of a full release: one per routing entry or
// the primary payee when the escrow is unrouted.
func (e Escrow) Payouts() []RoutingEntry {
	if len(e.Routing) == 0 {
		return []RoutingEntry{{PayeeID: e.PayeeID, Amount: e.Amount}}
	}
	return append([]RoutingEntry(nil), e.Routing...)
}
