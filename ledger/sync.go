package ledger

import (
	"time"

	"escrowflow/escrow"
	"escrowflow/order"
	"escrowflow/store"
)

// SyncOrder projects the ledger state of an order's escrows onto its payment
// and escrow dimensions.
//
// The escrow dimension is always rewritten, even when its status does not
// change, so that two ledger writes on escrows of the same order serialize on
// its version. The payment dimension only moves along its own graph; a
// target it cannot reach leaves it untouched.
func SyncOrder(o order.Order, escrows []escrow.Escrow, payment order.Status, now time.Time) []store.DimensionUpdate {
	var out []store.DimensionUpdate

	agg := order.Status(AggregateStatus(escrows))
	current := o.Escrow
	next := current
	next.Status = agg
	next.UpdatedAt = now
	out = append(out, store.DimensionUpdate{
		OrderID:   o.ID,
		Dimension: order.DimensionEscrow,
		Next:      next,
		Expected:  current.Version,
	})

	target := payment
	if target == "" {
		target = paymentTarget(escrows)
	}
	if target != o.Payment.Status && order.CanTransition(order.DimensionPayment, o.Payment.Status, target) {
		p := o.Payment
		p.Status = target
		p.UpdatedAt = now
		out = append(out, store.DimensionUpdate{
			OrderID:   o.ID,
			Dimension: order.DimensionPayment,
			Next:      p,
			Expected:  o.Payment.Version,
		})
	}
	return out
}

// AggregateStatus folds the escrows of one order into a single ledger status.
func AggregateStatus(escrows []escrow.Escrow) escrow.Status {
	if len(escrows) == 0 {
		return escrow.StatusCreated
	}
	var created, held, released, refunded, disputed int
	for _, e := range escrows {
		switch e.Status {
		case escrow.StatusCreated:
			created++
		case escrow.StatusHeld:
			held++
		case escrow.StatusReleased:
			released++
		case escrow.StatusRefunded:
			refunded++
		case escrow.StatusDisputed:
			disputed++
		}
	}
	switch {
	case disputed > 0:
		return escrow.StatusDisputed
	case refunded == len(escrows):
		return escrow.StatusRefunded
	case released+refunded == len(escrows):
		return escrow.StatusReleased
	case created > 0:
		return escrow.StatusCreated
	default:
		return escrow.StatusHeld
	}
}

func paymentTarget(escrows []escrow.Escrow) order.Status {
	switch AggregateStatus(escrows) {
	case escrow.StatusCreated:
		return order.PaymentPending
	case escrow.StatusRefunded:
		return order.PaymentRefunded
	case escrow.StatusReleased:
		return order.PaymentReleased
	default:
		return order.PaymentHeld
	}
}
