// Package store defines the persistence contract of the escrow core.
//
// Reads return snapshots. All writes go through Commit, which applies a
// ChangeSet atomically: every versioned update is checked against its
// expected version first and a single mismatch aborts the whole set with an
// *apperr.ConcurrencyError.
package store

import (
	"context"

	"escrowflow/escrow"
	"escrowflow/order"
	"escrowflow/outbox"
)

type Store interface {
	Order(ctx context.Context, id string) (order.Order, error)
	Escrow(ctx context.Context, id string) (escrow.Escrow, error)
	EscrowsByOrder(ctx context.Context, orderID string) ([]escrow.Escrow, error)
	PendingReconciliation(ctx context.Context, limit int) ([]escrow.Escrow, error)
	Releases(ctx context.Context, escrowID string) ([]escrow.Release, error)
	// Payouts lists every payout instruction of an escrow, whatever its status.
	Payouts(ctx context.Context, escrowID string) ([]outbox.Message, error)
	Dispute(ctx context.Context, id string) (escrow.Dispute, error)
	DisputeByEscrow(ctx context.Context, escrowID string) (escrow.Dispute, error)
	Commit(ctx context.Context, cs ChangeSet) error
}

// EscrowUpdate replaces an escrow if its stored version still equals Expected.
// The stored version becomes Expected+1.
type EscrowUpdate struct {
	Next     escrow.Escrow
	Expected int64
}

// DimensionUpdate replaces one fulfillment dimension of an order under the
// same rule. Dimensions are versioned independently.
type DimensionUpdate struct {
	OrderID   string
	Dimension order.Dimension
	Next      order.FulfillmentState
	Expected  int64
}

type DisputeUpdate struct {
	Next     escrow.Dispute
	Expected int64
}

// ChangeSet is one unit of work.
type ChangeSet struct {
	NewOrders   []order.Order
	NewEscrows  []escrow.Escrow
	Escrows     []EscrowUpdate
	Dimensions  []DimensionUpdate
	Releases    []escrow.Release
	NewDisputes []escrow.Dispute
	Disputes    []DisputeUpdate
	Messages    []outbox.Message
	// CancelPayouts names payout messages to withdraw. Each must still be
	// pending and untried, otherwise the set fails with a ConcurrencyError
	// on entity "outbox".
	CancelPayouts []string
}

// Merge appends other to cs.
func (cs *ChangeSet) Merge(other ChangeSet) {
	cs.NewOrders = append(cs.NewOrders, other.NewOrders...)
	cs.NewEscrows = append(cs.NewEscrows, other.NewEscrows...)
	cs.Escrows = append(cs.Escrows, other.Escrows...)
	cs.Dimensions = append(cs.Dimensions, other.Dimensions...)
	cs.Releases = append(cs.Releases, other.Releases...)
	cs.NewDisputes = append(cs.NewDisputes, other.NewDisputes...)
	cs.Disputes = append(cs.Disputes, other.Disputes...)
	cs.Messages = append(cs.Messages, other.Messages...)
	cs.CancelPayouts = append(cs.CancelPayouts, other.CancelPayouts...)
}

func (cs ChangeSet) Empty() bool {
	return len(cs.NewOrders) == 0 && len(cs.NewEscrows) == 0 && len(cs.Escrows) == 0 &&
		len(cs.Dimensions) == 0 && len(cs.Releases) == 0 && len(cs.NewDisputes) == 0 &&
		len(cs.Disputes) == 0 && len(cs.Messages) == 0 && len(cs.CancelPayouts) == 0
}
