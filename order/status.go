package order

import (
	"fmt"

	"escrowflow/apperr"
	"escrowflow/escrow"
)

// Dimension names one of the four progress axes of an order.
type Dimension string

const (
	DimensionPayment    Dimension = "payment"
	DimensionProduction Dimension = "production"
	DimensionDelivery   Dimension = "delivery"
	DimensionEscrow     Dimension = "escrow"
)

var Dimensions = []Dimension{DimensionPayment, DimensionProduction, DimensionDelivery, DimensionEscrow}

func (d Dimension) Valid() bool {
	_, ok := graphs[d]
	return ok
}

// Status is a dimension status. Which values are legal depends on the
// dimension.
type Status string

const (
	PaymentPending  Status = "pending"
	PaymentHeld     Status = "held"
	PaymentReleased Status = "released"
	PaymentRefunded Status = "refunded"
	PaymentFailed   Status = "failed"

	ProductionPending    Status = "pending"
	ProductionInProgress Status = "in_progress"
	ProductionCompleted  Status = "completed"
	ProductionOnHold     Status = "on_hold"

	DeliveryPending   Status = "pending"
	DeliveryShipped   Status = "shipped"
	DeliveryDelivered Status = "delivered"
	DeliveryReturned  Status = "returned"
)

var graphs = map[Dimension]map[Status][]Status{
	DimensionPayment: {
		// A declined capture never reaches held.
		PaymentPending:  {PaymentHeld, PaymentFailed},
		PaymentHeld:     {PaymentReleased, PaymentRefunded, PaymentFailed},
		PaymentReleased: nil,
		PaymentRefunded: nil,
		PaymentFailed:   nil,
	},
	DimensionProduction: {
		ProductionPending:    {ProductionInProgress},
		ProductionInProgress: {ProductionCompleted, ProductionOnHold},
		ProductionOnHold:     {ProductionInProgress},
		ProductionCompleted:  nil,
	},
	DimensionDelivery: {
		DeliveryPending:   {DeliveryShipped},
		DeliveryShipped:   {DeliveryDelivered, DeliveryReturned},
		DeliveryDelivered: nil,
		DeliveryReturned:  nil,
	},
	DimensionEscrow: {
		Status(escrow.StatusCreated):  {Status(escrow.StatusHeld), Status(escrow.StatusRefunded)},
		Status(escrow.StatusHeld):     {Status(escrow.StatusReleased), Status(escrow.StatusRefunded), Status(escrow.StatusDisputed)},
		Status(escrow.StatusReleased): {Status(escrow.StatusDisputed)},
		Status(escrow.StatusDisputed): {Status(escrow.StatusReleased)},
		Status(escrow.StatusRefunded): nil,
	},
}

// ValidStatus reports whether s belongs to the closed set of d.
func ValidStatus(d Dimension, s Status) bool {
	graph, ok := graphs[d]
	if !ok {
		return false
	}
	_, ok = graph[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the graph of d.
func CanTransition(d Dimension, from, to Status) bool {
	for _, next := range graphs[d][from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a dimension move. Unknown values are validation
// errors, known but unreachable values are state conflicts carrying the
// current status.
func CheckTransition(orderID string, d Dimension, from, to Status) error {
	if !d.Valid() {
		return apperr.Validation("invalid_dimension", "dimension", fmt.Sprintf("unknown dimension %q", d))
	}
	if !ValidStatus(d, to) {
		return apperr.Validation("invalid_status", "status", fmt.Sprintf("%q is not a %s status", to, d))
	}
	if CanTransition(d, from, to) {
		return nil
	}
	return &apperr.StateConflictError{
		Code:      "illegal_transition",
		Entity:    "order." + string(d),
		ID:        orderID,
		Current:   string(from),
		Requested: string(to),
	}
}

// OverallStatus is derived, never stored.
type OverallStatus string

const (
	OverallPending    OverallStatus = "pending"
	OverallInProgress OverallStatus = "in_progress"
	OverallInDelivery OverallStatus = "in_delivery"
	OverallCompleted  OverallStatus = "completed"
	OverallDisputed   OverallStatus = "disputed"
)

// DeriveOverallStatus is a pure, total function of the four dimensions.
func DeriveOverallStatus(payment, production, delivery, escrowStatus Status) OverallStatus {
	switch {
	case escrowStatus == Status(escrow.StatusDisputed):
		return OverallDisputed
	case escrowStatus == Status(escrow.StatusReleased) && delivery == DeliveryDelivered:
		return OverallCompleted
	case delivery == DeliveryShipped:
		return OverallInDelivery
	case production == ProductionInProgress:
		return OverallInProgress
	default:
		return OverallPending
	}
}
