package order

import (
	"fmt"
	"time"

	"escrowflow/apperr"
	"escrowflow/escrow"
)

// ItemType drives payee routing: fabric and accessories pay the retailer,
// tailoring and services pay the maker.
type ItemType string

const (
	ItemFabric    ItemType = "fabric"
	ItemTailoring ItemType = "tailoring"
	ItemAccessory ItemType = "accessory"
	ItemService   ItemType = "service"
)

// Item is one line of an order.
type Item struct {
	Type          ItemType `json:"type"`
	Description   string   `json:"description,omitempty"`
	RetailerID    string   `json:"retailer_id,omitempty"`
	MakerID       string   `json:"maker_id,omitempty"`
	ParticipantID string   `json:"participant_id,omitempty"`
	Quantity      int64    `json:"quantity"`
	UnitPrice     int64    `json:"unit_price"`
	Amount        int64    `json:"amount"`
}

// Payee resolves the routing category and payee of an item from its type
// alone. A fabric item never pays a maker and a tailoring item never pays a
// retailer.
func (it Item) Payee() (escrow.Category, string, error) {
	switch it.Type {
	case ItemFabric, ItemAccessory:
		return escrow.CategoryFabric, it.RetailerID, nil
	case ItemTailoring, ItemService:
		return escrow.CategoryTailoring, it.MakerID, nil
	}
	return "", "", fmt.Errorf("unknown item type %q", it.Type)
}

// Order is the fulfillment aggregate. Overall status is never stored.
type Order struct {
	ID       string
	BuyerID  string
	EventID  string
	Items    []Item
	Currency string
	Total    int64
	Mode     escrow.FundingMode

	Payment    FulfillmentState
	Production FulfillmentState
	Delivery   FulfillmentState
	Escrow     FulfillmentState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FulfillmentState is one independently versioned progress dimension.
type FulfillmentState struct {
	Status    Status
	UpdatedAt time.Time
	Reason    string
	ProofRef  string
	Version   int64
}

// Overall derives the order status from its four dimensions.
func (o Order) Overall() OverallStatus {
	return DeriveOverallStatus(o.Payment.Status, o.Production.Status, o.Delivery.Status, o.Escrow.Status)
}

// Dimension returns the state of d.
func (o Order) Dimension(d Dimension) FulfillmentState {
	switch d {
	case DimensionPayment:
		return o.Payment
	case DimensionProduction:
		return o.Production
	case DimensionDelivery:
		return o.Delivery
	case DimensionEscrow:
		return o.Escrow
	}
	return FulfillmentState{}
}

// SetDimension replaces the state of d.
func (o *Order) SetDimension(d Dimension, fs FulfillmentState) {
	switch d {
	case DimensionPayment:
		o.Payment = fs
	case DimensionProduction:
		o.Production = fs
	case DimensionDelivery:
		o.Delivery = fs
	case DimensionEscrow:
		o.Escrow = fs
	}
	if fs.UpdatedAt.After(o.UpdatedAt) {
		o.UpdatedAt = fs.UpdatedAt
	}
}

func (o Order) Clone() Order {
	out := o
	out.Items = append([]Item(nil), o.Items...)
	return out
}

// New builds an order in its initial fulfillment state.
func New(id, buyerID, eventID, currency string, mode escrow.FundingMode, items []Item, total int64, now time.Time) Order {
	initial := func(s Status) FulfillmentState {
		return FulfillmentState{Status: s, UpdatedAt: now}
	}
	return Order{
		ID:         id,
		BuyerID:    buyerID,
		EventID:    eventID,
		Items:      append([]Item(nil), items...),
		Currency:   currency,
		Total:      total,
		Mode:       mode,
		Payment:    initial(PaymentPending),
		Production: initial(ProductionPending),
		Delivery:   initial(DeliveryPending),
		Escrow:     initial(Status(escrow.StatusCreated)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NormalizeItems validates item amounts and returns the items with Amount
// filled from quantity and unit price, plus the order total.
func NormalizeItems(items []Item) ([]Item, int64, error) {
	if len(items) == 0 {
		return nil, 0, apperr.Validation("items_required", "items", "at least one item is required")
	}
	out := make([]Item, len(items))
	var total int64
	for i, it := range items {
		field := fmt.Sprintf("items[%d]", i)
		if _, _, err := it.Payee(); err != nil {
			return nil, 0, apperr.Validation("invalid_item_type", field, err.Error())
		}
		if it.Quantity == 0 && it.UnitPrice == 0 {
			it.Quantity = 1
			it.UnitPrice = it.Amount
		}
		if it.Quantity <= 0 {
			return nil, 0, apperr.Validation("non_positive_quantity", field, "quantity must be positive")
		}
		if it.UnitPrice <= 0 {
			return nil, 0, apperr.Validation("non_positive_amount", field, "unit price must be positive")
		}
		line, ok := escrow.MulAmounts(it.Quantity, it.UnitPrice)
		if !ok {
			return nil, 0, apperr.Validation("amount_too_large", field,
				fmt.Sprintf("quantity %d x unit price %d exceeds the maximum amount %d", it.Quantity, it.UnitPrice, escrow.MaxAmount))
		}
		if it.Amount == 0 {
			it.Amount = line
		}
		if it.Amount <= 0 {
			return nil, 0, apperr.Validation("non_positive_amount", field, "amount must be positive")
		}
		if it.Amount != line {
			return nil, 0, apperr.Validation("amount_mismatch", field,
				fmt.Sprintf("amount %d does not equal quantity %d x unit price %d", it.Amount, it.Quantity, it.UnitPrice))
		}
		if total, ok = escrow.AddAmounts(total, it.Amount); !ok {
			return nil, 0, apperr.Validation("amount_too_large", "items",
				fmt.Sprintf("order total exceeds the maximum amount %d", escrow.MaxAmount))
		}
		out[i] = it
	}
	return out, total, nil
}
