// Package fulfillment owns the order aggregate: checkout and the
// production and delivery dimensions reported by outside collaborators.
package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/routing"
	"escrowflow/store"
)

type Service struct {
	store       store.Store
	ledger      *ledger.Service
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(st store.Store, l *ledger.Service) *Service {
	return &Service{
		store:       st,
		ledger:      l,
		logger:      slog.Default(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

type CreateOrderParams struct {
	BuyerID        string
	EventID        string
	Currency       string
	Items          []order.Item
	Mode           escrow.FundingMode
	DepositPercent decimal.Decimal
	Participants   []routing.Share
}

// Checkout is the result of CreateOrder.
type Checkout struct {
	Order   order.Order
	Escrows []escrow.Escrow
}

// CreateOrder validates the items, routes them into escrows and stores the
// order together with every escrow in one commit. Nothing is stored when any
// escrow fails validation.
func (s *Service) CreateOrder(ctx context.Context, p CreateOrderParams) (Checkout, error) {
	if strings.TrimSpace(p.BuyerID) == "" {
		return Checkout{}, apperr.Validation("buyer_missing", "buyer_id", "buyer id is required")
	}
	if !p.Mode.Valid() {
		return Checkout{}, apperr.Validation("unsupported_funding_mode", "mode", fmt.Sprintf("unsupported funding mode %q", p.Mode))
	}
	items, total, err := order.NormalizeItems(p.Items)
	if err != nil {
		return Checkout{}, err
	}
	allocs, err := routing.Route(routing.Request{
		PayerID:        p.BuyerID,
		Mode:           p.Mode,
		Items:          items,
		DepositPercent: p.DepositPercent,
		Participants:   p.Participants,
	})
	if err != nil {
		return Checkout{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = "USD"
	}
	now := s.now().UTC()
	o := order.New(s.idGenerator(), p.BuyerID, p.EventID, currency, p.Mode, items, total, now)

	escrows := make([]escrow.Escrow, 0, len(allocs))
	var sum int64
	for _, a := range allocs {
		e, err := s.ledger.NewEscrow(ledger.InitiateParams{
			OrderID:  o.ID,
			EventID:  p.EventID,
			PayerID:  a.PayerID,
			PayeeID:  a.PayeeID,
			Amount:   a.Amount,
			Currency: currency,
			Mode:     p.Mode,
			Kind:     a.Kind,
			Routing:  a.Routing,
		})
		if err != nil {
			return Checkout{}, err
		}
		sum += e.Amount
		escrows = append(escrows, e)
	}
	if sum != total {
		return Checkout{}, &apperr.InvariantViolationError{
			Code:    "escrow_total_mismatch",
			Entity:  "order",
			ID:      o.ID,
			Message: fmt.Sprintf("escrows sum to %d, order total is %d", sum, total),
		}
	}

	cs := store.ChangeSet{
		NewOrders:  []order.Order{o},
		NewEscrows: escrows,
		Messages: []outbox.Message{outbox.NewEvent(s.idGenerator(), outbox.TopicOrderCreated, o.ID, outbox.EventPayload{
			OrderID: o.ID,
			Status:  string(o.Overall()),
			Amount:  total,
			ActorID: p.BuyerID,
		}, now)},
	}
	if err := s.store.Commit(ctx, cs); err != nil {
		return Checkout{}, fmt.Errorf("fulfillment: create order: %w", err)
	}

	for _, d := range order.Dimensions {
		fs := o.Dimension(d)
		fs.Version = 1
		o.SetDimension(d, fs)
	}
	for i := range escrows {
		escrows[i].Version = 1
	}
	s.logger.InfoContext(ctx, "order created",
		slog.String("order_id", o.ID),
		slog.String("mode", string(p.Mode)),
		slog.Int("escrows", len(escrows)),
		slog.Int64("total", total),
	)
	return Checkout{Order: o, Escrows: escrows}, nil
}

// UpdateParams reports progress on one dimension.
type UpdateParams struct {
	OrderID   string
	Dimension order.Dimension
	Status    order.Status
	Reason    string
	ProofRef  string
	// Version, when non-zero, is the dimension version the caller last saw.
	Version int64
}

// UpdateFulfillment moves production or delivery along its graph. Payment and
// escrow are projections of the ledger and delivered is only reachable
// through the delivery confirmation gate.
func (s *Service) UpdateFulfillment(ctx context.Context, p UpdateParams) (order.Order, error) {
	switch p.Dimension {
	case order.DimensionProduction, order.DimensionDelivery:
	case order.DimensionPayment, order.DimensionEscrow:
		return order.Order{}, apperr.Validation("read_only_dimension", "dimension",
			fmt.Sprintf("%s follows the escrow ledger and cannot be set directly", p.Dimension))
	default:
		return order.Order{}, apperr.Validation("invalid_dimension", "dimension", fmt.Sprintf("unknown dimension %q", p.Dimension))
	}
	if p.Dimension == order.DimensionDelivery && p.Status == order.DeliveryDelivered {
		return order.Order{}, apperr.Validation("confirmation_required", "status", "delivery is confirmed through the delivery confirmation gate")
	}

	o, err := s.store.Order(ctx, p.OrderID)
	if err != nil {
		return order.Order{}, fmt.Errorf("fulfillment: update: %w", err)
	}
	current := o.Dimension(p.Dimension)
	if p.Version != 0 && p.Version != current.Version {
		return order.Order{}, &apperr.ConcurrencyError{Entity: "order." + string(p.Dimension), ID: o.ID, Expected: p.Version}
	}
	if err := order.CheckTransition(o.ID, p.Dimension, current.Status, p.Status); err != nil {
		return order.Order{}, err
	}

	now := s.now().UTC()
	next := current
	next.Status = p.Status
	next.Reason = p.Reason
	next.ProofRef = p.ProofRef
	next.UpdatedAt = now
	cs := store.ChangeSet{Dimensions: []store.DimensionUpdate{{
		OrderID:   o.ID,
		Dimension: p.Dimension,
		Next:      next,
		Expected:  current.Version,
	}}}
	if err := s.store.Commit(ctx, cs); err != nil {
		return order.Order{}, fmt.Errorf("fulfillment: update: %w", err)
	}

	next.Version = current.Version + 1
	o.SetDimension(p.Dimension, next)
	o.UpdatedAt = now
	s.logger.InfoContext(ctx, "fulfillment updated",
		slog.String("order_id", o.ID),
		slog.String("dimension", string(p.Dimension)),
		slog.String("from", string(current.Status)),
		slog.String("to", string(p.Status)),
	)
	return o, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (order.Order, error) {
	return s.store.Order(ctx, orderID)
}

func (s *Service) Escrows(ctx context.Context, orderID string) ([]escrow.Escrow, error) {
	if _, err := s.store.Order(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.EscrowsByOrder(ctx, orderID)
}
