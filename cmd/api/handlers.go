package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/delivery"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fulfillment"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/routing"
)

type fulfillmentResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	ProofRef  string `json:"proof_ref,omitempty"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at"`
}

type orderResponse struct {
	ID            string              `json:"id"`
	BuyerID       string              `json:"buyer_id"`
	EventID       string              `json:"event_id,omitempty"`
	Currency      string              `json:"currency"`
	Total         int64               `json:"total"`
	Mode          string              `json:"mode"`
	Items         []order.Item        `json:"items"`
	OverallStatus string              `json:"overall_status"`
	Payment       fulfillmentResponse `json:"payment"`
	Production    fulfillmentResponse `json:"production"`
	Delivery      fulfillmentResponse `json:"delivery"`
	Escrow        fulfillmentResponse `json:"escrow"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
}

type escrowResponse struct {
	ID                    string                `json:"id"`
	OrderID               string                `json:"order_id"`
	EventID               string                `json:"event_id,omitempty"`
	PayerID               string                `json:"payer_id"`
	PayeeID               string                `json:"payee_id"`
	Amount                int64                 `json:"amount"`
	Currency              string                `json:"currency"`
	Mode                  string                `json:"mode"`
	Kind                  string                `json:"kind"`
	Status                string                `json:"status"`
	Routing               []escrow.RoutingEntry `json:"routing"`
	GatewayRef            string                `json:"gateway_ref,omitempty"`
	PendingReconciliation bool                  `json:"pending_reconciliation"`
	ReleaseReason         string                `json:"release_reason,omitempty"`
	RefundReason          string                `json:"refund_reason,omitempty"`
	DisputeReason         string                `json:"dispute_reason,omitempty"`
	Resolution            *escrow.Split         `json:"resolution,omitempty"`
	Version               int64                 `json:"version"`
	CreatedAt             string                `json:"created_at"`
	UpdatedAt             string                `json:"updated_at"`
}

type releaseResponse struct {
	ID            string `json:"id"`
	EscrowID      string `json:"escrow_id"`
	RecipientID   string `json:"recipient_id"`
	RecipientType string `json:"recipient_type"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
	Notes         string `json:"notes,omitempty"`
	ReleasedAt    string `json:"released_at"`
}

type disputeResponse struct {
	ID          string        `json:"id"`
	EscrowID    string        `json:"escrow_id"`
	OrderID     string        `json:"order_id"`
	InitiatorID string        `json:"initiator_id"`
	ReasonCode  string        `json:"reason_code"`
	Description string        `json:"description"`
	Evidence    []string      `json:"evidence"`
	Status      string        `json:"status"`
	ReviewerID  string        `json:"reviewer_id,omitempty"`
	ResolvedBy  string        `json:"resolved_by,omitempty"`
	Resolution  *escrow.Split `json:"resolution,omitempty"`
	CreatedAt   string        `json:"created_at"`
	UpdatedAt   string        `json:"updated_at"`
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toFulfillment(fs order.FulfillmentState) fulfillmentResponse {
	return fulfillmentResponse{
		Status:    string(fs.Status),
		Reason:    fs.Reason,
		ProofRef:  fs.ProofRef,
		Version:   fs.Version,
		UpdatedAt: timestamp(fs.UpdatedAt),
	}
}

func toOrderResponse(o order.Order) orderResponse {
	return orderResponse{
		ID:            o.ID,
		BuyerID:       o.BuyerID,
		EventID:       o.EventID,
		Currency:      o.Currency,
		Total:         o.Total,
		Mode:          string(o.Mode),
		Items:         o.Items,
		OverallStatus: string(o.Overall()),
		Payment:       toFulfillment(o.Payment),
		Production:    toFulfillment(o.Production),
		Delivery:      toFulfillment(o.Delivery),
		Escrow:        toFulfillment(o.Escrow),
		CreatedAt:     timestamp(o.CreatedAt),
		UpdatedAt:     timestamp(o.UpdatedAt),
	}
}

func toEscrowResponse(e escrow.Escrow) escrowResponse {
	routing := e.Routing
	if routing == nil {
		routing = []escrow.RoutingEntry{}
	}
	return escrowResponse{
		ID:                    e.ID,
		OrderID:               e.OrderID,
		EventID:               e.EventID,
		PayerID:               e.PayerID,
		PayeeID:               e.PayeeID,
		Amount:                e.Amount,
		Currency:              e.Currency,
		Mode:                  string(e.Mode),
		Kind:                  string(e.Kind),
		Status:                string(e.Status),
		Routing:               routing,
		GatewayRef:            e.GatewayRef,
		PendingReconciliation: e.PendingReconciliation,
		ReleaseReason:         string(e.ReleaseReason),
		RefundReason:          e.RefundReason,
		DisputeReason:         e.DisputeReason,
		Resolution:            e.Resolution,
		Version:               e.Version,
		CreatedAt:             timestamp(e.CreatedAt),
		UpdatedAt:             timestamp(e.UpdatedAt),
	}
}

func toEscrowList(es []escrow.Escrow) []escrowResponse {
	out := make([]escrowResponse, 0, len(es))
	for _, e := range es {
		out = append(out, toEscrowResponse(e))
	}
	return out
}

func toReleaseResponse(r escrow.Release) releaseResponse {
	return releaseResponse{
		ID:            r.ID,
		EscrowID:      r.EscrowID,
		RecipientID:   r.RecipientID,
		RecipientType: string(r.RecipientType),
		Amount:        r.Amount,
		Reason:        string(r.Reason),
		Notes:         r.Notes,
		ReleasedAt:    timestamp(r.ReleasedAt),
	}
}

func toDisputeResponse(d escrow.Dispute) disputeResponse {
	evidence := d.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	return disputeResponse{
		ID:          d.ID,
		EscrowID:    d.EscrowID,
		OrderID:     d.OrderID,
		InitiatorID: d.InitiatorID,
		ReasonCode:  d.ReasonCode,
		Description: d.Description,
		Evidence:    evidence,
		Status:      string(d.Status),
		ReviewerID:  d.ReviewerID,
		ResolvedBy:  d.ResolvedBy,
		Resolution:  d.Resolution,
		CreatedAt:   timestamp(d.CreatedAt),
		UpdatedAt:   timestamp(d.UpdatedAt),
	}
}

// canSeeOrder reports whether the actor may read an order and its escrows.
func canSeeOrder(a auth.Actor, o order.Order, es []escrow.Escrow) bool {
	if a.Is(auth.RoleOperator, auth.RoleMediator) || a.ID == o.BuyerID {
		return true
	}
	for _, e := range es {
		if a.ID == e.PayerID || a.ID == e.PayeeID {
			return true
		}
		for _, r := range e.Routing {
			if a.ID == r.PayeeID {
				return true
			}
		}
	}
	return false
}

func forbidden(action string) error {
	return fmt.Errorf("%s: %w", action, apperr.ErrForbidden)
}

// Orders

type createOrderRequest struct {
	EventID        string           `json:"event_id"`
	Currency       string           `json:"currency"`
	Mode           string           `json:"mode"`
	Items          []order.Item     `json:"items"`
	DepositPercent *decimal.Decimal `json:"deposit_percent"`
	Participants   []routing.Share  `json:"participants"`
}

type checkoutResponse struct {
	Order   orderResponse    `json:"order"`
	Escrows []escrowResponse `json:"escrows"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !actor.Is(auth.RoleBuyer, auth.RoleOrganizer) {
		s.writeError(w, r, forbidden("create order"))
		return
	}
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := fulfillment.CreateOrderParams{
		BuyerID:      actor.ID,
		EventID:      req.EventID,
		Currency:     req.Currency,
		Items:        req.Items,
		Mode:         escrow.FundingMode(req.Mode),
		Participants: req.Participants,
	}
	if req.DepositPercent != nil {
		p.DepositPercent = *req.DepositPercent
	}
	out, err := s.orderService.CreateOrder(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{Order: toOrderResponse(out.Order), Escrows: toEscrowList(out.Escrows)})
}

// loadOrder reads an order and its escrows for a caller allowed to see them.
func (s *Server) loadOrder(r *http.Request) (order.Order, []escrow.Escrow, error) {
	id := chi.URLParam(r, "id")
	o, err := s.orderService.Get(r.Context(), id)
	if err != nil {
		return order.Order{}, nil, err
	}
	es, err := s.orderService.Escrows(r.Context(), id)
	if err != nil {
		return order.Order{}, nil, err
	}
	if !canSeeOrder(actorFrom(r.Context()), o, es) {
		// Hide existence from unrelated actors.
		return order.Order{}, nil, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return o, es, nil
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, _, err := s.loadOrder(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (s *Server) handleOrderEscrows(w http.ResponseWriter, r *http.Request) {
	_, es, err := s.loadOrder(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toEscrowList(es)})
}

type updateFulfillmentRequest struct {
	Dimension string `json:"dimension"`
	Status    string `json:"status"`
	Reason    string `json:"reason"`
	ProofRef  string `json:"proof_ref"`
	Version   int64  `json:"version"`
}

func (s *Server) handleUpdateFulfillment(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !actor.Is(auth.RoleMaker, auth.RoleRetailer, auth.RoleOperator) {
		s.writeError(w, r, forbidden("update fulfillment"))
		return
	}
	var req updateFulfillmentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	o, err := s.orderService.UpdateFulfillment(r.Context(), fulfillment.UpdateParams{
		OrderID:   chi.URLParam(r, "id"),
		Dimension: order.Dimension(req.Dimension),
		Status:    order.Status(req.Status),
		Reason:    req.Reason,
		ProofRef:  req.ProofRef,
		Version:   req.Version,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type confirmDeliveryRequest struct {
	ProofURL     string   `json:"proof_url"`
	Notes        string   `json:"notes"`
	Acknowledged []string `json:"acknowledged"`
}

type confirmationResponse struct {
	Order    orderResponse     `json:"order"`
	Escrows  []escrowResponse  `json:"escrows"`
	Releases []releaseResponse `json:"releases"`
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	var req confirmDeliveryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	conf, err := s.deliveryGate.ConfirmDelivery(r.Context(), delivery.ConfirmParams{
		OrderID:      chi.URLParam(r, "id"),
		ActorID:      actorFrom(r.Context()).ID,
		ProofURL:     req.ProofURL,
		Notes:        req.Notes,
		Acknowledged: req.Acknowledged,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	releases := make([]releaseResponse, 0, len(conf.Releases))
	for _, rel := range conf.Releases {
		releases = append(releases, toReleaseResponse(rel))
	}
	writeJSON(w, http.StatusOK, confirmationResponse{
		Order:    toOrderResponse(conf.Order),
		Escrows:  toEscrowList(conf.Escrows),
		Releases: releases,
	})
}

func (s *Server) handleChecklist(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"items": s.deliveryGate.Checklist()})
}

// Escrows

type initiateEscrowRequest struct {
	OrderID  string                `json:"order_id"`
	EventID  string                `json:"event_id"`
	PayerID  string                `json:"payer_id"`
	PayeeID  string                `json:"payee_id"`
	Amount   int64                 `json:"amount"`
	Currency string                `json:"currency"`
	Mode     string                `json:"mode"`
	Routing  []escrow.RoutingEntry `json:"routing"`
}

func (s *Server) handleInitiateEscrow(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r.Context()).Is(auth.RoleOperator) {
		s.writeError(w, r, forbidden("initiate escrow"))
		return
	}
	var req initiateEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.ledgerService.Initiate(r.Context(), ledger.InitiateParams{
		OrderID:  req.OrderID,
		EventID:  req.EventID,
		PayerID:  req.PayerID,
		PayeeID:  req.PayeeID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Mode:     escrow.FundingMode(req.Mode),
		Routing:  req.Routing,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(e))
}

// loadEscrow reads an escrow for a caller allowed to see it.
func (s *Server) loadEscrow(r *http.Request) (escrow.Escrow, error) {
	e, _, err := s.loadEscrowOrder(r)
	return e, err
}

// loadEscrowOrder hides escrows the caller has no part in behind a 404.
func (s *Server) loadEscrowOrder(r *http.Request) (escrow.Escrow, order.Order, error) {
	id := chi.URLParam(r, "id")
	e, err := s.ledgerService.Get(r.Context(), id)
	if err != nil {
		return escrow.Escrow{}, order.Order{}, err
	}
	o, err := s.orderService.Get(r.Context(), e.OrderID)
	if err != nil {
		return escrow.Escrow{}, order.Order{}, err
	}
	if !canSeeOrder(actorFrom(r.Context()), o, []escrow.Escrow{e}) {
		return escrow.Escrow{}, order.Order{}, fmt.Errorf("escrow %s: %w", id, apperr.ErrNotFound)
	}
	return e, o, nil
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := s.loadEscrow(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) handleReleases(w http.ResponseWriter, r *http.Request) {
	e, err := s.loadEscrow(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rs, err := s.ledgerService.Releases(r.Context(), e.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]releaseResponse, 0, len(rs))
	for _, rel := range rs {
		items = append(items, toReleaseResponse(rel))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": escrow.SumReleases(rs)})
}

type holdRequest struct {
	GatewayRef string `json:"gateway_ref"`
	Reason     string `json:"reason"`
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	if !actorFrom(r.Context()).Is(auth.RoleOperator) {
		s.writeError(w, r, forbidden("hold escrow"))
		return
	}
	var req holdRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.ledgerService.Hold(r.Context(), chi.URLParam(r, "id"), ledger.HoldParams{GatewayRef: req.GatewayRef, Reason: req.Reason})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	e, err := s.loadEscrow(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.ID != e.PayerID && !actor.Is(auth.RoleOperator) {
		s.writeError(w, r, forbidden("fund escrow"))
		return
	}
	funded, err := s.ledgerService.Fund(r.Context(), e.ID)
	if err != nil {
		if gwErr, ok := apperr.AsGateway(err); ok && gwErr.Outcome == "pending" && funded.ID != "" {
			// The capture may still settle; reconciliation finishes it.
			writeJSON(w, http.StatusAccepted, toEscrowResponse(funded))
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(funded))
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// handleRefund lets operators refund any escrow and organizers only the
// escrows they fund or the orders they placed.
func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	if !actor.Is(auth.RoleOperator, auth.RoleOrganizer) {
		s.writeError(w, r, forbidden("refund escrow"))
		return
	}
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cur, o, err := s.loadEscrowOrder(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !actor.Is(auth.RoleOperator) && actor.ID != cur.PayerID && actor.ID != o.BuyerID {
		s.writeError(w, r, forbidden("refund escrow"))
		return
	}
	e, err := s.ledgerService.Refund(r.Context(), cur.ID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

type resolveRequest struct {
	PayerAmount int64  `json:"payer_amount"`
	PayeeAmount int64  `json:"payee_amount"`
	Notes       string `json:"notes"`
}

type resolutionResponse struct {
	Dispute disputeResponse `json:"dispute"`
	Escrow  escrowResponse  `json:"escrow"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, e, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
		EscrowID:    chi.URLParam(r, "id"),
		Actor:       actorFrom(r.Context()),
		PayerAmount: req.PayerAmount,
		PayeeAmount: req.PayeeAmount,
		Notes:       req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolutionResponse{Dispute: toDisputeResponse(d), Escrow: toEscrowResponse(e)})
}

// Disputes

type submitDisputeRequest struct {
	EscrowID    string   `json:"escrow_id"`
	ReasonCode  string   `json:"reason_code"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
}

func (s *Server) handleSubmitDispute(w http.ResponseWriter, r *http.Request) {
	var req submitDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.disputeService.Submit(r.Context(), dispute.SubmitParams{
		EscrowID:    req.EscrowID,
		Actor:       actorFrom(r.Context()),
		ReasonCode:  req.ReasonCode,
		Description: req.Description,
		Evidence:    req.Evidence,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r.Context())
	if !actor.Is(auth.RoleMediator, auth.RoleOperator) && actor.ID != d.InitiatorID {
		e, err := s.ledgerService.Get(r.Context(), d.EscrowID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		o, err := s.orderService.Get(r.Context(), d.OrderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !canSeeOrder(actor, o, []escrow.Escrow{e}) {
			s.writeError(w, r, fmt.Errorf("dispute %s: %w", d.ID, apperr.ErrNotFound))
			return
		}
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleStartReview(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputeService.StartReview(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}
