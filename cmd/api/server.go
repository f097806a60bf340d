package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/delivery"
	"escrowflow/dispute"
	"escrowflow/fulfillment"
	"escrowflow/idempotency"
	"escrowflow/ledger"
)

// Server exposes the escrow core over HTTP.
type Server struct {
	authService    *auth.Service
	orderService   *fulfillment.Service
	ledgerService  *ledger.Service
	deliveryGate   *delivery.Gate
	disputeService *dispute.Service

	idempotency    idempotency.Store
	idempotencyTTL time.Duration
	logger         *slog.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		if s.idempotency != nil {
			r.Use(idempotency.Middleware(s.idempotency, s.idempotencyTTL, s.logger))
		}

		r.Post("/orders", s.handleCreateOrder)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Get("/orders/{id}/escrows", s.handleOrderEscrows)
		r.Patch("/orders/{id}/fulfillment", s.handleUpdateFulfillment)
		r.Post("/orders/{id}/confirm-delivery", s.handleConfirmDelivery)
		r.Get("/delivery/checklist", s.handleChecklist)

		r.Post("/escrows", s.handleInitiateEscrow)
		r.Get("/escrows/{id}", s.handleGetEscrow)
		r.Get("/escrows/{id}/releases", s.handleReleases)
		r.Post("/escrows/{id}/hold", s.handleHold)
		r.Post("/escrows/{id}/fund", s.handleFund)
		r.Post("/escrows/{id}/refund", s.handleRefund)
		r.Post("/escrows/{id}/resolve", s.handleResolve)

		r.Post("/disputes", s.handleSubmitDispute)
		r.Get("/disputes/{id}", s.handleGetDispute)
		r.Post("/disputes/{id}/review", s.handleStartReview)
	})
	return r
}

type errorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	Field        string `json:"field,omitempty"`
	CurrentState string `json:"current_state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeError maps a service error onto a status code and body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *apperr.ValidationError
		ce *apperr.StateConflictError
		cc *apperr.ConcurrencyError
		ge *apperr.ExternalGatewayError
		ie *apperr.InvariantViolationError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ve.Error(), Code: ve.Code, Field: ve.Field})
	case errors.As(err, &ce):
		code := ce.Code
		if code == "" {
			code = "state_conflict"
		}
		writeJSON(w, http.StatusConflict, errorResponse{Error: ce.Error(), Code: code, CurrentState: ce.Current})
	case errors.As(err, &cc):
		writeErrorCode(w, http.StatusConflict, "concurrency_conflict", "the resource changed, reload and retry")
	case errors.As(err, &ge):
		writeErrorCode(w, http.StatusBadGateway, "gateway_"+ge.Outcome, ge.Error())
	case errors.As(err, &ie):
		s.logger.ErrorContext(r.Context(), "invariant violation",
			slog.String("code", ie.Code),
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.Any("error", err),
		)
		writeErrorCode(w, http.StatusInternalServerError, "internal_error", "something went wrong, support has been notified")
	case errors.Is(err, apperr.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, apperr.ErrForbidden):
		writeErrorCode(w, http.StatusForbidden, "forbidden", "not allowed for this actor")
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", requestIDFrom(r.Context())),
			slog.Any("error", err),
		)
		writeErrorCode(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid_body", "", "request body is not valid JSON: "+err.Error())
	}
	return nil
}
