package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/order"
)

// Fund captures an escrow's amount through the payment gateway and holds it
// on success. An unknown outcome leaves the escrow in created with the
// pending reconciliation marker set; the call then returns the escrow
// together with an *apperr.ExternalGatewayError.
func (s *Service) Fund(ctx context.Context, escrowID string) (escrow.Escrow, error) {
	if s.gateway == nil {
		return escrow.Escrow{}, errors.New("ledger: fund: no payment gateway configured")
	}
	e, err := s.store.Escrow(ctx, escrowID)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("ledger: fund: %w", err)
	}
	if e.Status != escrow.StatusCreated {
		return escrow.Escrow{}, fmt.Errorf("ledger: fund: %w", e.CheckTransition(escrow.StatusHeld))
	}

	res, callErr := s.gateway.Capture(ctx, e.ID, e.Amount, gateway.CaptureKey(e.ID))
	if callErr != nil {
		if _, ok := apperr.AsGateway(callErr); !ok {
			outcome := gateway.OutcomePending
			if errors.Is(callErr, gateway.ErrRejected) {
				outcome = gateway.OutcomeFailed
			}
			callErr = &apperr.ExternalGatewayError{Op: "capture", EscrowID: e.ID, Outcome: string(outcome), Attempts: 1, Err: callErr}
		}
		gwErr, _ := apperr.AsGateway(callErr)
		pending, payment := true, order.Status("")
		if gwErr.Outcome == string(gateway.OutcomeFailed) {
			pending, payment = false, order.PaymentFailed
		}
		marked, err := s.markPending(ctx, e.ID, pending, payment)
		if err != nil {
			return escrow.Escrow{}, errors.Join(callErr, err)
		}
		return marked, callErr
	}

	switch res.Outcome {
	case gateway.OutcomeSuccess:
		return s.Hold(ctx, e.ID, HoldParams{GatewayRef: res.Reference, Reason: "funds_captured"})
	case gateway.OutcomePending:
		marked, err := s.markPending(ctx, e.ID, true, "")
		if err != nil {
			return escrow.Escrow{}, fmt.Errorf("ledger: fund: %w", err)
		}
		return marked, &apperr.ExternalGatewayError{Op: "capture", EscrowID: e.ID, Outcome: string(gateway.OutcomePending), Attempts: 1}
	default:
		marked, err := s.markPending(ctx, e.ID, false, order.PaymentFailed)
		if err != nil {
			return escrow.Escrow{}, fmt.Errorf("ledger: fund: %w", err)
		}
		s.logger.WarnContext(ctx, "capture declined",
			slog.String("escrow_id", e.ID),
			slog.String("message", res.Message),
		)
		return marked, &apperr.ExternalGatewayError{
			Op:       "capture",
			EscrowID: e.ID,
			Outcome:  string(gateway.OutcomeFailed),
			Attempts: 1,
			Err:      errors.New(res.Message),
		}
	}
}

func (s *Service) markPending(ctx context.Context, escrowID string, pending bool, payment order.Status) (escrow.Escrow, error) {
	return s.mutate(ctx, escrowID, func(e escrow.Escrow, _ order.Order, now time.Time) (Change, error) {
		if e.Status != escrow.StatusCreated {
			return Change{}, e.CheckTransition(escrow.StatusHeld)
		}
		n := e.Clone()
		n.PendingReconciliation = pending
		n.UpdatedAt = now
		n.Version = e.Version + 1
		return Change{Prev: e, Next: n, Payment: payment}, nil
	})
}

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Checked  int
	Held     int
	Pending  int
	Declined int
}

// Reconcile reissues the capture of every escrow carrying the pending
// reconciliation marker. The idempotency key is the same as the first
// attempt, so a capture that did settle is never repeated.
func (s *Service) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	pending, err := s.store.PendingReconciliation(ctx, limit)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("ledger: reconcile: %w", err)
	}
	var (
		report ReconcileReport
		errs   []error
	)
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report.Checked++
		_, err := s.Fund(ctx, e.ID)
		gwErr, isGateway := apperr.AsGateway(err)
		switch {
		case err == nil:
			report.Held++
		case isGateway && gwErr.Outcome == string(gateway.OutcomeFailed):
			report.Declined++
		case isGateway:
			report.Pending++
		default:
			errs = append(errs, fmt.Errorf("escrow %s: %w", e.ID, err))
		}
	}
	if report.Checked > 0 {
		s.logger.InfoContext(ctx, "reconciliation sweep",
			slog.Int("checked", report.Checked),
			slog.Int("held", report.Held),
			slog.Int("pending", report.Pending),
			slog.Int("declined", report.Declined),
		)
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("ledger: reconcile: %w", errors.Join(errs...))
	}
	return report, nil
}
