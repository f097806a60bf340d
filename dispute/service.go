// Package dispute runs the dispute lifecycle: submitted, reviewing and
// resolved. The escrow side of each step goes through the ledger in the same
// commit as the dispute record.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/order"
	"escrowflow/policy"
	"escrowflow/store"
)

type Service struct {
	store       store.Store
	ledger      *ledger.Service
	policy      policy.Dispute
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(st store.Store, l *ledger.Service, p policy.Dispute) *Service {
	return &Service{
		store:       st,
		ledger:      l,
		policy:      p,
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

// Submit opens a dispute and freezes the escrow. Only a party to the escrow
// may file, and an escrow is disputed at most once.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (escrow.Dispute, error) {
	if err := s.validate(p); err != nil {
		return escrow.Dispute{}, err
	}
	e, err := s.store.Escrow(ctx, p.EscrowID)
	if err != nil {
		return escrow.Dispute{}, fmt.Errorf("dispute: submit: %w", err)
	}
	o, err := s.store.Order(ctx, e.OrderID)
	if err != nil {
		return escrow.Dispute{}, fmt.Errorf("dispute: submit: %w", err)
	}
	if !isParty(p.Actor, e, o) {
		return escrow.Dispute{}, fmt.Errorf("dispute: %s is not a party to escrow %s: %w", p.Actor.ID, e.ID, apperr.ErrForbidden)
	}

	var created escrow.Dispute
	_, err = s.ledger.Apply(ctx, e.ID, func(cur escrow.Escrow, _ order.Order, now time.Time) (ledger.Change, error) {
		if err := s.ensureNoDispute(ctx, cur.ID); err != nil {
			return ledger.Change{}, err
		}
		change, err := s.ledger.PlanDispute(cur, p.ReasonCode, p.Actor.ID, now)
		if err != nil {
			return ledger.Change{}, err
		}
		created = escrow.Dispute{
			ID:          s.idGenerator(),
			EscrowID:    cur.ID,
			OrderID:     cur.OrderID,
			InitiatorID: p.Actor.ID,
			ReasonCode:  p.ReasonCode,
			Description: strings.TrimSpace(p.Description),
			Evidence:    append([]string(nil), p.Evidence...),
			Status:      escrow.DisputeSubmitted,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		change.Extra.NewDisputes = append(change.Extra.NewDisputes, created)
		return change, nil
	})
	if err != nil {
		var ce *apperr.ConcurrencyError
		if errors.As(err, &ce) && ce.Entity == "dispute" {
			return escrow.Dispute{}, s.existsError(e.ID)
		}
		return escrow.Dispute{}, fmt.Errorf("dispute: submit: %w", err)
	}
	s.logger.InfoContext(ctx, "dispute submitted",
		slog.String("dispute_id", created.ID),
		slog.String("escrow_id", created.EscrowID),
		slog.String("reason_code", created.ReasonCode),
	)
	return created, nil
}

func (s *Service) validate(p SubmitParams) error {
	if !s.policy.AllowsReason(p.ReasonCode) {
		return apperr.Validation(ErrInvalidReason.Code, ErrInvalidReason.Field,
			fmt.Sprintf("unknown reason code %q", p.ReasonCode))
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(p.Description)); n < s.policy.MinDescription {
		return apperr.Validation(ErrDescriptionTooShort.Code, ErrDescriptionTooShort.Field,
			fmt.Sprintf("description must be at least %d characters, got %d", s.policy.MinDescription, n))
	}
	var evidence int
	for _, ref := range p.Evidence {
		if strings.TrimSpace(ref) != "" {
			evidence++
		}
	}
	if evidence < s.policy.MinEvidence {
		return apperr.Validation(ErrEvidenceRequired.Code, ErrEvidenceRequired.Field,
			fmt.Sprintf("at least %d evidence reference(s) required", s.policy.MinEvidence))
	}
	return nil
}

func (s *Service) ensureNoDispute(ctx context.Context, escrowID string) error {
	_, err := s.store.DisputeByEscrow(ctx, escrowID)
	switch {
	case err == nil:
		return s.existsError(escrowID)
	case errors.Is(err, apperr.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *Service) existsError(escrowID string) error {
	return &apperr.StateConflictError{
		Code:      ErrDisputeExists.Code,
		Entity:    "dispute",
		ID:        escrowID,
		Requested: string(escrow.DisputeSubmitted),
		Message:   "escrow already has a dispute",
	}
}

// isParty reports whether the actor paid into or is paid from the escrow.
func isParty(a auth.Actor, e escrow.Escrow, o order.Order) bool {
	if a.ID == "" {
		return false
	}
	if a.ID == e.PayerID || a.ID == o.BuyerID || a.ID == e.PayeeID {
		return true
	}
	for _, r := range e.Routing {
		if r.PayeeID == a.ID {
			return true
		}
	}
	return false
}

// StartReview assigns the dispute to a mediator.
func (s *Service) StartReview(ctx context.Context, disputeID string, actor auth.Actor) (escrow.Dispute, error) {
	if !actor.Is(auth.RoleMediator) {
		return escrow.Dispute{}, fmt.Errorf("dispute: review requires a mediator: %w", apperr.ErrForbidden)
	}
	d, err := s.store.Dispute(ctx, disputeID)
	if err != nil {
		return escrow.Dispute{}, fmt.Errorf("dispute: start review: %w", err)
	}
	if d.Status != escrow.DisputeSubmitted {
		return escrow.Dispute{}, apperr.Conflict("dispute", d.ID, string(d.Status), string(escrow.DisputeReviewing))
	}
	now := s.now().UTC()
	next := d.Clone()
	next.Status = escrow.DisputeReviewing
	next.ReviewerID = actor.ID
	next.UpdatedAt = now
	next.Version = d.Version + 1
	if err := s.store.Commit(ctx, store.ChangeSet{Disputes: []store.DisputeUpdate{{Next: next, Expected: d.Version}}}); err != nil {
		return escrow.Dispute{}, fmt.Errorf("dispute: start review: %w", err)
	}
	s.logger.InfoContext(ctx, "dispute under review",
		slog.String("dispute_id", d.ID),
		slog.String("reviewer_id", actor.ID),
	)
	return next, nil
}

// Resolve executes the mediator's split on the escrow and closes the dispute
// in one commit.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (escrow.Dispute, escrow.Escrow, error) {
	if !p.Actor.Is(auth.RoleMediator) {
		return escrow.Dispute{}, escrow.Escrow{}, fmt.Errorf("dispute: resolve requires a mediator: %w", apperr.ErrForbidden)
	}

	var resolved escrow.Dispute
	e, err := s.ledger.Apply(ctx, p.EscrowID, func(cur escrow.Escrow, _ order.Order, now time.Time) (ledger.Change, error) {
		d, err := s.store.DisputeByEscrow(ctx, cur.ID)
		if err != nil {
			return ledger.Change{}, err
		}
		if d.Status != escrow.DisputeReviewing {
			return ledger.Change{}, &apperr.StateConflictError{
				Code:      ErrNotReviewing.Code,
				Entity:    "dispute",
				ID:        d.ID,
				Current:   string(d.Status),
				Requested: string(escrow.DisputeResolved),
				Message:   "a dispute is resolved only after review",
			}
		}
		prior, err := s.ledger.Trail(ctx, cur.ID)
		if err != nil {
			return ledger.Change{}, err
		}
		change, err := s.ledger.PlanResolve(cur, prior, ledger.ResolveParams{
			EscrowID:    cur.ID,
			PayerAmount: p.PayerAmount,
			PayeeAmount: p.PayeeAmount,
			Notes:       p.Notes,
		}, now)
		if err != nil {
			return ledger.Change{}, err
		}
		resolved = d.Clone()
		resolved.Status = escrow.DisputeResolved
		resolved.Resolution = &escrow.Split{PayerAmount: p.PayerAmount, PayeeAmount: p.PayeeAmount, Notes: p.Notes}
		resolved.ResolvedBy = p.Actor.ID
		resolved.ResolvedAt = &now
		resolved.UpdatedAt = now
		resolved.Version = d.Version + 1
		change.Extra.Disputes = append(change.Extra.Disputes, store.DisputeUpdate{Next: resolved, Expected: d.Version})
		return change, nil
	})
	if err != nil {
		return escrow.Dispute{}, escrow.Escrow{}, fmt.Errorf("dispute: resolve: %w", err)
	}
	s.logger.InfoContext(ctx, "dispute resolved",
		slog.String("dispute_id", resolved.ID),
		slog.String("escrow_id", e.ID),
		slog.Int64("payer_amount", p.PayerAmount),
		slog.Int64("payee_amount", p.PayeeAmount),
	)
	return resolved, e, nil
}

func (s *Service) Get(ctx context.Context, id string) (escrow.Dispute, error) {
	return s.store.Dispute(ctx, id)
}
