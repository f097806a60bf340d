package ledger

import (
	"fmt"
	"time"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/order"
	"escrowflow/outbox"
	"escrowflow/store"
)

// Change is a planned escrow transition: the next snapshot, the release
// records it writes and the outbox messages it emits. Plans are pure; the
// caller decides which unit of work commits them.
type Change struct {
	Prev     escrow.Escrow
	Next     escrow.Escrow
	Releases []escrow.Release
	Messages []outbox.Message
	// Payment, when set, is the payment dimension the transition asks for in
	// place of the one derived from escrow states.
	Payment order.Status
	// Extra rides along in the same commit, e.g. the dispute record.
	Extra store.ChangeSet
}

// ChangeSet converts the plan into a versioned write.
func (c Change) ChangeSet() store.ChangeSet {
	cs := store.ChangeSet{
		Escrows:  []store.EscrowUpdate{{Next: c.Next, Expected: c.Prev.Version}},
		Releases: append([]escrow.Release(nil), c.Releases...),
		Messages: append([]outbox.Message(nil), c.Messages...),
	}
	cs.Merge(c.Extra)
	return cs
}

func (s *Service) next(e escrow.Escrow, status escrow.Status, now time.Time) escrow.Escrow {
	n := e.Clone()
	n.Status = status
	n.UpdatedAt = now
	n.Version = e.Version + 1
	return n
}

func (s *Service) event(topic string, prev, next escrow.Escrow, reason, actor string, now time.Time) outbox.Message {
	return outbox.NewEvent(s.idGenerator(), topic, next.ID, outbox.EventPayload{
		EscrowID: next.ID,
		OrderID:  next.OrderID,
		Status:   string(next.Status),
		Previous: string(prev.Status),
		Amount:   next.Amount,
		Reason:   reason,
		ActorID:  actor,
	}, now)
}

// PlanHold plans created -> held.
func (s *Service) PlanHold(e escrow.Escrow, p HoldParams, now time.Time) (Change, error) {
	if err := e.CheckTransition(escrow.StatusHeld); err != nil {
		return Change{}, err
	}
	n := s.next(e, escrow.StatusHeld, now)
	n.GatewayRef = p.GatewayRef
	n.PendingReconciliation = false
	n.HeldAt = &now
	n.HoldReason = p.Reason
	if n.HoldReason == "" {
		n.HoldReason = "funds_captured"
	}
	return Change{
		Prev:     e,
		Next:     n,
		Messages: []outbox.Message{s.event(outbox.TopicHeld, e, n, n.HoldReason, "", now)},
	}, nil
}

// PlanRelease plans held -> released with one release record per routing
// entry, or one for the whole amount when the escrow is unrouted.
func (s *Service) PlanRelease(e escrow.Escrow, reason escrow.ReleaseReason, notes string, now time.Time) (Change, error) {
	if err := e.CheckTransition(escrow.StatusReleased); err != nil {
		return Change{}, err
	}
	if e.Status != escrow.StatusHeld {
		return Change{}, apperr.Conflict("escrow", e.ID, string(e.Status), string(escrow.StatusReleased))
	}
	n := s.next(e, escrow.StatusReleased, now)
	n.ReleasedAt = &now
	n.ReleaseReason = reason

	c := Change{Prev: e, Next: n}
	for _, p := range e.Payouts() {
		s.addRelease(&c, p.PayeeID, escrow.RecipientPayee, p.Amount, reason, notes, now)
	}
	c.Messages = append(c.Messages, s.event(outbox.TopicReleased, e, n, string(reason), "", now))
	return c, nil
}

// PlanRefund plans created|held -> refunded, returning the full amount to
// the payer.
func (s *Service) PlanRefund(e escrow.Escrow, reason string, now time.Time) (Change, error) {
	if err := e.CheckTransition(escrow.StatusRefunded); err != nil {
		return Change{}, err
	}
	if e.Status == escrow.StatusCreated && e.PendingReconciliation {
		return Change{}, &apperr.StateConflictError{
			Code:      "capture_pending_reconciliation",
			Entity:    "escrow",
			ID:        e.ID,
			Current:   string(e.Status),
			Requested: string(escrow.StatusRefunded),
			Message:   "a capture is awaiting reconciliation",
		}
	}
	n := s.next(e, escrow.StatusRefunded, now)
	n.RefundedAt = &now
	n.RefundReason = reason

	c := Change{Prev: e, Next: n}
	r := escrow.Release{
		ID:            s.idGenerator(),
		EscrowID:      e.ID,
		RecipientID:   e.PayerID,
		RecipientType: escrow.RecipientPayer,
		Amount:        e.Amount,
		Reason:        escrow.ReasonRefundRequested,
		ReleasedAt:    now,
		Notes:         reason,
	}
	c.Releases = append(c.Releases, r)
	// Nothing was captured for a created escrow, so there is nothing to pay back.
	if e.Status == escrow.StatusHeld {
		c.Messages = append(c.Messages, outbox.NewPayout(s.idGenerator(), e, r, now))
	}
	c.Messages = append(c.Messages, s.event(outbox.TopicRefunded, e, n, reason, "", now))
	return c, nil
}

// PlanDispute plans held|released -> disputed.
func (s *Service) PlanDispute(e escrow.Escrow, reason, initiatorID string, now time.Time) (Change, error) {
	if err := e.CheckTransition(escrow.StatusDisputed); err != nil {
		return Change{}, err
	}
	if e.Status == escrow.StatusReleased && e.ReleasedAt != nil && now.Sub(*e.ReleasedAt) > s.disputeWindow {
		return Change{}, &apperr.StateConflictError{
			Code:      ErrDisputeWindowClosed.Code,
			Entity:    "escrow",
			ID:        e.ID,
			Current:   string(e.Status),
			Requested: string(escrow.StatusDisputed),
			Message:   fmt.Sprintf("released %s ago, window is %s", now.Sub(*e.ReleasedAt).Truncate(time.Hour), s.disputeWindow),
		}
	}
	n := s.next(e, escrow.StatusDisputed, now)
	n.DisputedAt = &now
	n.DisputeReason = reason
	n.DisputedBy = initiatorID
	n.DisputedFrom = e.Status
	return Change{
		Prev:     e,
		Next:     n,
		Messages: []outbox.Message{s.event(outbox.TopicDisputed, e, n, reason, initiatorID, now)},
	}, nil
}

// Trail is what an escrow has already written: its release records and the
// payout instructions issued for them.
type Trail struct {
	Releases []escrow.Release
	Payouts  []outbox.Message
}

type recipient struct {
	kind escrow.RecipientType
	id   string
}

// PlanResolve plans disputed -> released with a split: one record for the
// payer and one for the primary payee.
//
// When the escrow had already been released, payouts still waiting in the
// outbox are cancelled and reversed on paper. Everything else counts as paid,
// so each recipient is only paid the difference between its share and what
// it already received. A recipient that received more than its share gets a
// negative "recovery owed" record and a TopicRecoveryOwed event, never a
// payout. The trail still sums to the escrow amount.
func (s *Service) PlanResolve(e escrow.Escrow, prior Trail, p ResolveParams, now time.Time) (Change, error) {
	if e.Status != escrow.StatusDisputed {
		return Change{}, apperr.Conflict("escrow", e.ID, string(e.Status), string(escrow.StatusReleased))
	}
	if p.PayerAmount < 0 || p.PayeeAmount < 0 {
		return Change{}, apperr.Validation("negative_split", "split", "split amounts must not be negative")
	}
	if sum, ok := escrow.AddAmounts(p.PayerAmount, p.PayeeAmount); !ok || sum != e.Amount {
		s.logger.Error("dispute split rejected for operator review",
			"escrow_id", e.ID,
			"escrow_amount", e.Amount,
			"payer_amount", p.PayerAmount,
			"payee_amount", p.PayeeAmount,
		)
		return Change{}, &apperr.InvariantViolationError{
			Code:    "split_sum_mismatch",
			Entity:  "escrow",
			ID:      e.ID,
			Message: fmt.Sprintf("split %d + %d does not equal escrow amount %d", p.PayerAmount, p.PayeeAmount, e.Amount),
		}
	}

	n := s.next(e, escrow.StatusReleased, now)
	n.ReleasedAt = &now
	n.ReleaseReason = escrow.ReasonDisputeResolution
	n.Resolution = &escrow.Split{PayerAmount: p.PayerAmount, PayeeAmount: p.PayeeAmount, Notes: p.Notes}
	c := Change{Prev: e, Next: n}

	payer := recipient{escrow.RecipientPayer, e.PayerID}
	payee := recipient{escrow.RecipientPayee, e.PayeeID}
	recipients := []recipient{payer, payee}
	paid := map[recipient]int64{}
	if e.DisputedFrom == escrow.StatusReleased {
		var err error
		if recipients, err = s.settlePrior(&c, prior, paid, recipients, now); err != nil {
			return Change{}, err
		}
	}

	target := map[recipient]int64{payer: p.PayerAmount, payee: p.PayeeAmount}
	for _, who := range recipients {
		delta := target[who] - paid[who]
		switch {
		case delta > 0:
			s.addRelease(&c, who.id, who.kind, delta, escrow.ReasonDisputeResolution, p.Notes, now)
		case delta < 0:
			s.addRecovery(&c, who, -delta, now)
		}
	}

	if total := escrow.SumReleases(prior.Releases) + escrow.SumReleases(c.Releases); total != e.Amount {
		return Change{}, &apperr.InvariantViolationError{
			Code:    "release_trail_mismatch",
			Entity:  "escrow",
			ID:      e.ID,
			Message: fmt.Sprintf("release trail would sum to %d, escrow amount is %d", total, e.Amount),
		}
	}
	c.Messages = append(c.Messages, s.event(outbox.TopicDisputeResolved, e, n, p.Notes, "", now))
	return c, nil
}

// settlePrior cancels untouched payouts of earlier releases, reverses those
// releases and tallies the rest into paid. It returns recipients extended
// with every earlier recipient.
func (s *Service) settlePrior(c *Change, prior Trail, paid map[recipient]int64, recipients []recipient, now time.Time) ([]recipient, error) {
	cancellable := make(map[string]string)
	for _, m := range prior.Payouts {
		if !m.Cancellable() {
			continue
		}
		pp, err := outbox.DecodePayout(m)
		if err != nil {
			return nil, err
		}
		cancellable[pp.ReleaseID] = m.ID
	}

	seen := make(map[recipient]struct{}, len(recipients))
	for _, who := range recipients {
		seen[who] = struct{}{}
	}
	for _, r := range prior.Releases {
		who := recipient{r.RecipientType, r.RecipientID}
		if _, ok := seen[who]; !ok {
			seen[who] = struct{}{}
			recipients = append(recipients, who)
		}
		msgID, ok := cancellable[r.ID]
		if !ok || r.Amount <= 0 {
			paid[who] += r.Amount
			continue
		}
		c.Extra.CancelPayouts = append(c.Extra.CancelPayouts, msgID)
		reversal := escrow.Release{
			ID:            s.idGenerator(),
			EscrowID:      c.Next.ID,
			RecipientID:   r.RecipientID,
			RecipientType: r.RecipientType,
			Amount:        -r.Amount,
			Reason:        escrow.ReasonDisputeResolution,
			ReleasedAt:    now,
			Notes:         ReversalNote(r.ID),
		}
		c.Releases = append(c.Releases, reversal)
		c.Messages = append(c.Messages, outbox.NewEvent(s.idGenerator(), outbox.TopicReleaseReversed, c.Next.ID, outbox.EventPayload{
			EscrowID: c.Next.ID,
			OrderID:  c.Next.OrderID,
			Amount:   r.Amount,
			Reason:   reversal.Notes,
			ActorID:  r.RecipientID,
		}, now))
	}
	return recipients, nil
}

// ReversalNote marks the record that reverses a release whose payout was
// cancelled before it left the outbox.
func ReversalNote(releaseID string) string {
	return "payout cancelled, reverses release " + releaseID
}

// RecoveryNote marks a record for money a recipient must hand back.
const RecoveryNote = "recovery owed"

func (s *Service) addRecovery(c *Change, who recipient, amount int64, now time.Time) {
	c.Releases = append(c.Releases, escrow.Release{
		ID:            s.idGenerator(),
		EscrowID:      c.Next.ID,
		RecipientID:   who.id,
		RecipientType: who.kind,
		Amount:        -amount,
		Reason:        escrow.ReasonDisputeResolution,
		ReleasedAt:    now,
		Notes:         RecoveryNote,
	})
	c.Messages = append(c.Messages, outbox.NewEvent(s.idGenerator(), outbox.TopicRecoveryOwed, c.Next.ID, outbox.EventPayload{
		EscrowID: c.Next.ID,
		OrderID:  c.Next.OrderID,
		Amount:   amount,
		Reason:   RecoveryNote,
		ActorID:  who.id,
	}, now))
}

func (s *Service) addRelease(c *Change, recipient string, kind escrow.RecipientType, amount int64, reason escrow.ReleaseReason, notes string, now time.Time) {
	r := escrow.Release{
		ID:            s.idGenerator(),
		EscrowID:      c.Next.ID,
		RecipientID:   recipient,
		RecipientType: kind,
		Amount:        amount,
		Reason:        reason,
		ReleasedAt:    now,
		Notes:         notes,
	}
	c.Releases = append(c.Releases, r)
	c.Messages = append(c.Messages, outbox.NewPayout(s.idGenerator(), c.Next, r, now))
}
