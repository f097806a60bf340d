package dispute

import (
	"escrowflow/apperr"
	"escrowflow/auth"
	"escrowflow/ledger"
)

// Each rejection carries its own code so callers can tell them apart with
// errors.Is.
var (
	ErrInvalidReason       = apperr.Validation("invalid_reason_code", "reason_code", "")
	ErrDescriptionTooShort = apperr.Validation("description_too_short", "description", "")
	ErrEvidenceRequired    = apperr.Validation("evidence_required", "evidence", "")
	ErrDisputeExists       = &apperr.StateConflictError{Code: "dispute_exists"}
	ErrNotReviewing        = &apperr.StateConflictError{Code: "dispute_not_reviewing"}
	ErrDisputeWindowClosed = ledger.ErrDisputeWindowClosed
)

type SubmitParams struct {
	EscrowID    string
	Actor       auth.Actor
	ReasonCode  string
	Description string
	Evidence    []string
}

type ResolveParams struct {
	EscrowID    string
	Actor       auth.Actor
	PayerAmount int64
	PayeeAmount int64
	Notes       string
}
