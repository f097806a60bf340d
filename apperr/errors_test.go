package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationErrorMatchesByCode(t *testing.T) {
	errShort := Validation("description_too_short", "description", "too short")
	wrapped := fmt.Errorf("dispute: submit: %w", Validation("description_too_short", "description", "must be 20 characters"))

	if !errors.Is(wrapped, errShort) {
		t.Fatalf("expected wrapped error to match by code")
	}
	if errors.Is(wrapped, Validation("evidence_required", "evidence", "")) {
		t.Fatalf("expected different codes not to match")
	}
	if !errors.Is(wrapped, &ValidationError{}) {
		t.Fatalf("expected empty code to match any validation error")
	}
	if errors.Is(wrapped, &StateConflictError{}) {
		t.Fatalf("validation error must not match state conflict")
	}
}

func TestStateConflictCarriesCurrentState(t *testing.T) {
	err := fmt.Errorf("ledger: release: %w", Conflict("escrow", "e1", "refunded", "released"))

	conflict, ok := AsConflict(err)
	if !ok {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if conflict.Current != "refunded" {
		t.Fatalf("expected current refunded, got %s", conflict.Current)
	}
	if got := conflict.Error(); got != "state conflict: escrow e1 is refunded, cannot move to released" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestGatewayErrorUnwrapsAndMatchesOutcome(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := &ExternalGatewayError{Op: "capture", EscrowID: "e1", Outcome: "pending", Attempts: 3, Err: cause}

	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if !errors.Is(err, &ExternalGatewayError{Outcome: "pending"}) {
		t.Fatalf("expected pending outcome to match")
	}
	if errors.Is(err, &ExternalGatewayError{Outcome: "failed"}) {
		t.Fatalf("expected failed outcome not to match")
	}
}

func TestConcurrencyHelper(t *testing.T) {
	err := fmt.Errorf("store: commit: %w", &ConcurrencyError{Entity: "escrow", ID: "e1", Expected: 2})
	if !IsConcurrency(err) {
		t.Fatalf("expected concurrency error")
	}
	if IsConcurrency(errors.New("boom")) {
		t.Fatalf("plain error is not a concurrency error")
	}
}
