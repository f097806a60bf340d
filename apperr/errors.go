// Package apperr defines the typed failures returned by the escrow core.
//
// Every error carries a machine readable code. errors.Is matches two errors of
// the same type when the target's code is empty or equal, so callers can test
// for a whole class (any *StateConflictError) or for one specific rejection.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports malformed input rejected before any state change.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && (t.Code == "" || t.Code == e.Code)
}

// Validation builds a ValidationError.
func Validation(code, field, message string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: message}
}

// StateConflictError reports an illegal transition. Current is the state the
// entity was in when the request was rejected.
type StateConflictError struct {
	Code      string
	Entity    string
	ID        string
	Current   string
	Requested string
	Message   string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("state conflict: %s %s is %s", e.Entity, e.ID, e.Current)
	if e.Requested != "" {
		msg += ", cannot move to " + e.Requested
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *StateConflictError) Is(target error) bool {
	t, ok := target.(*StateConflictError)
	return ok && (t.Code == "" || t.Code == e.Code)
}

// Conflict builds a StateConflictError with the generic illegal_transition code.
func Conflict(entity, id, current, requested string) *StateConflictError {
	return &StateConflictError{
		Code:      "illegal_transition",
		Entity:    entity,
		ID:        id,
		Current:   current,
		Requested: requested,
	}
}

// ConcurrencyError reports a lost compare-and-set. The caller should refetch
// and retry.
type ConcurrencyError struct {
	Entity   string
	ID       string
	Expected int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency: %s %s changed since version %d", e.Entity, e.ID, e.Expected)
}

func (e *ConcurrencyError) Is(target error) bool {
	_, ok := target.(*ConcurrencyError)
	return ok
}

// ExternalGatewayError reports a payment gateway failure after the retry
// budget was spent. Outcome is "pending" when the result is unknown and
// "failed" when the gateway declined.
type ExternalGatewayError struct {
	Op       string
	EscrowID string
	Outcome  string
	Attempts int
	Err      error
}

func (e *ExternalGatewayError) Error() string {
	msg := fmt.Sprintf("gateway: %s %s: %s after %d attempt(s)", e.Op, e.EscrowID, e.Outcome, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalGatewayError) Unwrap() error { return e.Err }

func (e *ExternalGatewayError) Is(target error) bool {
	t, ok := target.(*ExternalGatewayError)
	return ok && (t.Outcome == "" || t.Outcome == e.Outcome)
}

// InvariantViolationError is fatal: the transition was aborted and nothing
// was written.
type InvariantViolationError struct {
	Code    string
	Entity  string
	ID      string
	Message string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violated: %s %s: %s", e.Entity, e.ID, e.Message)
}

func (e *InvariantViolationError) Is(target error) bool {
	t, ok := target.(*InvariantViolationError)
	return ok && (t.Code == "" || t.Code == e.Code)
}

// As helpers keep call sites short.

func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	ok := errors.As(err, &v)
	return v, ok
}

func AsConflict(err error) (*StateConflictError, bool) {
	var v *StateConflictError
	ok := errors.As(err, &v)
	return v, ok
}

func AsGateway(err error) (*ExternalGatewayError, bool) {
	var v *ExternalGatewayError
	ok := errors.As(err, &v)
	return v, ok
}

func AsInvariant(err error) (*InvariantViolationError, bool) {
	var v *InvariantViolationError
	ok := errors.As(err, &v)
	return v, ok
}

func IsConcurrency(err error) bool {
	var v *ConcurrencyError
	return errors.As(err, &v)
}
