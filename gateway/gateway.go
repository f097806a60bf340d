// Package gateway is the boundary to the external payment processor.
package gateway

import (
	"context"
	"errors"
)

// Outcome of a gateway call. Pending means the processor accepted the request
// but has not settled it; the caller must reconcile later.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
)

type Result struct {
	Outcome   Outcome
	Reference string
	Message   string
}

var (
	// ErrTimeout is a transport level failure where the outcome is unknown.
	ErrTimeout = errors.New("gateway: timeout")
	// ErrRejected marks a request the processor refused outright. It is not
	// retried.
	ErrRejected = errors.New("gateway: request rejected")
)

// Gateway moves funds. Every call carries an idempotency key; repeating a
// call with the same key never moves funds twice.
type Gateway interface {
	Capture(ctx context.Context, escrowID string, amount int64, idempotencyKey string) (Result, error)
	Payout(ctx context.Context, escrowID, payeeID string, amount int64, idempotencyKey string) (Result, error)
}

// CaptureKey derives the capture idempotency key from the escrow id.
func CaptureKey(escrowID string) string {
	return "capture:" + escrowID
}
