package gateway

import (
	"context"
	"sync"
)

// Sandbox is an in-process Gateway for development and tests. It honours
// idempotency keys the way a real processor does: settled results are
// replayed, pending ones are evaluated again.
type Sandbox struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	timeouts map[string]int
	results  map[string]Result
	captures map[string]int
	payouts  map[string]int64
	calls    int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		outcomes: make(map[string]Outcome),
		timeouts: make(map[string]int),
		results:  make(map[string]Result),
		captures: make(map[string]int),
		payouts:  make(map[string]int64),
	}
}

// SetOutcome scripts the outcome of future calls for an escrow.
func (s *Sandbox) SetOutcome(escrowID string, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[escrowID] = o
}

// FailNext makes the next n calls for an escrow time out.
func (s *Sandbox) FailNext(escrowID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[escrowID] = n
}

func (s *Sandbox) Capture(ctx context.Context, escrowID string, _ int64, key string) (Result, error) {
	return s.call(ctx, escrowID, key, "cap_", func() { s.captures[escrowID]++ })
}

func (s *Sandbox) Payout(ctx context.Context, escrowID, _ string, amount int64, key string) (Result, error) {
	return s.call(ctx, escrowID, key, "po_", func() { s.payouts[key] = amount })
}

func (s *Sandbox) call(ctx context.Context, escrowID, key, prefix string, settle func()) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if n := s.timeouts[escrowID]; n > 0 {
		s.timeouts[escrowID] = n - 1
		return Result{}, ErrTimeout
	}
	if res, ok := s.results[key]; ok {
		return res, nil
	}

	outcome, ok := s.outcomes[escrowID]
	if !ok {
		outcome = OutcomeSuccess
	}
	res := Result{Outcome: outcome}
	switch outcome {
	case OutcomeSuccess:
		res.Reference = prefix + key
		settle()
		s.results[key] = res
	case OutcomeFailed:
		res.Message = "declined"
		s.results[key] = res
	}
	return res, nil
}

// Captures reports how many captures settled for an escrow.
func (s *Sandbox) Captures(escrowID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures[escrowID]
}

// Payouts returns settled payout amounts by idempotency key.
func (s *Sandbox) Payouts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.payouts))
	for k, v := range s.payouts {
		out[k] = v
	}
	return out
}

// Calls counts every call that reached the sandbox.
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
