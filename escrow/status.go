package escrow

import (
	"escrowflow/apperr"
)

// Status is the ledger state of an escrow.
type Status string

const (
	StatusCreated  Status = "created"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

var transitions = map[Status][]Status{
	StatusCreated:  {StatusHeld, StatusRefunded},
	StatusHeld:     {StatusReleased, StatusRefunded, StatusDisputed},
	StatusReleased: {StatusDisputed},
	StatusDisputed: {StatusReleased},
	StatusRefunded: nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the escrow graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a StateConflictError carrying the escrow's current
// state when e cannot move to next.
func (e Escrow) CheckTransition(next Status) error {
	if CanTransition(e.Status, next) {
		return nil
	}
	return apperr.Conflict("escrow", e.ID, string(e.Status), string(next))
}

// Terminal reports whether no ordinary ledger operation applies any more.
// A released escrow may still be disputed inside the dispute window.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}
