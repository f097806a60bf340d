package escrow

import "time"

// DisputeStatus is the lifecycle of a dispute record. A dispute that does not
// exist yet is "not started".
type DisputeStatus string

const (
	DisputeSubmitted DisputeStatus = "submitted"
	DisputeReviewing DisputeStatus = "reviewing"
	DisputeResolved  DisputeStatus = "resolved"
)

// Dispute mirrors the disputes table.
type Dispute struct {
	ID          string
	EscrowID    string
	OrderID     string
	InitiatorID string
	ReasonCode  string
	Description string
	Evidence    []string
	Status      DisputeStatus
	Resolution  *Split
	ReviewerID  string
	ResolvedBy  string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}

func (d Dispute) Clone() Dispute {
	out := d
	out.Evidence = append([]string(nil), d.Evidence...)
	if d.Resolution != nil {
		r := *d.Resolution
		out.Resolution = &r
	}
	out.ResolvedAt = cloneTime(d.ResolvedAt)
	return out
}

// Open reports whether the dispute still freezes its escrow.
func (d Dispute) Open() bool {
	return d.Status != DisputeResolved
}
