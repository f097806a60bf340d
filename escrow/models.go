package escrow

import "time"

// FundingMode describes who pays into the escrows of an order.
type FundingMode string

const (
	ModeSinglePayer           FundingMode = "single_payer"
	ModePerParticipant        FundingMode = "per_participant"
	ModePayerPlusParticipants FundingMode = "payer_plus_participants"
)

func (m FundingMode) Valid() bool {
	switch m {
	case ModeSinglePayer, ModePerParticipant, ModePayerPlusParticipants:
		return true
	}
	return false
}

// Category is the payee class of a routing entry.
type Category string

const (
	CategoryFabric    Category = "fabric"
	CategoryTailoring Category = "tailoring"
)

// Kind distinguishes the escrows produced for one order.
type Kind string

const (
	KindFull        Kind = "full"
	KindDeposit     Kind = "deposit"
	KindParticipant Kind = "participant"
)

// RoutingEntry is one sub-allocation of an escrow's funds.
type RoutingEntry struct {
	Category Category `json:"category"`
	PayeeID  string   `json:"payee_id"`
	Amount   int64    `json:"amount"`
}

// Escrow mirrors the escrows table. Amounts are minor currency units.
type Escrow struct {
	ID       string
	OrderID  string
	EventID  string
	PayerID  string
	PayeeID  string
	Amount   int64
	Currency string
	Mode     FundingMode
	Kind     Kind
	Status   Status
	Routing  []RoutingEntry

	GatewayRef            string
	PendingReconciliation bool

	HeldAt        *time.Time
	HoldReason    string
	ReleasedAt    *time.Time
	ReleaseReason ReleaseReason
	RefundedAt    *time.Time
	RefundReason  string
	DisputedAt    *time.Time
	DisputeReason string
	DisputedBy    string
	DisputedFrom  Status
	Resolution    *Split

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that shares no slices or pointers with e.
func (e Escrow) Clone() Escrow {
	out := e
	if e.Routing != nil {
		out.Routing = append([]RoutingEntry(nil), e.Routing...)
	}
	out.HeldAt = cloneTime(e.HeldAt)
	out.ReleasedAt = cloneTime(e.ReleasedAt)
	out.RefundedAt = cloneTime(e.RefundedAt)
	out.DisputedAt = cloneTime(e.DisputedAt)
	if e.Resolution != nil {
		r := *e.Resolution
		out.Resolution = &r
	}
	return out
}

// Split is a mediator-determined division of a disputed escrow.
type Split struct {
	PayerAmount int64  `json:"payer_amount"`
	PayeeAmount int64  `json:"payee_amount"`
	Notes       string `json:"notes,omitempty"`
}

// ReleaseReason is the closed set of reasons attached to funds movements.
type ReleaseReason string

const (
	ReasonDeliveryConfirmed ReleaseReason = "delivery_confirmed"
	ReasonManual            ReleaseReason = "manual"
	ReasonRefundRequested   ReleaseReason = "refund_requested"
	ReasonDisputeResolution ReleaseReason = "dispute_resolution"
)

type RecipientType string

const (
	RecipientPayer    RecipientType = "payer"
	RecipientPayee    RecipientType = "payee"
	RecipientPlatform RecipientType = "platform"
)

// Release is an immutable audit record of one funds movement. Reversals of an
// earlier release carry a negative amount.
type Release struct {
	ID            string
	EscrowID      string
	RecipientID   string
	RecipientType RecipientType
	Amount        int64
	Reason        ReleaseReason
	ReleasedAt    time.Time
	Notes         string
}

// SumReleases totals the amounts of a release trail.
func SumReleases(releases []Release) int64 {
	var total int64
	for _, r := range releases {
		total += r.Amount
	}
	return total
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
