package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"escrowflow/escrow"
)

// Topics written by the ledger.
const (
	TopicPayout          = "escrow.payout"
	TopicHeld            = "escrow.held"
	TopicReleased        = "escrow.released"
	TopicRefunded        = "escrow.refunded"
	TopicDisputed        = "escrow.disputed"
	TopicDisputeResolved = "escrow.dispute_resolved"
	TopicReleaseReversed = "escrow.release_reversed"
	TopicRecoveryOwed    = "escrow.recovery_owed"
	TopicOrderCreated    = "order.created"
	TopicOrderDelivered  = "order.delivered"
)

type Status string

const (
	StatusPending Status = "pending"
	// StatusSending marks a message claimed by a dispatcher. The claim lapses
	// at AvailableAt, after which another dispatcher may take it over.
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDead      Status = "dead"
	StatusCancelled Status = "cancelled"
)

// Cancellable reports whether no dispatcher has touched the message yet.
func (m Message) Cancellable() bool {
	return m.Status == StatusPending && m.Attempts == 0
}

// Message mirrors the outbox table. Key is the partition key, normally the
// escrow id, so events of one escrow stay ordered.
type Message struct {
	ID          string
	Topic       string
	Key         string
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	LastError   string
	AvailableAt time.Time
	CreatedAt   time.Time
	SentAt      *time.Time
}

// PayoutPayload instructs the dispatcher to move funds for one release.
type PayoutPayload struct {
	EscrowID       string `json:"escrow_id"`
	ReleaseID      string `json:"release_id"`
	RecipientID    string `json:"recipient_id"`
	RecipientType  string `json:"recipient_type"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

// EventPayload is the notification body of a terminal transition.
type EventPayload struct {
	EscrowID   string `json:"escrow_id,omitempty"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status,omitempty"`
	Previous   string `json:"previous_status,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

// PayoutKey is the gateway idempotency key of a release. Retries of the same
// release reuse it, so a payout is never issued twice.
func PayoutKey(escrowID, releaseID string) string {
	return fmt.Sprintf("payout:%s:%s", escrowID, releaseID)
}

// NewPayout builds the payout instruction for a positive release.
func NewPayout(id string, e escrow.Escrow, r escrow.Release, now time.Time) Message {
	return newMessage(id, TopicPayout, e.ID, PayoutPayload{
		EscrowID:       e.ID,
		ReleaseID:      r.ID,
		RecipientID:    r.RecipientID,
		RecipientType:  string(r.RecipientType),
		Amount:         r.Amount,
		Currency:       e.Currency,
		IdempotencyKey: PayoutKey(e.ID, r.ID),
	}, now)
}

// NewEvent builds a notification message.
func NewEvent(id, topic, key string, payload EventPayload, now time.Time) Message {
	if payload.OccurredAt == "" {
		payload.OccurredAt = now.UTC().Format(time.RFC3339Nano)
	}
	return newMessage(id, topic, key, payload, now)
}

// DecodePayout reads the payout instruction of a TopicPayout message.
func DecodePayout(m Message) (PayoutPayload, error) {
	var p PayoutPayload
	if m.Topic != TopicPayout {
		return p, fmt.Errorf("outbox: message %s is %s, not a payout", m.ID, m.Topic)
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("outbox: decode payout %s: %w", m.ID, err)
	}
	return p, nil
}

type payload interface {
	PayoutPayload | EventPayload
}

// newMessage only accepts the payload structs above. They hold strings and
// integers, so encoding them cannot fail.
func newMessage[P payload](id, topic, key string, p P, now time.Time) Message {
	body, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("outbox: encode %T: %v", p, err))
	}
	return Message{
		ID:          id,
		Topic:       topic,
		Key:         key,
		Payload:     body,
		Status:      StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
	}
}
