package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrowflow/apperr"
	"escrowflow/escrow"
	"escrowflow/order"
	"escrowflow/outbox"
)

// Memory is an in-process Store. It also serves as the outbox queue so the
// dispatcher can run against it in development and tests.
type Memory struct {
	mu sync.Mutex

	orders          map[string]order.Order
	escrows         map[string]escrow.Escrow
	escrowsByOrder  map[string][]string
	gatewayRefs     map[string]string
	releases        map[string][]escrow.Release
	releaseIDs      map[string]struct{}
	disputes        map[string]escrow.Dispute
	disputeByEscrow map[string]string
	messages        []outbox.Message
	messageIndex    map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		orders:          make(map[string]order.Order),
		escrows:         make(map[string]escrow.Escrow),
		escrowsByOrder:  make(map[string][]string),
		gatewayRefs:     make(map[string]string),
		releases:        make(map[string][]escrow.Release),
		releaseIDs:      make(map[string]struct{}),
		disputes:        make(map[string]escrow.Dispute),
		disputeByEscrow: make(map[string]string),
		messageIndex:    make(map[string]int),
	}
}

func (m *Memory) Order(_ context.Context, id string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("store: order %s: %w", id, apperr.ErrNotFound)
	}
	return o.Clone(), nil
}

func (m *Memory) Escrow(_ context.Context, id string) (escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return escrow.Escrow{}, fmt.Errorf("store: escrow %s: %w", id, apperr.ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *Memory) EscrowsByOrder(_ context.Context, orderID string) ([]escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.escrowsByOrder[orderID]
	out := make([]escrow.Escrow, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.escrows[id].Clone())
	}
	return out, nil
}

func (m *Memory) PendingReconciliation(_ context.Context, limit int) ([]escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []escrow.Escrow
	for _, e := range m.escrows {
		if e.PendingReconciliation && e.Status == escrow.StatusCreated {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Releases(_ context.Context, escrowID string) ([]escrow.Release, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]escrow.Release(nil), m.releases[escrowID]...), nil
}

func (m *Memory) Payouts(_ context.Context, escrowID string) ([]outbox.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Message
	for _, msg := range m.messages {
		if msg.Topic == outbox.TopicPayout && msg.Key == escrowID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) Dispute(_ context.Context, id string) (escrow.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return escrow.Dispute{}, fmt.Errorf("store: dispute %s: %w", id, apperr.ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *Memory) DisputeByEscrow(_ context.Context, escrowID string) (escrow.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.disputeByEscrow[escrowID]
	if !ok {
		return escrow.Dispute{}, fmt.Errorf("store: dispute for escrow %s: %w", escrowID, apperr.ErrNotFound)
	}
	return m.disputes[id].Clone(), nil
}

// Commit validates every precondition of cs before applying anything.
func (m *Memory) Commit(ctx context.Context, cs ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(cs); err != nil {
		return err
	}
	m.apply(cs)
	return nil
}

func (m *Memory) check(cs ChangeSet) error {
	newOrders := make(map[string]struct{}, len(cs.NewOrders))
	for _, o := range cs.NewOrders {
		if _, exists := m.orders[o.ID]; exists {
			return &apperr.ConcurrencyError{Entity: "order", ID: o.ID}
		}
		newOrders[o.ID] = struct{}{}
	}

	newEscrows := make(map[string]struct{}, len(cs.NewEscrows))
	for _, e := range cs.NewEscrows {
		if _, exists := m.escrows[e.ID]; exists {
			return &apperr.ConcurrencyError{Entity: "escrow", ID: e.ID}
		}
		_, stored := m.orders[e.OrderID]
		_, fresh := newOrders[e.OrderID]
		if !stored && !fresh {
			return fmt.Errorf("store: escrow %s references order %s: %w", e.ID, e.OrderID, apperr.ErrNotFound)
		}
		newEscrows[e.ID] = struct{}{}
	}

	touched := make(map[string]struct{}, len(cs.Escrows))
	for _, u := range cs.Escrows {
		current, ok := m.escrows[u.Next.ID]
		if !ok {
			return fmt.Errorf("store: escrow %s: %w", u.Next.ID, apperr.ErrNotFound)
		}
		if _, dup := touched[u.Next.ID]; dup {
			return fmt.Errorf("store: escrow %s updated twice in one change set", u.Next.ID)
		}
		touched[u.Next.ID] = struct{}{}
		if current.Version != u.Expected {
			return &apperr.ConcurrencyError{Entity: "escrow", ID: u.Next.ID, Expected: u.Expected}
		}
		if ref := u.Next.GatewayRef; ref != "" {
			if owner, taken := m.gatewayRefs[ref]; taken && owner != u.Next.ID {
				return apperr.Validation("gateway_reference_in_use", "gateway_reference",
					fmt.Sprintf("gateway reference %s already funds escrow %s", ref, owner))
			}
		}
	}

	for _, u := range cs.Dimensions {
		o, ok := m.orders[u.OrderID]
		if !ok {
			return fmt.Errorf("store: order %s: %w", u.OrderID, apperr.ErrNotFound)
		}
		if current := o.Dimension(u.Dimension); current.Version != u.Expected {
			return &apperr.ConcurrencyError{Entity: "order." + string(u.Dimension), ID: u.OrderID, Expected: u.Expected}
		}
	}

	for _, r := range cs.Releases {
		if _, dup := m.releaseIDs[r.ID]; dup {
			return &apperr.ConcurrencyError{Entity: "escrow_release", ID: r.ID}
		}
		_, stored := m.escrows[r.EscrowID]
		_, fresh := newEscrows[r.EscrowID]
		if !stored && !fresh {
			return fmt.Errorf("store: release %s references escrow %s: %w", r.ID, r.EscrowID, apperr.ErrNotFound)
		}
	}

	for _, d := range cs.NewDisputes {
		if _, exists := m.disputeByEscrow[d.EscrowID]; exists {
			return &apperr.ConcurrencyError{Entity: "dispute", ID: d.EscrowID}
		}
	}

	for _, u := range cs.Disputes {
		current, ok := m.disputes[u.Next.ID]
		if !ok {
			return fmt.Errorf("store: dispute %s: %w", u.Next.ID, apperr.ErrNotFound)
		}
		if current.Version != u.Expected {
			return &apperr.ConcurrencyError{Entity: "dispute", ID: u.Next.ID, Expected: u.Expected}
		}
	}

	for _, id := range cs.CancelPayouts {
		idx, ok := m.messageIndex[id]
		if !ok {
			return fmt.Errorf("store: outbox message %s: %w", id, apperr.ErrNotFound)
		}
		if msg := m.messages[idx]; msg.Topic != outbox.TopicPayout || !msg.Cancellable() {
			return &apperr.ConcurrencyError{Entity: "outbox", ID: id}
		}
	}
	return nil
}

func (m *Memory) apply(cs ChangeSet) {
	for _, o := range cs.NewOrders {
		o = o.Clone()
		for _, d := range order.Dimensions {
			fs := o.Dimension(d)
			fs.Version = 1
			o.SetDimension(d, fs)
		}
		m.orders[o.ID] = o
	}
	for _, e := range cs.NewEscrows {
		e = e.Clone()
		e.Version = 1
		m.escrows[e.ID] = e
		m.escrowsByOrder[e.OrderID] = append(m.escrowsByOrder[e.OrderID], e.ID)
		if e.GatewayRef != "" {
			m.gatewayRefs[e.GatewayRef] = e.ID
		}
	}
	for _, u := range cs.Escrows {
		e := u.Next.Clone()
		e.Version = u.Expected + 1
		m.escrows[e.ID] = e
		if e.GatewayRef != "" {
			m.gatewayRefs[e.GatewayRef] = e.ID
		}
	}
	for _, u := range cs.Dimensions {
		o := m.orders[u.OrderID]
		fs := u.Next
		fs.Version = u.Expected + 1
		o.SetDimension(u.Dimension, fs)
		m.orders[u.OrderID] = o
	}
	for _, r := range cs.Releases {
		m.releases[r.EscrowID] = append(m.releases[r.EscrowID], r)
		m.releaseIDs[r.ID] = struct{}{}
	}
	for _, d := range cs.NewDisputes {
		d = d.Clone()
		d.Version = 1
		m.disputes[d.ID] = d
		m.disputeByEscrow[d.EscrowID] = d.ID
	}
	for _, u := range cs.Disputes {
		d := u.Next.Clone()
		d.Version = u.Expected + 1
		m.disputes[d.ID] = d
	}
	for _, id := range cs.CancelPayouts {
		idx := m.messageIndex[id]
		m.messages[idx].Status = outbox.StatusCancelled
		m.messages[idx].LastError = "superseded by dispute resolution"
	}
	for _, msg := range cs.Messages {
		m.messageIndex[msg.ID] = len(m.messages)
		m.messages = append(m.messages, msg)
	}
}

// Claim hands out due messages, oldest first, and holds them until
// now+lease.
func (m *Memory) Claim(_ context.Context, limit int, now time.Time, lease time.Duration) ([]outbox.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []outbox.Message
	for i := range m.messages {
		msg := &m.messages[i]
		if (msg.Status != outbox.StatusPending && msg.Status != outbox.StatusSending) || msg.AvailableAt.After(now) {
			continue
		}
		msg.Status = outbox.StatusSending
		msg.AvailableAt = now.Add(lease)
		out = append(out, *msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.messageIndex[id]
	if !ok {
		return fmt.Errorf("store: outbox message %s: %w", id, apperr.ErrNotFound)
	}
	sent := at
	m.messages[idx].Status = outbox.StatusSent
	m.messages[idx].Attempts++
	m.messages[idx].SentAt = &sent
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.messageIndex[id]
	if !ok {
		return fmt.Errorf("store: outbox message %s: %w", id, apperr.ErrNotFound)
	}
	m.messages[idx].Attempts = attempts
	m.messages[idx].AvailableAt = next
	m.messages[idx].LastError = lastErr
	m.messages[idx].Status = outbox.StatusPending
	if dead {
		m.messages[idx].Status = outbox.StatusDead
	}
	return nil
}

// Messages returns a snapshot of the outbox.
func (m *Memory) Messages() []outbox.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outbox.Message(nil), m.messages...)
}
