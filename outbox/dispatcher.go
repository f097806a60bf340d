package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"escrowflow/gateway"
)

// Queue is the storage side of the outbox. Claim hands out due messages and
// marks them StatusSending until now+lease, so a dispute resolution cannot
// cancel a payout that is already on its way to the gateway.
type Queue interface {
	Claim(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]Message, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error
}

type DispatcherConfig struct {
	BatchSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
	PollInterval time.Duration
	Lease        time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	return c
}

const maxRetryDelay = time.Hour

var (
	errPayoutPending = errors.New("outbox: payout pending at gateway")
	errPermanent     = errors.New("outbox: permanent failure")
)

// Dispatcher moves committed messages out of the outbox: payout instructions
// to the payment gateway, everything else to the notifier.
type Dispatcher struct {
	queue    Queue
	gateway  gateway.Gateway
	notifier Notifier
	cfg      DispatcherConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(q Queue, gw gateway.Gateway, n Notifier, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		gateway:  gw,
		notifier: n,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
	}
}

func (d *Dispatcher) WithLogger(logger *slog.Logger) *Dispatcher {
	if logger != nil {
		d.logger = logger
	}
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "outbox dispatch failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch and reports how many messages were sent.
// Delivery failures are recorded on the message; only queue errors are
// returned.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	msgs, err := d.queue.Claim(ctx, d.cfg.BatchSize, d.now().UTC(), d.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}
	sent := 0
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		deliverErr := d.deliver(ctx, msg)
		now := d.now().UTC()
		if deliverErr == nil {
			if err := d.queue.MarkSent(ctx, msg.ID, now); err != nil {
				return sent, fmt.Errorf("outbox: mark sent %s: %w", msg.ID, err)
			}
			sent++
			continue
		}

		attempts := msg.Attempts + 1
		dead := attempts >= d.cfg.MaxAttempts || errors.Is(deliverErr, errPermanent)
		next := now.Add(d.delay(attempts))
		if err := d.queue.MarkFailed(ctx, msg.ID, attempts, next, deliverErr.Error(), dead); err != nil {
			return sent, fmt.Errorf("outbox: mark failed %s: %w", msg.ID, err)
		}
		if dead {
			d.logger.ErrorContext(ctx, "outbox message dead, operator action required",
				slog.String("message_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", attempts),
				slog.String("error", deliverErr.Error()),
			)
		} else {
			d.logger.WarnContext(ctx, "outbox delivery failed",
				slog.String("message_id", msg.ID),
				slog.String("topic", msg.Topic),
				slog.Int("attempts", attempts),
				slog.Time("next_attempt", next),
				slog.String("error", deliverErr.Error()),
			)
		}
	}
	return sent, nil
}

func (d *Dispatcher) delay(attempts int) time.Duration {
	delay := d.cfg.RetryDelay
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) error {
	if msg.Topic != TopicPayout {
		if d.notifier == nil {
			return nil
		}
		return d.notifier.Notify(ctx, msg)
	}

	p, err := DecodePayout(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	if p.Amount <= 0 {
		return nil
	}
	res, err := d.gateway.Payout(ctx, p.EscrowID, p.RecipientID, p.Amount, p.IdempotencyKey)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			return fmt.Errorf("%w: %v", errPermanent, err)
		}
		return err
	}
	switch res.Outcome {
	case gateway.OutcomeSuccess:
		return nil
	case gateway.OutcomeFailed:
		return fmt.Errorf("%w: payout declined: %s", errPermanent, res.Message)
	default:
		return errPayoutPending
	}
}
