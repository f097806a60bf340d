package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"escrowflow/apperr"
)

// RetryPolicy bounds the retries of one gateway call.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// Retrying retries transport failures with exponential backoff. Declines and
// pending results are returned as they are; only an exhausted budget or a
// rejected request becomes an *apperr.ExternalGatewayError.
type Retrying struct {
	next   Gateway
	policy RetryPolicy
	logger *slog.Logger
	tracer trace.Tracer
}

func NewRetrying(next Gateway, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 200 * time.Millisecond
	}
	if policy.MaxInterval < policy.InitialInterval {
		policy.MaxInterval = policy.InitialInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		next:   next,
		policy: policy,
		logger: logger,
		tracer: otel.Tracer("escrowflow/gateway"),
	}
}

func (r *Retrying) Capture(ctx context.Context, escrowID string, amount int64, key string) (Result, error) {
	return r.do(ctx, "capture", escrowID, amount, func(ctx context.Context) (Result, error) {
		return r.next.Capture(ctx, escrowID, amount, key)
	})
}

func (r *Retrying) Payout(ctx context.Context, escrowID, payeeID string, amount int64, key string) (Result, error) {
	return r.do(ctx, "payout", escrowID, amount, func(ctx context.Context) (Result, error) {
		return r.next.Payout(ctx, escrowID, payeeID, amount, key)
	})
}

func (r *Retrying) do(ctx context.Context, op, escrowID string, amount int64, call func(context.Context) (Result, error)) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(
		attribute.String("escrow.id", escrowID),
		attribute.Int64("escrow.amount", amount),
	))
	defer span.End()

	var (
		attempts int
		res      Result
	)
	operation := func() error {
		attempts++
		out, err := call(ctx)
		if err == nil {
			res = out
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		r.logger.WarnContext(ctx, "gateway call failed",
			slog.String("op", op),
			slog.String("escrow_id", escrowID),
			slog.Int("attempt", attempts),
			slog.Any("error", err),
		)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.MaxAttempts-1)), ctx))

	span.SetAttributes(attribute.Int("gateway.attempts", attempts))
	if err != nil {
		outcome := OutcomePending
		if errors.Is(err, ErrRejected) {
			outcome = OutcomeFailed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Outcome: outcome}, &apperr.ExternalGatewayError{
			Op:       op,
			EscrowID: escrowID,
			Outcome:  string(outcome),
			Attempts: attempts,
			Err:      err,
		}
	}
	span.SetAttributes(attribute.String("gateway.outcome", string(res.Outcome)))
	return res, nil
}
