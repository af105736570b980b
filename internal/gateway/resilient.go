package gateway

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
)

type Timeouts struct {
	Create   time.Duration
	Status   time.Duration
	Rollback time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Create:   5 * time.Second,
		Status:   2 * time.Second,
		Rollback: 5 * time.Second,
	}
}

// CreateRetryDelay is the pause before a create is sent again.
const CreateRetryDelay = 100 * time.Millisecond

// Resilient bounds every gateway call with a per-operation timeout. CreatePayment is
// retried with the same ShopProcessID while the gateway is unavailable, up to
// createRetries extra attempts; declines and rollbacks are never retried.
type Resilient struct {
	next          Gateway
	timeouts      Timeouts
	createRetries int
}

func NewResilient(next Gateway, timeouts Timeouts, createRetries int) *Resilient {
	if createRetries < 0 {
		createRetries = 0
	}
	return &Resilient{next: next, timeouts: timeouts, createRetries: createRetries}
}

func (r *Resilient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error) {
	var result *CreatePaymentResult
	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, r.timeouts.Create)
		defer cancel()
		res, err := r.next.CreatePayment(callCtx, req)
		if err != nil {
			if !stderrors.Is(err, pkgerrors.ErrGatewayUnavailable) {
				return backoff.Permanent(err)
			}
			slog.Warn("gateway unavailable on create", "shop_process_id", req.ShopProcessID, "attempt", attempt, "error", err)
			return err
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(CreateRetryDelay), uint64(r.createRetries)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Resilient) GetStatus(ctx context.Context, shopProcessID string) (*StatusResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeouts.Status)
	defer cancel()
	return r.next.GetStatus(ctx, shopProcessID)
}

func (r *Resilient) Rollback(ctx context.Context, shopProcessID, reason string) (*RollbackResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeouts.Rollback)
	defer cancel()
	return r.next.Rollback(ctx, shopProcessID, reason)
}

func (r *Resilient) ParseConfirmation(payload []byte) (*Confirmation, error) {
	return r.next.ParseConfirmation(payload)
}
