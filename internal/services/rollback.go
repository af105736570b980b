package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/PaymentOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type RollbackResult struct {
	Attempt     *models.RollbackAttempt
	Transaction *models.Transaction
}

// Rollback reverses a confirmed charge. The gateway is called at most once per
// attempt; a failed attempt leaves the transaction CONFIRMED and is never retried
// automatically.
func (s *paymentService) Rollback(ctx context.Context, shopProcessID, reason, requestedBy string) (*RollbackResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "Rollback")
	defer span.End()
	span.SetAttributes(
		attribute.String("shop_process_id", shopProcessID),
		attribute.String("requested_by", requestedBy),
	)

	if reason == "" || requestedBy == "" {
		span.SetStatus(codes.Error, "invalid request")
		return nil, fmt.Errorf("%w: rollback needs a reason and a requester", pkgerrors.ErrValidation)
	}

	tx, err := s.store.GetByShopProcessID(ctx, shopProcessID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if tx.Status != models.StatusConfirmed {
		observability.RollbackAttempts.WithLabelValues(string(models.RollbackDenied)).Inc()
		slog.Warn("rollback denied", "shop_process_id", shopProcessID, "status", tx.Status, "requested_by", requestedBy)
		return nil, fmt.Errorf("%w: transaction is %s", pkgerrors.ErrRollbackDenied, tx.Status)
	}

	// An attempt whose outcome was never recorded would otherwise block every retry.
	if _, err := s.store.AbandonStaleRollbacks(ctx, shopProcessID, s.now().Add(-s.opts.RollbackStaleAfter)); err != nil {
		slog.Error("failed to close stale rollback attempts", "shop_process_id", shopProcessID, "error", err)
	}

	attempt := &models.RollbackAttempt{
		ID:            s.attemptID(),
		TransactionID: shopProcessID,
		RequestedBy:   requestedBy,
		Reason:        reason,
		Status:        models.RollbackInProgress,
	}
	if err := s.store.BeginRollback(ctx, tx, attempt); err != nil {
		if stderrors.Is(err, pkgerrors.ErrVersionConflict) || stderrors.Is(err, pkgerrors.ErrRollbackInProgress) {
			observability.RollbackAttempts.WithLabelValues(string(models.RollbackDenied)).Inc()
			slog.Warn("rollback denied, concurrent change", "shop_process_id", shopProcessID, "requested_by", requestedBy, "error", err)
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrRollbackDenied, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin rollback failed")
		return nil, fmt.Errorf("failed to begin rollback: %w", err)
	}
	// From here on the reversal may reach the gateway; a caller hanging up must not
	// abandon it or its bookkeeping. The gateway call keeps its own timeout.
	ctx = context.WithoutCancel(ctx)
	s.invalidate(ctx, shopProcessID)

	gwResult, gwErr := s.gateway.Rollback(ctx, shopProcessID, reason)
	now := s.now()
	attempt.CompletedAt = &now

	if gwErr != nil || !gwResult.Succeeded {
		attempt.Status = models.RollbackGatewayError
		if gwErr != nil {
			attempt.Result = gwErr.Error()
		} else {
			attempt.Result = gwResult.Message
		}
		if err := s.store.FailRollback(ctx, attempt); err != nil {
			slog.Error("failed to record rollback failure", "shop_process_id", shopProcessID, "attempt_id", attempt.ID, "error", err)
			return nil, fmt.Errorf("failed to record rollback failure: %w", err)
		}
		observability.RollbackAttempts.WithLabelValues(string(models.RollbackGatewayError)).Inc()
		slog.Error("gateway rollback failed", "shop_process_id", shopProcessID, "attempt_id", attempt.ID, "result", attempt.Result)
		return &RollbackResult{Attempt: attempt, Transaction: tx}, nil
	}

	attempt.Result = gwResult.Message
	tx.RollbackReason = reason
	tx.RolledBackBy = requestedBy
	tx.RolledBackAt = &now
	if err := s.store.CompleteRollback(ctx, tx, attempt); err != nil {
		// The charge is reversed at the gateway but not recorded here.
		slog.Error("gateway rollback succeeded but was not recorded",
			"shop_process_id", shopProcessID,
			"attempt_id", attempt.ID,
			"error", err)
		span.RecordError(err)
		return nil, fmt.Errorf("failed to record rollback: %w", err)
	}

	observability.RollbackAttempts.WithLabelValues(string(models.RollbackSucceeded)).Inc()
	s.transitioned(ctx, models.StatusConfirmed, tx)
	slog.Info("transaction rolled back", "shop_process_id", shopProcessID, "attempt_id", attempt.ID, "requested_by", requestedBy)
	return &RollbackResult{Attempt: attempt, Transaction: tx}, nil
}

func (s *paymentService) ListRollbackAttempts(ctx context.Context, shopProcessID string) ([]*models.RollbackAttempt, error) {
	if _, err := s.store.GetByShopProcessID(ctx, shopProcessID); err != nil {
		return nil, err
	}
	return s.store.ListRollbackAttempts(ctx, shopProcessID)
}
