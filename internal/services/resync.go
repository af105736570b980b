package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var staleStatuses = []models.StatusType{
	models.StatusCreated,
	models.StatusAwaitingChallenge,
	models.StatusAuthenticated,
}

// Resync asks the gateway for the outcome of a transaction whose state is uncertain.
// A FAILED transaction the gateway reports as authorized is reopened to CONFIRMED.
func (s *paymentService) Resync(ctx context.Context, shopProcessID string) (*models.Transaction, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "Resync")
	defer span.End()
	span.SetAttributes(attribute.String("shop_process_id", shopProcessID))

	tx, err := s.store.GetByShopProcessID(ctx, shopProcessID)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() && tx.Status != models.StatusFailed {
		return tx, nil
	}

	status, err := s.gateway.GetStatus(ctx, shopProcessID)
	if err == nil && !status.Pending {
		return s.applyOutcome(ctx, shopProcessID, status.Outcome, true)
	}
	if err != nil {
		slog.Warn("gateway status unavailable", "shop_process_id", shopProcessID, "error", err)
	}

	if tx.Status == models.StatusFailed {
		return tx, nil
	}
	if s.now().Sub(tx.CreatedAt) < s.opts.GraceWindow {
		return tx, err
	}

	reason := fmt.Sprintf("timeout: no terminal gateway outcome within %s", s.opts.GraceWindow)
	return s.markFailed(ctx, shopProcessID, reason)
}

// SweepStale resyncs pending transactions older than the grace window.
func (s *paymentService) SweepStale(ctx context.Context, limit int) (int, error) {
	cutoff := s.now().Add(-s.opts.GraceWindow)
	stale, err := s.store.ListStale(ctx, staleStatuses, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale transactions: %w", err)
	}

	settled := 0
	for _, tx := range stale {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		updated, err := s.Resync(ctx, tx.ShopProcessID)
		if err != nil {
			slog.Error("resync failed", "shop_process_id", tx.ShopProcessID, "error", err)
			continue
		}
		if updated.Status != tx.Status {
			settled++
		}
	}

	if len(stale) > 0 {
		slog.Info("stale sweep finished", "checked", len(stale), "settled", settled)
	}
	return settled, nil
}
