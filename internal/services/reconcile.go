package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ApplyOutcome settles a pending transaction with a terminal gateway answer. Outcomes
// for transactions already terminal are ignored and the stored record is returned, so
// the webhook, the Kafka relay and resync may all deliver the same answer safely.
func (s *paymentService) ApplyOutcome(ctx context.Context, shopProcessID string, outcome models.Outcome) (*models.Transaction, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "ApplyOutcome")
	defer span.End()
	span.SetAttributes(
		attribute.String("shop_process_id", shopProcessID),
		attribute.Bool("authorized", outcome.Authorized),
	)

	tx, err := s.applyOutcome(ctx, shopProcessID, outcome, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply outcome failed")
		return nil, err
	}
	return tx, nil
}

// ApplyConfirmation verifies a gateway confirmation payload and applies its outcome.
func (s *paymentService) ApplyConfirmation(ctx context.Context, payload []byte) error {
	conf, err := s.gateway.ParseConfirmation(payload)
	if err != nil {
		slog.Warn("rejected gateway confirmation", "error", err)
		return err
	}

	stored, err := s.store.GetByShopProcessID(ctx, conf.ShopProcessID)
	if err != nil {
		return err
	}
	if !stored.Amount.Equal(conf.Amount) || stored.Currency != conf.Currency {
		slog.Error("confirmation does not match transaction",
			"shop_process_id", conf.ShopProcessID,
			"amount", conf.Amount.StringFixed(2),
			"expected_amount", stored.Amount.StringFixed(2),
			"currency", conf.Currency)
		return fmt.Errorf("%w: confirmation amount or currency mismatch", pkgerrors.ErrValidation)
	}

	_, err = s.ApplyOutcome(ctx, conf.ShopProcessID, conf.Outcome)
	return err
}

func (s *paymentService) applyOutcome(ctx context.Context, shopProcessID string, outcome models.Outcome, allowReopen bool) (*models.Transaction, error) {
	target := models.StatusRejected
	if outcome.Authorized {
		target = models.StatusConfirmed
	}

	return s.mutate(ctx, shopProcessID, func(tx *models.Transaction) (bool, error) {
		reopen := allowReopen && models.IsReopen(tx.Status, target)
		if tx.Status.Terminal() && !reopen {
			slog.Info("outcome for settled transaction ignored",
				"shop_process_id", shopProcessID,
				"status", tx.Status,
				"authorized", outcome.Authorized)
			return false, nil
		}
		if !reopen && !tx.Status.CanTransitionTo(target) {
			return false, fmt.Errorf("%w: %s cannot move to %s", pkgerrors.ErrInvalidTransactionStatus, tx.Status, target)
		}

		if reopen {
			slog.Warn("reopening failed transaction as confirmed",
				"shop_process_id", shopProcessID,
				"reopened", true,
				"failure_reason", tx.FailureReason)
			tx.FailureReason = ""
		}

		tx.Status = target
		if outcome.GatewayProcessID != "" {
			tx.GatewayProcessID = outcome.GatewayProcessID
		}
		tx.AuthorizationCode = outcome.AuthorizationCode
		tx.TicketNumber = outcome.TicketNumber
		tx.ResponseCode = outcome.ResponseCode
		tx.ResponseDescription = outcome.ResponseDescription
		if target == models.StatusConfirmed {
			now := s.now()
			tx.ConfirmedAt = &now
		}

		slog.Info("transaction settled",
			"shop_process_id", shopProcessID,
			"status", target,
			"response_code", outcome.ResponseCode)
		return true, nil
	})
}

func (s *paymentService) markAwaitingChallenge(ctx context.Context, shopProcessID, gatewayProcessID string) (*models.Transaction, error) {
	return s.mutate(ctx, shopProcessID, func(tx *models.Transaction) (bool, error) {
		if tx.Status != models.StatusCreated {
			// A confirmation raced ahead of the create response.
			return false, nil
		}
		tx.Status = models.StatusAwaitingChallenge
		tx.GatewayProcessID = gatewayProcessID
		return true, nil
	})
}

func (s *paymentService) markFailed(ctx context.Context, shopProcessID, reason string) (*models.Transaction, error) {
	return s.mutate(ctx, shopProcessID, func(tx *models.Transaction) (bool, error) {
		if tx.Status.Terminal() {
			return false, nil
		}
		tx.Status = models.StatusFailed
		tx.FailureReason = reason
		slog.Warn("transaction failed", "shop_process_id", shopProcessID, "reason", reason)
		return true, nil
	})
}
