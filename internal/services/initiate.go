package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/honeynil/PaymentOrchestrator/internal/gateway"
	"github.com/honeynil/PaymentOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type InitiateRequest struct {
	// ShopProcessID is set when the caller retries a checkout it already started.
	ShopProcessID        string
	Amount               decimal.Decimal
	Currency             string
	CardToken            string
	NumberOfInstallments int
	Description          string
	ReturnURL            string
	CustomerID           string
}

type InitiateResult struct {
	Transaction *models.Transaction
	Challenge   *ChallengeHandoff
	// Replayed is set when the key already existed and no gateway call was made.
	Replayed bool
}

func (r InitiateRequest) validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", pkgerrors.ErrValidation)
	}
	if !r.Amount.Equal(r.Amount.Round(2)) {
		return fmt.Errorf("%w: amount has more than two decimal places", pkgerrors.ErrValidation)
	}
	if !currencyPattern.MatchString(r.Currency) {
		return fmt.Errorf("%w: currency must be an ISO 4217 code", pkgerrors.ErrValidation)
	}
	if r.CardToken == "" {
		return fmt.Errorf("%w: card token is required", pkgerrors.ErrValidation)
	}
	if r.NumberOfInstallments < 1 {
		return fmt.Errorf("%w: number of installments must be at least 1", pkgerrors.ErrValidation)
	}
	return nil
}

func (s *paymentService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	tracer := otel.Tracer("payment-service")
	ctx, span := tracer.Start(ctx, "Initiate")
	defer span.End()

	if err := req.validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	shopProcessID := req.ShopProcessID
	if shopProcessID == "" {
		shopProcessID = s.keys.Generate()
	}
	span.SetAttributes(attribute.String("shop_process_id", shopProcessID))

	if req.ShopProcessID != "" {
		if existing, err := s.store.GetByShopProcessID(ctx, shopProcessID); err == nil {
			return replay(existing, req)
		} else if !stderrors.Is(err, pkgerrors.ErrUnknownTransaction) {
			span.RecordError(err)
			return nil, err
		}
	}

	card, err := s.vault.ResolveToken(ctx, req.CardToken)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to resolve card token", "shop_process_id", shopProcessID, "error", err)
		return nil, err
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = s.opts.ReturnURL
	}

	tx := &models.Transaction{
		ShopProcessID:        shopProcessID,
		CustomerID:           req.CustomerID,
		Status:               models.StatusCreated,
		Amount:               req.Amount,
		Currency:             req.Currency,
		NumberOfInstallments: req.NumberOfInstallments,
		Description:          req.Description,
		CardRef:              card,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		if stderrors.Is(err, pkgerrors.ErrDuplicateTransaction) {
			// Another request with the same key won the insert; it owns the gateway call.
			existing, getErr := s.store.GetByShopProcessID(ctx, shopProcessID)
			if getErr != nil {
				return nil, getErr
			}
			return replay(existing, req)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	s.transitioned(ctx, "", tx)

	slog.Info("payment initiated",
		"shop_process_id", shopProcessID,
		"amount", req.Amount.StringFixed(2),
		"currency", req.Currency,
		"customer_id", req.CustomerID)

	result, err := s.gateway.CreatePayment(ctx, gateway.CreatePaymentRequest{
		ShopProcessID:        shopProcessID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		CardToken:            card.Token,
		NumberOfInstallments: req.NumberOfInstallments,
		Description:          req.Description,
		ReturnURL:            returnURL,
	})
	if err != nil {
		span.RecordError(err)
		if stderrors.Is(err, pkgerrors.ErrGatewayDeclined) {
			result = &gateway.CreatePaymentResult{Kind: gateway.ResultDeclined, Outcome: models.Outcome{ResponseDescription: err.Error()}}
		} else {
			// Outcome unknown: leave CREATED for resync to settle.
			slog.Error("gateway outcome unknown, leaving transaction for resync", "shop_process_id", shopProcessID, "error", err)
			if !stderrors.Is(err, pkgerrors.ErrGatewayUnavailable) {
				err = fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
			}
			return &InitiateResult{Transaction: tx}, err
		}
	}

	switch result.Kind {
	case gateway.ResultChallengeRequired:
		updated, err := s.markAwaitingChallenge(ctx, shopProcessID, result.GatewayProcessID)
		if err != nil {
			return nil, err
		}
		if updated.Status != models.StatusAwaitingChallenge {
			return &InitiateResult{Transaction: updated}, nil
		}
		return &InitiateResult{
			Transaction: updated,
			Challenge:   s.handoff(updated, result.ChallengeURL),
		}, nil

	case gateway.ResultAuthorized:
		outcome := result.Outcome
		outcome.Authorized = true
		if outcome.GatewayProcessID == "" {
			outcome.GatewayProcessID = result.GatewayProcessID
		}
		updated, err := s.applyOutcome(ctx, shopProcessID, outcome, false)
		if err != nil {
			return nil, err
		}
		return &InitiateResult{Transaction: updated}, nil

	default:
		outcome := result.Outcome
		outcome.Authorized = false
		updated, err := s.applyOutcome(ctx, shopProcessID, outcome, false)
		if err != nil {
			return nil, err
		}
		return &InitiateResult{Transaction: updated}, nil
	}
}

// replay answers a retried checkout from the stored record.
func replay(existing *models.Transaction, req InitiateRequest) (*InitiateResult, error) {
	if !existing.Amount.Equal(req.Amount) || existing.Currency != req.Currency {
		slog.Warn("idempotency key reused with different parameters",
			"shop_process_id", existing.ShopProcessID,
			"amount", req.Amount.StringFixed(2),
			"stored_amount", existing.Amount.StringFixed(2))
		return nil, fmt.Errorf("%w: shop process id %s was used for a different payment", pkgerrors.ErrValidation, existing.ShopProcessID)
	}
	slog.Info("replaying existing payment", "shop_process_id", existing.ShopProcessID, "status", existing.Status)
	return &InitiateResult{Transaction: existing, Replayed: true}, nil
}
