package gateway

import (
	"context"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=gateway.go -destination=mocks/mock_gateway.go -package=mocks

// Gateway is the card-payment processor. Implementations return errors wrapping
// pkg/errors.ErrGatewayUnavailable when the outcome is unknown (timeouts, 5xx,
// transport failures) and ErrGatewayDeclined when the request itself was refused.
type Gateway interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error)
	GetStatus(ctx context.Context, shopProcessID string) (*StatusResult, error)
	Rollback(ctx context.Context, shopProcessID, reason string) (*RollbackResult, error)
	ParseConfirmation(payload []byte) (*Confirmation, error)
}

type CreatePaymentRequest struct {
	ShopProcessID        string
	Amount               decimal.Decimal
	Currency             string
	CardToken            string
	NumberOfInstallments int
	Description          string
	ReturnURL            string
}

type ResultKind string

const (
	ResultAuthorized        ResultKind = "authorized"
	ResultChallengeRequired ResultKind = "challenge_required"
	ResultDeclined          ResultKind = "declined"
)

type CreatePaymentResult struct {
	Kind             ResultKind
	GatewayProcessID string
	ChallengeURL     string
	Outcome          models.Outcome
}

// StatusResult is either Pending or carries a terminal Outcome.
type StatusResult struct {
	Pending bool
	Outcome models.Outcome
}

type RollbackResult struct {
	Succeeded bool
	Message   string
}

// Confirmation is a verified asynchronous outcome pushed by the gateway.
type Confirmation struct {
	ShopProcessID string
	Amount        decimal.Decimal
	Currency      string
	Outcome       models.Outcome
}
