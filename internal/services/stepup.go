package service

import (
	"context"
	"log/slog"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
)

const defaultChallengeStyle = "default"

// ChallengeHandoff is what the caller needs to render the 3-D Secure challenge.
// The orchestrator does not wait for it: the result arrives as a confirmation.
type ChallengeHandoff struct {
	ShopProcessID    string `json:"shop_process_id"`
	GatewayProcessID string `json:"gateway_process_id"`
	ChallengeURL     string `json:"challenge_url"`
	Style            string `json:"style"`
}

func (s *paymentService) handoff(tx *models.Transaction, challengeURL string) *ChallengeHandoff {
	style, ok := s.opts.ChallengeStyles[tx.Currency]
	if !ok {
		style = defaultChallengeStyle
	}
	return &ChallengeHandoff{
		ShopProcessID:    tx.ShopProcessID,
		GatewayProcessID: tx.GatewayProcessID,
		ChallengeURL:     challengeURL,
		Style:            style,
	}
}

// CancelChallenge records that the buyer closed the challenge UI. The gateway keeps
// processing, so the transaction is left as it is and settles through a confirmation
// or resync.
func (s *paymentService) CancelChallenge(ctx context.Context, shopProcessID string) (*models.Transaction, error) {
	tx, err := s.store.GetByShopProcessID(ctx, shopProcessID)
	if err != nil {
		return nil, err
	}
	slog.Info("challenge closed by buyer", "shop_process_id", shopProcessID, "status", tx.Status)
	return tx, nil
}
