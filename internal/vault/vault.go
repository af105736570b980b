package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// CardVault resolves a card token into the display data the orchestrator may keep.
// The vault owns the card itself; only the token and masked details ever reach us.
type CardVault interface {
	ResolveToken(ctx context.Context, token string) (models.CardRef, error)
}

// Passthrough accepts any non-empty token without contacting a vault.
type Passthrough struct{}

func (Passthrough) ResolveToken(_ context.Context, token string) (models.CardRef, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.CardRef{}, fmt.Errorf("%w: card token is required", pkgerrors.ErrValidation)
	}
	return models.CardRef{Token: token}, nil
}

// DefaultTimeout bounds a vault lookup when the caller's client sets none.
const DefaultTimeout = 5 * time.Second

type HTTPVault struct {
	baseURL string
	client  *http.Client
}

func NewHTTPVault(baseURL string, client *http.Client) *HTTPVault {
	if client == nil {
		client = &http.Client{}
	}
	rt := client.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(rt)
	if client.Timeout == 0 {
		client.Timeout = DefaultTimeout
	}
	return &HTTPVault{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type cardResponse struct {
	AliasToken string `json:"alias_token"`
	CardMasked string `json:"card_masked_number"`
	CardBrand  string `json:"card_brand"`
}

func (v *HTTPVault) ResolveToken(ctx context.Context, token string) (models.CardRef, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.CardRef{}, fmt.Errorf("%w: card token is required", pkgerrors.ErrValidation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/cards/"+url.PathEscape(token), nil)
	if err != nil {
		return models.CardRef{}, fmt.Errorf("failed to build vault request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		slog.Error("vault request failed", "error", err)
		return models.CardRef{}, fmt.Errorf("vault unavailable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.CardRef{}, fmt.Errorf("%w: unknown card token", pkgerrors.ErrValidation)
	case resp.StatusCode != http.StatusOK:
		return models.CardRef{}, fmt.Errorf("vault returned status %d", resp.StatusCode)
	}

	var card cardResponse
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return models.CardRef{}, fmt.Errorf("failed to decode vault response: %w", err)
	}

	return models.CardRef{Token: token, MaskedNumber: card.CardMasked, Brand: card.CardBrand}, nil
}

// New returns the HTTP vault when an address is configured and Passthrough otherwise.
func New(baseURL string) CardVault {
	if baseURL == "" {
		return Passthrough{}
	}
	return NewHTTPVault(baseURL, nil)
}
