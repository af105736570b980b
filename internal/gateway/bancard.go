package gateway

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/PaymentOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	chargePath        = "/vpos/api/0.3/charge"
	confirmationsPath = "/vpos/api/0.3/single_buy/confirmations"
	rollbackPath      = "/vpos/api/0.3/single_buy/rollback"
	checkoutPath      = "/checkout/new/"

	approvedResponse     = "S"
	approvedResponseCode = "00"

	// Message key returned when the charge has already settled and must be reversed by hand.
	alreadyConfirmedKey = "TransactionAlreadyConfirmed"
)

type BancardConfig struct {
	BaseURL    string
	PublicKey  string
	PrivateKey string
}

// BancardClient talks to the Bancard vPOS 0.3 API.
type BancardClient struct {
	cfg    BancardConfig
	client *http.Client
}

func NewBancardClient(cfg BancardConfig, client *http.Client) *BancardClient {
	if client == nil {
		client = &http.Client{}
	}
	client.Transport = otelhttp.NewTransport(transportOrDefault(client.Transport))
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &BancardClient{cfg: cfg, client: client}
}

func transportOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}

func (c *BancardClient) token(parts ...string) string {
	sum := md5.Sum([]byte(c.cfg.PrivateKey + strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func formatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

type operation struct {
	Token            string `json:"token"`
	ShopProcessID    string `json:"shop_process_id"`
	Amount           string `json:"amount,omitempty"`
	NumberOfPayments int    `json:"number_of_payments,omitempty"`
	Currency         string `json:"currency,omitempty"`
	AdditionalData   string `json:"additional_data,omitempty"`
	Description      string `json:"description,omitempty"`
	AliasToken       string `json:"alias_token,omitempty"`
	ReturnURL        string `json:"return_url,omitempty"`
}

type request struct {
	PublicKey string    `json:"public_key"`
	Operation operation `json:"operation"`
}

type operationResult struct {
	Token               string `json:"token"`
	ShopProcessID       string `json:"shop_process_id"`
	ProcessID           string `json:"process_id"`
	Response            string `json:"response"`
	ResponseDetails     string `json:"response_details"`
	Amount              string `json:"amount"`
	Currency            string `json:"currency"`
	AuthorizationNumber string `json:"authorization_number"`
	TicketNumber        string `json:"ticket_number"`
	ResponseCode        string `json:"response_code"`
	ResponseDescription string `json:"response_description"`
}

func (o *operationResult) outcome() models.Outcome {
	return models.Outcome{
		Authorized:          o.Response == approvedResponse && o.ResponseCode == approvedResponseCode,
		GatewayProcessID:    o.ProcessID,
		AuthorizationCode:   o.AuthorizationNumber,
		TicketNumber:        o.TicketNumber,
		ResponseCode:        o.ResponseCode,
		ResponseDescription: o.ResponseDescription,
	}
}

type message struct {
	Key   string `json:"key"`
	Level string `json:"level"`
	Dsc   string `json:"dsc"`
}

type response struct {
	Status       string           `json:"status"`
	ProcessID    string           `json:"process_id"`
	Operation    *operationResult `json:"operation"`
	Confirmation *operationResult `json:"confirmation"`
	Messages     []message        `json:"messages"`
}

func (r *response) result() *operationResult {
	if r.Operation != nil {
		return r.Operation
	}
	return r.Confirmation
}

func (r *response) messageKeys() string {
	keys := make([]string, 0, len(r.Messages))
	for _, m := range r.Messages {
		keys = append(keys, m.Key)
	}
	return strings.Join(keys, ",")
}

func (r *response) hasMessage(key string) bool {
	for _, m := range r.Messages {
		if m.Key == key {
			return true
		}
	}
	return false
}

// post sends an operation and decodes the reply. Transport failures and 5xx map to
// ErrGatewayUnavailable; 4xx replies are returned decoded alongside ErrGatewayDeclined.
func (c *BancardClient) post(ctx context.Context, op, path string, body request) (resp *response, err error) {
	tracer := otel.Tracer("bancard-gateway")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("shop_process_id", body.Operation.ShopProcessID))

	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
			if stderrors.Is(err, pkgerrors.ErrGatewayUnavailable) {
				result = "unavailable"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.GatewayCalls.WithLabelValues(op, result).Inc()
		observability.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		slog.Error("gateway request failed", "operation", op, "shop_process_id", body.Operation.ShopProcessID, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", pkgerrors.ErrGatewayUnavailable, op, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %v", pkgerrors.ErrGatewayUnavailable, op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	if httpResp.StatusCode >= http.StatusInternalServerError {
		slog.Error("gateway returned server error", "operation", op, "status", httpResp.StatusCode)
		return nil, fmt.Errorf("%w: %s: status %d", pkgerrors.ErrGatewayUnavailable, op, httpResp.StatusCode)
	}

	resp = &response{}
	if err = json.Unmarshal(raw, resp); err != nil {
		return nil, fmt.Errorf("%w: %s: malformed response: %v", pkgerrors.ErrGatewayUnavailable, op, err)
	}

	if httpResp.StatusCode >= http.StatusBadRequest {
		slog.Warn("gateway refused request", "operation", op, "status", httpResp.StatusCode, "messages", resp.messageKeys())
		return resp, fmt.Errorf("%w: %s: %s", pkgerrors.ErrGatewayDeclined, op, resp.messageKeys())
	}
	return resp, nil
}

func (c *BancardClient) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatePaymentResult, error) {
	amount := formatAmount(req.Amount)
	body := request{
		PublicKey: c.cfg.PublicKey,
		Operation: operation{
			Token:            c.token(req.ShopProcessID, "charge", amount, req.Currency, req.CardToken),
			ShopProcessID:    req.ShopProcessID,
			Amount:           amount,
			NumberOfPayments: req.NumberOfInstallments,
			Currency:         req.Currency,
			Description:      req.Description,
			AliasToken:       req.CardToken,
			ReturnURL:        req.ReturnURL,
		},
	}

	resp, err := c.post(ctx, "charge", chargePath, body)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrGatewayDeclined) {
			return &CreatePaymentResult{
				Kind:    ResultDeclined,
				Outcome: models.Outcome{ResponseDescription: resp.messageKeys()},
			}, nil
		}
		return nil, err
	}

	result := resp.result()
	if result == nil {
		return nil, fmt.Errorf("%w: charge: response without operation", pkgerrors.ErrGatewayUnavailable)
	}

	if result.Response == "" && result.ProcessID != "" {
		return &CreatePaymentResult{
			Kind:             ResultChallengeRequired,
			GatewayProcessID: result.ProcessID,
			ChallengeURL:     c.cfg.BaseURL + checkoutPath + result.ProcessID,
		}, nil
	}

	outcome := result.outcome()
	kind := ResultDeclined
	if outcome.Authorized {
		kind = ResultAuthorized
	}
	return &CreatePaymentResult{Kind: kind, GatewayProcessID: result.ProcessID, Outcome: outcome}, nil
}

func (c *BancardClient) GetStatus(ctx context.Context, shopProcessID string) (*StatusResult, error) {
	body := request{
		PublicKey: c.cfg.PublicKey,
		Operation: operation{
			Token:         c.token(shopProcessID, "get_confirmation"),
			ShopProcessID: shopProcessID,
		},
	}

	resp, err := c.post(ctx, "get_confirmation", confirmationsPath, body)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrGatewayDeclined) {
			// The gateway answers 4xx while the buyer has not finished paying.
			return &StatusResult{Pending: true}, nil
		}
		return nil, err
	}

	result := resp.result()
	if result == nil || result.Response == "" {
		return &StatusResult{Pending: true}, nil
	}
	return &StatusResult{Outcome: result.outcome()}, nil
}

func (c *BancardClient) Rollback(ctx context.Context, shopProcessID, reason string) (*RollbackResult, error) {
	body := request{
		PublicKey: c.cfg.PublicKey,
		Operation: operation{
			Token:         c.token(shopProcessID, "rollback", "0.00"),
			ShopProcessID: shopProcessID,
		},
	}

	slog.Info("requesting gateway rollback", "shop_process_id", shopProcessID, "reason", reason)
	resp, err := c.post(ctx, "rollback", rollbackPath, body)
	if err != nil {
		if stderrors.Is(err, pkgerrors.ErrGatewayDeclined) {
			msg := resp.messageKeys()
			if resp.hasMessage(alreadyConfirmedKey) {
				msg = "transaction already settled, manual reversal required"
			}
			return &RollbackResult{Succeeded: false, Message: msg}, nil
		}
		return nil, err
	}

	if resp.Status != "success" {
		return &RollbackResult{Succeeded: false, Message: resp.messageKeys()}, nil
	}
	return &RollbackResult{Succeeded: true, Message: resp.Status}, nil
}

type confirmationPayload struct {
	Operation operationResult `json:"operation"`
}

func (c *BancardClient) ParseConfirmation(payload []byte) (*Confirmation, error) {
	var p confirmationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: malformed confirmation: %v", pkgerrors.ErrValidation, err)
	}
	op := p.Operation
	if op.ShopProcessID == "" {
		return nil, fmt.Errorf("%w: confirmation without shop_process_id", pkgerrors.ErrValidation)
	}

	amount, err := decimal.NewFromString(op.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: confirmation amount %q", pkgerrors.ErrValidation, op.Amount)
	}

	expected := c.token(op.ShopProcessID, "confirm", formatAmount(amount), op.Currency)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(op.Token)) != 1 {
		slog.Warn("confirmation token mismatch", "shop_process_id", op.ShopProcessID)
		return nil, pkgerrors.ErrInvalidConfirmationToken
	}

	return &Confirmation{
		ShopProcessID: op.ShopProcessID,
		Amount:        amount,
		Currency:      op.Currency,
		Outcome:       op.outcome(),
	}, nil
}

// ConfirmationToken signs a confirmation the way the gateway does. Used to build test fixtures.
func (c *BancardClient) ConfirmationToken(shopProcessID string, amount decimal.Decimal, currency string) string {
	return c.token(shopProcessID, "confirm", formatAmount(amount), currency)
}
