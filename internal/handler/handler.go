package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/auth"
	"github.com/honeynil/PaymentOrchestrator/internal/models"
	service "github.com/honeynil/PaymentOrchestrator/internal/services"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
)

const maxWebhookBody = 64 << 10

type Handler struct {
	service service.PaymentService
}

func NewHandler(s service.PaymentService) *Handler {
	return &Handler{service: s}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pkgerrors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, pkgerrors.ErrInvalidConfirmationToken), errors.Is(err, pkgerrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, pkgerrors.ErrUnknownTransaction):
		return http.StatusNotFound
	case errors.Is(err, pkgerrors.ErrRollbackDenied), errors.Is(err, pkgerrors.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, pkgerrors.ErrGatewayDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, pkgerrors.ErrGatewayUnavailable):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/payments", h.CreatePayment).Methods("POST")
	r.HandleFunc("/payments/{shopProcessId}", h.GetPayment).Methods("GET")
	r.HandleFunc("/payments/{shopProcessId}/challenge/cancel", h.CancelChallenge).Methods("POST")
	r.HandleFunc("/customers/{customerId}/payments", h.ListCustomerPayments).Methods("GET")
	r.HandleFunc("/webhook/confirm", h.Confirm).Methods("POST")
}

func (h *Handler) RegisterAdminRoutes(r *mux.Router, authenticate func(http.Handler) http.Handler) {
	r.Handle("/payments/{shopProcessId}/resync", authenticate(http.HandlerFunc(h.Resync))).Methods("POST")
	r.Handle("/payments/{shopProcessId}/rollback", authenticate(http.HandlerFunc(h.Rollback))).Methods("POST")
	r.Handle("/payments/{shopProcessId}/rollbacks", authenticate(http.HandlerFunc(h.ListRollbacks))).Methods("GET")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createPaymentRequest struct {
	ShopProcessID        string          `json:"shop_process_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	CardToken            string          `json:"card_token"`
	NumberOfInstallments *int            `json:"number_of_installments"`
	Description          string          `json:"description"`
	ReturnURL            string          `json:"return_url"`
	CustomerID           string          `json:"customer_id"`
}

type paymentResponse struct {
	Transaction *models.Transaction       `json:"transaction"`
	Challenge   *service.ChallengeHandoff `json:"challenge,omitempty"`
	Replayed    bool                      `json:"replayed,omitempty"`
	Error       string                    `json:"error,omitempty"`
}

// paymentStatus picks the response code for a transaction returned by create.
func paymentStatus(tx *models.Transaction) int {
	switch tx.Status {
	case models.StatusConfirmed:
		return http.StatusCreated
	case models.StatusRejected:
		return http.StatusPaymentRequired
	case models.StatusFailed:
		return http.StatusGatewayTimeout
	case models.StatusRolledBack:
		return http.StatusOK
	default:
		return http.StatusAccepted
	}
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	installments := 1
	if req.NumberOfInstallments != nil {
		installments = *req.NumberOfInstallments
	}

	result, err := h.service.Initiate(r.Context(), service.InitiateRequest{
		ShopProcessID:        req.ShopProcessID,
		Amount:               req.Amount,
		Currency:             req.Currency,
		CardToken:            req.CardToken,
		NumberOfInstallments: installments,
		Description:          req.Description,
		ReturnURL:            req.ReturnURL,
		CustomerID:           req.CustomerID,
	})
	if err != nil {
		// Gateway unavailable still hands back the CREATED record so the caller can poll it.
		if result != nil && result.Transaction != nil {
			writeJSON(w, statusFor(err), paymentResponse{Transaction: result.Transaction, Error: err.Error()})
			return
		}
		h.writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, paymentStatus(result.Transaction), paymentResponse{
		Transaction: result.Transaction,
		Challenge:   result.Challenge,
		Replayed:    result.Replayed,
	})
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetPayment(r.Context(), mux.Vars(r)["shopProcessId"])
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.CancelChallenge(r.Context(), mux.Vars(r)["shopProcessId"])
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) ListCustomerPayments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	txs, err := h.service.ListCustomerPayments(r.Context(), mux.Vars(r)["customerId"], limit, offset)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return v, nil
}

// Confirm receives the gateway's confirmation callback.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.service.ApplyConfirmation(r.Context(), payload); err != nil {
		slog.Error("confirmation rejected", "error", err, "remote_addr", r.RemoteAddr)
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) Resync(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.Resync(r.Context(), mux.Vars(r)["shopProcessId"])
	if err != nil {
		if tx != nil {
			writeJSON(w, statusFor(err), paymentResponse{Transaction: tx, Error: err.Error()})
			return
		}
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

type rollbackResponse struct {
	Attempt     *models.RollbackAttempt `json:"attempt"`
	Transaction *models.Transaction     `json:"transaction"`
}

func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	requestedBy, ok := auth.Subject(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("operator not authenticated"))
		return
	}

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.service.Rollback(r.Context(), mux.Vars(r)["shopProcessId"], req.Reason, requestedBy)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}

	status := http.StatusOK
	if result.Attempt.Status == models.RollbackGatewayError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, rollbackResponse{Attempt: result.Attempt, Transaction: result.Transaction})
}

func (h *Handler) ListRollbacks(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.ListRollbackAttempts(r.Context(), mux.Vars(r)["shopProcessId"])
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	if attempts == nil {
		attempts = []*models.RollbackAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}
