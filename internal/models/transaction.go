package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Transaction struct {
	ShopProcessID        string          `json:"shop_process_id"`
	GatewayProcessID     string          `json:"gateway_process_id,omitempty"`
	CustomerID           string          `json:"customer_id,omitempty"`
	Status               StatusType      `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	NumberOfInstallments int             `json:"number_of_installments"`
	Description          string          `json:"description,omitempty"`
	CardRef              CardRef         `json:"card_ref"`
	AuthorizationCode    string          `json:"authorization_code,omitempty"`
	TicketNumber         string          `json:"ticket_number,omitempty"`
	ResponseCode         string          `json:"response_code,omitempty"`
	ResponseDescription  string          `json:"response_description,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	RollbackReason       string          `json:"rollback_reason,omitempty"`
	RolledBackBy         string          `json:"rolled_back_by,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ConfirmedAt          *time.Time      `json:"confirmed_at,omitempty"`
	RolledBackAt         *time.Time      `json:"rolled_back_at,omitempty"`
}

// CardRef points at a card held by the external vault. Token is the vault alias;
// the orchestrator never sees the card number itself.
type CardRef struct {
	Token        string `json:"token"`
	MaskedNumber string `json:"masked_number,omitempty"`
	Brand        string `json:"brand,omitempty"`
}

type StatusType string

const (
	StatusCreated           StatusType = "CREATED"
	StatusAwaitingChallenge StatusType = "AWAITING_CHALLENGE"
	StatusAuthenticated     StatusType = "AUTHENTICATED"
	StatusConfirmed         StatusType = "CONFIRMED"
	StatusRejected          StatusType = "REJECTED"
	StatusFailed            StatusType = "FAILED"
	StatusRolledBack        StatusType = "ROLLED_BACK"
)

// Transitions lists the legal forward edges for each status. Nothing moves a
// transaction into AUTHENTICATED; records stored in it are settled like a pending challenge.
var Transitions = map[StatusType][]StatusType{
	StatusCreated:           {StatusAwaitingChallenge, StatusConfirmed, StatusRejected, StatusFailed},
	StatusAwaitingChallenge: {StatusConfirmed, StatusRejected, StatusFailed},
	StatusAuthenticated:     {StatusConfirmed, StatusRejected, StatusFailed},
	StatusConfirmed:         {StatusRolledBack},
	StatusRejected:          {},
	StatusFailed:            {},
	StatusRolledBack:        {},
}

func (s StatusType) Valid() bool {
	_, ok := Transitions[s]
	return ok
}

// Terminal reports whether no outcome can move the transaction any further.
// CONFIRMED is terminal for outcomes even though a rollback may still follow it.
func (s StatusType) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// Final reports whether the record can never change again. FAILED is excluded
// because resync may still reopen it.
func (s StatusType) Final() bool {
	return s == StatusRejected || s == StatusRolledBack
}

func (s StatusType) CanTransitionTo(next StatusType) bool {
	for _, candidate := range Transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsReopen reports the single edge that breaks monotonicity: a transaction failed
// on timeout that the gateway later reports as authorized.
func IsReopen(from, to StatusType) bool {
	return from == StatusFailed && to == StatusConfirmed
}

// Outcome is a terminal gateway answer for a payment, whatever channel delivered it.
type Outcome struct {
	Authorized          bool   `json:"authorized"`
	GatewayProcessID    string `json:"gateway_process_id,omitempty"`
	AuthorizationCode   string `json:"authorization_code,omitempty"`
	TicketNumber        string `json:"ticket_number,omitempty"`
	ResponseCode        string `json:"response_code,omitempty"`
	ResponseDescription string `json:"response_description,omitempty"`
}

// TransactionEvent is published on every state change.
type TransactionEvent struct {
	ShopProcessID string          `json:"shop_process_id"`
	From          StatusType      `json:"from"`
	To            StatusType      `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Version       int64           `json:"version"`
	Reopened      bool            `json:"reopened,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
