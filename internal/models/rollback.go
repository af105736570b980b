package models

import "time"

type RollbackAttempt struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	RequestedBy   string         `json:"requested_by"`
	Reason        string         `json:"reason"`
	Status        RollbackStatus `json:"status"`
	Result        string         `json:"result,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

type RollbackStatus string

const (
	RollbackInProgress   RollbackStatus = "IN_PROGRESS"
	RollbackSucceeded    RollbackStatus = "SUCCEEDED"
	RollbackDenied       RollbackStatus = "DENIED"
	RollbackGatewayError RollbackStatus = "GATEWAY_ERROR"
)

// AbandonedRollbackResult marks an attempt closed because its outcome was never recorded.
// The gateway may or may not have reversed the charge.
const AbandonedRollbackResult = "abandoned: no outcome recorded"

func (s RollbackStatus) Valid() bool {
	switch s {
	case RollbackInProgress, RollbackSucceeded, RollbackDenied, RollbackGatewayError:
		return true
	}
	return false
}
