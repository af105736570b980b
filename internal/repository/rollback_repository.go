package repository

import (
	"context"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
)

type RollbackRepository interface {
	// BeginRollback bumps tx.Version and records an IN_PROGRESS attempt in one step.
	// It fails with ErrVersionConflict when tx is stale or no longer CONFIRMED, and with
	// ErrRollbackInProgress when another attempt is still open.
	BeginRollback(ctx context.Context, tx *models.Transaction, attempt *models.RollbackAttempt) error
	// CompleteRollback moves tx to ROLLED_BACK and closes the attempt as SUCCEEDED.
	CompleteRollback(ctx context.Context, tx *models.Transaction, attempt *models.RollbackAttempt) error
	FailRollback(ctx context.Context, attempt *models.RollbackAttempt) error
	// AbandonStaleRollbacks closes IN_PROGRESS attempts created before olderThan as
	// GATEWAY_ERROR, so a crashed or unrecorded attempt no longer blocks a retry.
	AbandonStaleRollbacks(ctx context.Context, shopProcessID string, olderThan time.Time) (int, error)
	ListRollbackAttempts(ctx context.Context, shopProcessID string) ([]*models.RollbackAttempt, error)
}

// Store is what the payment service needs from persistence.
type Store interface {
	TransactionRepository
	RollbackRepository
}
