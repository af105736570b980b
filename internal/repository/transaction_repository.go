package repository

import (
	"context"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
)

// TransactionRepository persists payment transactions. Update is a compare-and-swap on
// Version: it succeeds only while the stored version equals tx.Version, and on success
// tx.Version holds the new value.
type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByShopProcessID(ctx context.Context, shopProcessID string) (*models.Transaction, error)
	Update(ctx context.Context, tx *models.Transaction) error
	ListStale(ctx context.Context, statuses []models.StatusType, olderThan time.Time, limit int) ([]*models.Transaction, error)
	ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]*models.Transaction, error)
}
