package embedded_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
	"github.com/honeynil/PaymentOrchestrator/internal/repository/embedded"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *embedded.BoltStore {
	t.Helper()
	s, err := embedded.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTransaction(id string) *models.Transaction {
	return &models.Transaction{
		ShopProcessID:        id,
		CustomerID:           "cust-1",
		Status:               models.StatusCreated,
		Amount:               decimal.RequireFromString("100.50"),
		Currency:             "USD",
		NumberOfInstallments: 1,
		CardRef:              models.CardRef{Token: "alias-1"},
	}
}

func confirmedTransaction(t *testing.T, s *embedded.BoltStore, id string) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := newTransaction(id)
	require.NoError(t, s.Create(ctx, tx))
	tx.Status = models.StatusConfirmed
	require.NoError(t, s.Update(ctx, tx))
	return tx
}

func TestBoltStore_Create(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("NilTransaction", func(t *testing.T) {
		assert.ErrorIs(t, s.Create(ctx, nil), pkgerrors.ErrNilTransaction)
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		tx := newTransaction("neg")
		tx.Amount = decimal.NewFromInt(-1)
		assert.ErrorIs(t, s.Create(ctx, tx), pkgerrors.ErrValidation)
	})

	t.Run("Success", func(t *testing.T) {
		tx := newTransaction("spid-1")
		require.NoError(t, s.Create(ctx, tx))
		assert.Equal(t, int64(1), tx.Version)
		assert.False(t, tx.CreatedAt.IsZero())

		stored, err := s.GetByShopProcessID(ctx, "spid-1")
		require.NoError(t, err)
		assert.True(t, stored.Amount.Equal(decimal.RequireFromString("100.50")))
		assert.Equal(t, models.StatusCreated, stored.Status)
	})

	t.Run("Duplicate", func(t *testing.T) {
		assert.ErrorIs(t, s.Create(ctx, newTransaction("spid-1")), pkgerrors.ErrDuplicateTransaction)
	})
}

func TestBoltStore_GetUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetByShopProcessID(context.Background(), "missing")
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownTransaction)
}

func TestBoltStore_UpdateCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTransaction("spid-1")))

	first, err := s.GetByShopProcessID(ctx, "spid-1")
	require.NoError(t, err)
	second, err := s.GetByShopProcessID(ctx, "spid-1")
	require.NoError(t, err)

	first.Status = models.StatusConfirmed
	require.NoError(t, s.Update(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = models.StatusRejected
	assert.ErrorIs(t, s.Update(ctx, second), pkgerrors.ErrVersionConflict)

	stored, err := s.GetByShopProcessID(ctx, "spid-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
}

func TestBoltStore_UpdateKeepsAmountImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx := newTransaction("spid-1")
	require.NoError(t, s.Create(ctx, tx))

	tx.Amount = decimal.NewFromInt(1)
	tx.Currency = "EUR"
	require.NoError(t, s.Update(ctx, tx))

	stored, err := s.GetByShopProcessID(ctx, "spid-1")
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("100.50")))
	assert.Equal(t, "USD", stored.Currency)
}

func TestBoltStore_ListStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, newTransaction(id)))
	}
	c, err := s.GetByShopProcessID(ctx, "c")
	require.NoError(t, err)
	c.Status = models.StatusRejected
	require.NoError(t, s.Update(ctx, c))

	stale, err := s.ListStale(ctx, []models.StatusType{models.StatusCreated, models.StatusAwaitingChallenge}, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	none, err := s.ListStale(ctx, []models.StatusType{models.StatusCreated}, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := s.ListStale(ctx, []models.StatusType{models.StatusCreated}, time.Now().Add(time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestBoltStore_ListByCustomer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, newTransaction(fmt.Sprintf("spid-%d", i))))
	}
	other := newTransaction("other")
	other.CustomerID = "cust-2"
	require.NoError(t, s.Create(ctx, other))

	txs, err := s.ListByCustomer(ctx, "cust-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 3)

	page, err := s.ListByCustomer(ctx, "cust-1", 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	empty, err := s.ListByCustomer(ctx, "cust-1", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBoltStore_Rollback(t *testing.T) {
	ctx := context.Background()

	t.Run("RequiresConfirmed", func(t *testing.T) {
		s := newTestStore(t)
		tx := newTransaction("spid-1")
		require.NoError(t, s.Create(ctx, tx))

		err := s.BeginRollback(ctx, tx, &models.RollbackAttempt{ID: "att-1"})
		assert.ErrorIs(t, err, pkgerrors.ErrVersionConflict)
	})

	t.Run("CompleteFlow", func(t *testing.T) {
		s := newTestStore(t)
		tx := confirmedTransaction(t, s, "spid-1")

		attempt := &models.RollbackAttempt{ID: "att-1", RequestedBy: "admin", Reason: "duplicate"}
		require.NoError(t, s.BeginRollback(ctx, tx, attempt))
		assert.Equal(t, int64(3), tx.Version)
		assert.Equal(t, models.RollbackInProgress, attempt.Status)

		now := time.Now().UTC()
		tx.RollbackReason = "duplicate"
		tx.RolledBackBy = "admin"
		tx.RolledBackAt = &now
		attempt.Result = "success"
		attempt.CompletedAt = &now
		require.NoError(t, s.CompleteRollback(ctx, tx, attempt))

		stored, err := s.GetByShopProcessID(ctx, "spid-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusRolledBack, stored.Status)
		assert.Equal(t, "admin", stored.RolledBackBy)
		assert.Equal(t, int64(4), stored.Version)

		attempts, err := s.ListRollbackAttempts(ctx, "spid-1")
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, models.RollbackSucceeded, attempts[0].Status)
	})

	t.Run("FailedAttemptAllowsRetry", func(t *testing.T) {
		s := newTestStore(t)
		tx := confirmedTransaction(t, s, "spid-1")

		attempt := &models.RollbackAttempt{ID: "att-1"}
		require.NoError(t, s.BeginRollback(ctx, tx, attempt))
		attempt.Status = models.RollbackGatewayError
		attempt.Result = "timeout"
		require.NoError(t, s.FailRollback(ctx, attempt))
		assert.Error(t, s.FailRollback(ctx, attempt))

		require.NoError(t, s.BeginRollback(ctx, tx, &models.RollbackAttempt{ID: "att-2"}))
		attempts, err := s.ListRollbackAttempts(ctx, "spid-1")
		require.NoError(t, err)
		assert.Len(t, attempts, 2)
	})

	t.Run("SingleInProgressUnderConcurrency", func(t *testing.T) {
		s := newTestStore(t)
		tx := confirmedTransaction(t, s, "spid-1")

		var wg sync.WaitGroup
		results := make([]error, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				snapshot := *tx
				results[i] = s.BeginRollback(ctx, &snapshot, &models.RollbackAttempt{ID: fmt.Sprintf("att-%d", i)})
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
			}
		}
		assert.Equal(t, 1, succeeded)

		attempts, err := s.ListRollbackAttempts(ctx, "spid-1")
		require.NoError(t, err)
		assert.Len(t, attempts, 1)
	})

	t.Run("OpenAttemptBlocksNewOne", func(t *testing.T) {
		s := newTestStore(t)
		tx := confirmedTransaction(t, s, "spid-1")
		require.NoError(t, s.BeginRollback(ctx, tx, &models.RollbackAttempt{ID: "att-1"}))

		err := s.BeginRollback(ctx, tx, &models.RollbackAttempt{ID: "att-2"})
		assert.ErrorIs(t, err, pkgerrors.ErrRollbackInProgress)
	})
}

func TestBoltStore_AbandonStaleRollbacks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tx := confirmedTransaction(t, s, "spid-1")
	require.NoError(t, s.BeginRollback(ctx, tx, &models.RollbackAttempt{ID: "att-1"}))

	closed, err := s.AbandonStaleRollbacks(ctx, "spid-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, closed)

	closed, err = s.AbandonStaleRollbacks(ctx, "spid-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	attempts, err := s.ListRollbackAttempts(ctx, "spid-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.RollbackGatewayError, attempts[0].Status)
	assert.Equal(t, models.AbandonedRollbackResult, attempts[0].Result)
	assert.NotNil(t, attempts[0].CompletedAt)

	require.NoError(t, s.BeginRollback(ctx, tx, &models.RollbackAttempt{ID: "att-2"}))
}
