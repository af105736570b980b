// Package embedded is a single-file BoltDB store for development and tests.
// Bolt serialises writers, so each compare-and-swap runs inside one Update
// transaction without extra locking.
package embedded

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
)

var (
	transactionsBucket = []byte("transactions")
	attemptsBucket     = []byte("rollback_attempts")
)

type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{transactionsBucket, attemptsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func attemptKey(shopProcessID, attemptID string) []byte {
	return []byte(shopProcessID + "/" + attemptID)
}

func getTransaction(b *bolt.Bucket, shopProcessID string) (*models.Transaction, error) {
	v := b.Get([]byte(shopProcessID))
	if v == nil {
		return nil, pkgerrors.ErrUnknownTransaction
	}
	var t models.Transaction
	if err := json.Unmarshal(v, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &t, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *BoltStore) Create(ctx context.Context, t *models.Transaction) error {
	if t == nil {
		return pkgerrors.ErrNilTransaction
	}
	if !t.Status.Valid() {
		return pkgerrors.ErrInvalidTransactionStatus
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", pkgerrors.ErrValidation)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		if b.Get([]byte(t.ShopProcessID)) != nil {
			return pkgerrors.ErrDuplicateTransaction
		}
		now := s.now()
		t.CreatedAt = now
		t.UpdatedAt = now
		if t.Version == 0 {
			t.Version = 1
		}
		return putJSON(b, []byte(t.ShopProcessID), t)
	})
	if err != nil {
		slog.Info("failed to create transaction", "method", "Create", "shop_process_id", t.ShopProcessID, "error", err)
		return err
	}
	slog.Info("transaction created", "method", "Create", "shop_process_id", t.ShopProcessID)
	return nil
}

func (s *BoltStore) GetByShopProcessID(ctx context.Context, shopProcessID string) (*models.Transaction, error) {
	var t *models.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = getTransaction(tx.Bucket(transactionsBucket), shopProcessID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) Update(ctx context.Context, t *models.Transaction) error {
	if t == nil {
		return pkgerrors.ErrNilTransaction
	}

	var updated models.Transaction
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		stored, err := getTransaction(b, t.ShopProcessID)
		if err != nil {
			return err
		}
		if stored.Version != t.Version {
			return pkgerrors.ErrVersionConflict
		}

		// Identity and money fields are immutable after Create.
		updated = *t
		updated.Amount = stored.Amount
		updated.Currency = stored.Currency
		updated.CardRef = stored.CardRef
		updated.CustomerID = stored.CustomerID
		updated.CreatedAt = stored.CreatedAt
		updated.Version = stored.Version + 1
		updated.UpdatedAt = s.now()
		return putJSON(b, []byte(t.ShopProcessID), &updated)
	})
	if err != nil {
		slog.Warn("failed to update transaction", "method", "Update", "shop_process_id", t.ShopProcessID, "expected_version", t.Version, "error", err)
		return err
	}

	t.Version = updated.Version
	t.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *BoltStore) ListStale(ctx context.Context, statuses []models.StatusType, olderThan time.Time, limit int) ([]*models.Transaction, error) {
	wanted := make(map[models.StatusType]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	txs, err := s.scan(func(t *models.Transaction) bool {
		return wanted[t.Status] && t.CreatedAt.Before(olderThan)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (s *BoltStore) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]*models.Transaction, error) {
	txs, err := s.scan(func(t *models.Transaction) bool {
		return t.CustomerID == customerID
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	if offset >= len(txs) {
		return nil, nil
	}
	txs = txs[offset:]
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (s *BoltStore) scan(match func(*models.Transaction) bool) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).ForEach(func(k, v []byte) error {
			var t models.Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if match(&t) {
				txs = append(txs, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (s *BoltStore) BeginRollback(ctx context.Context, t *models.Transaction, attempt *models.RollbackAttempt) error {
	if t == nil {
		return pkgerrors.ErrNilTransaction
	}
	if attempt == nil {
		return pkgerrors.ErrNilRollbackAttempt
	}

	var version int64
	var updatedAt time.Time
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		stored, err := getTransaction(b, t.ShopProcessID)
		if err != nil {
			return err
		}
		if stored.Version != t.Version || stored.Status != models.StatusConfirmed {
			return pkgerrors.ErrVersionConflict
		}

		ab := tx.Bucket(attemptsBucket)
		c := ab.Cursor()
		prefix := []byte(t.ShopProcessID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var open models.RollbackAttempt
			if err := json.Unmarshal(v, &open); err != nil {
				return err
			}
			if open.Status == models.RollbackInProgress {
				return pkgerrors.ErrRollbackInProgress
			}
		}

		now := s.now()
		stored.Version++
		stored.UpdatedAt = now
		if err := putJSON(b, []byte(t.ShopProcessID), stored); err != nil {
			return err
		}

		attempt.TransactionID = t.ShopProcessID
		attempt.Status = models.RollbackInProgress
		attempt.CreatedAt = now
		version, updatedAt = stored.Version, now
		return putJSON(ab, attemptKey(t.ShopProcessID, attempt.ID), attempt)
	})
	if err != nil {
		slog.Warn("failed to begin rollback", "method", "BeginRollback", "shop_process_id", t.ShopProcessID, "error", err)
		return err
	}

	t.Version = version
	t.UpdatedAt = updatedAt
	return nil
}

func (s *BoltStore) CompleteRollback(ctx context.Context, t *models.Transaction, attempt *models.RollbackAttempt) error {
	if t == nil {
		return pkgerrors.ErrNilTransaction
	}
	if attempt == nil {
		return pkgerrors.ErrNilRollbackAttempt
	}

	var version int64
	var updatedAt time.Time
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(transactionsBucket)
		stored, err := getTransaction(b, t.ShopProcessID)
		if err != nil {
			return err
		}
		if stored.Version != t.Version {
			return pkgerrors.ErrVersionConflict
		}

		now := s.now()
		stored.Status = models.StatusRolledBack
		stored.RollbackReason = t.RollbackReason
		stored.RolledBackBy = t.RolledBackBy
		stored.RolledBackAt = t.RolledBackAt
		stored.Version++
		stored.UpdatedAt = now
		if err := putJSON(b, []byte(t.ShopProcessID), stored); err != nil {
			return err
		}

		closed := *attempt
		closed.Status = models.RollbackSucceeded
		version, updatedAt = stored.Version, now
		return putJSON(tx.Bucket(attemptsBucket), attemptKey(t.ShopProcessID, attempt.ID), &closed)
	})
	if err != nil {
		slog.Error("failed to complete rollback", "method", "CompleteRollback", "shop_process_id", t.ShopProcessID, "error", err)
		return err
	}

	t.Status = models.StatusRolledBack
	t.Version = version
	t.UpdatedAt = updatedAt
	attempt.Status = models.RollbackSucceeded
	return nil
}

func (s *BoltStore) FailRollback(ctx context.Context, attempt *models.RollbackAttempt) error {
	if attempt == nil {
		return pkgerrors.ErrNilRollbackAttempt
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		ab := tx.Bucket(attemptsBucket)
		key := attemptKey(attempt.TransactionID, attempt.ID)
		v := ab.Get(key)
		if v == nil {
			return fmt.Errorf("rollback attempt %s not found", attempt.ID)
		}
		var stored models.RollbackAttempt
		if err := json.Unmarshal(v, &stored); err != nil {
			return err
		}
		if stored.Status != models.RollbackInProgress {
			return fmt.Errorf("rollback attempt %s is not in progress", attempt.ID)
		}
		return putJSON(ab, key, attempt)
	})
}

func (s *BoltStore) AbandonStaleRollbacks(ctx context.Context, shopProcessID string, olderThan time.Time) (int, error) {
	closed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		ab := tx.Bucket(attemptsBucket)
		c := ab.Cursor()
		prefix := []byte(shopProcessID + "/")
		var stale []*models.RollbackAttempt
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var a models.RollbackAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Status == models.RollbackInProgress && a.CreatedAt.Before(olderThan) {
				stale = append(stale, &a)
			}
		}

		now := s.now()
		for _, a := range stale {
			a.Status = models.RollbackGatewayError
			a.Result = models.AbandonedRollbackResult
			a.CompletedAt = &now
			if err := putJSON(ab, attemptKey(shopProcessID, a.ID), a); err != nil {
				return err
			}
		}
		closed = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		slog.Warn("abandoned stale rollback attempts", "method", "AbandonStaleRollbacks", "shop_process_id", shopProcessID, "count", closed)
	}
	return closed, nil
}

func (s *BoltStore) ListRollbackAttempts(ctx context.Context, shopProcessID string) ([]*models.RollbackAttempt, error) {
	var attempts []*models.RollbackAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(attemptsBucket).Cursor()
		prefix := []byte(shopProcessID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var a models.RollbackAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			attempts = append(attempts, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(attempts, func(i, j int) bool { return attempts[i].CreatedAt.Before(attempts[j].CreatedAt) })
	return attempts, nil
}
