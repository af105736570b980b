package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

func rollbackTx(dbTx *sql.Tx, method string, err error) error {
	if rbErr := dbTx.Rollback(); rbErr != nil {
		slog.Error("rollback failed", "method", method, "error", rbErr)
		return fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
	}
	return err
}

func (r *PostgresStore) BeginRollback(ctx context.Context, tx *models.Transaction, attempt *models.RollbackAttempt) (err error) {
	ctx, span, finish := observe(ctx, "BeginRollback")
	defer func() { finish(err) }()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		return err
	}
	if attempt == nil {
		err = pkgerrors.ErrNilRollbackAttempt
		return err
	}
	span.SetAttributes(
		attribute.String("shop_process_id", tx.ShopProcessID),
		attribute.String("attempt_id", attempt.ID),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "BeginRollback", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var version int64
	var updatedAt time.Time
	err = dbTx.QueryRowContext(ctx,
		`UPDATE transactions SET version = version + 1, updated_at = NOW()
		WHERE shop_process_id = $1 AND version = $2 AND status = $3
		RETURNING version, updated_at`,
		tx.ShopProcessID, tx.Version, models.StatusConfirmed,
	).Scan(&version, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = rollbackTx(dbTx, "BeginRollback", pkgerrors.ErrVersionConflict)
		slog.Warn("transaction changed before rollback", "method", "BeginRollback", "shop_process_id", tx.ShopProcessID, "expected_version", tx.Version)
		return err
	}
	if err != nil {
		err = rollbackTx(dbTx, "BeginRollback", err)
		slog.Error("failed to bump transaction version", "method", "BeginRollback", "shop_process_id", tx.ShopProcessID, "error", err)
		return fmt.Errorf("failed to begin rollback: %w", err)
	}

	err = dbTx.QueryRowContext(ctx,
		`INSERT INTO rollback_attempts (id, transaction_id, requested_by, reason, status)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		attempt.ID, tx.ShopProcessID, attempt.RequestedBy, attempt.Reason, models.RollbackInProgress,
	).Scan(&attempt.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, rollbackInProgressIdx) {
			err = rollbackTx(dbTx, "BeginRollback", pkgerrors.ErrRollbackInProgress)
			slog.Warn("rollback already in progress", "method", "BeginRollback", "shop_process_id", tx.ShopProcessID)
			return err
		}
		err = rollbackTx(dbTx, "BeginRollback", err)
		slog.Error("failed to insert rollback attempt", "method", "BeginRollback", "shop_process_id", tx.ShopProcessID, "error", err)
		return fmt.Errorf("failed to begin rollback: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "BeginRollback", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	tx.Version = version
	tx.UpdatedAt = updatedAt
	attempt.TransactionID = tx.ShopProcessID
	attempt.Status = models.RollbackInProgress
	slog.Info("rollback attempt started", "method", "BeginRollback", "shop_process_id", tx.ShopProcessID, "attempt_id", attempt.ID, "requested_by", attempt.RequestedBy)
	return nil
}

func (r *PostgresStore) CompleteRollback(ctx context.Context, tx *models.Transaction, attempt *models.RollbackAttempt) (err error) {
	ctx, span, finish := observe(ctx, "CompleteRollback")
	defer func() { finish(err) }()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		return err
	}
	if attempt == nil {
		err = pkgerrors.ErrNilRollbackAttempt
		return err
	}
	span.SetAttributes(
		attribute.String("shop_process_id", tx.ShopProcessID),
		attribute.String("attempt_id", attempt.ID),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "CompleteRollback", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var version int64
	var updatedAt time.Time
	err = dbTx.QueryRowContext(ctx,
		`UPDATE transactions SET status = $1, rollback_reason = $2, rolled_back_by = $3, rolled_back_at = $4,
			version = version + 1, updated_at = NOW()
		WHERE shop_process_id = $5 AND version = $6
		RETURNING version, updated_at`,
		models.StatusRolledBack, tx.RollbackReason, tx.RolledBackBy, tx.RolledBackAt,
		tx.ShopProcessID, tx.Version,
	).Scan(&version, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = rollbackTx(dbTx, "CompleteRollback", pkgerrors.ErrVersionConflict)
		slog.Error("transaction changed during rollback", "method", "CompleteRollback", "shop_process_id", tx.ShopProcessID, "expected_version", tx.Version)
		return err
	}
	if err != nil {
		err = rollbackTx(dbTx, "CompleteRollback", err)
		slog.Error("failed to mark transaction rolled back", "method", "CompleteRollback", "shop_process_id", tx.ShopProcessID, "error", err)
		return fmt.Errorf("failed to complete rollback: %w", err)
	}

	_, err = dbTx.ExecContext(ctx,
		`UPDATE rollback_attempts SET status = $1, result = $2, completed_at = $3 WHERE id = $4`,
		models.RollbackSucceeded, attempt.Result, attempt.CompletedAt, attempt.ID,
	)
	if err != nil {
		err = rollbackTx(dbTx, "CompleteRollback", err)
		slog.Error("failed to close rollback attempt", "method", "CompleteRollback", "attempt_id", attempt.ID, "error", err)
		return fmt.Errorf("failed to complete rollback: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "CompleteRollback", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	tx.Status = models.StatusRolledBack
	tx.Version = version
	tx.UpdatedAt = updatedAt
	attempt.Status = models.RollbackSucceeded
	slog.Info("rollback completed", "method", "CompleteRollback", "shop_process_id", tx.ShopProcessID, "attempt_id", attempt.ID)
	return nil
}

func (r *PostgresStore) FailRollback(ctx context.Context, attempt *models.RollbackAttempt) (err error) {
	ctx, span, finish := observe(ctx, "FailRollback")
	defer func() { finish(err) }()

	if attempt == nil {
		err = pkgerrors.ErrNilRollbackAttempt
		return err
	}
	span.SetAttributes(attribute.String("attempt_id", attempt.ID))

	res, err := r.db.ExecContext(ctx,
		`UPDATE rollback_attempts SET status = $1, result = $2, completed_at = $3 WHERE id = $4 AND status = $5`,
		attempt.Status, attempt.Result, attempt.CompletedAt, attempt.ID, models.RollbackInProgress,
	)
	if err != nil {
		slog.Error("failed to close rollback attempt", "method", "FailRollback", "attempt_id", attempt.ID, "error", err)
		return fmt.Errorf("failed to fail rollback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("rollback attempt %s is not in progress", attempt.ID)
		slog.Error("rollback attempt not open", "method", "FailRollback", "attempt_id", attempt.ID)
		return err
	}

	slog.Info("rollback attempt closed", "method", "FailRollback", "attempt_id", attempt.ID, "status", attempt.Status)
	return nil
}

func (r *PostgresStore) AbandonStaleRollbacks(ctx context.Context, shopProcessID string, olderThan time.Time) (n int, err error) {
	ctx, span, finish := observe(ctx, "AbandonStaleRollbacks")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("shop_process_id", shopProcessID))

	res, err := r.db.ExecContext(ctx,
		`UPDATE rollback_attempts SET status = $1, result = $2, completed_at = NOW()
		 WHERE transaction_id = $3 AND status = $4 AND created_at < $5`,
		models.RollbackGatewayError, models.AbandonedRollbackResult, shopProcessID, models.RollbackInProgress, olderThan,
	)
	if err != nil {
		slog.Error("failed to abandon stale rollback attempts", "method", "AbandonStaleRollbacks", "shop_process_id", shopProcessID, "error", err)
		return 0, fmt.Errorf("failed to abandon stale rollback attempts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to abandon stale rollback attempts: %w", err)
	}
	if affected > 0 {
		slog.Warn("abandoned stale rollback attempts", "method", "AbandonStaleRollbacks", "shop_process_id", shopProcessID, "count", affected)
	}
	return int(affected), nil
}

func (r *PostgresStore) ListRollbackAttempts(ctx context.Context, shopProcessID string) (attempts []*models.RollbackAttempt, err error) {
	ctx, span, finish := observe(ctx, "ListRollbackAttempts")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("shop_process_id", shopProcessID))

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+rollbackAttemptColumns+` FROM rollback_attempts WHERE transaction_id = $1 ORDER BY created_at`,
		shopProcessID,
	)
	if err != nil {
		slog.Error("failed to list rollback attempts", "method", "ListRollbackAttempts", "shop_process_id", shopProcessID, "error", err)
		return nil, fmt.Errorf("failed to list rollback attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a models.RollbackAttempt
		if err = rows.Scan(&a.ID, &a.TransactionID, &a.RequestedBy, &a.Reason, &a.Status, &a.Result, &a.CreatedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rollback attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list rollback attempts: %w", err)
	}
	return attempts, nil
}
