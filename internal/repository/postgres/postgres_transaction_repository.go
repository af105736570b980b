package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/PaymentOrchestrator/internal/models"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	uniqueViolation = "23505"

	transactionsPkey       = "transactions_pkey"
	rollbackInProgressIdx  = "rollback_attempts_one_in_progress"
	transactionColumns     = `shop_process_id, gateway_process_id, customer_id, status, amount, currency, number_of_installments, description, card_token, card_masked_number, card_brand, authorization_code, ticket_number, response_code, response_description, failure_reason, rollback_reason, rolled_back_by, version, created_at, updated_at, confirmed_at, rolled_back_at`
	rollbackAttemptColumns = `id, transaction_id, requested_by, reason, status, result, created_at, completed_at`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// observe starts a span and returns a finisher that records the call outcome.
func observe(ctx context.Context, method string) (context.Context, trace.Span, func(error)) {
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, method)
	start := time.Now()
	return ctx, span, func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues(method, status).Inc()
		observability.RepositoryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		span.End()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(
		&tx.ShopProcessID, &tx.GatewayProcessID, &tx.CustomerID, &tx.Status, &tx.Amount, &tx.Currency,
		&tx.NumberOfInstallments, &tx.Description, &tx.CardRef.Token, &tx.CardRef.MaskedNumber, &tx.CardRef.Brand,
		&tx.AuthorizationCode, &tx.TicketNumber, &tx.ResponseCode, &tx.ResponseDescription,
		&tx.FailureReason, &tx.RollbackReason, &tx.RolledBackBy, &tx.Version,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.ConfirmedAt, &tx.RolledBackAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == uniqueViolation && pqErr.Constraint == constraint
}

func (r *PostgresStore) Create(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span, finish := observe(ctx, "CreateTransaction")
	defer func() { finish(err) }()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}

	if !tx.Status.Valid() {
		err = pkgerrors.ErrInvalidTransactionStatus
		slog.Error("invalid transaction status", "method", "Create", "status", tx.Status, "error", err)
		return err
	}

	if !tx.Amount.IsPositive() {
		err = fmt.Errorf("%w: amount must be positive", pkgerrors.ErrValidation)
		slog.Error("amount must be positive", "method", "Create", "amount", tx.Amount, "error", err)
		return err
	}

	span.SetAttributes(
		attribute.String("shop_process_id", tx.ShopProcessID),
		attribute.String("amount", tx.Amount.StringFixed(2)),
		attribute.String("currency", tx.Currency),
		attribute.String("status", string(tx.Status)),
	)

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "Create", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if tx.Version == 0 {
		tx.Version = 1
	}
	query := `INSERT INTO transactions (shop_process_id, gateway_process_id, customer_id, status, amount, currency, number_of_installments, description, card_token, card_masked_number, card_brand, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING created_at, updated_at`
	err = dbTx.QueryRowContext(ctx, query,
		tx.ShopProcessID, tx.GatewayProcessID, tx.CustomerID, tx.Status, tx.Amount, tx.Currency,
		tx.NumberOfInstallments, tx.Description, tx.CardRef.Token, tx.CardRef.MaskedNumber, tx.CardRef.Brand, tx.Version,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			slog.Error("rollback failed", "method", "Create", "error", rbErr)
		}
		if isUniqueViolation(err, transactionsPkey) {
			err = pkgerrors.ErrDuplicateTransaction
			slog.Info("transaction already exists", "method", "Create", "shop_process_id", tx.ShopProcessID)
			return err
		}
		slog.Error("failed to create transaction", "method", "Create", "shop_process_id", tx.ShopProcessID, "error", err)
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transaction", "method", "Create", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	slog.Info("transaction created", "method", "Create", "shop_process_id", tx.ShopProcessID, "amount", tx.Amount.StringFixed(2), "currency", tx.Currency)
	return nil
}

func (r *PostgresStore) GetByShopProcessID(ctx context.Context, shopProcessID string) (tx *models.Transaction, err error) {
	ctx, span, finish := observe(ctx, "GetTransactionByShopProcessID")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("shop_process_id", shopProcessID))

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE shop_process_id = $1`
	tx, err = scanTransaction(r.db.QueryRowContext(ctx, query, shopProcessID))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrUnknownTransaction
		slog.Info("transaction not found", "method", "GetByShopProcessID", "shop_process_id", shopProcessID)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction", "method", "GetByShopProcessID", "shop_process_id", shopProcessID, "error", err)
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return tx, nil
}

func (r *PostgresStore) Update(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span, finish := observe(ctx, "UpdateTransaction")
	defer func() { finish(err) }()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to update transaction", "method", "Update", "error", err)
		return err
	}
	span.SetAttributes(
		attribute.String("shop_process_id", tx.ShopProcessID),
		attribute.String("status", string(tx.Status)),
		attribute.Int64("expected_version", tx.Version),
	)

	query := `UPDATE transactions SET
			gateway_process_id = $1, status = $2, authorization_code = $3, ticket_number = $4,
			response_code = $5, response_description = $6, failure_reason = $7, rollback_reason = $8,
			rolled_back_by = $9, confirmed_at = $10, rolled_back_at = $11,
			version = version + 1, updated_at = NOW()
		WHERE shop_process_id = $12 AND version = $13
		RETURNING version, updated_at`
	var version int64
	var updatedAt time.Time
	err = r.db.QueryRowContext(ctx, query,
		tx.GatewayProcessID, tx.Status, tx.AuthorizationCode, tx.TicketNumber,
		tx.ResponseCode, tx.ResponseDescription, tx.FailureReason, tx.RollbackReason,
		tx.RolledBackBy, tx.ConfirmedAt, tx.RolledBackAt,
		tx.ShopProcessID, tx.Version,
	).Scan(&version, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrVersionConflict
		slog.Warn("transaction version changed", "method", "Update", "shop_process_id", tx.ShopProcessID, "expected_version", tx.Version)
		return err
	}
	if err != nil {
		slog.Error("failed to update transaction", "method", "Update", "shop_process_id", tx.ShopProcessID, "error", err)
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	tx.Version = version
	tx.UpdatedAt = updatedAt
	slog.Info("transaction updated", "method", "Update", "shop_process_id", tx.ShopProcessID, "status", tx.Status, "version", version)
	return nil
}

func (r *PostgresStore) ListStale(ctx context.Context, statuses []models.StatusType, olderThan time.Time, limit int) (txs []*models.Transaction, err error) {
	ctx, span, finish := observe(ctx, "ListStaleTransactions")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.Int("limit", limit))

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = ANY($1) AND created_at < $2
		ORDER BY created_at
		LIMIT $3`
	txs, err = r.queryTransactions(ctx, query, pq.Array(names), olderThan, limit)
	if err != nil {
		slog.Error("failed to list stale transactions", "method", "ListStale", "error", err)
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	return txs, nil
}

func (r *PostgresStore) ListByCustomer(ctx context.Context, customerID string, limit, offset int) (txs []*models.Transaction, err error) {
	ctx, span, finish := observe(ctx, "ListTransactionsByCustomer")
	defer func() { finish(err) }()
	span.SetAttributes(attribute.String("customer_id", customerID))

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	txs, err = r.queryTransactions(ctx, query, customerID, limit, offset)
	if err != nil {
		slog.Error("failed to list customer transactions", "method", "ListByCustomer", "customer_id", customerID, "error", err)
		return nil, fmt.Errorf("failed to list customer transactions: %w", err)
	}
	return txs, nil
}

func (r *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
