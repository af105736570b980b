package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaevor/go-nanoid"

	"github.com/honeynil/PaymentOrchestrator/internal/gateway"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/kafka"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/observability"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/redis"
	"github.com/honeynil/PaymentOrchestrator/internal/models"
	"github.com/honeynil/PaymentOrchestrator/internal/repository"
	"github.com/honeynil/PaymentOrchestrator/internal/vault"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
)

//go:generate mockgen -source=payment_service.go -destination=mocks/mock_payment_service.go -package=mocks

const (
	// Upper bound on read-modify-CAS rounds before a mutation gives up with ErrStateConflict.
	maxCASRounds = 5

	cacheKeyPrefix = "payment:"
)

type PaymentService interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	GetPayment(ctx context.Context, shopProcessID string) (*models.Transaction, error)
	ListCustomerPayments(ctx context.Context, customerID string, limit, offset int) ([]*models.Transaction, error)
	CancelChallenge(ctx context.Context, shopProcessID string) (*models.Transaction, error)
	ApplyOutcome(ctx context.Context, shopProcessID string, outcome models.Outcome) (*models.Transaction, error)
	ApplyConfirmation(ctx context.Context, payload []byte) error
	Rollback(ctx context.Context, shopProcessID, reason, requestedBy string) (*RollbackResult, error)
	ListRollbackAttempts(ctx context.Context, shopProcessID string) ([]*models.RollbackAttempt, error)
	Resync(ctx context.Context, shopProcessID string) (*models.Transaction, error)
	SweepStale(ctx context.Context, limit int) (int, error)
}

type KeyGenerator interface {
	Generate() string
}

type Options struct {
	EventsTopic     string
	GraceWindow     time.Duration
	CacheTTL        time.Duration
	ReturnURL       string
	ChallengeStyles map[string]string
	// RollbackStaleAfter is how long an IN_PROGRESS rollback attempt may stay open
	// before a new request closes it as abandoned. Keep it above the gateway rollback timeout.
	RollbackStaleAfter time.Duration
}

type paymentService struct {
	store    repository.Store
	gateway  gateway.Gateway
	vault    vault.CardVault
	keys     KeyGenerator
	cache    redis.RedisClient
	producer kafka.KafkaProducer
	opts     Options

	now       func() time.Time
	attemptID func() string
}

func NewPaymentService(
	store repository.Store,
	gw gateway.Gateway,
	cardVault vault.CardVault,
	keys KeyGenerator,
	cache redis.RedisClient,
	producer kafka.KafkaProducer,
	opts Options,
) (*paymentService, error) {
	attemptID, err := nanoid.Standard(21)
	if err != nil {
		return nil, fmt.Errorf("failed to init attempt id generator: %w", err)
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 15 * time.Minute
	}
	if opts.RollbackStaleAfter <= 0 {
		opts.RollbackStaleAfter = 2 * time.Minute
	}
	if opts.EventsTopic == "" {
		opts.EventsTopic = "payment-transactions"
	}
	return &paymentService{
		store:     store,
		gateway:   gw,
		vault:     cardVault,
		keys:      keys,
		cache:     cache,
		producer:  producer,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		attemptID: attemptID,
	}, nil
}

// mutation edits a freshly read transaction in place and reports whether anything
// changed. It is re-run from scratch on every CAS round.
type mutation func(tx *models.Transaction) (bool, error)

// mutate is the single write path for transaction state: read, decide, compare-and-swap.
// Losing the CAS re-reads the record so the decision is re-made against what won.
func (s *paymentService) mutate(ctx context.Context, shopProcessID string, fn mutation) (*models.Transaction, error) {
	for round := 1; round <= maxCASRounds; round++ {
		tx, err := s.store.GetByShopProcessID(ctx, shopProcessID)
		if err != nil {
			return nil, err
		}

		from := tx.Status
		changed, err := fn(tx)
		if err != nil {
			return tx, err
		}
		if !changed {
			return tx, nil
		}

		err = s.store.Update(ctx, tx)
		if stderrors.Is(err, pkgerrors.ErrVersionConflict) {
			slog.Info("lost version race, retrying", "shop_process_id", shopProcessID, "round", round)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update transaction: %w", err)
		}

		s.transitioned(ctx, from, tx)
		return tx, nil
	}

	slog.Error("gave up after repeated version conflicts", "shop_process_id", shopProcessID, "rounds", maxCASRounds)
	return nil, fmt.Errorf("%w: %s changed concurrently %d times", pkgerrors.ErrStateConflict, shopProcessID, maxCASRounds)
}

// transitioned runs the side effects of a committed state change.
func (s *paymentService) transitioned(ctx context.Context, from models.StatusType, tx *models.Transaction) {
	reopened := models.IsReopen(from, tx.Status)
	if from != tx.Status {
		observability.PaymentTransitions.WithLabelValues(string(from), string(tx.Status)).Inc()
	}
	if reopened {
		observability.PaymentReopens.Inc()
	}
	s.invalidate(ctx, tx.ShopProcessID)
	s.publish(ctx, models.TransactionEvent{
		ShopProcessID: tx.ShopProcessID,
		From:          from,
		To:            tx.Status,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		CustomerID:    tx.CustomerID,
		Version:       tx.Version,
		Reopened:      reopened,
		OccurredAt:    s.now(),
	})
}

func (s *paymentService) publish(ctx context.Context, event models.TransactionEvent) {
	if s.producer == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal transaction event", "shop_process_id", event.ShopProcessID, "error", err)
		return
	}
	if err := s.producer.Send(ctx, s.opts.EventsTopic, event.ShopProcessID, payload); err != nil {
		slog.Error("failed to publish transaction event", "shop_process_id", event.ShopProcessID, "to", event.To, "error", err)
	}
}

func cacheKey(shopProcessID string) string {
	return cacheKeyPrefix + shopProcessID
}

func (s *paymentService) invalidate(ctx context.Context, shopProcessID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(shopProcessID)); err != nil {
		slog.Warn("failed to invalidate cached payment", "shop_process_id", shopProcessID, "error", err)
	}
}

func (s *paymentService) GetPayment(ctx context.Context, shopProcessID string) (*models.Transaction, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey(shopProcessID))
		if err == nil {
			var tx models.Transaction
			if err := json.Unmarshal([]byte(cached), &tx); err == nil {
				return &tx, nil
			}
			slog.Warn("discarding malformed cached payment", "shop_process_id", shopProcessID)
		} else if !stderrors.Is(err, redis.ErrKeyNotFound) {
			slog.Warn("payment cache unavailable", "shop_process_id", shopProcessID, "error", err)
		}
	}

	tx, err := s.store.GetByShopProcessID(ctx, shopProcessID)
	if err != nil {
		return nil, err
	}

	// Only records that can no longer change are cached: a reader racing a mutation
	// could otherwise write back a snapshot older than the invalidation.
	if s.cache != nil && s.opts.CacheTTL > 0 && tx.Status.Final() {
		if data, err := json.Marshal(tx); err == nil {
			if err := s.cache.Set(ctx, cacheKey(shopProcessID), data, s.opts.CacheTTL); err != nil {
				slog.Warn("failed to cache payment", "shop_process_id", shopProcessID, "error", err)
			}
		}
	}
	return tx, nil
}

func (s *paymentService) ListCustomerPayments(ctx context.Context, customerID string, limit, offset int) ([]*models.Transaction, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", pkgerrors.ErrValidation)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListByCustomer(ctx, customerID, limit, offset)
}
