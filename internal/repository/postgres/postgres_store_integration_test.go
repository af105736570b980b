//go:build integration

package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/migrate"
	"github.com/honeynil/PaymentOrchestrator/internal/models"
	"github.com/honeynil/PaymentOrchestrator/internal/repository/postgres"
	pkgerrors "github.com/honeynil/PaymentOrchestrator/pkg/errors"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type PostgresStoreSuite struct {
	suite.Suite
	container testcontainers.Container
	db        *sql.DB
	store     *postgres.PostgresStore
}

func (s *PostgresStoreSuite) SetupSuite() {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "payments",
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "password",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.container = container

	host, err := container.Host(ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	dsn := fmt.Sprintf("host=%s port=%s user=postgres password=password dbname=payments sslmode=disable", host, port.Port())
	s.db, err = sql.Open("postgres", dsn)
	s.Require().NoError(err)
	s.Require().NoError(migrate.RunMigrations(s.db))

	s.store = postgres.NewPostgresStore(s.db)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *PostgresStoreSuite) TestCreateDuplicate() {
	ctx := context.Background()
	tx := newTransaction()
	tx.ShopProcessID = "it-duplicate"

	s.Require().NoError(s.store.Create(ctx, tx))
	s.ErrorIs(s.store.Create(ctx, newTransactionWithID("it-duplicate")), pkgerrors.ErrDuplicateTransaction)
}

func (s *PostgresStoreSuite) TestUpdateCompareAndSwap() {
	ctx := context.Background()
	s.Require().NoError(s.store.Create(ctx, newTransactionWithID("it-cas")))

	first, err := s.store.GetByShopProcessID(ctx, "it-cas")
	s.Require().NoError(err)
	second, err := s.store.GetByShopProcessID(ctx, "it-cas")
	s.Require().NoError(err)

	first.Status = models.StatusConfirmed
	s.Require().NoError(s.store.Update(ctx, first))
	s.Equal(int64(2), first.Version)

	second.Status = models.StatusRejected
	s.ErrorIs(s.store.Update(ctx, second), pkgerrors.ErrVersionConflict)

	stored, err := s.store.GetByShopProcessID(ctx, "it-cas")
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, stored.Status)
}

func (s *PostgresStoreSuite) TestSingleRollbackInProgress() {
	ctx := context.Background()
	tx := newTransactionWithID("it-rollback")
	s.Require().NoError(s.store.Create(ctx, tx))
	tx.Status = models.StatusConfirmed
	s.Require().NoError(s.store.Update(ctx, tx))

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot := *tx
			results[i] = s.store.BeginRollback(ctx, &snapshot, &models.RollbackAttempt{
				ID:          fmt.Sprintf("it-attempt-%d", i),
				RequestedBy: "admin",
				Reason:      "test",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		}
	}
	s.Equal(1, succeeded)

	attempts, err := s.store.ListRollbackAttempts(ctx, "it-rollback")
	s.Require().NoError(err)
	s.Len(attempts, 1)
	s.Equal(models.RollbackInProgress, attempts[0].Status)
}

func newTransactionWithID(id string) *models.Transaction {
	tx := newTransaction()
	tx.ShopProcessID = id
	return tx
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}
