package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/PaymentOrchestrator/internal/api"
	"github.com/honeynil/PaymentOrchestrator/internal/config"
	"github.com/honeynil/PaymentOrchestrator/internal/gateway"
	"github.com/honeynil/PaymentOrchestrator/internal/handler"
	"github.com/honeynil/PaymentOrchestrator/internal/idempotency"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/kafka"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/migrate"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/redis"
	"github.com/honeynil/PaymentOrchestrator/internal/observability"
	"github.com/honeynil/PaymentOrchestrator/internal/repository"
	"github.com/honeynil/PaymentOrchestrator/internal/repository/embedded"
	"github.com/honeynil/PaymentOrchestrator/internal/repository/postgres"
	service "github.com/honeynil/PaymentOrchestrator/internal/services"
	"github.com/honeynil/PaymentOrchestrator/internal/vault"
	"github.com/honeynil/PaymentOrchestrator/internal/worker"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	// Загружаем конфиг (.env + переменные окружения)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализируем логи, метрики, трейсы
	shutdown, metricsHandler, err := observability.Setup(ctx, cfg.ServiceName, cfg.LogLevel, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	defer shutdown(context.Background())

	// Хранилище транзакций
	store, closeStore := openStore(cfg.Store)
	defer closeStore()

	// Инициализируем зависимости
	redisClient := redis.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer redisClient.Close()
	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	bancard := gateway.NewBancardClient(gateway.BancardConfig{
		BaseURL:    cfg.Bancard.BaseURL,
		PublicKey:  cfg.Bancard.PublicKey,
		PrivateKey: cfg.Bancard.PrivateKey,
	}, nil)
	gw := gateway.NewResilient(bancard, gateway.Timeouts{
		Create:   cfg.Bancard.CreateTimeout,
		Status:   cfg.Bancard.StatusTimeout,
		Rollback: cfg.Bancard.RollbackTimeout,
	}, cfg.Bancard.CreateRetries)

	// Инициализируем сервис
	svc, err := service.NewPaymentService(store, gw, vault.New(cfg.VaultURL), idempotency.NewGenerator(), redisClient, producer, service.Options{
		EventsTopic:     cfg.Kafka.EventsTopic,
		GraceWindow:     cfg.Payments.GraceWindow,
		CacheTTL:        cfg.Redis.CacheTTL,
		ReturnURL:       cfg.Payments.ReturnURL,
		ChallengeStyles: cfg.Payments.ChallengeStyles,

		RollbackStaleAfter: cfg.Payments.RollbackStaleAfter,
	})
	if err != nil {
		log.Fatalf("Failed to init payment service: %v", err)
	}

	// Kafka-консьюмер подтверждений и фоновый ресинк
	confirmations := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConfirmationsTopic, cfg.Kafka.ConsumerGroup, svc)
	go confirmations.Consume(ctx)
	defer confirmations.Close()

	sweeper := worker.NewSweeper(svc, cfg.Payments.SweepInterval, cfg.Payments.SweepBatchSize)
	go sweeper.Run(ctx)

	// Настраиваем роутер
	router := api.SetupRouter(handler.NewHandler(svc), redisClient, cfg.JWTSecret, metricsHandler)

	// Запускаем сервер
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, "payment-orchestrator"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}

func openStore(cfg config.StoreConfig) (repository.Store, func()) {
	switch cfg.Driver {
	case config.DriverBolt:
		store, err := embedded.NewBoltStore(cfg.BoltPath)
		if err != nil {
			log.Fatalf("Failed to open Bolt store: %v", err)
		}
		return store, func() { store.Close() }

	default:
		// Подключаемся к Postgres
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		if err := migrate.RunMigrations(db); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		return postgres.NewPostgresStore(db), func() { db.Close() }
	}
}
