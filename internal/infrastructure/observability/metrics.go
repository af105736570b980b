package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Вызовы платёжного шлюза по операциям
	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Total number of payment gateway calls",
		},
		[]string{"operation", "result"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_duration_seconds",
			Help:    "Duration of payment gateway calls in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)

	PaymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Total number of payment status transitions",
		},
		[]string{"from", "to"},
	)

	RollbackAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollback_attempts_total",
			Help: "Total number of rollback attempts by result",
		},
		[]string{"result"},
	)

	PaymentReopens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_reopens_total",
			Help: "Total number of failed payments reopened as confirmed by resync",
		},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RepositoryCalls,
			RepositoryDuration,
			GatewayCalls,
			GatewayDuration,
			PaymentTransitions,
			RollbackAttempts,
			PaymentReopens,
		)
	})
}
