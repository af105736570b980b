package observability

import (
	"context"
	"net/http"

	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func Setup(ctx context.Context, serviceName, logLevel, otlpEndpoint string) (func(context.Context) error, http.Handler, error) {
	observability.InitLogger(logLevel)
	observability.InitMetrics()
	tracerShutdown, err := observability.InitTracing(ctx, serviceName, otlpEndpoint)
	if err != nil {
		return nil, nil, err
	}
	return tracerShutdown, promhttp.Handler(), nil
}
