package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/mock/gomock"
	"github.com/honeynil/PaymentOrchestrator/internal/handler"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/auth"
	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/redis"
	redismocks "github.com/honeynil/PaymentOrchestrator/internal/infrastructure/redis/mocks"
	"github.com/honeynil/PaymentOrchestrator/internal/models"
	"github.com/honeynil/PaymentOrchestrator/internal/services/mocks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "router-secret"

func TestSetupRouter(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	svc := mocks.NewMockPaymentService(ctrl)
	redisClient := redismocks.NewMockRedisClient(ctrl)
	r := SetupRouter(handler.NewHandler(svc), redisClient, secret, promhttp.Handler())

	t.Run("records metrics by route template", func(t *testing.T) {
		svc.EXPECT().GetPayment(gomock.Any(), "spid-1").Return(&models.Transaction{ShopProcessID: "spid-1", Status: models.StatusConfirmed}, nil)
		before := testutil.ToFloat64(RequestCounter.WithLabelValues("GET", "/payments/{shopProcessId}", "200"))

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/payments/spid-1", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		after := testutil.ToFloat64(RequestCounter.WithLabelValues("GET", "/payments/{shopProcessId}", "200"))
		assert.Equal(t, before+1, after)
	})

	t.Run("admin routes require a token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/spid-1/rollback", strings.NewReader(`{"reason":"x"}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("admin token reaches rollback", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":  "ops@shop",
			"role": auth.RoleAdmin,
			"jti":  "router-1",
			"exp":  time.Now().Add(time.Minute).Unix(),
		}).SignedString([]byte(secret))
		require.NoError(t, err)
		redisClient.EXPECT().Get(gomock.Any(), gomock.Any()).Return("", redis.ErrKeyNotFound)
		svc.EXPECT().ListRollbackAttempts(gomock.Any(), "spid-1").Return(nil, nil)

		req := httptest.NewRequest(http.MethodGet, "/payments/spid-1/rollbacks", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics endpoint", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "http_requests_total")
	})
}
