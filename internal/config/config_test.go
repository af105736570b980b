package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.HTTPAddr)
		assert.Equal(t, DriverPostgres, cfg.Store.Driver)
		assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, "payment-transactions", cfg.Kafka.EventsTopic)
		assert.Equal(t, 5*time.Second, cfg.Bancard.CreateTimeout)
		assert.Equal(t, 2*time.Second, cfg.Bancard.StatusTimeout)
		assert.Equal(t, 1, cfg.Bancard.CreateRetries)
		assert.Equal(t, 15*time.Minute, cfg.Payments.GraceWindow)
		assert.Equal(t, 2*time.Minute, cfg.Payments.RollbackStaleAfter)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("STORE_DRIVER", "bolt")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("RESYNC_GRACE_WINDOW", "30m")
		t.Setenv("CHALLENGE_STYLES", "PYG:bancard-iframe,USD:redirect")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, DriverBolt, cfg.Store.Driver)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, 30*time.Minute, cfg.Payments.GraceWindow)
		assert.Equal(t, "bancard-iframe", cfg.Payments.ChallengeStyles["PYG"])
		assert.Equal(t, "redirect", cfg.Payments.ChallengeStyles["USD"])
	})

	t.Run("missing jwt secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("unknown store driver", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("STORE_DRIVER", "mysql")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("create retried at most once", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("GATEWAY_CREATE_RETRIES", "2")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("no create retry allowed", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("GATEWAY_CREATE_RETRIES", "0")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Zero(t, cfg.Bancard.CreateRetries)
	})

	t.Run("stale rollback window below gateway timeout", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("ROLLBACK_STALE_AFTER", "3s")

		_, err := Load()
		assert.Error(t, err)
	})
}
