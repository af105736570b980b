package auth

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/honeynil/PaymentOrchestrator/internal/infrastructure/redis"
)

type contextKey string

const subjectKey contextKey = "subject"

// Subject returns the authenticated operator stored by AuthMiddleware.
func Subject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey).(string)
	return sub, ok && sub != ""
}

func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

func revokedKey(jti string) string {
	return "revoked:" + jti
}

// AuthMiddleware admits bearer tokens signed with jwtSecret that carry the admin
// role and whose jti has not been revoked in Redis.
func AuthMiddleware(redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "authorization header missing", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := parseToken(parts[1], jwtSecret)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			subject, _ := claims["sub"].(string)
			if subject == "" {
				http.Error(w, "invalid subject in token", http.StatusUnauthorized)
				return
			}
			if role, _ := claims["role"].(string); role != RoleAdmin {
				slog.Warn("non-admin token rejected", "subject", subject, "path", r.URL.Path)
				http.Error(w, "admin role required", http.StatusForbidden)
				return
			}

			// Revoked tokens are listed by jti until they expire.
			if jti, _ := claims["jti"].(string); jti != "" {
				_, err := redisClient.Get(r.Context(), revokedKey(jti))
				if err == nil {
					slog.Error("revoked token used", "subject", subject, "jti", jti)
					http.Error(w, "invalid or revoked token", http.StatusUnauthorized)
					return
				}
				if !stderrors.Is(err, redis.ErrKeyNotFound) {
					slog.Error("failed to check token revocation", "subject", subject, "error", err)
					http.Error(w, "invalid or revoked token", http.StatusUnauthorized)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
