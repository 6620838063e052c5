package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type contextKey string

const adminIDKey contextKey = "adminID"

// InitAuthMiddleware builds the admin-surface guard. Every request must carry
// a Bearer token issued by the login endpoint that has not been blacklisted
// by logout. A nil Redis client skips the blacklist check.
func InitAuthMiddleware(redisClient *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get token from Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Extract token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			token := parts[1]

			adminID, err := validateToken(token)
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			if redisClient != nil {
				exists, err := redisClient.Exists(r.Context(), "blacklist:"+token).Result()
				if err == nil && exists > 0 {
					http.Error(w, "Token revoked", http.StatusUnauthorized)
					return
				}
			}

			// Add admin ID to context
			ctx := context.WithValue(r.Context(), adminIDKey, adminID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminIDFromContext returns the authenticated admin's id, or nil when the
// request did not pass through the admin auth middleware.
func AdminIDFromContext(ctx context.Context) *int64 {
	id, ok := ctx.Value(adminIDKey).(int64)
	if !ok {
		return nil
	}
	return &id
}

func validateToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})

	if err != nil || !token.Valid {
		return 0, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, jwt.ErrTokenInvalidClaims
	}

	adminID, ok := claims["admin_id"].(float64)
	if !ok {
		return 0, jwt.ErrTokenInvalidClaims
	}
	return int64(adminID), nil
}
