package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(viper.GetString("jwt.secret_key")))
	assert.NoError(t, err)
	return signed
}

func TestAdminAuthMiddleware(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	defer viper.Reset()

	var seenAdminID *int64
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAdminID = AdminIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := InitAuthMiddleware(nil)(inner)

	t.Run("valid token passes and exposes admin id", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{
			"admin_id": 7,
			"exp":      time.Now().Add(time.Hour).Unix(),
		})

		req := httptest.NewRequest("POST", "/admin/settlements", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotNil(t, seenAdminID)
		assert.Equal(t, int64(7), *seenAdminID)
	})

	t.Run("missing header is rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/settlements", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{
			"admin_id": 7,
			"exp":      time.Now().Add(-time.Hour).Unix(),
		})

		req := httptest.NewRequest("POST", "/admin/settlements", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header is rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/admin/settlements", nil)
		req.Header.Set("Authorization", "tokenwithoutscheme")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("logged-out token is rejected", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		guarded := InitAuthMiddleware(redisClient)(inner)

		token := signToken(t, jwt.MapClaims{
			"admin_id": 7,
			"exp":      time.Now().Add(time.Hour).Unix(),
		})
		redisMock.ExpectExists("blacklist:" + token).SetVal(1)

		req := httptest.NewRequest("POST", "/admin/settlements", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		guarded.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("token not on the blacklist passes", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		guarded := InitAuthMiddleware(redisClient)(inner)

		token := signToken(t, jwt.MapClaims{
			"admin_id": 7,
			"exp":      time.Now().Add(time.Hour).Unix(),
		})
		redisMock.ExpectExists("blacklist:" + token).SetVal(0)

		req := httptest.NewRequest("POST", "/admin/settlements", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		guarded.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestAPIKeyMiddleware(t *testing.T) {
	viper.Set("api.sync_key", "shared-key")
	defer viper.Reset()

	handler := APIKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("correct key passes", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/users/sync", nil)
		req.Header.Set("x-api-key", "shared-key")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("wrong key is rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/users/sync", nil)
		req.Header.Set("x-api-key", "guess")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
