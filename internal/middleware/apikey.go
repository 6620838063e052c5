package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/spf13/viper"
)

// APIKeyMiddleware guards the server-to-server endpoints (user sync) with a
// static shared key in the x-api-key header.
func APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := viper.GetString("api.sync_key")
		if expected == "" {
			http.Error(w, "Sync API disabled", http.StatusServiceUnavailable)
			return
		}

		provided := r.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
