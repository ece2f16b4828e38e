package server

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/havenapp/authgate/internal/config"
)

// BasicAuthMiddleware returns HTTP middleware that protects operator
// endpoints with basic auth against bcrypt-hashed credentials. With no
// credentials configured the endpoint is disabled entirely rather than
// left open.
func BasicAuthMiddleware(creds []config.StatusCredential, logger *slog.Logger) func(http.Handler) http.Handler {
	byUser := make(map[string]string, len(creds))
	for _, c := range creds {
		byUser[c.Username] = c.PasswordHash
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(byUser) == 0 {
				http.NotFound(w, r)
				return
			}

			username, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="authgate"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			hash, known := byUser[username]
			if !known {
				// Burn a comparison anyway so unknown usernames cost
				// the same as wrong passwords.
				_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))

				logger.Debug("status auth: unknown user",
					slog.String("username", username),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Basic realm="authgate"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
				logger.Debug("status auth: bad password",
					slog.String("username", username),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Basic realm="authgate"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
