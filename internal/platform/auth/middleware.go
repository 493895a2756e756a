package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware rejects requests without a valid identity.
type Middleware struct {
	authenticator Authenticator

	// SkipPrefixes lists path prefixes served without authentication,
	// such as health and metrics endpoints.
	SkipPrefixes []string
}

func NewMiddleware(authenticator Authenticator, skipPrefixes ...string) *Middleware {
	return &Middleware{authenticator: authenticator, SkipPrefixes: skipPrefixes}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		id, err := m.authenticator.Authenticate(r.Context(), r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
