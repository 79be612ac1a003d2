package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// authMiddleware enforces the configured client certificate and Bearer token
// requirements. With neither configured it is a no-op. Exact paths /health
// and /metrics are exempt.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	requireCert := s.config.ClientCA != ""
	if s.config.AuthToken == "" && !requireCert {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if requireCert && (r.TLS == nil || len(r.TLS.VerifiedChains) == 0) {
			errorResponse(w, http.StatusForbidden, "client certificate required")
			return
		}

		if len(tokenBytes) > 0 {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorizedResponse(w)
				return
			}
			provided := []byte(strings.TrimPrefix(auth, "Bearer "))
			if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
				unauthorizedResponse(w)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	errorResponse(w, http.StatusUnauthorized, "unauthorized")
}

func errorResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
