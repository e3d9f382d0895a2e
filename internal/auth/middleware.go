package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// OwnerHeader carries the caller's owner id when auth is disabled.
const OwnerHeader = "X-Owner-ID"

// Middleware resolves the owner of every request and rejects requests with
// none. With auth disabled the owner is taken from OwnerHeader, which is
// only suitable for local development.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := authenticate(service, r, logger)
			if owner == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"authentication required"}}`)) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func authenticate(service *Service, r *http.Request, logger *slog.Logger) *Owner {
	if !service.Enabled() {
		id := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if id == "" {
			return nil
		}
		return &Owner{ID: id}
	}

	if token := extractBearer(r); token != "" {
		owner, err := service.ValidateJWT(token)
		if err == nil {
			return owner
		}
		logger.Warn("jwt validation failed", "error", err)
	}

	if apiKey := extractAPIKey(r); apiKey != "" {
		owner, err := service.ValidateAPIKey(apiKey)
		if err == nil {
			return owner
		}
		logger.Warn("api key validation failed", "error", err)
	}

	// Browsers cannot set headers on EventSource or WebSocket handshakes.
	if token := r.URL.Query().Get("token"); token != "" {
		if owner, err := service.ValidateJWT(token); err == nil {
			return owner
		}
	}
	return nil
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

func extractAPIKey(r *http.Request) string {
	for _, key := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			return value
		}
	}
	return ""
}
