package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/JonMunkholm/fieldexport/internal/config"
	"github.com/JonMunkholm/fieldexport/internal/export"
	"github.com/JonMunkholm/fieldexport/internal/logging"
)

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id export.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller identity stored by APIKeyAuth. Requests
// that were not authenticated get the zero Identity (no admin rights).
func IdentityFrom(ctx context.Context) export.Identity {
	id, _ := ctx.Value(identityKey{}).(export.Identity)
	return id
}

// APIKeyAuth returns middleware that validates the X-API-Key header against
// the configured keys and stores the caller identity in the request context.
// Keys listed in AdminAPIKeys authenticate admins, whose exports are not
// redacted. If RequireAPIKey is false, unauthenticated requests pass through
// as non-admins.
func APIKeyAuth(cfg *config.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := logging.FromContext(r.Context())
			apiKey := r.Header.Get("X-API-Key")

			if apiKey == "" {
				if !cfg.RequireAPIKey {
					next.ServeHTTP(w, r)
					return
				}
				logger.Warn("auth: missing API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, `{"error":"missing API key","code":"AUTH_MISSING_KEY"}`, http.StatusUnauthorized)
				return
			}

			isAdmin := isValidAPIKey(apiKey, cfg.AdminAPIKeys)
			if !isAdmin && !isValidAPIKey(apiKey, cfg.APIKeys) {
				logger.Warn("auth: invalid API key",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, `{"error":"invalid API key","code":"AUTH_INVALID_KEY"}`, http.StatusForbidden)
				return
			}

			id := export.Identity{UserID: keyFingerprint(apiKey), IsAdmin: isAdmin}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// isValidAPIKey checks if the provided key matches any configured key.
// Uses constant-time comparison and checks ALL keys to prevent timing attacks.
func isValidAPIKey(key string, validKeys []string) bool {
	valid := 0
	for _, validKey := range validKeys {
		valid |= subtle.ConstantTimeCompare([]byte(key), []byte(validKey))
	}
	return valid == 1
}

// keyFingerprint identifies a caller in logs without revealing the key.
func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:6])
}
