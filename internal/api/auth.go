package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/moniwatch/moniwatch/internal/execution"
	"github.com/moniwatch/moniwatch/internal/models"
)

// OperatorHeader names the operator when authentication is disabled.
const OperatorHeader = "X-Operator"

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled determines if authentication is required.
	Enabled bool
	// Keys maps API keys to the operator name recorded for their actions.
	Keys map[string]string
}

// NewAuthMiddleware creates an authentication middleware. Every request
// that passes carries an operator in its context.
func NewAuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				operator := strings.TrimSpace(r.Header.Get(OperatorHeader))
				next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), operator)))
				return
			}

			apiKey := extractAPIKey(r)
			if apiKey == "" {
				writeAPIError(w, ErrUnauthorized)
				return
			}

			operator, ok := lookupKey(config.Keys, apiKey)
			if !ok {
				writeAPIError(w, ErrForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), operator)))
		})
	}
}

// lookupKey compares against every configured key in constant time.
func lookupKey(keys map[string]string, candidate string) (string, bool) {
	var operator string
	found := false
	for key, name := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			operator, found = name, true
		}
	}
	return operator, found
}

// extractAPIKey extracts the API key from the request.
// Supports: X-API-Key header, Authorization: Bearer token, Authorization: ApiKey token
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if strings.HasPrefix(auth, "ApiKey ") {
		return strings.TrimPrefix(auth, "ApiKey ")
	}
	return ""
}

func withOperator(ctx context.Context, operator string) context.Context {
	if operator == "" {
		operator = models.SystemOperator
	}
	return execution.WithOperator(ctx, operator)
}

// OperatorFromContext returns the operator of the request.
func OperatorFromContext(ctx context.Context) string {
	return execution.OperatorFrom(ctx)
}
