package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

type contextKey string

const orchestratorIDKey contextKey = "orchestrator-id"

const orchestratorIDHeader = "X-Orchestrator-ID"

// requireOrchestrator guards the internal surface: a valid bearer token plus
// a non-empty orchestrator id identifying the claimant.
func (a *API) requireOrchestrator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.config.InternalToken)) != 1 {
			respondError(w, http.StatusUnauthorized, errors.New("invalid or missing bearer token"))
			return
		}

		orchestratorID := strings.TrimSpace(r.Header.Get(orchestratorIDHeader))
		if orchestratorID == "" {
			respondError(w, http.StatusUnauthorized, errors.New("X-Orchestrator-ID header is required"))
			return
		}

		ctx := context.WithValue(r.Context(), orchestratorIDKey, orchestratorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

func orchestratorID(ctx context.Context) string {
	id, _ := ctx.Value(orchestratorIDKey).(string)
	return id
}
