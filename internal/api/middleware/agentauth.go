// Package middleware provides the HTTP middleware stack for the gateway:
// agent authentication, admin token auth, request logging, and tracing.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/gateway"
	"github.com/aegisgate/aegisgate/internal/protocol"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// AgentAuth authenticates gateway traffic against registered agent
// identities. The shape parameter picks the error codec, so a rejected
// caller still receives a body its provider SDK can parse.
//
// Accepted credential carriers, in order:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//   - x-goog-api-key: <key>   (Gemini SDK convention)
//   - ?key=<key>              (Gemini SDK convention)
func AgentAuth(agents store.AgentStore, shape models.ProviderShape) func(http.Handler) http.Handler {
	adapter, _ := protocol.ForShape(shape)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractAgentKey(r)
			if key == "" {
				unauthorized(w, adapter, "missing API key")
				return
			}

			agent, err := agents.GetAgentByKey(r.Context(), key)
			switch {
			case errors.Is(err, store.ErrNotFound):
				unauthorized(w, adapter, "invalid API key")
				return
			case err != nil:
				// Auth fails closed when the store is down: an agent we
				// cannot identify is never evaluated or forwarded.
				log.Error().Err(err).Msg("agent lookup failed")
				writeShaped(w, adapter, http.StatusServiceUnavailable, "store_unavailable", "agent store unavailable")
				return
			}

			if agent.Status != models.AgentStatusActive {
				unauthorized(w, adapter, "agent is "+string(agent.Status))
				return
			}

			next.ServeHTTP(w, r.WithContext(gateway.WithAgent(r.Context(), agent)))
		})
	}
}

func extractAgentKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

func unauthorized(w http.ResponseWriter, adapter protocol.Adapter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="aegisgate"`)
	writeShaped(w, adapter, http.StatusUnauthorized, "authentication_error", msg)
}

func writeShaped(w http.ResponseWriter, adapter protocol.Adapter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(adapter.EncodeError(status, code, msg))
}
