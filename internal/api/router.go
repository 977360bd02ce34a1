// Package api assembles the gateway's HTTP surface: the provider-shaped
// forwarding endpoints, the admin dashboard API, and the operational
// endpoints (health, version, metrics).
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aegisgate/aegisgate/internal/api/handlers"
	"github.com/aegisgate/aegisgate/internal/api/middleware"
	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/gateway"
	"github.com/aegisgate/aegisgate/internal/metrics"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// NewRouter creates the HTTP router with all gateway and admin routes.
func NewRouter(cfg *config.Config, s store.Store, fwd *gateway.Forwarder, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Admin-Token", "X-Session-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(s))
	r.Get("/version", versionHandler(cfg))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Gateway surface: each shape gets its own auth wrapper so rejections
	// come back in the caller's protocol.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AgentAuth(s, models.ShapeAnthropic))
		r.Post("/v1/messages", fwd.HandleAnthropic)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.AgentAuth(s, models.ShapeOpenAI))
		r.Post("/v1/chat/completions", fwd.HandleOpenAI)
		r.Get("/v1/models", fwd.HandleModels)
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.AgentAuth(s, models.ShapeGemini))
		// Served under both API versions: /v1 is the canonical surface,
		// /v1beta is what shipped Gemini SDKs actually call.
		r.Post("/v1/models/{model}", fwd.HandleGemini)
		r.Post("/v1beta/models/{model}", fwd.HandleGemini)
	})

	// Admin dashboard API
	adminAuth := middleware.NewAdminAuth()
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(adminAuth.Middleware)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Post("/claim", h.ClaimAgent)
				r.Post("/suspend", h.SuspendAgent)
			})
		})

		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.ListPolicies)
			r.Put("/", h.UpsertPolicy)
		})

		r.Route("/scanners", func(r chi.Router) {
			r.Get("/", h.GetScanners)
			r.Put("/", h.SetScanners)
		})

		r.Get("/events", h.ListEvents)
		r.Get("/usage", h.ListUsage)
		r.Get("/sessions", h.SessionStats)
	})

	return r
}

func healthHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := s.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "aegisgate",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "aegisgate",
		})
	}
}
