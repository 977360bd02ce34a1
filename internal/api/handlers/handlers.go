// Package handlers implements the admin HTTP handlers for the AegisGate
// dashboard surface: agent lifecycle, policy management, the scanner
// registry, and read access to the audit trail.
package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/gateway"
	"github.com/aegisgate/aegisgate/internal/sessions"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// agentKeyPrefix marks gateway agent keys so they are recognizable in
// configs and logs without revealing anything.
const agentKeyPrefix = "agk_"

// defaultListLimit bounds audit listings when the caller gives no limit.
const defaultListLimit = 100

// maxListLimit is the hard ceiling for one audit listing.
const maxListLimit = 1000

// Handlers holds all admin handler dependencies.
type Handlers struct {
	Store     store.Store
	Tracker   *sessions.Tracker
	Forwarder *gateway.Forwarder

	// KnownScanners is the closed set of detector ids accepted in policies
	// and registry writes.
	KnownScanners []string
}

// New creates a Handlers instance.
func New(s store.Store, tracker *sessions.Tracker, fwd *gateway.Forwarder, knownScanners []string) *Handlers {
	return &Handlers{
		Store:         s,
		Tracker:       tracker,
		Forwarder:     fwd,
		KnownScanners: knownScanners,
	}
}

// ── Agent lifecycle ──────────────────────────────────────────

type registerAgentRequest struct {
	Name       string `json:"name"`
	QuotaTotal int64  `json:"quota_total"`
}

// RegisterAgent creates a new agent identity in pending_claim state. The
// response is the only place the API key ever appears in plaintext.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.QuotaTotal < 0 {
		respondError(w, http.StatusBadRequest, "quota_total must be >= 0")
		return
	}

	agent := &models.Agent{
		ID:         uuid.NewString(),
		Name:       req.Name,
		APIKey:     newAgentKey(),
		QuotaTotal: req.QuotaTotal,
		Status:     models.AgentStatusPendingClaim,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := h.Store.CreateAgent(r.Context(), agent); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("agent", agent.Name).Str("id", agent.ID).Msg("agent registered")
	respondJSON(w, http.StatusCreated, agent)
}

// ClaimAgent activates a pending agent so its key starts authenticating.
func (h *Handlers) ClaimAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentStatus(w, r, models.AgentStatusActive, "agent claimed")
}

// SuspendAgent disables an agent without deleting its history.
func (h *Handlers) SuspendAgent(w http.ResponseWriter, r *http.Request) {
	h.setAgentStatus(w, r, models.AgentStatusSuspended, "agent suspended")
}

func (h *Handlers) setAgentStatus(w http.ResponseWriter, r *http.Request, status models.AgentStatus, msg string) {
	id := chi.URLParam(r, "agentID")

	if err := h.Store.UpdateAgentStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	agent, err := h.Store.GetAgent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agent.APIKey = ""

	log.Info().Str("id", id).Str("status", string(status)).Msg(msg)
	respondJSON(w, http.StatusOK, agent)
}

// GetAgent returns one agent without its key material.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Store.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agent.APIKey = ""
	respondJSON(w, http.StatusOK, agent)
}

// ListAgents returns all agents without key material.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	for i := range agents {
		agents[i].APIKey = ""
	}
	respondJSON(w, http.StatusOK, agents)
}

// ── Policies ─────────────────────────────────────────────────

// UpsertPolicy creates or replaces a tenant policy and invalidates the
// forwarding core's cached copy so the change takes effect promptly.
func (h *Handlers) UpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var p models.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !models.ValidAction(string(p.Action)) {
		respondError(w, http.StatusBadRequest, "action must be one of block, alert, log, allow")
		return
	}
	if p.Threshold < 0 || p.Threshold > 1 {
		respondError(w, http.StatusBadRequest, "threshold must be between 0.0 and 1.0")
		return
	}
	for _, id := range p.Scanners {
		if !h.knownScanner(id) {
			respondError(w, http.StatusBadRequest, "unknown scanner id "+strconv.Quote(id))
			return
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpsertPolicy(r.Context(), &p); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.Forwarder != nil {
		h.Forwarder.InvalidatePolicy(p.TenantID)
	}

	log.Info().
		Str("policy", p.Name).
		Str("tenant", p.TenantID).
		Str("action", string(p.Action)).
		Float64("threshold", p.Threshold).
		Msg("policy upserted")
	respondJSON(w, http.StatusOK, p)
}

// ListPolicies returns policies, optionally filtered by tenant.
func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Store.ListPolicies(r.Context(), r.URL.Query().Get("tenant"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if policies == nil {
		policies = []models.Policy{}
	}
	respondJSON(w, http.StatusOK, policies)
}

// ── Scanner registry ─────────────────────────────────────────

type scannerRegistryRequest struct {
	TenantID string   `json:"tenant_id"`
	Scanners []string `json:"scanners"`
}

// GetScanners returns the tenant's registry-enabled scanner ids.
func (h *Handlers) GetScanners(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	ids, err := h.Store.ListEnabledScanners(r.Context(), tenant)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenant,
		"scanners":  ids,
		"known":     h.KnownScanners,
	})
}

// SetScanners replaces the tenant's registry-enabled scanner set.
func (h *Handlers) SetScanners(w http.ResponseWriter, r *http.Request) {
	var req scannerRegistryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, id := range req.Scanners {
		if !h.knownScanner(id) {
			respondError(w, http.StatusBadRequest, "unknown scanner id "+strconv.Quote(id))
			return
		}
	}

	if err := h.Store.SetEnabledScanners(r.Context(), req.TenantID, req.Scanners); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tenant", req.TenantID).Strs("scanners", req.Scanners).Msg("scanner registry updated")
	respondJSON(w, http.StatusOK, req)
}

// ── Audit trail ──────────────────────────────────────────────

// ListEvents returns recent behavior events, newest first.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListBehaviorEvents(r.Context(), r.URL.Query().Get("agent"), listLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.BehaviorEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}

// ListUsage returns recent usage logs, newest first.
func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Store.ListUsageLogs(r.Context(), r.URL.Query().Get("agent"), listLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []models.UsageLog{}
	}
	respondJSON(w, http.StatusOK, logs)
}

// SessionStats reports live session-tracker state.
func (h *Handlers) SessionStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]int{
		"live_sessions": h.Tracker.Len(),
	})
}

// ── Helpers ──────────────────────────────────────────────────

func (h *Handlers) knownScanner(id string) bool {
	for _, known := range h.KnownScanners {
		if id == known {
			return true
		}
	}
	return false
}

func newAgentKey() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read failing means the process has no entropy source at
		// all; uuid still gives an unguessable fallback.
		return agentKeyPrefix + uuid.NewString()
	}
	return agentKeyPrefix + hex.EncodeToString(buf)
}

func listLimit(r *http.Request) int {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
