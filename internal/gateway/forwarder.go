// Package gateway implements the forwarding core: the per-request state
// machine that authenticates the caller, decodes the provider-shaped body,
// runs the behavioral evaluation, enforces the tenant's policy, and relays
// allowed requests to the upstream provider.
//
// Every evaluated request moves through the same stages regardless of shape:
// received, decoded, scanned, decided, then blocked or forwarded, and finally
// audited. Rejections short-circuit the pipeline but still produce a usage
// log, so the audit trail covers every call that reached the gateway.
package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/audit"
	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/metrics"
	"github.com/aegisgate/aegisgate/internal/policy"
	"github.com/aegisgate/aegisgate/internal/protocol"
	"github.com/aegisgate/aegisgate/internal/risk"
	"github.com/aegisgate/aegisgate/internal/scanner"
	"github.com/aegisgate/aegisgate/internal/sessions"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// maxBodyBytes caps how much of a request body the gateway will read.
const maxBodyBytes = 10 << 20

// sessionKeyHeader overrides the session key carried in the body.
const sessionKeyHeader = "X-Session-Key"

// defaultAnthropicVersion is sent upstream when the caller omitted one.
const defaultAnthropicVersion = "2023-06-01"

type agentCtxKey struct{}

// WithAgent attaches the authenticated agent to the request context.
func WithAgent(ctx context.Context, agent *models.Agent) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, agent)
}

// AgentFrom returns the authenticated agent, or nil on unauthenticated paths.
func AgentFrom(ctx context.Context) *models.Agent {
	agent, _ := ctx.Value(agentCtxKey{}).(*models.Agent)
	return agent
}

// Forwarder is the per-request evaluation and relay engine.
type Forwarder struct {
	cfg      *config.Config
	store    store.Store
	tracker  *sessions.Tracker
	pipeline *scanner.Pipeline
	sink     *audit.Sink
	policies *policyCache
	client   *http.Client
}

// NewForwarder assembles the forwarding core from its collaborators.
func NewForwarder(cfg *config.Config, s store.Store, tracker *sessions.Tracker, pipeline *scanner.Pipeline, sink *audit.Sink) *Forwarder {
	return &Forwarder{
		cfg:      cfg,
		store:    s,
		tracker:  tracker,
		pipeline: pipeline,
		sink:     sink,
		policies: newPolicyCache(s, cfg.Policy),
		client:   &http.Client{Timeout: cfg.UpstreamTimeout},
	}
}

// InvalidatePolicy drops a tenant's cached policy after a dashboard write.
func (f *Forwarder) InvalidatePolicy(tenantID string) {
	f.policies.Invalidate(tenantID)
}

// ── Shape entrypoints ────────────────────────────────────────

// HandleAnthropic serves POST /v1/messages.
func (f *Forwarder) HandleAnthropic(w http.ResponseWriter, r *http.Request) {
	f.serveChat(w, r, models.ShapeAnthropic, "")
}

// HandleOpenAI serves POST /v1/chat/completions.
func (f *Forwarder) HandleOpenAI(w http.ResponseWriter, r *http.Request) {
	f.serveChat(w, r, models.ShapeOpenAI, "")
}

// HandleGemini serves POST /v1/models/{model}:generateContent and its
// /v1beta alias. The model travels in the path, not the body, so the handler
// extracts it before decoding.
func (f *Forwarder) HandleGemini(w http.ResponseWriter, r *http.Request) {
	adapter, _ := protocol.ForShape(models.ShapeGemini)

	resource := chiURLParam(r, "model")
	model, action, ok := strings.Cut(resource, ":")
	if !ok || model == "" || action != "generateContent" {
		writeBody(w, http.StatusNotFound, adapter.EncodeError(http.StatusNotFound, "", "unknown model resource "+resource))
		return
	}
	f.serveChat(w, r, models.ShapeGemini, model)
}

// chiURLParam is split out so handler tests can exercise HandleGemini
// without a router.
var chiURLParam = func(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

// ── Chat state machine ───────────────────────────────────────

// serveChat runs the full evaluation state machine for one chat request.
// urlModel, when non-empty, is the model extracted from the request path.
func (f *Forwarder) serveChat(w http.ResponseWriter, r *http.Request, shape models.ProviderShape, urlModel string) {
	start := time.Now()
	adapter, _ := protocol.ForShape(shape)
	agent := AgentFrom(r.Context())

	usage := &models.UsageLog{
		ID:        uuid.NewString(),
		Endpoint:  r.URL.Path,
		RequestID: requestID(r),
		Safe:      true,
		CreatedAt: time.Now().UTC(),
	}
	if agent != nil {
		usage.AgentID = agent.ID
	}
	defer func() {
		usage.LatencyMs = time.Since(start).Milliseconds()
		metrics.RequestDuration.WithLabelValues(string(shape)).Observe(time.Since(start).Seconds())
	}()

	// RECEIVED: quota is checked before any body work. A rejected call is
	// logged but not scanned, and does not consume quota.
	if agent.OverQuota() {
		usage.StatusCode = http.StatusTooManyRequests
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "quota_exceeded", "agent call quota exhausted"))
		f.sink.Enqueue(audit.Record{Usage: usage})
		log.Warn().Str("agent", agent.ID).Int64("quota", agent.QuotaTotal).Msg("request rejected: quota exhausted")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		usage.StatusCode = http.StatusBadRequest
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "", "unreadable request body"))
		f.sink.Enqueue(audit.Record{Usage: usage})
		return
	}

	// DECODED: a body that never produced a turn is not evaluated and
	// leaves no behavior event, only the usage log.
	turn, err := adapter.Decode(raw)
	if err != nil {
		usage.StatusCode = http.StatusBadRequest
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "", err.Error()))
		f.sink.Enqueue(audit.Record{Usage: usage})
		log.Debug().Err(err).Str("shape", string(shape)).Msg("request rejected: decode failure")
		return
	}
	if urlModel != "" {
		turn.Model = urlModel
	}
	turn.SessionKey = sessionKey(r, turn)

	// SCANNED: the turn is appended to session state first, so detectors
	// always see a snapshot that includes the call under evaluation.
	snap := f.tracker.RecordTurn(agent.ID, turn.SessionKey, turn, time.Now().UTC())
	metrics.LiveSessions.Set(float64(f.tracker.Len()))

	pol := f.policies.Active(agent.ID)
	enabled := policy.EnabledScanners(pol, f.registryScanners(agent.ID))
	findings := f.pipeline.Run(r.Context(), turn, snap, enabled)
	for _, fd := range findings {
		metrics.FindingsTotal.WithLabelValues(fd.Type).Inc()
	}
	assessment := risk.Aggregate(findings)

	// DECIDED.
	verdict := policy.Decide(pol, assessment)
	metrics.RequestsTotal.WithLabelValues(string(shape), string(verdict.Action)).Inc()

	event := &models.BehaviorEvent{
		ID:            uuid.NewString(),
		AgentID:       agent.ID,
		RunID:         usage.RequestID,
		SessionKey:    turn.SessionKey,
		UserIntent:    snap.UserIntent,
		ToolChain:     snap.Chain,
		LocalSignals:  snap.Signals,
		RiskLevel:     assessment.RiskLevel,
		AnomalyTypes:  assessment.AnomalyTypes,
		Action:        verdict.Action,
		Confidence:    assessment.Confidence,
		Explanation:   assessment.Explanation,
		AffectedTools: assessment.AffectedTools,
		CreatedAt:     time.Now().UTC(),
	}

	if !verdict.Forward() {
		// BLOCKED: the backend never sees the request; the caller gets a
		// provider-shaped 403 its SDK can parse.
		metrics.BlockedTotal.WithLabelValues(string(assessment.RiskLevel)).Inc()
		usage.StatusCode = http.StatusForbidden
		usage.Safe = false
		usage.Categories = assessment.AnomalyTypes
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "security_blocked", verdict.Reason))
		f.sink.Enqueue(audit.Record{Usage: usage, Event: event, QuotaAgentID: agent.ID})
		log.Warn().
			Str("agent", agent.ID).
			Str("session", turn.SessionKey).
			Str("risk_level", string(assessment.RiskLevel)).
			Float64("confidence", assessment.Confidence).
			Strs("anomalies", assessment.AnomalyTypes).
			Msg("🛑 request blocked")
		return
	}

	usage.Safe = assessment.RiskLevel == models.RiskLow
	usage.Categories = assessment.AnomalyTypes

	// FORWARDED: a client that disconnected during evaluation skips the
	// backend call, but the evaluation above still completed and its audit
	// records are still written.
	if r.Context().Err() != nil {
		usage.StatusCode = statusClientClosedRequest
		f.sink.Enqueue(audit.Record{Usage: usage, Event: event, QuotaAgentID: agent.ID})
		log.Debug().Str("agent", agent.ID).Msg("client disconnected before forward")
		return
	}

	status, respBody, contentType, err := f.forward(r, adapter, turn)
	if err != nil {
		usage.StatusCode = http.StatusBadGateway
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "upstream_error", "upstream provider unreachable"))
		f.sink.Enqueue(audit.Record{Usage: usage, Event: event, QuotaAgentID: agent.ID})
		log.Error().Err(err).Str("shape", string(shape)).Str("model", turn.Model).Msg("upstream forward failed")
		return
	}

	// AUDITED: upstream status and body are relayed unchanged, including
	// upstream error statuses.
	usage.StatusCode = status
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	writeBody(w, status, respBody)
	f.sink.Enqueue(audit.Record{Usage: usage, Event: event, QuotaAgentID: agent.ID})

	log.Info().
		Str("agent", agent.ID).
		Str("shape", string(shape)).
		Str("model", turn.Model).
		Str("session", turn.SessionKey).
		Str("risk_level", string(assessment.RiskLevel)).
		Str("verdict", string(verdict.Action)).
		Int("status", status).
		Msg("request forwarded")
}

// statusClientClosedRequest records disconnects in usage logs; nothing is
// written to the socket.
const statusClientClosedRequest = 499

// ── Upstream relay ───────────────────────────────────────────

// forward re-encodes the turn and relays it to the shape's backend. The
// upstream status and body come back verbatim; only transport failures
// surface as errors.
func (f *Forwarder) forward(r *http.Request, adapter protocol.Adapter, turn *models.CanonicalTurn) (int, []byte, string, error) {
	backendName := f.backendFor(turn.Shape)
	backend, ok := f.cfg.Backend(backendName)
	if !ok {
		return 0, nil, "", &BackendError{Backend: backendName, Reason: "no API key configured"}
	}

	payload, err := adapter.EncodeRequest(turn)
	if err != nil {
		return 0, nil, "", err
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, f.upstreamURL(backend, turn), bytes.NewReader(payload))
	if err != nil {
		return 0, nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	f.injectCredentials(req, r, backendName, backend)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, body, resp.Header.Get("Content-Type"), nil
}

// backendFor maps a provider shape to a configured backend, preferring the
// native provider and falling back to OpenRouter for OpenAI-shaped traffic.
func (f *Forwarder) backendFor(shape models.ProviderShape) string {
	switch shape {
	case models.ShapeAnthropic:
		return "anthropic"
	case models.ShapeGemini:
		return "gemini"
	default:
		if _, ok := f.cfg.Backend("openai"); ok {
			return "openai"
		}
		return "openrouter"
	}
}

func (f *Forwarder) upstreamURL(backend config.BackendConfig, turn *models.CanonicalTurn) string {
	base := strings.TrimRight(backend.BaseURL, "/")
	switch turn.Shape {
	case models.ShapeAnthropic:
		return base + "/v1/messages"
	case models.ShapeGemini:
		return base + "/models/" + url.PathEscape(turn.Model) + ":generateContent"
	default:
		return base + "/chat/completions"
	}
}

// injectCredentials sets the backend's auth scheme. The caller's own gateway
// key never leaves the gateway.
func (f *Forwarder) injectCredentials(req *http.Request, inbound *http.Request, backendName string, backend config.BackendConfig) {
	switch backendName {
	case "anthropic":
		req.Header.Set("x-api-key", backend.APIKey)
		version := inbound.Header.Get("anthropic-version")
		if version == "" {
			version = defaultAnthropicVersion
		}
		req.Header.Set("anthropic-version", version)
	case "gemini":
		req.Header.Set("x-goog-api-key", backend.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+backend.APIKey)
		if backend.Referer != "" {
			req.Header.Set("HTTP-Referer", backend.Referer)
		}
		if backend.Title != "" {
			req.Header.Set("X-Title", backend.Title)
		}
	}
}

// ── Models passthrough ───────────────────────────────────────

// HandleModels serves GET /v1/models as a pure passthrough to the OpenAI
// backend. The listing carries no agent behavior, so it is never scanned and
// produces no session activity or behavior event, only a usage log.
func (f *Forwarder) HandleModels(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	adapter, _ := protocol.ForShape(models.ShapeOpenAI)
	agent := AgentFrom(r.Context())

	usage := &models.UsageLog{
		ID:        uuid.NewString(),
		Endpoint:  r.URL.Path,
		RequestID: requestID(r),
		Safe:      true,
		CreatedAt: time.Now().UTC(),
	}
	if agent != nil {
		usage.AgentID = agent.ID
	}
	defer func() {
		usage.LatencyMs = time.Since(start).Milliseconds()
		f.sink.Enqueue(audit.Record{Usage: usage})
	}()

	backendName := f.backendFor(models.ShapeOpenAI)
	backend, ok := f.cfg.Backend(backendName)
	if !ok {
		usage.StatusCode = http.StatusBadGateway
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "upstream_error", "no backend configured"))
		return
	}

	endpoint := strings.TrimRight(backend.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, endpoint, nil)
	if err != nil {
		usage.StatusCode = http.StatusBadGateway
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "upstream_error", "upstream provider unreachable"))
		return
	}
	req.Header.Set("Authorization", "Bearer "+backend.APIKey)

	resp, err := f.client.Do(req)
	if err != nil {
		usage.StatusCode = http.StatusBadGateway
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "upstream_error", "upstream provider unreachable"))
		log.Error().Err(err).Str("backend", backendName).Msg("model listing failed")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		usage.StatusCode = http.StatusBadGateway
		writeBody(w, usage.StatusCode, adapter.EncodeError(usage.StatusCode, "upstream_error", "upstream response truncated"))
		return
	}

	usage.StatusCode = resp.StatusCode
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	writeBody(w, resp.StatusCode, body)
}

// ── Helpers ──────────────────────────────────────────────────

// BackendError reports a backend that cannot be used for forwarding.
type BackendError struct {
	Backend string
	Reason  string
}

func (e *BackendError) Error() string {
	return "backend " + e.Backend + ": " + e.Reason
}

// registryScanners returns the tenant's registry-enabled scanner ids,
// treating a registry failure as all detectors available so a degraded
// store never silently disables scanning.
func (f *Forwarder) registryScanners(tenantID string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Policy.LookupTimeout)
	defer cancel()

	ids, err := f.store.ListEnabledScanners(ctx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("scanner registry lookup failed; assuming all enabled")
		return f.pipeline.DetectorIDs()
	}
	return ids
}

// sessionKey resolves the correlation key for one continuous agent run:
// header first, then the key decoded from the body, then a shared default.
func sessionKey(r *http.Request, turn *models.CanonicalTurn) string {
	if k := r.Header.Get(sessionKeyHeader); k != "" {
		return k
	}
	if turn.SessionKey != "" {
		return turn.SessionKey
	}
	return "default"
}

func requestID(r *http.Request) string {
	if id := chimw.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
