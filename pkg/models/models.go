// Package models defines the shared domain types for the AegisGate runtime
// security gateway: agent identities, sessions, the canonical turn, detector
// findings, policies, verdicts, and the audit records they produce.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ── Agent ────────────────────────────────────────────────────

// AgentStatus is the lifecycle state of a registered agent identity.
type AgentStatus string

const (
	// AgentStatusPendingClaim means the agent is registered but its key has
	// not been claimed by an operator yet. Pending agents cannot call the
	// gateway.
	AgentStatusPendingClaim AgentStatus = "pending_claim"
	AgentStatusActive       AgentStatus = "active"
	AgentStatusSuspended    AgentStatus = "suspended"
)

// Agent is a registered caller identity. The API key authenticates every
// gateway request; quota counts evaluated calls and is never decremented.
type Agent struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	APIKey     string      `json:"api_key,omitempty"`
	QuotaTotal int64       `json:"quota_total"`
	QuotaUsed  int64       `json:"quota_used"`
	Status     AgentStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// OverQuota reports whether the agent has exhausted its call quota.
// A zero QuotaTotal means quota is not enforced for this agent.
func (a *Agent) OverQuota() bool {
	return a.QuotaTotal > 0 && a.QuotaUsed >= a.QuotaTotal
}

// ── Provider shapes ──────────────────────────────────────────

// ProviderShape identifies which wire protocol a request arrived in.
// The set is closed: adapter selection is by request path, never by
// inspecting the body.
type ProviderShape string

const (
	ShapeAnthropic ProviderShape = "anthropic"
	ShapeOpenAI    ProviderShape = "openai"
	ShapeGemini    ProviderShape = "gemini"
)

// ── Canonical turn ───────────────────────────────────────────

// Role is a normalized message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCallRequest is a tool/function invocation requested by the model in a
// prior assistant message, replayed to the gateway as conversation history.
type ToolCallRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is a caller-supplied result for an earlier tool call.
type ToolResult struct {
	CallID  string `json:"call_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// CanonicalTurn is the normalized form of one request/response exchange.
// It is transient: constructed per request by a protocol adapter, read by
// the session tracker and scanner pipeline, then discarded after being
// summarized into the session and the behavior event.
type CanonicalTurn struct {
	Shape       ProviderShape `json:"shape"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`

	Messages    []Message         `json:"messages"`
	ToolCalls   []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolResults []ToolResult      `json:"tool_results,omitempty"`

	// DeclaredTools are the tool names offered to the model in this request,
	// used by the session tracker to attribute calls.
	DeclaredTools []string `json:"declared_tools,omitempty"`

	// SessionKey is the caller-supplied correlation key for one continuous
	// agent run.
	SessionKey string `json:"session_key,omitempty"`

	// Passthrough holds every top-level field of the original request body,
	// keyed by its wire name, so adapters can re-encode losslessly. Never
	// serialized with the turn.
	Passthrough map[string]json.RawMessage `json:"-"`
}

// LatestUserMessage returns the content of the most recent user message,
// or "" if the turn carries none.
func (t *CanonicalTurn) LatestUserMessage() string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleUser {
			return t.Messages[i].Content
		}
	}
	return ""
}

// ── Session ──────────────────────────────────────────────────

// ToolCallRecord is one appended entry in a session's tool-call chain.
type ToolCallRecord struct {
	Tool       string    `json:"tool"`
	ArgsDigest string    `json:"args_digest"`
	Timestamp  time.Time `json:"timestamp"`
	Result     string    `json:"result,omitempty"`
}

// LocalSignals are the derived per-session features maintained incrementally
// by the session tracker. All counters are O(1) amortized per recorded call.
type LocalSignals struct {
	TotalCalls    int     `json:"total_calls"`
	TotalTurns    int     `json:"total_turns"`
	RepeatRun     int     `json:"repeat_run"`     // length of the current same-tool run
	MaxRepeatRun  int     `json:"max_repeat_run"` // longest same-tool run observed
	CallsInWindow int     `json:"calls_in_window"`
	RatePerMinute float64 `json:"rate_per_minute"` // historical average
	ArgEntropy    float64 `json:"arg_entropy"`     // rolling mean argument entropy
	LastTool      string  `json:"last_tool,omitempty"`
}

// SessionSnapshot is the read-only view of session state handed to the
// scanner pipeline. It is a deep copy: detectors can never mutate the
// tracker's state through it.
type SessionSnapshot struct {
	AgentID      string           `json:"agent_id"`
	SessionKey   string           `json:"session_key"`
	UserIntent   string           `json:"user_intent,omitempty"`
	Chain        []ToolCallRecord `json:"chain"`
	Signals      LocalSignals     `json:"signals"`
	StartedAt    time.Time        `json:"started_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// ── Findings and risk ────────────────────────────────────────

// Finding is a single detector's anomaly signal.
type Finding struct {
	Type          string   `json:"type"`
	Confidence    float64  `json:"confidence"`
	AffectedTools []string `json:"affected_tools,omitempty"`
	Note          string   `json:"note,omitempty"`
}

// RiskLevel is the enumerated severity derived from aggregate confidence.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Assessment is the risk aggregator's combined output for one turn.
type Assessment struct {
	RiskLevel     RiskLevel `json:"risk_level"`
	AnomalyTypes  []string  `json:"anomaly_types"`
	Confidence    float64   `json:"confidence"`
	AffectedTools []string  `json:"affected_tools,omitempty"`
	Explanation   string    `json:"explanation,omitempty"`
}

// ── Policy and verdict ───────────────────────────────────────

// PolicyAction is the enforcement action a tenant configures.
type PolicyAction string

const (
	ActionBlock PolicyAction = "block"
	ActionAlert PolicyAction = "alert"
	ActionLog   PolicyAction = "log"
	ActionAllow PolicyAction = "allow"
)

// ValidAction reports whether s is a recognized policy action.
func ValidAction(s string) bool {
	switch PolicyAction(strings.ToLower(s)) {
	case ActionBlock, ActionAlert, ActionLog, ActionAllow:
		return true
	}
	return false
}

// Policy is tenant-scoped enforcement configuration. Owned by the dashboard;
// the gateway core only ever reads it.
type Policy struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	Name      string       `json:"name"`
	Scanners  []string     `json:"scanners"`
	Action    PolicyAction `json:"action"`
	Threshold float64      `json:"threshold"` // sensitivity floor, 0.0–1.0
	Active    bool         `json:"active"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Verdict is the policy engine's enforcement decision for one turn.
type Verdict struct {
	Action PolicyAction `json:"action"`
	Reason string       `json:"reason"`
}

// Forward reports whether the verdict lets the request reach the backend.
func (v Verdict) Forward() bool { return v.Action != ActionBlock }

// ── Audit records ────────────────────────────────────────────

// BehaviorEvent is the write-once audit record of one evaluated turn.
type BehaviorEvent struct {
	ID            string           `json:"id"`
	AgentID       string           `json:"agent_id"`
	RunID         string           `json:"run_id"`
	SessionKey    string           `json:"session_key"`
	UserIntent    string           `json:"user_intent,omitempty"`
	ToolChain     []ToolCallRecord `json:"tool_chain,omitempty"`
	LocalSignals  LocalSignals     `json:"local_signals"`
	RiskLevel     RiskLevel        `json:"risk_level"`
	AnomalyTypes  []string         `json:"anomaly_types,omitempty"`
	Action        PolicyAction     `json:"action"`
	Confidence    float64          `json:"confidence"`
	Explanation   string           `json:"explanation,omitempty"`
	AffectedTools []string         `json:"affected_tools,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// UsageLog is the append-only usage record, written for every call the
// gateway evaluated or rejected, regardless of verdict.
type UsageLog struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id,omitempty"`
	Endpoint   string    `json:"endpoint"`
	StatusCode int       `json:"status_code"`
	Safe       bool      `json:"safe"`
	Categories []string  `json:"categories,omitempty"`
	LatencyMs  int64     `json:"latency_ms"`
	RequestID  string    `json:"request_id"`
	CreatedAt  time.Time `json:"created_at"`
}
