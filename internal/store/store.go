// Package store provides the storage interfaces and implementations for the
// gateway: agent identities, tenant policies, the scanner registry, and the
// append-only audit records.
//
// The gateway core depends only on these interfaces; the in-memory store
// serves zero-config deployments and tests, the PostgreSQL store serves
// production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the composite storage interface the gateway is wired with.
type Store interface {
	AgentStore
	PolicyStore
	ScannerRegistry
	AuditStore

	// Ping checks whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Agent store ─────────────────────────────────────────────

// AgentStore manages registered agent identities and their quotas.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	// GetAgentByKey resolves an API key to its agent. ErrNotFound for an
	// unknown key.
	GetAgentByKey(ctx context.Context, apiKey string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus) error
	// IncrementQuota adds by to the agent's quota_used counter. The counter
	// is monotonic; it is never decremented.
	IncrementQuota(ctx context.Context, id string, by int64) error
}

// ── Policy store ────────────────────────────────────────────

// PolicyStore is the gateway's read surface over tenant policies, plus the
// thin write surface the admin API exposes. Tenant scoping uses the agent id;
// a policy with an empty tenant id applies to every tenant that has no
// policy of its own.
type PolicyStore interface {
	// GetActivePolicy returns the tenant's active policy, or (nil, nil)
	// when the tenant has none — the caller treats that as fail-open.
	GetActivePolicy(ctx context.Context, tenantID string) (*models.Policy, error)
	UpsertPolicy(ctx context.Context, p *models.Policy) error
	ListPolicies(ctx context.Context, tenantID string) ([]models.Policy, error)
}

// ── Scanner registry ────────────────────────────────────────

// ScannerRegistry tracks which scanner ids are enabled per tenant. The set
// is intersected with the policy's declared scanners before a scan runs.
type ScannerRegistry interface {
	// ListEnabledScanners returns the tenant's enabled scanner ids. A
	// tenant with no explicit entry gets every registered scanner.
	ListEnabledScanners(ctx context.Context, tenantID string) ([]string, error)
	SetEnabledScanners(ctx context.Context, tenantID string, ids []string) error
}

// ── Audit store ─────────────────────────────────────────────

// AuditStore is the append-only sink for behavior events and usage logs.
// Both are write-once: nothing updates them after the fact. The retention
// janitor is the only component that removes them, via the prune methods.
type AuditStore interface {
	AppendBehaviorEvent(ctx context.Context, ev *models.BehaviorEvent) error
	AppendUsageLog(ctx context.Context, entry *models.UsageLog) error
	ListBehaviorEvents(ctx context.Context, agentID string, limit int) ([]models.BehaviorEvent, error)
	ListUsageLogs(ctx context.Context, agentID string, limit int) ([]models.UsageLog, error)

	// PruneBehaviorEvents removes events created before the cutoff and
	// returns the removed records so the caller can archive them.
	PruneBehaviorEvents(ctx context.Context, before time.Time) ([]models.BehaviorEvent, error)
	// PruneUsageLogs removes usage logs created before the cutoff and
	// returns the removed records.
	PruneUsageLogs(ctx context.Context, before time.Time) ([]models.UsageLog, error)
}
