package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// defaultScanners is the registry fallback for tenants with no explicit
// entry: every built-in detector is enabled.
var defaultScanners = []string{
	"tool_chain_anomaly",
	"rate_velocity",
	"parameter_sensitivity",
	"intent_drift",
}

// MemoryStore implements Store with in-memory maps. It is the zero-config
// default and the store used by tests.
type MemoryStore struct {
	mu sync.RWMutex

	agents   map[string]*models.Agent  // key: id
	byKey    map[string]string         // api key → agent id
	policies map[string]*models.Policy // key: policy id
	scanners map[string][]string       // tenant id → enabled scanner ids

	events []*models.BehaviorEvent // append-only
	usage  []*models.UsageLog      // append-only
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*models.Agent),
		byKey:    make(map[string]string),
		policies: make(map[string]*models.Policy),
		scanners: make(map[string][]string),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

// ── Agents ──────────────────────────────────────────────────

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *agent
	m.agents[cp.ID] = &cp
	if cp.APIKey != "" {
		m.byKey[cp.APIKey] = cp.ID
	}
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAgentByKey(_ context.Context, apiKey string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.agents[id]
	return &cp, nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, *a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

func (m *MemoryStore) UpdateAgentStatus(_ context.Context, id string, status models.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IncrementQuota(_ context.Context, id string, by int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.QuotaUsed += by
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Policies ────────────────────────────────────────────────

func (m *MemoryStore) GetActivePolicy(_ context.Context, tenantID string) (*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Tenant-scoped policy wins; a global policy (empty tenant id) is the
	// fallback.
	var global *models.Policy
	for _, p := range m.policies {
		if !p.Active {
			continue
		}
		if p.TenantID == tenantID {
			cp := *p
			return &cp, nil
		}
		if p.TenantID == "" {
			global = p
		}
	}
	if global != nil {
		cp := *global
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryStore) UpsertPolicy(_ context.Context, p *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	m.policies[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPolicies(_ context.Context, tenantID string) ([]models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Policy
	for _, p := range m.policies {
		if tenantID == "" || p.TenantID == tenantID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Scanner registry ────────────────────────────────────────

func (m *MemoryStore) ListEnabledScanners(_ context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ids, ok := m.scanners[tenantID]; ok {
		out := make([]string, len(ids))
		copy(out, ids)
		return out, nil
	}
	out := make([]string, len(defaultScanners))
	copy(out, defaultScanners)
	return out, nil
}

func (m *MemoryStore) SetEnabledScanners(_ context.Context, tenantID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]string, len(ids))
	copy(cp, ids)
	m.scanners[tenantID] = cp
	return nil
}

// ── Audit ───────────────────────────────────────────────────

func (m *MemoryStore) AppendBehaviorEvent(_ context.Context, ev *models.BehaviorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) AppendUsageLog(_ context.Context, entry *models.UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.usage = append(m.usage, &cp)
	return nil
}

func (m *MemoryStore) ListBehaviorEvents(_ context.Context, agentID string, limit int) ([]models.BehaviorEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.BehaviorEvent
	for i := len(m.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if agentID == "" || m.events[i].AgentID == agentID {
			out = append(out, *m.events[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) ListUsageLogs(_ context.Context, agentID string, limit int) ([]models.UsageLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.UsageLog
	for i := len(m.usage) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if agentID == "" || m.usage[i].AgentID == agentID {
			out = append(out, *m.usage[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) PruneBehaviorEvents(_ context.Context, before time.Time) ([]models.BehaviorEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []models.BehaviorEvent
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.CreatedAt.Before(before) {
			pruned = append(pruned, *ev)
		} else {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return pruned, nil
}

func (m *MemoryStore) PruneUsageLogs(_ context.Context, before time.Time) ([]models.UsageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []models.UsageLog
	kept := m.usage[:0]
	for _, entry := range m.usage {
		if entry.CreatedAt.Before(before) {
			pruned = append(pruned, *entry)
		} else {
			kept = append(kept, entry)
		}
	}
	m.usage = kept
	return pruned, nil
}
