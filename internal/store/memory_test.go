package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

func newAgent(id, key string) *models.Agent {
	return &models.Agent{
		ID:         id,
		Name:       "agent-" + id,
		APIKey:     key,
		QuotaTotal: 100,
		Status:     models.AgentStatusActive,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestMemoryStoreAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	require.NoError(t, m.CreateAgent(ctx, newAgent("a1", "agk_one")))

	got, err := m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a1", got.Name)

	byKey, err := m.GetAgentByKey(ctx, "agk_one")
	require.NoError(t, err)
	assert.Equal(t, "a1", byKey.ID)

	_, err = m.GetAgentByKey(ctx, "agk_wrong")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.NoError(t, m.UpdateAgentStatus(ctx, "a1", models.AgentStatusSuspended))
	got, err = m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusSuspended, got.Status)

	err = m.UpdateAgentStatus(ctx, "missing", models.AgentStatusActive)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestMemoryStoreQuota(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	agent := newAgent("a1", "agk_one")
	agent.QuotaTotal = 2
	require.NoError(t, m.CreateAgent(ctx, agent))

	require.NoError(t, m.IncrementQuota(ctx, "a1", 1))
	got, err := m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, got.OverQuota())

	require.NoError(t, m.IncrementQuota(ctx, "a1", 1))
	got, err = m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.OverQuota())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	require.NoError(t, m.CreateAgent(ctx, newAgent("a1", "agk_one")))

	got, err := m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	got.Name = "tampered"

	fresh, err := m.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a1", fresh.Name)
}

func TestMemoryStoreActivePolicyFallback(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	require.NoError(t, m.UpsertPolicy(ctx, &models.Policy{
		ID: "global", Name: "global-default", Action: models.ActionLog, Threshold: 0.5, Active: true,
	}))
	require.NoError(t, m.UpsertPolicy(ctx, &models.Policy{
		ID: "t1", TenantID: "tenant-1", Name: "tenant-strict", Action: models.ActionBlock, Threshold: 0.3, Active: true,
	}))
	require.NoError(t, m.UpsertPolicy(ctx, &models.Policy{
		ID: "t2", TenantID: "tenant-2", Name: "tenant-off", Action: models.ActionBlock, Threshold: 0.3, Active: false,
	}))

	p, err := m.GetActivePolicy(ctx, "tenant-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "tenant-strict", p.Name)

	// Inactive tenant policy falls through to the global one.
	p, err = m.GetActivePolicy(ctx, "tenant-2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "global-default", p.Name)
}

func TestMemoryStoreScannerRegistryDefaults(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	ids, err := m.ListEnabledScanners(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, ids, 4, "unconfigured tenant gets every built-in detector")

	require.NoError(t, m.SetEnabledScanners(ctx, "tenant-1", []string{"rate_velocity"}))
	ids, err = m.ListEnabledScanners(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rate_velocity"}, ids)

	// Other tenants keep the default set.
	ids, err = m.ListEnabledScanners(ctx, "tenant-2")
	require.NoError(t, err)
	assert.Len(t, ids, 4)
}

func TestMemoryStoreAuditListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()

	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, m.AppendBehaviorEvent(ctx, &models.BehaviorEvent{
			ID:        id,
			AgentID:   "a1",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	events, err := m.ListBehaviorEvents(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e3", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)

	none, err := m.ListBehaviorEvents(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStorePrune(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, m.AppendBehaviorEvent(ctx, &models.BehaviorEvent{ID: "old", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, m.AppendBehaviorEvent(ctx, &models.BehaviorEvent{ID: "new", CreatedAt: now}))
	require.NoError(t, m.AppendUsageLog(ctx, &models.UsageLog{ID: "u-old", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, m.AppendUsageLog(ctx, &models.UsageLog{ID: "u-new", CreatedAt: now}))

	pruned, err := m.PruneBehaviorEvents(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, "old", pruned[0].ID)

	remaining, err := m.ListBehaviorEvents(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "new", remaining[0].ID)

	prunedUsage, err := m.PruneUsageLogs(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, prunedUsage, 1)
	assert.Equal(t, "u-old", prunedUsage[0].ID)
}
