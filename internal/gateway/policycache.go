package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// policyCache bounds how often the policy store is consulted on the hot
// path. Lookups run on a detached context with their own timeout; a store
// failure or timeout yields a nil policy, which downstream treats as the
// fail-open "no active policy" case.
type policyCache struct {
	store   store.PolicyStore
	ttl     time.Duration
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]cachedPolicy
}

type cachedPolicy struct {
	policy  *models.Policy
	fetched time.Time
}

func newPolicyCache(s store.PolicyStore, cfg config.PolicyConfig) *policyCache {
	return &policyCache{
		store:   s,
		ttl:     cfg.RefreshInterval,
		timeout: cfg.LookupTimeout,
		entries: make(map[string]cachedPolicy),
	}
}

// Active returns the tenant's active policy, or nil when the tenant has
// none or the store is unreachable.
func (c *policyCache) Active(tenantID string) *models.Policy {
	c.mu.Lock()
	if e, ok := c.entries[tenantID]; ok && time.Since(e.fetched) < c.ttl {
		c.mu.Unlock()
		return e.policy
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	p, err := c.store.GetActivePolicy(ctx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("policy lookup failed; failing open")
		p = nil
	}

	c.mu.Lock()
	c.entries[tenantID] = cachedPolicy{policy: p, fetched: time.Now()}
	c.mu.Unlock()
	return p
}

// Invalidate drops a tenant's cached policy, forcing a fresh lookup.
func (c *policyCache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}
