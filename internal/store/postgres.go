package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// PostgresStore implements Store on a PostgreSQL pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and ensures the gateway schema
// exists.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			api_key     TEXT UNIQUE NOT NULL,
			quota_total BIGINT NOT NULL DEFAULT 0,
			quota_used  BIGINT NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL,
			scanners   TEXT[] NOT NULL DEFAULT '{}',
			action     TEXT NOT NULL,
			threshold  DOUBLE PRECISION NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scanner_registry (
			tenant_id TEXT PRIMARY KEY,
			scanners  TEXT[] NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS behavior_events (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			run_id         TEXT NOT NULL,
			session_key    TEXT NOT NULL,
			user_intent    TEXT NOT NULL DEFAULT '',
			tool_chain     JSONB NOT NULL DEFAULT '[]',
			local_signals  JSONB NOT NULL DEFAULT '{}',
			risk_level     TEXT NOT NULL,
			anomaly_types  TEXT[] NOT NULL DEFAULT '{}',
			action         TEXT NOT NULL,
			confidence     DOUBLE PRECISION NOT NULL,
			explanation    TEXT NOT NULL DEFAULT '',
			affected_tools TEXT[] NOT NULL DEFAULT '{}',
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS behavior_events_agent_idx ON behavior_events (agent_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id          TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL DEFAULT '',
			endpoint    TEXT NOT NULL,
			status_code INT NOT NULL,
			safe        BOOLEAN NOT NULL,
			categories  TEXT[] NOT NULL DEFAULT '{}',
			latency_ms  BIGINT NOT NULL,
			request_id  TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS usage_logs_agent_idx ON usage_logs (agent_id, created_at DESC)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Agents ──────────────────────────────────────────────────

func (s *PostgresStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, api_key, quota_total, quota_used, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Name, a.APIKey, a.QuotaTotal, a.QuotaUsed, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.scanAgent(s.pool.QueryRow(ctx,
		`SELECT id, name, api_key, quota_total, quota_used, status, created_at, updated_at
		 FROM agents WHERE id = $1`, id))
}

func (s *PostgresStore) GetAgentByKey(ctx context.Context, apiKey string) (*models.Agent, error) {
	return s.scanAgent(s.pool.QueryRow(ctx,
		`SELECT id, name, api_key, quota_total, quota_used, status, created_at, updated_at
		 FROM agents WHERE api_key = $1`, apiKey))
}

func (s *PostgresStore) scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.APIKey, &a.QuotaTotal, &a.QuotaUsed, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, api_key, quota_total, quota_used, status, created_at, updated_at
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.ID, &a.Name, &a.APIKey, &a.QuotaTotal, &a.QuotaUsed, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementQuota(ctx context.Context, id string, by int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET quota_used = quota_used + $2, updated_at = $3 WHERE id = $1`,
		id, by, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Policies ────────────────────────────────────────────────

func (s *PostgresStore) GetActivePolicy(ctx context.Context, tenantID string) (*models.Policy, error) {
	// Tenant-scoped policy first, global fallback second.
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, scanners, action, threshold, active, updated_at
		 FROM policies WHERE active AND tenant_id IN ($1, '')
		 ORDER BY tenant_id DESC LIMIT 1`, tenantID)

	var p models.Policy
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Scanners, &p.Action, &p.Threshold, &p.Active, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPolicy(ctx context.Context, p *models.Policy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO policies (id, tenant_id, name, scanners, action, threshold, active, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			scanners = EXCLUDED.scanners,
			action = EXCLUDED.action,
			threshold = EXCLUDED.threshold,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.TenantID, p.Name, p.Scanners, p.Action, p.Threshold, p.Active, time.Now().UTC())
	return err
}

func (s *PostgresStore) ListPolicies(ctx context.Context, tenantID string) ([]models.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, scanners, action, threshold, active, updated_at
		 FROM policies WHERE $1 = '' OR tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Policy
	for rows.Next() {
		var p models.Policy
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Scanners, &p.Action, &p.Threshold, &p.Active, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ── Scanner registry ────────────────────────────────────────

func (s *PostgresStore) ListEnabledScanners(ctx context.Context, tenantID string) ([]string, error) {
	var ids []string
	err := s.pool.QueryRow(ctx,
		`SELECT scanners FROM scanner_registry WHERE tenant_id = $1`, tenantID).Scan(&ids)
	if errors.Is(err, pgx.ErrNoRows) {
		out := make([]string, len(defaultScanners))
		copy(out, defaultScanners)
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresStore) SetEnabledScanners(ctx context.Context, tenantID string, ids []string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scanner_registry (tenant_id, scanners) VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO UPDATE SET scanners = EXCLUDED.scanners`,
		tenantID, ids)
	return err
}

// ── Audit ───────────────────────────────────────────────────

func (s *PostgresStore) AppendBehaviorEvent(ctx context.Context, ev *models.BehaviorEvent) error {
	chainJSON, err := json.Marshal(ev.ToolChain)
	if err != nil {
		return fmt.Errorf("marshal tool chain: %w", err)
	}
	signalsJSON, err := json.Marshal(ev.LocalSignals)
	if err != nil {
		return fmt.Errorf("marshal local signals: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO behavior_events (id, agent_id, run_id, session_key, user_intent, tool_chain,
			local_signals, risk_level, anomaly_types, action, confidence, explanation, affected_tools, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.AgentID, ev.RunID, ev.SessionKey, ev.UserIntent, chainJSON,
		signalsJSON, ev.RiskLevel, ev.AnomalyTypes, ev.Action, ev.Confidence,
		ev.Explanation, ev.AffectedTools, ev.CreatedAt)
	return err
}

func (s *PostgresStore) AppendUsageLog(ctx context.Context, entry *models.UsageLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_logs (id, agent_id, endpoint, status_code, safe, categories, latency_ms, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.AgentID, entry.Endpoint, entry.StatusCode, entry.Safe,
		entry.Categories, entry.LatencyMs, entry.RequestID, entry.CreatedAt)
	return err
}

func (s *PostgresStore) ListBehaviorEvents(ctx context.Context, agentID string, limit int) ([]models.BehaviorEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, run_id, session_key, user_intent, tool_chain, local_signals,
			risk_level, anomaly_types, action, confidence, explanation, affected_tools, created_at
		 FROM behavior_events WHERE $1 = '' OR agent_id = $1
		 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BehaviorEvent
	for rows.Next() {
		var (
			ev          models.BehaviorEvent
			chainJSON   []byte
			signalsJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.RunID, &ev.SessionKey, &ev.UserIntent,
			&chainJSON, &signalsJSON, &ev.RiskLevel, &ev.AnomalyTypes, &ev.Action,
			&ev.Confidence, &ev.Explanation, &ev.AffectedTools, &ev.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(chainJSON, &ev.ToolChain)
		_ = json.Unmarshal(signalsJSON, &ev.LocalSignals)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListUsageLogs(ctx context.Context, agentID string, limit int) ([]models.UsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, endpoint, status_code, safe, categories, latency_ms, request_id, created_at
		 FROM usage_logs WHERE $1 = '' OR agent_id = $1
		 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UsageLog
	for rows.Next() {
		var u models.UsageLog
		if err := rows.Scan(&u.ID, &u.AgentID, &u.Endpoint, &u.StatusCode, &u.Safe,
			&u.Categories, &u.LatencyMs, &u.RequestID, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneBehaviorEvents(ctx context.Context, before time.Time) ([]models.BehaviorEvent, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM behavior_events WHERE created_at < $1
		 RETURNING id, agent_id, run_id, session_key, user_intent, tool_chain, local_signals,
			risk_level, anomaly_types, action, confidence, explanation, affected_tools, created_at`,
		before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BehaviorEvent
	for rows.Next() {
		var (
			ev          models.BehaviorEvent
			chainJSON   []byte
			signalsJSON []byte
		)
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.RunID, &ev.SessionKey, &ev.UserIntent,
			&chainJSON, &signalsJSON, &ev.RiskLevel, &ev.AnomalyTypes, &ev.Action,
			&ev.Confidence, &ev.Explanation, &ev.AffectedTools, &ev.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(chainJSON, &ev.ToolChain)
		_ = json.Unmarshal(signalsJSON, &ev.LocalSignals)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneUsageLogs(ctx context.Context, before time.Time) ([]models.UsageLog, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM usage_logs WHERE created_at < $1
		 RETURNING id, agent_id, endpoint, status_code, safe, categories, latency_ms, request_id, created_at`,
		before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UsageLog
	for rows.Next() {
		var u models.UsageLog
		if err := rows.Scan(&u.ID, &u.AgentID, &u.Endpoint, &u.StatusCode, &u.Safe,
			&u.Categories, &u.LatencyMs, &u.RequestID, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
