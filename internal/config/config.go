// Package config loads gateway configuration from environment variables.
// The resulting Config is immutable after Load and is passed explicitly to
// every component that needs it; nothing reads the environment afterwards.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the AegisGate gateway process.
type Config struct {
	Port    int
	Version string

	// Backends maps a backend name (openai, openrouter, anthropic, gemini)
	// to its connection settings.
	Backends map[string]BackendConfig

	Session   SessionConfig
	Policy    PolicyConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Alert     AlertConfig
	Retention RetentionConfig

	// UpstreamTimeout caps one backend forwarding call.
	UpstreamTimeout time.Duration

	// PolicyFile optionally seeds policies from a YAML file when no
	// database is configured.
	PolicyFile string
}

// BackendConfig is one upstream provider endpoint plus its credential.
type BackendConfig struct {
	BaseURL string
	APIKey  string
	// Referer and Title are optional attribution headers (OpenRouter).
	Referer string
	Title   string
}

type SessionConfig struct {
	// IdleWindow is how long a session may sit inactive before eviction.
	IdleWindow time.Duration
	// SweepInterval is how often the background eviction sweep runs.
	SweepInterval time.Duration
}

type PolicyConfig struct {
	// RefreshInterval bounds how stale a cached tenant policy may be.
	RefreshInterval time.Duration
	// LookupTimeout caps a single policy-store read; on timeout the
	// gateway fails open to the no-active-policy path.
	LookupTimeout time.Duration
}

type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty selects the
	// in-memory store.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// RetentionConfig controls audit-trail retention. A zero window disables
// pruning for that record kind.
type RetentionConfig struct {
	EventWindow   time.Duration
	UsageWindow   time.Duration
	SweepInterval time.Duration
	// ArchiveDir, when set, receives pruned records as JSONL files.
	ArchiveDir string
	Compress   bool
}

// AlertConfig configures the webhook used for alert-verdict notifications.
type AlertConfig struct {
	WebhookURL string
	// Secret, when set, signs each payload with HMAC-SHA256 in the
	// X-Aegisgate-Signature header.
	Secret string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AEGISGATE_PORT", 8090),
		Version: envStr("AEGISGATE_VERSION", "0.2.0"),
		Backends: map[string]BackendConfig{
			"openai": {
				BaseURL: envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  envStr("OPENAI_API_KEY", ""),
			},
			"openrouter": {
				BaseURL: envStr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
				APIKey:  envStr("OPENROUTER_API_KEY", ""),
				Referer: envStr("OPENROUTER_REFERER", ""),
				Title:   envStr("OPENROUTER_TITLE", ""),
			},
			"anthropic": {
				BaseURL: envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  envStr("ANTHROPIC_API_KEY", ""),
			},
			"gemini": {
				BaseURL: envStr("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				APIKey:  envStr("GEMINI_API_KEY", ""),
			},
		},
		Session: SessionConfig{
			IdleWindow:    envDuration("AEGISGATE_SESSION_IDLE_WINDOW", 30*time.Minute),
			SweepInterval: envDuration("AEGISGATE_SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Policy: PolicyConfig{
			RefreshInterval: envDuration("AEGISGATE_POLICY_REFRESH", 30*time.Second),
			LookupTimeout:   envDuration("AEGISGATE_POLICY_TIMEOUT", 2*time.Second),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "aegisgate"),
		},
		Alert: AlertConfig{
			WebhookURL: envStr("AEGISGATE_ALERT_WEBHOOK_URL", ""),
			Secret:     envStr("AEGISGATE_ALERT_WEBHOOK_SECRET", ""),
		},
		Retention: RetentionConfig{
			EventWindow:   envDuration("AEGISGATE_RETENTION_EVENTS", 0),
			UsageWindow:   envDuration("AEGISGATE_RETENTION_USAGE", 0),
			SweepInterval: envDuration("AEGISGATE_RETENTION_SWEEP", time.Hour),
			ArchiveDir:    envStr("AEGISGATE_ARCHIVE_DIR", ""),
			Compress:      envBool("AEGISGATE_ARCHIVE_COMPRESS", true),
		},
		UpstreamTimeout: envDuration("AEGISGATE_UPSTREAM_TIMEOUT", 120*time.Second),
		PolicyFile:      envStr("AEGISGATE_POLICY_FILE", ""),
	}
}

// Backend returns the configured backend for the given provider shape,
// falling back to the shape's own name.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	b, ok := c.Backends[name]
	if !ok || b.APIKey == "" {
		return BackendConfig{}, false
	}
	return b, true
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
