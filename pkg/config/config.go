// Package config loads and validates the control-plane configuration from
// the environment. Initialize is the primary entry point.
package config

import "time"

// Config is the complete, validated runtime configuration.
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Rate     RateConfig
	Cost     CostConfig
	Events   EventsConfig
	Hub      HubConfig
	Dispatch DispatchConfig
	Audit    AuditConfig
	Sim      SimConfig
	Slack    SlackConfig
	Log      LogConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// BodyLimitBytes caps request body size at the HTTP read level.
	BodyLimitBytes int64
}

// AuthConfig holds bearer-token authentication settings.
type AuthConfig struct {
	// Tokens is the set of recognized bearer tokens. Loaded from
	// AUTH_TOKENS (comma-separated) and AUTH_TOKEN_FILE (one per line).
	Tokens []string
	// AllowAnonymous admits requests without credentials. When false and
	// Tokens is empty, every request fails closed.
	AllowAnonymous bool
}

// RateConfig holds sliding-window rate limiter settings.
type RateConfig struct {
	PerAgentPerMin int
	PerIPPerMin    int
	Window         time.Duration
}

// CostConfig holds cost ledger limits and pricing.
type CostConfig struct {
	SessionLimitUSD float64
	DailyLimitUSD   float64
	// WarningFraction of a limit at which a one-shot warning event fires.
	WarningFraction float64
	// PerThousandTokensUSD prices reported token usage. Zero means cost is
	// taken from upstream usage reports only.
	PerThousandTokensUSD float64
}

// EventsConfig holds event bus sizing.
type EventsConfig struct {
	RingSize               int
	SubscriberQueueSize    int
	SubscriberWriteTimeout time.Duration
}

// HubConfig holds bridge connection settings.
type HubConfig struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// MissedHeartbeats closes the connection after this many silent intervals.
	MissedHeartbeats int
	WriteTimeout     time.Duration
}

// DispatchConfig holds task timeout settings.
type DispatchConfig struct {
	// StartTimeout bounds the wait for the first progress frame.
	StartTimeout time.Duration
	// TotalTimeout bounds the whole task.
	TotalTimeout time.Duration
}

// AuditConfig holds audit log sink settings.
type AuditConfig struct {
	// Path of the audit log file. Empty disables the file sink.
	Path string
	// MaxBytes triggers size rollover.
	MaxBytes int64
	// Backups is the number of rotated files to retain.
	Backups int
	// QueueSize bounds the in-flight record queue of the single writer.
	QueueSize int
}

// SimConfig holds simulation engine defaults and budgets.
type SimConfig struct {
	MaxCostUSD       float64
	TickRateLimit    time.Duration
	TickBudget       int
	UseRealLLM       bool
	DefaultProvider  string
	DefaultModel     string
	DefaultTemperature float64
}

// SlackConfig holds operator notification settings. Empty token or channel
// disables notifications.
type SlackConfig struct {
	Token   string
	Channel string
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "text" (tint console handler) or "json".
	Format string
}
