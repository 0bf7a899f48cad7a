package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Initialize builds the configuration from the environment, applies
// defaults, and validates it. This is the primary entry point.
//
// Steps performed:
//  1. Start from built-in defaults
//  2. Overlay every recognized environment variable
//  3. Load bearer tokens from AUTH_TOKENS and AUTH_TOKEN_FILE
//  4. Validate the merged result
func Initialize() (*Config, error) {
	cfg := defaults()

	if err := overlayEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration initialized",
		"addr", cfg.Server.Addr,
		"tokens", len(cfg.Auth.Tokens),
		"allow_anonymous", cfg.Auth.AllowAnonymous,
		"ring_size", cfg.Events.RingSize,
		"audit_path", cfg.Audit.Path)
	return cfg, nil
}

// overlayEnv applies every recognized environment variable on top of cfg.
func overlayEnv(cfg *Config) error {
	var err error

	setString(&cfg.Server.Addr, "LISTEN_ADDR")
	setString(&cfg.Audit.Path, "AUDIT_LOG_PATH")
	setString(&cfg.Slack.Token, "SLACK_TOKEN")
	setString(&cfg.Slack.Channel, "SLACK_CHANNEL")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Sim.DefaultProvider, "SIM_LLM_PROVIDER")
	setString(&cfg.Sim.DefaultModel, "SIM_LLM_MODEL")

	err = firstErr(err, setInt(&cfg.Rate.PerAgentPerMin, "RATE_PER_AGENT_PER_MIN"))
	err = firstErr(err, setInt(&cfg.Rate.PerIPPerMin, "RATE_PER_IP_PER_MIN"))
	err = firstErr(err, setInt(&cfg.Events.RingSize, "EVENT_RING_SIZE"))
	err = firstErr(err, setInt(&cfg.Events.SubscriberQueueSize, "SUBSCRIBER_QUEUE_SIZE"))
	err = firstErr(err, setInt(&cfg.Hub.MissedHeartbeats, "HEARTBEAT_MISSED_MAX"))
	err = firstErr(err, setInt(&cfg.Audit.Backups, "AUDIT_LOG_BACKUPS"))
	err = firstErr(err, setInt(&cfg.Sim.TickBudget, "SIM_TICK_BUDGET"))
	err = firstErr(err, setInt64(&cfg.Audit.MaxBytes, "AUDIT_LOG_MAX_BYTES"))

	err = firstErr(err, setFloat(&cfg.Cost.DailyLimitUSD, "COST_DAILY_USD"))
	err = firstErr(err, setFloat(&cfg.Cost.SessionLimitUSD, "COST_SESSION_USD"))
	err = firstErr(err, setFloat(&cfg.Cost.WarningFraction, "COST_WARN_FRACTION"))
	err = firstErr(err, setFloat(&cfg.Cost.PerThousandTokensUSD, "COST_PER_1K_TOKENS_USD"))
	err = firstErr(err, setFloat(&cfg.Sim.MaxCostUSD, "SIM_MAX_COST_USD"))
	err = firstErr(err, setFloat(&cfg.Sim.DefaultTemperature, "SIM_LLM_TEMPERATURE"))

	err = firstErr(err, setSeconds(&cfg.Events.SubscriberWriteTimeout, "SUBSCRIBER_WRITE_TIMEOUT_S"))
	err = firstErr(err, setSeconds(&cfg.Hub.HeartbeatInterval, "HEARTBEAT_INTERVAL_S"))
	err = firstErr(err, setSeconds(&cfg.Hub.HandshakeTimeout, "HANDSHAKE_TIMEOUT_S"))
	err = firstErr(err, setSeconds(&cfg.Dispatch.StartTimeout, "DISPATCH_START_TIMEOUT_S"))
	err = firstErr(err, setSeconds(&cfg.Dispatch.TotalTimeout, "DISPATCH_TOTAL_TIMEOUT_S"))
	err = firstErr(err, setMillis(&cfg.Sim.TickRateLimit, "SIM_TICK_RATE_LIMIT_MS"))

	err = firstErr(err, setBool(&cfg.Auth.AllowAnonymous, "AUTH_ALLOW_ANONYMOUS"))
	err = firstErr(err, setBool(&cfg.Sim.UseRealLLM, "SIM_USE_REAL_LLM"))
	if err != nil {
		return err
	}

	tokens, err := loadTokens(os.Getenv("AUTH_TOKENS"), os.Getenv("AUTH_TOKEN_FILE"))
	if err != nil {
		return err
	}
	cfg.Auth.Tokens = tokens
	return nil
}

// loadTokens merges the comma-separated AUTH_TOKENS value with the contents
// of AUTH_TOKEN_FILE (one token per line, blank lines and # comments
// ignored). Duplicates are dropped, order is preserved.
func loadTokens(env, file string) ([]string, error) {
	var tokens []string
	seen := make(map[string]bool)
	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		tokens = append(tokens, tok)
	}

	for _, tok := range strings.Split(env, ",") {
		add(tok)
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, NewLoadError("AUTH_TOKEN_FILE", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "#") {
				continue
			}
			add(line)
		}
	}
	return tokens, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return NewLoadError(key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return NewLoadError(key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return NewLoadError(key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return NewLoadError(key, err)
	}
	*dst = b
	return nil
}

func setSeconds(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return NewLoadError(key, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

func setMillis(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return NewLoadError(key, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
