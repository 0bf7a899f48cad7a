package config

// validate checks the merged configuration for values that would make the
// process misbehave at runtime. Boot fails on the first violation.
func validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return &ValidationError{Field: "server.addr", Message: "must not be empty"}
	}
	if cfg.Rate.PerAgentPerMin <= 0 {
		return &ValidationError{Field: "rate.per_agent_per_min", Message: "must be positive"}
	}
	if cfg.Rate.PerIPPerMin <= 0 {
		return &ValidationError{Field: "rate.per_ip_per_min", Message: "must be positive"}
	}
	if cfg.Rate.Window <= 0 {
		return &ValidationError{Field: "rate.window", Message: "must be positive"}
	}
	if cfg.Cost.SessionLimitUSD < 0 || cfg.Cost.DailyLimitUSD < 0 {
		return &ValidationError{Field: "cost.limits", Message: "must not be negative"}
	}
	if cfg.Cost.WarningFraction <= 0 || cfg.Cost.WarningFraction > 1 {
		return &ValidationError{Field: "cost.warning_fraction", Message: "must be in (0, 1]"}
	}
	if cfg.Events.RingSize <= 0 {
		return &ValidationError{Field: "events.ring_size", Message: "must be positive"}
	}
	if cfg.Events.SubscriberQueueSize <= 0 {
		return &ValidationError{Field: "events.subscriber_queue_size", Message: "must be positive"}
	}
	if cfg.Hub.HeartbeatInterval <= 0 {
		return &ValidationError{Field: "hub.heartbeat_interval", Message: "must be positive"}
	}
	if cfg.Hub.MissedHeartbeats <= 0 {
		return &ValidationError{Field: "hub.missed_heartbeats", Message: "must be positive"}
	}
	if cfg.Dispatch.StartTimeout <= 0 || cfg.Dispatch.TotalTimeout <= 0 {
		return &ValidationError{Field: "dispatch.timeouts", Message: "must be positive"}
	}
	if cfg.Audit.MaxBytes <= 0 {
		return &ValidationError{Field: "audit.max_bytes", Message: "must be positive"}
	}
	if cfg.Sim.TickBudget <= 0 {
		return &ValidationError{Field: "sim.tick_budget", Message: "must be positive"}
	}
	if cfg.Sim.UseRealLLM && cfg.Sim.DefaultProvider == "" {
		return &ValidationError{Field: "sim.default_provider", Message: "required when SIM_USE_REAL_LLM is set"}
	}
	return nil
}
