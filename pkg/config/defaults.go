package config

import "time"

// Defaults are chosen so a fresh process serves a single operator without
// tuning. Every value is overridable via the environment (see loader.go).
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			BodyLimitBytes: 2 * 1024 * 1024,
		},
		Auth: AuthConfig{
			AllowAnonymous: false,
		},
		Rate: RateConfig{
			PerAgentPerMin: 10,
			PerIPPerMin:    50,
			Window:         time.Minute,
		},
		Cost: CostConfig{
			SessionLimitUSD:      5,
			DailyLimitUSD:        10,
			WarningFraction:      0.8,
			PerThousandTokensUSD: 0,
		},
		Events: EventsConfig{
			RingSize:               500,
			SubscriberQueueSize:    256,
			SubscriberWriteTimeout: time.Second,
		},
		Hub: HubConfig{
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MissedHeartbeats:  3,
			WriteTimeout:      5 * time.Second,
		},
		Dispatch: DispatchConfig{
			StartTimeout: 30 * time.Second,
			TotalTimeout: 15 * time.Minute,
		},
		Audit: AuditConfig{
			MaxBytes:  100 * 1024 * 1024,
			Backups:   10,
			QueueSize: 1024,
		},
		Sim: SimConfig{
			MaxCostUSD:         1,
			TickRateLimit:      0,
			TickBudget:         1000,
			UseRealLLM:         false,
			DefaultTemperature: 0.7,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
