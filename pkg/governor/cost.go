package governor

import (
	"fmt"
	"math"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/coderelay/coderelay/pkg/config"
)

// CostLimitError is returned when a projected charge would exceed a ledger.
type CostLimitError struct {
	Ledger string // "session" or "daily"
	Limit  float64
	Total  float64
}

func (e *CostLimitError) Error() string {
	return fmt.Sprintf("%s cost limit exceeded: total $%.2f, limit $%.2f", e.Ledger, e.Total, e.Limit)
}

// Warning is a one-shot ledger warning raised when a running total first
// crosses warning_fraction × limit.
type Warning struct {
	Ledger string
	Total  float64
	Limit  float64
}

// CostSnapshot is a point-in-time view of both ledgers.
type CostSnapshot struct {
	ContextTotalUSD float64 `json:"context_total_usd"`
	DailyTotalUSD   float64 `json:"daily_total_usd"`
	SessionLimitUSD float64 `json:"session_limit_usd"`
	DailyLimitUSD   float64 `json:"daily_limit_usd"`
}

// dayLedger is the daily running total plus its one-shot warning latch.
// Stored per UTC date in the expiring cache.
type dayLedger struct {
	total  float64
	warned bool
}

// CostTracker maintains the per-context running total and the global daily
// total. The daily ledger is keyed by UTC date and expires on its own at
// the next midnight rollover.
type CostTracker struct {
	mu            sync.Mutex
	cfg           config.CostConfig
	contextTotal  float64
	warnedContext bool
	daily         *gocache.Cache
	now           func() time.Time
}

// NewCostTracker creates a CostTracker from config.
func NewCostTracker(cfg config.CostConfig) *CostTracker {
	return &CostTracker{
		cfg:   cfg,
		daily: gocache.New(gocache.NoExpiration, 10*time.Minute),
		now:   time.Now,
	}
}

// Admit checks whether a projected charge fits both ledgers. On rejection
// nothing is charged. A zero limit disables the corresponding ledger check.
func (t *CostTracker) Admit(projectedUSD float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.SessionLimitUSD > 0 && t.contextTotal+projectedUSD > t.cfg.SessionLimitUSD {
		return &CostLimitError{Ledger: "session", Limit: t.cfg.SessionLimitUSD, Total: t.contextTotal}
	}
	day := t.dayLocked()
	if t.cfg.DailyLimitUSD > 0 && day.total+projectedUSD > t.cfg.DailyLimitUSD {
		return &CostLimitError{Ledger: "daily", Limit: t.cfg.DailyLimitUSD, Total: day.total}
	}
	return nil
}

// Charge adds actual spend to both ledgers and returns any warnings that
// fired for the first time on this charge.
func (t *CostTracker) Charge(usd float64) []Warning {
	if usd <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.contextTotal = roundCents(t.contextTotal + usd)
	day := t.dayLocked()
	day.total = roundCents(day.total + usd)

	var warnings []Warning
	if !t.warnedContext && t.cfg.SessionLimitUSD > 0 &&
		t.contextTotal >= t.cfg.WarningFraction*t.cfg.SessionLimitUSD {
		t.warnedContext = true
		warnings = append(warnings, Warning{Ledger: "session", Total: t.contextTotal, Limit: t.cfg.SessionLimitUSD})
	}
	if !day.warned && t.cfg.DailyLimitUSD > 0 &&
		day.total >= t.cfg.WarningFraction*t.cfg.DailyLimitUSD {
		day.warned = true
		warnings = append(warnings, Warning{Ledger: "daily", Total: day.total, Limit: t.cfg.DailyLimitUSD})
	}
	return warnings
}

// CostForTokens prices reported token usage. Zero when pricing is not
// configured — cost then comes from upstream usage reports only.
func (t *CostTracker) CostForTokens(totalTokens int) float64 {
	if t.cfg.PerThousandTokensUSD <= 0 || totalTokens <= 0 {
		return 0
	}
	return roundCents(float64(totalTokens) / 1000 * t.cfg.PerThousandTokensUSD)
}

// Snapshot returns the current ledger state.
func (t *CostTracker) Snapshot() CostSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CostSnapshot{
		ContextTotalUSD: t.contextTotal,
		DailyTotalUSD:   t.dayLocked().total,
		SessionLimitUSD: t.cfg.SessionLimitUSD,
		DailyLimitUSD:   t.cfg.DailyLimitUSD,
	}
}

// ResetContext clears the per-context ledger (context teardown). The daily
// ledger is left alone.
func (t *CostTracker) ResetContext() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contextTotal = 0
	t.warnedContext = false
}

// dayLocked returns today's ledger, creating it with an expiry at the next
// UTC midnight. Callers must hold t.mu.
func (t *CostTracker) dayLocked() *dayLedger {
	now := t.now().UTC()
	key := now.Format("2006-01-02")
	if v, ok := t.daily.Get(key); ok {
		return v.(*dayLedger)
	}
	day := &dayLedger{}
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	t.daily.Set(key, day, midnight.Sub(now))
	return day
}

// roundCents rounds to whole cents so ledger sums match charge sums.
func roundCents(usd float64) float64 {
	return math.Round(usd*100) / 100
}
