// Package governor admits or denies work based on sliding-window rate
// limits and running cost ledgers. Checks and commits are atomic per key so
// concurrent requests cannot both squeak past a limit.
package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/coderelay/coderelay/pkg/config"
)

// Decision is the outcome of a rate-limit check. Limit/Remaining/RetryAfter
// feed the X-RateLimit-* response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimitError is returned when either sliding window denies a request.
type RateLimitError struct {
	Scope    string // "agent" or "ip"
	Key      string
	Decision Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s %s", e.Scope, e.Key)
}

// RateLimiter enforces two independent sliding windows: admissions per
// agent and admissions per source address. A request is admitted iff both
// windows allow it; denials are never counted against a window.
type RateLimiter struct {
	mu     sync.Mutex
	cfg    config.RateConfig
	agents map[string][]time.Time
	ips    map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter creates a RateLimiter from config.
func NewRateLimiter(cfg config.RateConfig) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		agents: make(map[string][]time.Time),
		ips:    make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Admit checks both windows and, only if both allow, records the admission
// in both. On denial it returns a RateLimitError naming the limiting scope;
// neither window is charged.
func (l *RateLimiter) Admit(agentID, ip string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	agentHits := prune(l.agents[agentID], now, l.cfg.Window)
	ipHits := prune(l.ips[ip], now, l.cfg.Window)
	l.agents[agentID] = agentHits
	l.ips[ip] = ipHits

	if len(agentHits) >= l.cfg.PerAgentPerMin {
		return deny(agentHits, l.cfg.PerAgentPerMin, now, l.cfg.Window),
			&RateLimitError{Scope: "agent", Key: agentID,
				Decision: deny(agentHits, l.cfg.PerAgentPerMin, now, l.cfg.Window)}
	}
	if len(ipHits) >= l.cfg.PerIPPerMin {
		return deny(ipHits, l.cfg.PerIPPerMin, now, l.cfg.Window),
			&RateLimitError{Scope: "ip", Key: ip,
				Decision: deny(ipHits, l.cfg.PerIPPerMin, now, l.cfg.Window)}
	}

	l.agents[agentID] = append(agentHits, now)
	l.ips[ip] = append(ipHits, now)

	// Report the tighter of the two remaining counts.
	remaining := l.cfg.PerAgentPerMin - len(agentHits) - 1
	limit := l.cfg.PerAgentPerMin
	if ipRemaining := l.cfg.PerIPPerMin - len(ipHits) - 1; ipRemaining < remaining {
		remaining = ipRemaining
		limit = l.cfg.PerIPPerMin
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}, nil
}

// prune drops hits older than the window.
func prune(hits []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(hits); i++ {
		if hits[i].After(cutoff) {
			break
		}
	}
	return hits[i:]
}

// deny builds the denial decision. RetryAfter is the time until the oldest
// in-window hit ages out and the window re-admits.
func deny(hits []time.Time, limit int, now time.Time, window time.Duration) Decision {
	d := Decision{Limit: limit, Remaining: 0}
	if len(hits) > 0 {
		d.RetryAfter = hits[0].Add(window).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d
}
