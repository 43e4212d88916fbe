// Package ratelimit throttles agent runs per chat user. Two independent
// limits apply: a token bucket on request rate and a cumulative cost budget
// debited with each run's actual spend.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config configures per-user limiting.
type Config struct {
	// Enabled controls whether limiting is active.
	Enabled bool `yaml:"enabled"`
	// RequestsPerMinute refills each user's bucket at this rate.
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
	// CostBudgetUSD caps a user's cumulative spend; zero disables the cap.
	CostBudgetUSD float64 `yaml:"cost_budget_usd"`
}

// DefaultConfig returns sensible chat-bot defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RequestsPerMinute: 10,
		Burst:             5,
		CostBudgetUSD:     10.0,
	}
}

// bucket is one user's refillable token supply.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks buckets and spend per user. Safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[int64]*bucket
	spend   map[int64]float64
}

// Status reports a user's current standing for display.
type Status struct {
	TokensRemaining float64       `json:"tokens_remaining"`
	RetryAfter      time.Duration `json:"retry_after"`
	SpentUSD        float64       `json:"spent_usd"`
	BudgetUSD       float64       `json:"budget_usd"`
}

func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: map[int64]*bucket{},
		spend:   map[int64]float64{},
	}
}

// Allow consumes one request token if both limits permit. On denial the
// reason is suitable for user display.
func (l *Limiter) Allow(userID int64) (bool, string) {
	if !l.cfg.Enabled {
		return true, ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.CostBudgetUSD > 0 && l.spend[userID] >= l.cfg.CostBudgetUSD {
		return false, fmt.Sprintf("cost budget exhausted ($%.2f of $%.2f used)",
			l.spend[userID], l.cfg.CostBudgetUSD)
	}

	b := l.bucket(userID)
	l.refill(b)
	if b.tokens < 1 {
		wait := l.waitTime(b)
		return false, fmt.Sprintf("rate limit exceeded, try again in %s", wait.Round(time.Second))
	}
	b.tokens--
	return true, ""
}

// Debit records the actual cost of a completed run against the budget.
// Zero-cost runs (API back-end, failed runs) debit nothing.
func (l *Limiter) Debit(userID int64, costUSD float64) {
	if !l.cfg.Enabled || costUSD <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spend[userID] += costUSD
}

// Status returns the user's remaining tokens and spend.
func (l *Limiter) Status(userID int64) Status {
	if !l.cfg.Enabled {
		return Status{TokensRemaining: float64(l.cfg.Burst), BudgetUSD: l.cfg.CostBudgetUSD}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucket(userID)
	l.refill(b)
	status := Status{
		TokensRemaining: b.tokens,
		SpentUSD:        l.spend[userID],
		BudgetUSD:       l.cfg.CostBudgetUSD,
	}
	if b.tokens < 1 {
		status.RetryAfter = l.waitTime(b)
	}
	return status
}

// Reset clears a user's bucket and spend.
func (l *Limiter) Reset(userID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, userID)
	delete(l.spend, userID)
}

// bucket returns or creates the user's bucket. Lock must be held.
func (l *Limiter) bucket(userID int64) *bucket {
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastRefill: l.now()}
		l.buckets[userID] = b
	}
	return b
}

// refill adds tokens for elapsed time. Lock must be held.
func (l *Limiter) refill(b *bucket) {
	now := l.now()
	elapsed := now.Sub(b.lastRefill).Minutes()
	b.lastRefill = now

	b.tokens += elapsed * l.cfg.RequestsPerMinute
	if max := float64(l.cfg.Burst); b.tokens > max {
		b.tokens = max
	}
}

// waitTime estimates how long until one token is available. Lock must be held.
func (l *Limiter) waitTime(b *bucket) time.Duration {
	needed := 1 - b.tokens
	minutes := needed / l.cfg.RequestsPerMinute
	return time.Duration(minutes * float64(time.Minute))
}
