package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	limiter := NewLimiter(cfg)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestAllowConsumesBurst(t *testing.T) {
	limiter, _ := newTestLimiter(Config{Enabled: true, RequestsPerMinute: 10, Burst: 3})

	for i := 0; i < 3; i++ {
		if ok, reason := limiter.Allow(7); !ok {
			t.Fatalf("request %d denied: %s", i, reason)
		}
	}
	ok, reason := limiter.Allow(7)
	if ok {
		t.Fatal("fourth request should be denied")
	}
	if reason == "" {
		t.Error("denial must carry a reason")
	}
}

func TestRefillOverTime(t *testing.T) {
	limiter, now := newTestLimiter(Config{Enabled: true, RequestsPerMinute: 10, Burst: 1})

	if ok, _ := limiter.Allow(7); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := limiter.Allow(7); ok {
		t.Fatal("bucket should be empty")
	}

	*now = now.Add(6 * time.Second) // one token at 10/min
	if ok, reason := limiter.Allow(7); !ok {
		t.Fatalf("token should have refilled: %s", reason)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	limiter, _ := newTestLimiter(Config{Enabled: true, RequestsPerMinute: 10, Burst: 1})

	limiter.Allow(7)
	if ok, _ := limiter.Allow(7); ok {
		t.Fatal("user 7 should be exhausted")
	}
	if ok, _ := limiter.Allow(8); !ok {
		t.Fatal("user 8 should be unaffected")
	}
}

func TestCostBudget(t *testing.T) {
	limiter, _ := newTestLimiter(Config{
		Enabled: true, RequestsPerMinute: 100, Burst: 100, CostBudgetUSD: 1.0,
	})

	limiter.Debit(7, 0.60)
	if ok, _ := limiter.Allow(7); !ok {
		t.Fatal("under budget should be allowed")
	}
	limiter.Debit(7, 0.50)
	ok, reason := limiter.Allow(7)
	if ok {
		t.Fatal("over budget should be denied")
	}
	if reason == "" {
		t.Error("budget denial must carry a reason")
	}

	// Zero and negative costs are ignored.
	limiter.Debit(8, 0)
	limiter.Debit(8, -1)
	if status := limiter.Status(8); status.SpentUSD != 0 {
		t.Errorf("spend = %v, want 0", status.SpentUSD)
	}
}

func TestDisabledLimiter(t *testing.T) {
	limiter, _ := newTestLimiter(Config{Enabled: false})
	for i := 0; i < 100; i++ {
		if ok, _ := limiter.Allow(7); !ok {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestStatusAndReset(t *testing.T) {
	limiter, _ := newTestLimiter(Config{
		Enabled: true, RequestsPerMinute: 10, Burst: 2, CostBudgetUSD: 5,
	})

	limiter.Allow(7)
	limiter.Debit(7, 1.25)

	status := limiter.Status(7)
	if status.TokensRemaining != 1 {
		t.Errorf("tokens = %v, want 1", status.TokensRemaining)
	}
	if status.SpentUSD != 1.25 || status.BudgetUSD != 5 {
		t.Errorf("status = %+v", status)
	}

	limiter.Reset(7)
	status = limiter.Status(7)
	if status.SpentUSD != 0 || status.TokensRemaining != 2 {
		t.Errorf("after reset = %+v", status)
	}
}
