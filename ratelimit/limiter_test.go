package ratelimit

import (
	"testing"
	"time"

	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/db"
)

// mapCache is a synchronous cache.Cache for tests; ristretto admits
// asynchronously, which makes cache-hit assertions flaky.
type mapCache[V any] struct {
	m map[string]V
}

func newMapCache[V any]() *mapCache[V] {
	return &mapCache[V]{m: make(map[string]V)}
}

func (c *mapCache[V]) Get(key string) (V, bool) {
	v, ok := c.m[key]
	return v, ok
}

func (c *mapCache[V]) Set(key string, value V, cost int64) bool {
	c.m[key] = value
	return true
}

func (c *mapCache[V]) SetWithTTL(key string, value V, cost int64, ttl time.Duration) bool {
	c.m[key] = value
	return true
}

type userStore struct {
	user      *db.User
	plan      *db.Plan
	planReads int
}

func (s *userStore) GetUserById(id string) (*db.User, error) { return s.user, nil }
func (s *userStore) GetPlan(id string) (*db.Plan, error) {
	s.planReads++
	return s.plan, nil
}
func (s *userStore) DeductCredits(userID string, n int, reason, jobID string) (int, error) {
	return 0, nil
}
func (s *userStore) RefundCredits(userID string, n int, reason, jobID string) (int, error) {
	return 0, nil
}
func (s *userStore) GetCreditEntries(userID string, limit int) ([]*db.CreditEntry, error) {
	return nil, nil
}
func (s *userStore) GetApiKeysByPrefix(prefix string) ([]*db.ApiKey, error) { return nil, nil }
func (s *userStore) TouchApiKey(id string, now time.Time) error             { return nil }

func newTestLimiter(hourly, minute, credits int) (*Limiter, *clock.Fake, *userStore) {
	store := &userStore{
		user: &db.User{ID: "u1", PlanID: "basic", Credits: credits},
		plan: &db.Plan{ID: "basic", HourlyLimit: hourly, MinuteLimit: minute},
	}
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC))
	provider := config.NewProvider(config.NewDefaultConfig())
	return NewLimiter(provider, store, clk, newMapCache[*db.Plan]()), clk, store
}

func TestAllowHourlyBoundary(t *testing.T) {
	// Generous minute cap so only the hourly cap binds.
	l, _, _ := newTestLimiter(60, 1000, 100)

	for i := 0; i < 60; i++ {
		d, err := l.Allow("u1", OpScreenshot)
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !d.Allowed {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
	}

	d, err := l.Allow("u1", OpScreenshot)
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if d.Allowed {
		t.Fatal("61st call allowed, want denied")
	}
	if d.Reason != DeniedHourlyCap {
		t.Errorf("reason = %q, want %q", d.Reason, DeniedHourlyCap)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Hour {
		t.Errorf("RetryAfter = %v, want in (0, 1h]", d.RetryAfter)
	}
}

func TestDenialDoesNotIncrement(t *testing.T) {
	l, clk, _ := newTestLimiter(1000, 1, 100)

	if d, _ := l.Allow("u1", OpScreenshot); !d.Allowed {
		t.Fatal("first call denied")
	}
	// Cap reached; repeated denials must not consume future quota.
	for i := 0; i < 5; i++ {
		if d, _ := l.Allow("u1", OpScreenshot); d.Allowed {
			t.Fatal("over-cap call allowed")
		}
	}

	// Next minute: exactly one call fits again, proving denials were not
	// counted against it.
	clk.Advance(time.Minute)
	if d, _ := l.Allow("u1", OpScreenshot); !d.Allowed {
		t.Error("call after window reset denied")
	}
	if d, _ := l.Allow("u1", OpScreenshot); d.Allowed {
		t.Error("second call in fresh minute allowed, cap is 1")
	}
}

func TestMonthlyCreditGate(t *testing.T) {
	l, _, _ := newTestLimiter(60, 10, 0)

	for _, op := range []string{OpScreenshot, OpAnalysis} {
		d, err := l.Allow("u1", op)
		if err != nil {
			t.Fatalf("Allow(%s) error = %v", op, err)
		}
		if d.Allowed {
			t.Errorf("Allow(%s) with zero credits = allowed", op)
		}
		if d.Reason != DeniedMonthlyCredits {
			t.Errorf("reason = %q", d.Reason)
		}
		if d.RetryAfter <= 0 || d.RetryAfter > 31*24*time.Hour {
			t.Errorf("RetryAfter = %v, want within the month", d.RetryAfter)
		}
	}
}

func TestAnalysisSkipsWindowedLimits(t *testing.T) {
	l, _, _ := newTestLimiter(1, 1, 100)

	// Exhaust the screenshot windows.
	if d, _ := l.Allow("u1", OpScreenshot); !d.Allowed {
		t.Fatal("first screenshot denied")
	}
	if d, _ := l.Allow("u1", OpScreenshot); d.Allowed {
		t.Fatal("second screenshot allowed")
	}

	// Analysis only checks the credit gate.
	for i := 0; i < 10; i++ {
		if d, _ := l.Allow("u1", OpAnalysis); !d.Allowed {
			t.Fatalf("analysis call %d denied", i+1)
		}
	}
}

func TestPlanCacheTTL(t *testing.T) {
	l, _, store := newTestLimiter(60, 10, 100)

	for i := 0; i < 5; i++ {
		if _, err := l.Allow("u1", OpScreenshot); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
	}
	if store.planReads != 1 {
		t.Errorf("plan read %d times, want 1 (cached)", store.planReads)
	}
}
