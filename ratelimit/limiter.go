package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/shotmill/shotmill/cache"
	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/db"
)

// Operation types the limiter distinguishes. Windowed caps apply to
// screenshots only; analysis is gated by credits alone.
const (
	OpScreenshot = "screenshot"
	OpAnalysis   = "analysis"
)

// Denial reasons.
const (
	DeniedMonthlyCredits = "monthly_credits_exhausted"
	DeniedHourlyCap      = "hourly_cap"
	DeniedMinuteCap      = "minute_cap"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// bucket holds one user's short-window counters, anchored to the current
// hour and minute. Stale anchors reset lazily on the next check.
type bucket struct {
	hourAnchor  time.Time
	hourCount   int
	minAnchor   time.Time
	minuteCount int
}

// Limiter implements the admission rate gate. The short-window counters are
// limiter-owned memory guarded by a single mutex; plans are read through a
// TTL cache so the store sees at most one plan read per user per TTL.
//
// Allow is the single point that increments: a permitted call counts, a
// denied call leaves the counters untouched. Admission must call it exactly
// once per attempt.
type Limiter struct {
	cfg   *config.Provider
	store db.DbUser
	clock clock.Clock
	plans cache.Cache[string, *db.Plan]

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewLimiter(cfg *config.Provider, store db.DbUser, clk clock.Clock, plans cache.Cache[string, *db.Plan]) *Limiter {
	return &Limiter{
		cfg:     cfg,
		store:   store,
		clock:   clk,
		plans:   plans,
		buckets: make(map[string]*bucket),
	}
}

func (l *Limiter) plan(id string) (*db.Plan, error) {
	if p, ok := l.plans.Get(id); ok {
		return p, nil
	}
	p, err := l.store.GetPlan(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", id, err)
	}
	l.plans.SetWithTTL(id, p, 1, l.cfg.Get().RateLimit.PlanCacheTTL.Duration)
	return p, nil
}

// Allow evaluates the gate for one submission attempt.
func (l *Limiter) Allow(userID, op string) (*Decision, error) {
	user, err := l.store.GetUserById(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	plan, err := l.plan(user.PlanID)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()

	// Monthly gate applies to every operation type.
	if user.Credits <= 0 {
		return &Decision{
			Allowed:    false,
			Reason:     DeniedMonthlyCredits,
			RetryAfter: untilNextMonth(now),
		}, nil
	}

	if op != OpScreenshot {
		return &Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[userID]
	if b == nil {
		b = &bucket{}
		l.buckets[userID] = b
	}

	hour := now.Truncate(time.Hour)
	if !b.hourAnchor.Equal(hour) {
		b.hourAnchor = hour
		b.hourCount = 0
	}
	minute := now.Truncate(time.Minute)
	if !b.minAnchor.Equal(minute) {
		b.minAnchor = minute
		b.minuteCount = 0
	}

	if plan.HourlyLimit > 0 && b.hourCount >= plan.HourlyLimit {
		return &Decision{
			Allowed:    false,
			Reason:     DeniedHourlyCap,
			RetryAfter: hour.Add(time.Hour).Sub(now),
		}, nil
	}
	if plan.MinuteLimit > 0 && b.minuteCount >= plan.MinuteLimit {
		return &Decision{
			Allowed:    false,
			Reason:     DeniedMinuteCap,
			RetryAfter: minute.Add(time.Minute).Sub(now),
		}, nil
	}

	b.hourCount++
	b.minuteCount++
	return &Decision{Allowed: true}, nil
}

func untilNextMonth(now time.Time) time.Duration {
	y, m, _ := now.UTC().Date()
	next := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}
