package core

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/db/mock"
	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/queue"
	"github.com/shotmill/shotmill/ratelimit"
	"github.com/shotmill/shotmill/webhook"
)

type mapCache[V any] struct{ m map[string]V }

func newMapCache[V any]() *mapCache[V]                  { return &mapCache[V]{m: make(map[string]V)} }
func (c *mapCache[V]) Get(key string) (V, bool)         { v, ok := c.m[key]; return v, ok }
func (c *mapCache[V]) Set(key string, v V, _ int64) bool { c.m[key] = v; return true }
func (c *mapCache[V]) SetWithTTL(key string, v V, _ int64, _ time.Duration) bool {
	c.m[key] = v
	return true
}

type admissionFixture struct {
	app   *App
	mdb   *mock.Db
	queue *queue.Memory
	clk   *clock.Fake

	// captured state
	credits      int
	deducts      int
	refunds      int
	insertedJobs []*job.Job
	insertedCfgs []*webhook.Config
}

func newAdmissionFixture(t *testing.T) *admissionFixture {
	t.Helper()
	f := &admissionFixture{credits: 10}

	f.mdb = &mock.Db{}
	f.mdb.GetUserByIdFunc = func(id string) (*db.User, error) {
		return &db.User{ID: id, Email: id + "@example.com", PlanID: "basic", Credits: f.credits}, nil
	}
	f.mdb.GetPlanFunc = func(id string) (*db.Plan, error) {
		return &db.Plan{ID: id, HourlyLimit: 60, MinuteLimit: 10}, nil
	}
	f.mdb.DeductCreditsFunc = func(userID string, n int, reason, jobID string) (int, error) {
		if f.credits < n {
			return 0, db.ErrInsufficientCredits
		}
		f.credits -= n
		f.deducts++
		return f.credits, nil
	}
	f.mdb.RefundCreditsFunc = func(userID string, n int, reason, jobID string) (int, error) {
		f.credits += n
		f.refunds++
		return f.credits, nil
	}
	f.mdb.InsertJobFunc = func(j *job.Job) error {
		f.insertedJobs = append(f.insertedJobs, j)
		return nil
	}
	f.mdb.InsertWebhookConfigFunc = func(c *webhook.Config) error {
		f.insertedCfgs = append(f.insertedCfgs, c)
		return nil
	}
	f.mdb.GetWebhookConfigsByUserFunc = func(userID string) ([]*webhook.Config, error) {
		return f.insertedCfgs, nil
	}

	provider := config.NewProvider(config.NewDefaultConfig())
	f.clk = clock.NewFake(time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC))
	f.queue = queue.NewMemory(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	limiter := ratelimit.NewLimiter(provider, f.mdb, f.clk, newMapCache[*db.Plan]())
	ledger := credits.NewLedger(provider, f.mdb)
	engine := webhook.NewEngine(provider, f.mdb, f.clk, logger, nil)

	f.app = NewApp(AppOpts{
		Config:   provider,
		Db:       f.mdb,
		Queue:    f.queue,
		Ledger:   ledger,
		Limiter:  limiter,
		Clock:    f.clk,
		Logger:   logger,
		Webhooks: engine,
	})
	return f
}

func validRequest() job.ScreenshotRequest {
	return job.ScreenshotRequest{
		URL:    "https://example.com",
		Width:  1200,
		Height: 800,
		Format: job.FormatPNG,
	}
}

var principal = Principal{UserID: "u1", ApiKeyID: "k1"}

func TestSubmitHappyPath(t *testing.T) {
	f := newAdmissionFixture(t)

	result, err := f.app.Submit(principal, "", validRequest(), "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if result.Job.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", result.Job.Status)
	}
	if result.Job.ID == "" {
		t.Error("job id empty")
	}
	if result.QueuePosition != 1 {
		t.Errorf("queue position = %d, want 1", result.QueuePosition)
	}
	if f.credits != 9 {
		t.Errorf("credits = %d, want 9 (one deducted)", f.credits)
	}
	if len(f.insertedJobs) != 1 {
		t.Fatalf("inserted %d jobs, want 1", len(f.insertedJobs))
	}
	if f.insertedJobs[0].RetryType != job.RetryNone {
		t.Errorf("retry type = %q, want none", f.insertedJobs[0].RetryType)
	}
	if f.queue.Size() != 1 {
		t.Errorf("queue size = %d, want 1", f.queue.Size())
	}
}

func TestSubmitDistinctIDs(t *testing.T) {
	f := newAdmissionFixture(t)
	r1, err := f.app.Submit(principal, "", validRequest(), "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	r2, err := f.app.Submit(principal, "", validRequest(), "")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if r1.Job.ID == r2.Job.ID {
		t.Error("identical submissions must still get distinct ids")
	}
}

func TestSubmitValidationFailed(t *testing.T) {
	f := newAdmissionFixture(t)

	req := validRequest()
	req.Width = 0
	_, err := f.app.Submit(principal, "", req, "")

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Submit() error = %v, want ValidationError", err)
	}
	// No ledger or store side effects.
	if f.deducts != 0 || len(f.insertedJobs) != 0 || f.queue.Size() != 0 {
		t.Error("validation failure produced side effects")
	}
}

func TestSubmitRateLimited(t *testing.T) {
	f := newAdmissionFixture(t)

	// Minute cap is 10 on the test plan.
	for i := 0; i < 10; i++ {
		if _, err := f.app.Submit(principal, "", validRequest(), ""); err != nil {
			t.Fatalf("Submit() %d error = %v", i, err)
		}
	}

	_, err := f.app.Submit(principal, "", validRequest(), "")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("Submit() error = %v, want RateLimitedError", err)
	}
	if limited.RetryAfter <= 0 || limited.RetryAfter > time.Hour {
		t.Errorf("RetryAfter = %v", limited.RetryAfter)
	}
	// The denied attempt deducted nothing and created nothing.
	if f.deducts != 10 || len(f.insertedJobs) != 10 {
		t.Errorf("denied attempt had side effects: deducts=%d jobs=%d", f.deducts, len(f.insertedJobs))
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	f := newAdmissionFixture(t)
	f.credits = 0

	_, err := f.app.Submit(principal, "", validRequest(), "")
	// Zero credits trips the monthly gate first.
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("Submit() error = %v, want RateLimitedError (monthly gate)", err)
	}

	// One credit left but an analysis job costs two: the ledger denies.
	f.credits = 1
	_, err = f.app.Submit(principal, job.TypeAnalysis, validRequest(), "")
	var insufficient *credits.ErrInsufficientCredits
	if !errors.As(err, &insufficient) {
		t.Fatalf("Submit() error = %v, want ErrInsufficientCredits", err)
	}
	if insufficient.Required != 2 || insufficient.Available != 1 {
		t.Errorf("required/available = %d/%d, want 2/1", insufficient.Required, insufficient.Available)
	}
	if len(f.insertedJobs) != 0 {
		t.Error("denied submission persisted a job")
	}
}

func TestSubmitPersistFailureReleasesReserve(t *testing.T) {
	f := newAdmissionFixture(t)
	f.mdb.InsertJobFunc = func(j *job.Job) error {
		return errors.New("disk full")
	}

	_, err := f.app.Submit(principal, "", validRequest(), "")
	if err == nil {
		t.Fatal("Submit() succeeded despite persist failure")
	}
	if f.deducts != 1 || f.refunds != 1 {
		t.Errorf("deducts=%d refunds=%d, want 1/1 (reserve released)", f.deducts, f.refunds)
	}
	if f.credits != 10 {
		t.Errorf("credits = %d, want 10", f.credits)
	}
}

func TestSubmitAutoCreatesWebhookConfig(t *testing.T) {
	f := newAdmissionFixture(t)

	result, err := f.app.Submit(principal, "", validRequest(), "https://example.com/hook")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if result.WebhookSecret == "" {
		t.Error("new webhook config did not return its secret")
	}
	if len(f.insertedCfgs) != 1 {
		t.Fatalf("inserted %d configs, want 1", len(f.insertedCfgs))
	}
	if !f.insertedCfgs[0].Subscribed(job.EventScreenshotCompleted) {
		t.Error("auto-created config not subscribed to completion events")
	}

	// Same URL again: config is reused, secret not re-issued.
	result, err = f.app.Submit(principal, "", validRequest(), "https://example.com/hook")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if result.WebhookSecret != "" {
		t.Error("existing config re-issued a secret")
	}
	if len(f.insertedCfgs) != 1 {
		t.Errorf("inserted %d configs, want still 1", len(f.insertedCfgs))
	}
}

func TestSubmitRejectsBadWebhookURL(t *testing.T) {
	f := newAdmissionFixture(t)
	_, err := f.app.Submit(principal, "", validRequest(), "http://example.com/hook")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Submit() error = %v, want ValidationError", err)
	}
	if f.deducts != 0 {
		t.Error("invalid webhook URL still deducted credits")
	}
}

func TestRetryJob(t *testing.T) {
	f := newAdmissionFixture(t)

	failed := &job.Job{
		ID: "job-1", UserID: "u1", Type: job.TypeScreenshot,
		Request: validRequest(), Status: job.StatusFailed,
		RetryCount: 3, MaxRetries: 3, RetryType: job.RetryAutomatic,
	}
	f.mdb.GetJobByIdAndUserFunc = func(id, userID string) (*job.Job, error) {
		if id == failed.ID && userID == failed.UserID {
			cp := *failed
			return &cp, nil
		}
		return nil, db.ErrNotFound
	}
	var updated *job.Job
	f.mdb.UpdateJobFunc = func(j *job.Job) error {
		updated = j
		return nil
	}

	j, err := f.app.RetryJob(principal, "job-1")
	if err != nil {
		t.Fatalf("RetryJob() error = %v", err)
	}
	if j.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", j.Status)
	}
	if j.RetryType != job.RetryManual {
		t.Errorf("retry type = %q, want manual", j.RetryType)
	}
	if j.RetryCount != 4 || j.MaxRetries != 4 {
		t.Errorf("retryCount/maxRetries = %d/%d, want 4/4", j.RetryCount, j.MaxRetries)
	}
	if f.deducts != 1 {
		t.Errorf("deducts = %d, want 1 (manual retry rededucts)", f.deducts)
	}
	if updated == nil {
		t.Error("row not persisted")
	}
	if f.queue.Size() != 1 {
		t.Errorf("queue size = %d, want 1", f.queue.Size())
	}
}

func TestRetryJobNonOwner(t *testing.T) {
	f := newAdmissionFixture(t)
	f.mdb.GetJobByIdAndUserFunc = func(id, userID string) (*job.Job, error) {
		return nil, db.ErrNotFound
	}

	_, err := f.app.RetryJob(Principal{UserID: "intruder"}, "job-1")
	if !errors.Is(err, ErrAuthRejected) {
		t.Errorf("RetryJob() error = %v, want ErrAuthRejected", err)
	}
}

func TestRetryJobNotFailed(t *testing.T) {
	f := newAdmissionFixture(t)
	f.mdb.GetJobByIdAndUserFunc = func(id, userID string) (*job.Job, error) {
		return &job.Job{ID: id, UserID: userID, Status: job.StatusCompleted}, nil
	}

	_, err := f.app.RetryJob(principal, "job-1")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("RetryJob() error = %v, want ValidationError", err)
	}
	if f.deducts != 0 {
		t.Error("retry of a completed job deducted credits")
	}
}
