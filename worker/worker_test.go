package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/queue"
	"github.com/shotmill/shotmill/renderer"
	"github.com/shotmill/shotmill/webhook"
)

// jobStore is an in-memory db.DbJob with real lock semantics.
type jobStore struct {
	mu   sync.Mutex
	rows map[string]*job.Job
}

func newJobStore() *jobStore {
	return &jobStore{rows: make(map[string]*job.Job)}
}

func (s *jobStore) put(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.rows[j.ID] = &cp
}

func (s *jobStore) get(id string) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.rows[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

func (s *jobStore) InsertJob(j *job.Job) error { s.put(j); return nil }

func (s *jobStore) UpdateJob(j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[j.ID]; !ok {
		return db.ErrNotFound
	}
	cp := *j
	s.rows[j.ID] = &cp
	return nil
}

func (s *jobStore) GetJobById(id string) (*job.Job, error) {
	if j := s.get(id); j != nil {
		return j, nil
	}
	return nil, db.ErrNotFound
}

func (s *jobStore) GetJobByIdAndUser(id, userID string) (*job.Job, error) {
	j := s.get(id)
	if j == nil || j.UserID != userID {
		return nil, db.ErrNotFound
	}
	return j, nil
}

func (s *jobStore) GetJobsByUser(string, int, int, string) ([]*job.Job, int, error) {
	return nil, 0, nil
}
func (s *jobStore) GetJobsByIds([]string, string) ([]*job.Job, error) { return nil, nil }

func (s *jobStore) GetPendingJobs() ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.rows {
		if j.Status == job.StatusQueued {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *jobStore) TryLockJob(id, workerID string, now time.Time, stuckAfter time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.rows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if j.LockedBy != "" && now.Sub(j.LockedAt) <= stuckAfter {
		return nil, nil
	}
	j.LockedBy = workerID
	j.LockedAt = now
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (s *jobStore) UnlockJob(id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.rows[id]; ok && j.LockedBy == workerID {
		j.LockedBy = ""
		j.LockedAt = time.Time{}
	}
	return nil
}

func (s *jobStore) GetStuckJobs(now time.Time, stuckAfter time.Duration, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.rows {
		if j.Status == job.StatusProcessing && now.Sub(j.UpdatedAt) > stuckAfter {
			if j.LockedBy == "" || now.Sub(j.LockedAt) > stuckAfter+5*time.Minute {
				cp := *j
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (s *jobStore) GetJobsReadyForRetry(now time.Time, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.rows {
		if j.Status == job.StatusQueued && j.IsRetryable && j.LockedBy == "" &&
			!j.NextRetryAt.IsZero() && !j.NextRetryAt.After(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *jobStore) GetFailedRetryableJobs(limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.rows {
		if j.Status == job.StatusFailed && j.IsRetryable && j.RetryCount < j.MaxRetries && j.LockedBy == "" {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *jobStore) CountJobsByStatus() (map[string]int, error) { return nil, nil }
func (s *jobStore) CountJobsByFormat() (map[string]int, error) { return nil, nil }
func (s *jobStore) JobSuccessRate() (float64, error)           { return 0, nil }

// userStore is an in-memory db.DbUser tracking ledger calls.
type userStore struct {
	mu      sync.Mutex
	credits map[string]int
	refunds []string // job ids refunded
}

func newUserStore() *userStore {
	return &userStore{credits: map[string]int{"u1": 10}}
}

func (s *userStore) GetUserById(id string) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credits[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &db.User{ID: id, PlanID: "basic", Credits: c}, nil
}

func (s *userStore) GetPlan(id string) (*db.Plan, error) {
	return &db.Plan{ID: id, HourlyLimit: 60, MinuteLimit: 10}, nil
}

func (s *userStore) DeductCredits(userID string, n int, reason, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credits[userID] < n {
		return 0, db.ErrInsufficientCredits
	}
	s.credits[userID] -= n
	return s.credits[userID], nil
}

func (s *userStore) RefundCredits(userID string, n int, reason, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[userID] += n
	s.refunds = append(s.refunds, jobID)
	return s.credits[userID], nil
}

func (s *userStore) GetCreditEntries(string, int) ([]*db.CreditEntry, error) { return nil, nil }
func (s *userStore) GetApiKeysByPrefix(string) ([]*db.ApiKey, error)         { return nil, nil }
func (s *userStore) TouchApiKey(string, time.Time) error             { return nil }

// webhookStore records dispatched deliveries.
type webhookStore struct {
	mu         sync.Mutex
	configs    []*webhook.Config
	deliveries []*webhook.Delivery
}

func (s *webhookStore) GetActiveWebhookConfigs(userID, event string) ([]*webhook.Config, error) {
	var out []*webhook.Config
	for _, c := range s.configs {
		if c.UserID == userID && c.IsActive && c.Subscribed(event) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *webhookStore) InsertWebhookDelivery(d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *webhookStore) UpdateWebhookDelivery(d *webhook.Delivery) error { return nil }
func (s *webhookStore) GetDueWebhookDeliveries(time.Time, int) ([]*webhook.Delivery, error) {
	return nil, nil
}
func (s *webhookStore) PurgeWebhookDeliveries(time.Time, time.Time, int) (int, error) {
	return 0, nil
}

func (s *webhookStore) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.deliveries {
		out = append(out, d.Event)
	}
	return out
}

// scriptedRenderer returns queued outcomes.
type scriptedRenderer struct {
	mu       sync.Mutex
	outcomes []renderOutcome
}

type renderOutcome struct {
	out *renderer.Output
	err error
}

func (r *scriptedRenderer) Render(ctx context.Context, req job.ScreenshotRequest) (*renderer.Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return &renderer.Output{Data: []byte("img"), ContentType: "image/png"}, nil
	}
	o := r.outcomes[0]
	r.outcomes = r.outcomes[1:]
	return o.out, o.err
}

func (r *scriptedRenderer) Healthy() bool { return true }
func (r *scriptedRenderer) Close() error  { return nil }

// memArtifacts implements artifact.Store in memory.
type memArtifacts struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (s *memArtifacts) Put(key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objs == nil {
		s.objs = make(map[string][]byte)
	}
	s.objs[key] = data
	return "http://localhost/files/" + key, nil
}

func (s *memArtifacts) Delete(key string) error { return nil }

type fixture struct {
	pool    *Pool
	scanner *Scanner
	store   *jobStore
	users   *userStore
	hooks   *webhookStore
	clk     *clock.Fake
	render  *scriptedRenderer
	queue   *queue.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	provider := config.NewProvider(config.NewDefaultConfig())

	store := newJobStore()
	users := newUserStore()
	hooks := &webhookStore{configs: []*webhook.Config{{
		ID: "c1", UserID: "u1", URL: "https://example.com/hook", Secret: "s",
		Events:   job.Events,
		IsActive: true,
	}}}

	rend := &scriptedRenderer{}
	browsers, err := renderer.NewPool(1, func() (renderer.Renderer, error) { return rend, nil }, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	q := queue.NewMemory(nil)
	ledger := credits.NewLedger(provider, users)
	engine := webhook.NewEngine(provider, hooks, clk, logger, nil)

	pool := NewPool(PoolOpts{
		Config:    provider,
		Store:     store,
		Queue:     q,
		Browsers:  browsers,
		Artifacts: &memArtifacts{},
		Ledger:    ledger,
		Webhooks:  engine,
		Clock:     clk,
		Logger:    logger,
	})

	scanner := NewScanner(ScannerOpts{
		Config:   provider,
		Store:    store,
		Queue:    q,
		Ledger:   ledger,
		Webhooks: engine,
		Clock:    clk,
		Logger:   logger,
	})

	return &fixture{
		pool: pool, scanner: scanner, store: store, users: users,
		hooks: hooks, clk: clk, render: rend, queue: q,
	}
}

func queuedJob(id string) *job.Job {
	now := time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC)
	return &job.Job{
		ID:     id,
		UserID: "u1",
		Type:   job.TypeScreenshot,
		Request: job.ScreenshotRequest{
			URL: "https://example.com", Width: 1200, Height: 800, Format: job.FormatPNG,
		},
		Status:      job.StatusQueued,
		MaxRetries:  3,
		IsRetryable: true,
		RetryType:   job.RetryNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	j := queuedJob("job-1")
	f.store.put(j)

	f.pool.process("w1", j)

	got := f.store.get("job-1")
	if got.Status != job.StatusCompleted {
		t.Fatalf("status = %q, want completed (reason: %s)", got.Status, got.LastFailureReason)
	}
	if got.ResultURL == "" {
		t.Error("ResultURL empty on completed job")
	}
	if got.ProcessingTimeMs <= 0 {
		t.Errorf("ProcessingTimeMs = %d, want > 0", got.ProcessingTimeMs)
	}
	if got.CompletedAt.Before(got.CreatedAt) {
		t.Error("CompletedAt before CreatedAt")
	}
	if got.Locked() {
		t.Error("job still locked after completion")
	}
	if !got.WebhookSent {
		t.Error("WebhookSent not set")
	}
	if got.ResultMeta == nil || got.ResultMeta.ByteSize != int64(len("img")) {
		t.Errorf("ResultMeta = %+v", got.ResultMeta)
	}

	events := f.hooks.events()
	if len(events) != 1 || events[0] != job.EventScreenshotCompleted {
		t.Errorf("dispatched events = %v, want [SCREENSHOT_COMPLETED]", events)
	}
}

func TestProcessRetryOnTimeout(t *testing.T) {
	f := newFixture(t)
	f.render.outcomes = []renderOutcome{
		{err: renderer.NewError(renderer.KindTimeout, "deadline", nil)},
	}
	j := queuedJob("job-1")
	f.store.put(j)

	f.pool.process("w1", j)

	got := f.store.get("job-1")
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %q, want queued", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.RetryType != job.RetryAutomatic {
		t.Errorf("RetryType = %q, want automatic", got.RetryType)
	}

	// First retry delay is base (30s) plus at most 10% jitter.
	base := f.clk.Now().Add(30 * time.Second)
	if got.NextRetryAt.Before(base) || got.NextRetryAt.After(base.Add(3*time.Second)) {
		t.Errorf("NextRetryAt = %v, want ~%v", got.NextRetryAt, base)
	}
	if f.queue.DelayedSize() != 1 {
		t.Errorf("delayed queue size = %d, want 1", f.queue.DelayedSize())
	}

	events := f.hooks.events()
	if len(events) != 1 || events[0] != job.EventScreenshotRetried {
		t.Errorf("events = %v, want [SCREENSHOT_RETRIED]", events)
	}
	// No refund on a scheduled retry.
	if len(f.users.refunds) != 0 {
		t.Errorf("refunds = %v, want none", f.users.refunds)
	}
}

func TestProcessExhaustionRefundsOnce(t *testing.T) {
	f := newFixture(t)
	f.render.outcomes = []renderOutcome{
		{err: renderer.NewError(renderer.KindTimeout, "deadline", nil)},
	}
	j := queuedJob("job-1")
	j.RetryCount = 3 // budget already spent
	f.store.put(j)

	f.pool.process("w1", j)

	got := f.store.get("job-1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("ErrorMessage empty on failed job")
	}
	if !got.NextRetryAt.IsZero() {
		t.Error("failed job has NextRetryAt")
	}
	if len(f.users.refunds) != 1 || f.users.refunds[0] != "job-1" {
		t.Errorf("refunds = %v, want exactly [job-1]", f.users.refunds)
	}

	events := f.hooks.events()
	if len(events) != 1 || events[0] != job.EventScreenshotFailed {
		t.Errorf("events = %v, want [SCREENSHOT_FAILED]", events)
	}
}

func TestProcessNonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.render.outcomes = []renderOutcome{
		{err: renderer.NewError(renderer.KindInvalidURL, "bad", nil)},
	}
	j := queuedJob("job-1")
	f.store.put(j)

	f.pool.process("w1", j)

	got := f.store.get("job-1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if got.IsRetryable {
		t.Error("IsRetryable = true for invalid URL")
	}
	if len(f.users.refunds) != 1 {
		t.Errorf("refunds = %v, want one", f.users.refunds)
	}
}

func TestProcessLockMiss(t *testing.T) {
	f := newFixture(t)
	j := queuedJob("job-1")
	j.LockedBy = "other"
	j.LockedAt = f.clk.Now()
	f.store.put(j)

	f.pool.process("w1", j)

	got := f.store.get("job-1")
	if got.Status != job.StatusQueued {
		t.Errorf("status = %q, lock miss must not process", got.Status)
	}
	if got.LockedBy != "other" {
		t.Errorf("LockedBy = %q, want other", got.LockedBy)
	}
}

func TestScannerStuckRecovery(t *testing.T) {
	f := newFixture(t)
	stuckAfter := f.pool.cfg.Get().Scanner.StuckAfter.Duration

	j := queuedJob("job-1")
	j.Status = job.StatusProcessing
	j.LockedBy = "w-dead"
	lockTime := f.clk.Now()
	j.LockedAt = lockTime
	j.UpdatedAt = lockTime
	f.store.put(j)

	// One minute past the stuck threshold plus lock grace.
	f.clk.Advance(stuckAfter + 6*time.Minute)
	f.scanner.Tick()

	got := f.store.get("job-1")
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %q, want queued (rescheduled)", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.NextRetryAt.IsZero() {
		t.Error("NextRetryAt not set on rescheduled job")
	}
	if got.LockedBy != "" {
		t.Errorf("LockedBy = %q, want unlocked", got.LockedBy)
	}
}

func TestScannerStuckExhaustedFails(t *testing.T) {
	f := newFixture(t)
	stuckAfter := f.pool.cfg.Get().Scanner.StuckAfter.Duration

	j := queuedJob("job-1")
	j.Status = job.StatusProcessing
	j.RetryCount = 3
	j.UpdatedAt = f.clk.Now()
	f.store.put(j)

	f.clk.Advance(stuckAfter + 6*time.Minute)
	f.scanner.Tick()

	got := f.store.get("job-1")
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if len(f.users.refunds) != 1 {
		t.Errorf("refunds = %v, want one", f.users.refunds)
	}
	events := f.hooks.events()
	if len(events) != 1 || events[0] != job.EventScreenshotFailed {
		t.Errorf("events = %v, want [SCREENSHOT_FAILED]", events)
	}
}

func TestScannerRetryReady(t *testing.T) {
	f := newFixture(t)

	j := queuedJob("job-1")
	j.RetryCount = 1
	j.NextRetryAt = f.clk.Now().Add(-time.Minute)
	f.store.put(j)

	f.scanner.Tick()

	if f.queue.Size() != 1 {
		t.Fatalf("ready queue size = %d, want 1", f.queue.Size())
	}
	got := f.store.get("job-1")
	if got.Locked() {
		t.Error("job left locked by scanner")
	}
}

func TestScannerFailedRetryable(t *testing.T) {
	f := newFixture(t)

	j := queuedJob("job-1")
	j.Status = job.StatusFailed
	j.RetryCount = 1
	j.LastFailureReason = "target could not be reached"
	f.store.put(j)

	f.scanner.Tick()

	got := f.store.get("job-1")
	if got.Status != job.StatusQueued {
		t.Fatalf("status = %q, want queued", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if f.queue.DelayedSize() != 1 {
		t.Errorf("delayed queue size = %d, want 1", f.queue.DelayedSize())
	}
}

func TestRecoverEnqueuesPending(t *testing.T) {
	f := newFixture(t)

	ready := queuedJob("ready")
	f.store.put(ready)

	delayed := queuedJob("delayed")
	delayed.RetryCount = 1
	delayed.NextRetryAt = f.clk.Now().Add(time.Hour)
	f.store.put(delayed)

	if err := f.pool.recover(); err != nil {
		t.Fatalf("recover() error = %v", err)
	}
	if f.queue.Size() != 1 {
		t.Errorf("ready size = %d, want 1", f.queue.Size())
	}
	if f.queue.DelayedSize() != 1 {
		t.Errorf("delayed size = %d, want 1", f.queue.DelayedSize())
	}
}
