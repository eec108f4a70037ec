package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/metrics"
	"github.com/shotmill/shotmill/notify"
	"github.com/shotmill/shotmill/queue"
	"github.com/shotmill/shotmill/retry"
	"github.com/shotmill/shotmill/webhook"
)

// scannerWorkerID is the lock owner used by the scanner daemon. It is a fixed
// value, the same in every process.
const scannerWorkerID = "scanner"

// Scanner is the daemon guaranteeing forward progress: every tick it
// recovers stuck jobs, re-enqueues due retries, and reschedules failed jobs
// whose retry was never scheduled. Every action goes through TryLockJob, so
// scanners and workers never act on the same row concurrently.
type Scanner struct {
	cfg      *config.Provider
	store    db.DbJob
	queue    queue.Queue
	ledger   *credits.Ledger
	webhooks *webhook.Engine
	clock    clock.Clock
	logger   *slog.Logger
	metrics  metrics.Recorder
	notifier notify.Notifier

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}
}

type ScannerOpts struct {
	Config   *config.Provider
	Store    db.DbJob
	Queue    queue.Queue
	Ledger   *credits.Ledger
	Webhooks *webhook.Engine
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  metrics.Recorder
	Notifier notify.Notifier
}

func NewScanner(opts ScannerOpts) *Scanner {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nil()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNilNotifier()
	}
	return &Scanner{
		cfg:          opts.Config,
		store:        opts.Store,
		queue:        opts.Queue,
		ledger:       opts.Ledger,
		webhooks:     opts.Webhooks,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		notifier:     opts.Notifier,
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

func (s *Scanner) Name() string { return "job-scanner" }

func (s *Scanner) Start() error {
	go func() {
		interval := s.cfg.Get().Scanner.Interval.Duration
		s.logger.Info("scanner: starting", "interval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Info("scanner: received shutdown signal")
				close(s.shutdownDone)
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
	return nil
}

func (s *Scanner) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.shutdownDone:
		s.logger.Info("scanner: stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Info("scanner: shutdown timed out")
		return ctx.Err()
	}
}

// Tick runs the three scans once. Exported so tests drive it directly.
func (s *Scanner) Tick() {
	s.scanStuck()
	s.scanReadyForRetry()
	s.scanFailedRetryable()
}

// scanStuck recovers processing rows abandoned by a dead or wedged worker,
// applying the same retry-or-fail decision the worker would have.
func (s *Scanner) scanStuck() {
	cfg := s.cfg.Get().Scanner
	now := s.clock.Now()

	stuck, err := s.store.GetStuckJobs(now, cfg.StuckAfter.Duration, cfg.BatchSize)
	if err != nil {
		s.logger.Error("scanner: stuck scan failed", "error", err)
		return
	}

	for _, candidate := range stuck {
		if s.ctx.Err() != nil {
			return
		}
		j, err := s.store.TryLockJob(candidate.ID, scannerWorkerID, now, cfg.StuckAfter.Duration)
		if err != nil || j == nil {
			continue
		}

		s.logger.Warn("scanner: recovering stuck job",
			"job_id", j.ID, "previous_worker", candidate.LockedBy, "stale_for", now.Sub(j.UpdatedAt))
		_ = s.notifier.Send(s.ctx, notify.Notification{
			Timestamp: now,
			Type:      notify.Alarm,
			Source:    notify.SourceStuckScanner,
			Message:   "recovered a stuck job",
			Fields: map[string]interface{}{
				"job_id":          j.ID,
				"previous_worker": candidate.LockedBy,
			},
		})

		s.rescheduleOrFail(j, "processing timed out")
	}
}

// scanReadyForRetry pushes due retries back into the ready queue. The
// delayed queue normally does this; the scan is the safety net for entries
// lost to a crash.
func (s *Scanner) scanReadyForRetry() {
	cfg := s.cfg.Get().Scanner
	now := s.clock.Now()

	due, err := s.store.GetJobsReadyForRetry(now, cfg.BatchSize)
	if err != nil {
		s.logger.Error("scanner: retry-ready scan failed", "error", err)
		return
	}

	for _, candidate := range due {
		if s.ctx.Err() != nil {
			return
		}
		j, err := s.store.TryLockJob(candidate.ID, scannerWorkerID, now, cfg.StuckAfter.Duration)
		if err != nil || j == nil {
			continue
		}
		// Drop the matching delayed entry so the promoter cannot enqueue a
		// second copy later.
		s.queue.CancelDelayed(j.ID)
		_ = s.store.UnlockJob(j.ID, scannerWorkerID)
		s.queue.Enqueue(j)
		s.logger.Info("scanner: re-enqueued retry-ready job", "job_id", j.ID, "retry_count", j.RetryCount)
	}
}

// scanFailedRetryable picks up failed rows whose retry was decided but never
// scheduled (the process died between the two steps).
func (s *Scanner) scanFailedRetryable() {
	cfg := s.cfg.Get().Scanner
	now := s.clock.Now()

	failed, err := s.store.GetFailedRetryableJobs(cfg.BatchSize)
	if err != nil {
		s.logger.Error("scanner: failed-retryable scan failed", "error", err)
		return
	}

	for _, candidate := range failed {
		if s.ctx.Err() != nil {
			return
		}
		j, err := s.store.TryLockJob(candidate.ID, scannerWorkerID, now, cfg.StuckAfter.Duration)
		if err != nil || j == nil {
			continue
		}
		s.rescheduleOrFail(j, j.LastFailureReason)
	}
}

// rescheduleOrFail applies the worker's terminal decision to a recovered
// row: schedule the next automatic retry, or fail it for good and refund.
func (s *Scanner) rescheduleOrFail(j *job.Job, reason string) {
	now := s.clock.Now()
	retryCfg := s.cfg.Get().Retry

	j.LastFailureReason = reason
	j.UpdatedAt = now

	if j.IsRetryable && j.RetryCount < j.MaxRetries {
		delay := retry.Delay(j.RetryCount, retryCfg.BaseDelay.Duration, retryCfg.MaxDelay.Duration)
		j.RetryCount++
		j.Status = job.StatusQueued
		j.RetryType = job.RetryAutomatic
		j.NextRetryAt = now.Add(delay)

		if err := s.store.UpdateJob(j); err != nil {
			s.logger.Error("scanner: failed to persist reschedule", "job_id", j.ID, "error", err)
			_ = s.store.UnlockJob(j.ID, scannerWorkerID)
			return
		}
		_ = s.store.UnlockJob(j.ID, scannerWorkerID)
		s.queue.EnqueueDelayed(j, j.NextRetryAt)
		s.metrics.JobFinished(j.Type, "retried", 0)
		return
	}

	j.Status = job.StatusFailed
	j.ErrorMessage = reason
	j.NextRetryAt = timeZero

	if err := s.store.UpdateJob(j); err != nil {
		s.logger.Error("scanner: failed to persist terminal failure", "job_id", j.ID, "error", err)
		_ = s.store.UnlockJob(j.ID, scannerWorkerID)
		return
	}
	_ = s.store.UnlockJob(j.ID, scannerWorkerID)

	cost := s.ledger.Cost(j.Type)
	if _, err := s.ledger.Refund(j.UserID, cost, credits.ReasonTerminalFail, j.ID); err != nil {
		s.logger.Error("scanner: refund failed", "job_id", j.ID, "error", err)
	}
	s.metrics.JobFinished(j.Type, "failed", 0)

	if err := s.webhooks.Dispatch(j.UserID, j.Event(false), map[string]string{
		"jobId":  j.ID,
		"status": j.Status,
		"error":  reason,
	}); err != nil {
		s.logger.Error("scanner: webhook dispatch failed", "job_id", j.ID, "error", err)
	}
}
