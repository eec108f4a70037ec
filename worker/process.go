package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shotmill/shotmill/artifact"
	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/notify"
	"github.com/shotmill/shotmill/renderer"
	"github.com/shotmill/shotmill/retry"
)

var timeZero time.Time

// process drives one attempt. The queue entry is a snapshot; the locked row
// read back from the store is what gets mutated.
func (p *Pool) process(workerID string, snapshot *job.Job) {
	cfg := p.cfg.Get()
	now := p.clock.Now()

	locked, err := p.store.TryLockJob(snapshot.ID, workerID, now, cfg.Scanner.StuckAfter.Duration)
	if err != nil {
		p.logger.Error("worker: lock attempt failed", "job_id", snapshot.ID, "error", err)
		return
	}
	if locked == nil {
		// Another worker owns it; the duplicate queue entry is dropped here.
		p.logger.Debug("worker: job already claimed", "job_id", snapshot.ID)
		return
	}
	j := locked

	if j.Terminal() {
		// A scanner may re-enqueue a row that a slow worker already
		// finished.
		_ = p.store.UnlockJob(j.ID, workerID)
		return
	}

	j.Status = job.StatusProcessing
	j.StartedAt = now
	j.NextRetryAt = timeZero
	j.UpdatedAt = now
	if err := p.store.UpdateJob(j); err != nil {
		p.logger.Error("worker: failed to mark processing", "job_id", j.ID, "error", err)
		_ = p.store.UnlockJob(j.ID, workerID)
		return
	}

	checkoutCtx, cancelCheckout := context.WithTimeout(p.ctx, cfg.Worker.CheckoutTimeout.Duration)
	browser, err := p.browsers.Checkout(checkoutCtx)
	cancelCheckout()
	if err != nil {
		p.handleNoBrowser(workerID, j, err)
		return
	}

	attemptCtx, cancelAttempt := context.WithTimeout(p.ctx, cfg.Worker.AttemptTimeout.Duration)
	out, renderErr := browser.Render(attemptCtx, j.Request)
	cancelAttempt()

	// An internal failure poisons the instance; everything else leaves it
	// reusable.
	healthy := true
	var rerr *renderer.Error
	if errors.As(renderErr, &rerr) && rerr.Kind == renderer.KindInternal {
		healthy = false
	}
	p.browsers.Return(browser, healthy)

	if renderErr == nil && j.Type == job.TypeAnalysis {
		out, renderErr = p.analyze(j, out)
	}

	if renderErr == nil {
		p.complete(workerID, j, out)
	} else {
		p.fail(workerID, j, renderErr)
	}
}

// analyze runs the optional analyzer over a captured image.
func (p *Pool) analyze(j *job.Job, out *renderer.Output) (*renderer.Output, error) {
	if p.analyzer == nil {
		return nil, renderer.NewError(renderer.KindContent, "analysis not available", nil)
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Get().Worker.AttemptTimeout.Duration)
	defer cancel()

	result, err := p.analyzer.Analyze(ctx, out.Data, out.ContentType, j.Request.AnalysisPrompt)
	if err != nil {
		return nil, renderer.NewError(renderer.KindInternal, "analysis failed", err)
	}
	j.AnalysisResult = result
	return out, nil
}

// handleNoBrowser puts the job back in line without consuming retry budget:
// pool pressure is not a job failure.
func (p *Pool) handleNoBrowser(workerID string, j *job.Job, err error) {
	now := p.clock.Now()
	cfg := p.cfg.Get()

	p.logger.Warn("worker: no browser available", "job_id", j.ID, "error", err)
	_ = p.notifier.Send(p.ctx, notify.Notification{
		Timestamp: now,
		Type:      notify.Alarm,
		Source:    notify.SourceBrowserPool,
		Message:   "browser checkout timed out, job requeued",
		Fields:    map[string]interface{}{"job_id": j.ID},
	})

	delay := cfg.Retry.BaseDelay.Duration
	j.Status = job.StatusQueued
	j.NextRetryAt = now.Add(delay)
	j.UpdatedAt = now
	if err := p.store.UpdateJob(j); err != nil {
		p.logger.Error("worker: failed to requeue after pool timeout", "job_id", j.ID, "error", err)
	} else {
		p.queue.EnqueueDelayed(j, j.NextRetryAt)
	}
	_ = p.store.UnlockJob(j.ID, workerID)
}

// complete finishes a successful attempt: upload, persist, notify.
func (p *Pool) complete(workerID string, j *job.Job, out *renderer.Output) {
	key := artifact.Key(j)
	resultURL, err := p.artifacts.Put(key, out.Data, out.ContentType)
	if err != nil {
		// The capture is lost; treat as a transient failure.
		p.fail(workerID, j, err)
		return
	}

	now := p.clock.Now()
	meta := out.Meta
	meta.ByteSize = int64(len(out.Data))

	j.Status = job.StatusCompleted
	j.ResultURL = resultURL
	j.ResultMeta = &meta
	j.ErrorMessage = ""
	j.CompletedAt = now
	j.ProcessingTimeMs = now.Sub(j.StartedAt).Milliseconds()
	if j.ProcessingTimeMs <= 0 {
		j.ProcessingTimeMs = 1
	}
	j.UpdatedAt = now

	if err := p.store.UpdateJob(j); err != nil {
		p.logger.Error("worker: failed to persist completion", "job_id", j.ID, "error", err)
		_ = p.store.UnlockJob(j.ID, workerID)
		return
	}
	_ = p.store.UnlockJob(j.ID, workerID)

	p.metrics.JobFinished(j.Type, "completed", now.Sub(j.StartedAt))
	p.logger.Info("worker: job completed",
		"job_id", j.ID, "worker_id", workerID, "processing_ms", j.ProcessingTimeMs)

	p.emit(j, j.Event(true), map[string]string{
		"jobId":     j.ID,
		"status":    j.Status,
		"resultUrl": j.ResultURL,
	})
}

// fail applies the retry policy to a failed attempt.
func (p *Pool) fail(workerID string, j *job.Job, cause error) {
	now := p.clock.Now()
	cfg := p.cfg.Get()
	reason := retry.FailureReason(cause)
	retryable := retry.Retryable(cause)

	j.LastFailureReason = reason
	j.IsRetryable = retryable
	j.UpdatedAt = now

	if retryable && j.RetryCount < j.MaxRetries {
		delay := retry.Delay(j.RetryCount, cfg.Retry.BaseDelay.Duration, cfg.Retry.MaxDelay.Duration)
		j.RetryCount++
		j.Status = job.StatusQueued
		j.RetryType = job.RetryAutomatic
		j.NextRetryAt = now.Add(delay)

		if err := p.store.UpdateJob(j); err != nil {
			p.logger.Error("worker: failed to persist retry", "job_id", j.ID, "error", err)
			_ = p.store.UnlockJob(j.ID, workerID)
			return
		}
		_ = p.store.UnlockJob(j.ID, workerID)
		p.queue.EnqueueDelayed(j, j.NextRetryAt)

		p.metrics.JobFinished(j.Type, "retried", now.Sub(j.StartedAt))
		p.logger.Info("worker: job scheduled for retry",
			"job_id", j.ID, "retry_count", j.RetryCount, "next_retry_at", j.NextRetryAt, "reason", reason)

		p.emit(j, job.EventScreenshotRetried, map[string]string{
			"jobId":      j.ID,
			"retryCount": strconv.Itoa(j.RetryCount),
			"reason":     reason,
		})
		return
	}

	j.Status = job.StatusFailed
	j.ErrorMessage = reason
	j.NextRetryAt = timeZero

	if err := p.store.UpdateJob(j); err != nil {
		p.logger.Error("worker: failed to persist failure", "job_id", j.ID, "error", err)
		_ = p.store.UnlockJob(j.ID, workerID)
		return
	}
	_ = p.store.UnlockJob(j.ID, workerID)

	// The original deduction covered every automatic attempt; terminal
	// failure refunds it exactly once.
	cost := p.ledger.Cost(j.Type)
	if _, err := p.ledger.Refund(j.UserID, cost, credits.ReasonTerminalFail, j.ID); err != nil {
		p.logger.Error("worker: refund failed", "job_id", j.ID, "user_id", j.UserID, "error", err)
	}

	p.metrics.JobFinished(j.Type, "failed", now.Sub(j.StartedAt))
	p.logger.Warn("worker: job failed terminally",
		"job_id", j.ID, "retry_count", j.RetryCount, "reason", reason)

	p.emit(j, j.Event(false), map[string]string{
		"jobId":  j.ID,
		"status": j.Status,
		"error":  reason,
	})
}

// emit fans the event out and flips the job's webhookSent flag on success.
func (p *Pool) emit(j *job.Job, event string, data map[string]string) {
	if err := p.webhooks.Dispatch(j.UserID, event, data); err != nil {
		p.logger.Error("worker: webhook dispatch failed", "job_id", j.ID, "event", event, "error", err)
		return
	}
	if event == job.EventScreenshotRetried || j.WebhookSent {
		return
	}
	j.WebhookSent = true
	j.UpdatedAt = p.clock.Now()
	if err := p.store.UpdateJob(j); err != nil {
		p.logger.Error("worker: failed to flag webhook sent", "job_id", j.ID, "error", err)
	}
}
