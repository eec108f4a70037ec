package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/crypto"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/metrics"
	"github.com/shotmill/shotmill/notify"
	"github.com/shotmill/shotmill/ratelimit"
	"github.com/shotmill/shotmill/webhook"
)

// ErrAuthRejected is returned when the acting principal does not own the
// addressed resource.
var ErrAuthRejected = errors.New("not authorized")

// ValidationError carries a client-facing description of a rejected
// request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// RateLimitedError tells the client when to come back.
type RateLimitedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Reason, e.RetryAfter)
}

// SubmitResult is the admission outcome handed back to the transport layer.
type SubmitResult struct {
	Job           *job.Job
	QueuePosition int

	// WebhookSecret is set only when the submission's webhook URL caused a
	// new config to be created; the client needs the secret to verify
	// signatures.
	WebhookSecret string
}

// Submit is the admission controller: validate, rate-limit, reserve
// credits, persist, enqueue. Steps after the reserve are a logical
// transaction: any failure releases the reservation.
func (a *App) Submit(p Principal, jobType string, req job.ScreenshotRequest, webhookURL string) (*SubmitResult, error) {
	cfg := a.cfg.Get()

	if jobType == "" {
		jobType = job.TypeScreenshot
	}
	if jobType != job.TypeScreenshot && jobType != job.TypeAnalysis {
		a.metrics.AdmissionDecision(metrics.OutcomeValidationFailed)
		return nil, &ValidationError{Message: "type must be screenshot or analysis"}
	}

	limits := job.Limits{
		MaxWidth:  cfg.Limits.MaxWidth,
		MaxHeight: cfg.Limits.MaxHeight,
		MaxWaitMs: cfg.Limits.MaxWaitMs,
	}
	if err := job.ValidateRequest(req, limits); err != nil {
		a.metrics.AdmissionDecision(metrics.OutcomeValidationFailed)
		return nil, &ValidationError{Message: err.Error()}
	}
	if webhookURL != "" {
		if err := webhook.ValidateURL(webhookURL); err != nil {
			a.metrics.AdmissionDecision(metrics.OutcomeValidationFailed)
			return nil, &ValidationError{Message: "webhook_url: " + err.Error()}
		}
	}

	op := ratelimit.OpScreenshot
	if jobType == job.TypeAnalysis {
		op = ratelimit.OpAnalysis
	}
	decision, err := a.limiter.Allow(p.UserID, op)
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !decision.Allowed {
		a.metrics.AdmissionDecision(metrics.OutcomeRateLimited)
		return nil, &RateLimitedError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}

	return a.admit(p, jobType, req, webhookURL, credits.ReasonSubmission)
}

// admit runs the reserve-persist-enqueue tail shared by Submit and
// RetryJob.
func (a *App) admit(p Principal, jobType string, req job.ScreenshotRequest, webhookURL, reason string) (*SubmitResult, error) {
	now := a.clock.Now()
	cost := a.ledger.Cost(jobType)

	newBalance, err := a.ledger.Deduct(p.UserID, cost, reason, "")
	if err != nil {
		var insufficient *credits.ErrInsufficientCredits
		if errors.As(err, &insufficient) {
			a.metrics.AdmissionDecision(metrics.OutcomeInsufficientCredits)
		}
		return nil, err
	}

	result := &SubmitResult{}
	if webhookURL != "" {
		secret, err := a.ensureWebhookConfig(p.UserID, webhookURL, now)
		if err != nil {
			// Release the reservation; nothing was persisted yet.
			_, _ = a.ledger.Refund(p.UserID, cost, "admission_rollback", "")
			return nil, err
		}
		result.WebhookSecret = secret
	}

	j := &job.Job{
		ID:          job.NewID(now),
		UserID:      p.UserID,
		ApiKeyID:    p.ApiKeyID,
		Type:        jobType,
		Request:     req,
		Status:      job.StatusQueued,
		MaxRetries:  a.cfg.Get().Retry.MaxRetries,
		IsRetryable: true,
		RetryType:   job.RetryNone,
		WebhookURL:  webhookURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := a.db.InsertJob(j); err != nil {
		_, _ = a.ledger.Refund(p.UserID, cost, "admission_rollback", j.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	// An enqueue lost after this point is recovered by the scanners; the
	// row is the durable truth.
	a.queue.Enqueue(j)
	result.Job = j
	result.QueuePosition = a.queue.Size()

	a.metrics.AdmissionDecision(metrics.OutcomeAdmitted)
	a.logger.Info("admission: job queued",
		"job_id", j.ID, "user_id", p.UserID, "type", jobType, "balance", newBalance)

	if err := a.webhooks.Dispatch(p.UserID, job.EventScreenshotCreated, map[string]string{
		"jobId": j.ID,
	}); err != nil {
		a.logger.Error("admission: created-event dispatch failed", "job_id", j.ID, "error", err)
	}

	a.maybeWarnLowCredits(p.UserID, newBalance, cost)
	a.trackSubmitter(p.UserID)
	return result, nil
}

// trackSubmitter feeds the heavy-submitter sketch and raises an alarm for
// users dominating the submission window.
func (a *App) trackSubmitter(userID string) {
	if a.sketch == nil {
		return
	}
	heavy := a.sketch.ProcessTick(userID)
	for _, id := range heavy {
		_ = a.notifier.Send(context.Background(), notify.Notification{
			Timestamp: a.clock.Now(),
			Type:      notify.Alarm,
			Source:    notify.SourceHeavyUsers,
			Message:   "user dominating submission window",
			Fields:    map[string]interface{}{"user_id": id},
		})
	}
}

// RetryJob is the owner-initiated resubmission of a failed job. Credits are
// deducted again; the original deduction was refunded when the job failed
// terminally.
func (a *App) RetryJob(p Principal, jobID string) (*job.Job, error) {
	j, err := a.db.GetJobByIdAndUser(jobID, p.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Do not leak whether the job exists for someone else.
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if j.Status != job.StatusFailed {
		return nil, &ValidationError{Message: "only failed jobs can be retried"}
	}

	cost := a.ledger.Cost(j.Type)
	if _, err := a.ledger.Deduct(p.UserID, cost, credits.ReasonManualRetry, j.ID); err != nil {
		return nil, err
	}

	// A pending automatic reschedule for the same row would double-run it.
	a.queue.CancelDelayed(j.ID)

	now := a.clock.Now()
	j.Status = job.StatusQueued
	j.RetryType = job.RetryManual
	j.RetryCount++
	if j.RetryCount > j.MaxRetries {
		j.MaxRetries = j.RetryCount
	}
	j.IsRetryable = true
	j.NextRetryAt = time.Time{}
	j.ErrorMessage = ""
	j.UpdatedAt = now

	if err := a.db.UpdateJob(j); err != nil {
		_, _ = a.ledger.Refund(p.UserID, cost, "admission_rollback", j.ID)
		return nil, fmt.Errorf("failed to persist manual retry: %w", err)
	}
	a.queue.Enqueue(j)

	a.logger.Info("admission: manual retry queued", "job_id", j.ID, "user_id", p.UserID)
	return j, nil
}

// ensureWebhookConfig resolves a submission-supplied webhook URL to a
// config, creating one subscribed to the job lifecycle events when none
// matches. Returns the secret only for a newly created config.
func (a *App) ensureWebhookConfig(userID, url string, now time.Time) (string, error) {
	existing, err := a.db.GetWebhookConfigsByUser(userID)
	if err != nil {
		return "", fmt.Errorf("failed to load webhook configs: %w", err)
	}
	for _, c := range existing {
		if c.URL == url {
			return "", nil
		}
	}
	if len(existing) >= webhook.MaxConfigsPerUser {
		return "", &ValidationError{Message: fmt.Sprintf("webhook config limit of %d reached", webhook.MaxConfigsPerUser)}
	}

	secret, err := crypto.NewWebhookSecret()
	if err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	c := &webhook.Config{
		ID:     "wh_" + uuid.NewString(),
		UserID: userID,
		URL:    url,
		Secret: secret,
		Events: []string{
			job.EventScreenshotCompleted,
			job.EventScreenshotFailed,
			job.EventScreenshotRetried,
			job.EventAnalysisCompleted,
			job.EventAnalysisFailed,
		},
		IsActive:    true,
		Description: "created from submission",
		Created:     now,
		Updated:     now,
	}
	if err := a.db.InsertWebhookConfig(c); err != nil {
		return "", fmt.Errorf("failed to create webhook config: %w", err)
	}
	return secret, nil
}

// maybeWarnLowCredits sends the optional warning mail when the balance
// crosses the configured threshold. The mailer is optional; silence is the
// default. cost is the amount just deducted, so balance+cost is the balance
// before the deduction.
func (a *App) maybeWarnLowCredits(userID string, balance, cost int) {
	threshold := a.cfg.Get().Credits.LowCreditThreshold
	if threshold <= 0 || balance >= threshold || balance+cost < threshold || a.mailer == nil {
		return
	}
	user, err := a.db.GetUserById(userID)
	if err != nil {
		return
	}
	go a.mailer.SendLowCreditWarning(user.Email, balance)
}
