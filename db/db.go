package db

import (
	"time"

	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/webhook"
)

// DbJob is the job-store port. The store is the source of truth for job
// state; queue entries are snapshots that scanners can rebuild from it.
type DbJob interface {
	InsertJob(j *job.Job) error

	// UpdateJob is last-writer-wins on the row; callers pass the full row
	// they read. Updating a vanished row is an invariant violation and
	// returns ErrNotFound.
	UpdateJob(j *job.Job) error

	GetJobById(id string) (*job.Job, error)
	GetJobByIdAndUser(id, userID string) (*job.Job, error)

	// GetJobsByUser pages a user's jobs, newest first. statusFilter may be
	// empty. Returns the page and the total matching count.
	GetJobsByUser(userID string, page, limit int, statusFilter string) ([]*job.Job, int, error)

	// GetJobsByIds silently drops ids not owned by userID.
	GetJobsByIds(ids []string, userID string) ([]*job.Job, error)

	// GetPendingJobs returns queued rows for crash recovery at boot.
	GetPendingJobs() ([]*job.Job, error)

	// TryLockJob atomically claims the row for workerID. It succeeds only if
	// the row is unlocked or its lock is older than stuckAfter; on success it
	// returns the row with the lock fields set. Returns (nil, nil) when the
	// row exists but is held by another live worker.
	TryLockJob(id, workerID string, now time.Time, stuckAfter time.Duration) (*job.Job, error)

	// UnlockJob clears the lock if workerID still holds it.
	UnlockJob(id, workerID string) error

	// GetStuckJobs returns processing rows whose updated_at is older than
	// stuckAfter and whose lock, if any, is older than stuckAfter plus a
	// grace window. Oldest first.
	GetStuckJobs(now time.Time, stuckAfter time.Duration, limit int) ([]*job.Job, error)

	// GetJobsReadyForRetry returns queued retryable unlocked rows with
	// next_retry_at due. Oldest first.
	GetJobsReadyForRetry(now time.Time, limit int) ([]*job.Job, error)

	// GetFailedRetryableJobs returns failed rows that still have retry
	// budget, for recovery when the process died before scheduling.
	GetFailedRetryableJobs(limit int) ([]*job.Job, error)

	// Admin aggregates, off the hot path.
	CountJobsByStatus() (map[string]int, error)
	CountJobsByFormat() (map[string]int, error)
	JobSuccessRate() (float64, error)
}

// DbUser is the user/credit-store port.
type DbUser interface {
	GetUserById(id string) (*User, error)
	GetPlan(id string) (*Plan, error)

	// DeductCredits atomically subtracts n from the balance and records a
	// ledger entry. Fails with ErrInsufficientCredits when balance < n.
	DeductCredits(userID string, n int, reason, jobID string) (int, error)

	// RefundCredits atomically adds n back and records a ledger entry.
	RefundCredits(userID string, n int, reason, jobID string) (int, error)

	// GetCreditEntries returns the most recent ledger rows of userID,
	// newest first.
	GetCreditEntries(userID string, limit int) ([]*CreditEntry, error)

	// GetApiKeysByPrefix returns active keys sharing the public prefix of a
	// presented raw key. The caller compares hashes.
	GetApiKeysByPrefix(prefix string) ([]*ApiKey, error)
	TouchApiKey(id string, now time.Time) error
}

// DbWebhook is the webhook-store port.
type DbWebhook interface {
	InsertWebhookConfig(c *webhook.Config) error
	UpdateWebhookConfig(c *webhook.Config) error
	DeleteWebhookConfig(id, userID string) error
	GetWebhookConfigById(id, userID string) (*webhook.Config, error)
	GetWebhookConfigsByUser(userID string) ([]*webhook.Config, error)
	CountWebhookConfigs(userID string) (int, error)

	// GetActiveWebhookConfigs returns active configs of userID subscribed to
	// event.
	GetActiveWebhookConfigs(userID, event string) ([]*webhook.Config, error)

	InsertWebhookDelivery(d *webhook.Delivery) error
	UpdateWebhookDelivery(d *webhook.Delivery) error
	GetWebhookDeliveryById(id, userID string) (*webhook.Delivery, error)

	// GetDueWebhookDeliveries returns pending or retrying deliveries whose
	// next attempt is due. Oldest first.
	GetDueWebhookDeliveries(now time.Time, limit int) ([]*webhook.Delivery, error)

	// PurgeWebhookDeliveries deletes terminal deliveries older than the
	// cutoffs in batches of at most limit rows, returning the number
	// deleted. Failed deliveries may have a shorter retention than
	// delivered ones.
	PurgeWebhookDeliveries(deliveredBefore, failedBefore time.Time, limit int) (int, error)
}

// DbLog is the sink for the batching slog handler.
type DbLog interface {
	InsertLogBatch(entries []LogEntry) error
}

// Db aggregates every store port plus lifecycle.
type Db interface {
	DbJob
	DbUser
	DbWebhook
	DbLog
	Close() error
}
