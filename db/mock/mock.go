package mock

import (
	"time"

	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/webhook"
)

// Compile-time check to ensure Db implements the db.Db interface
var _ db.Db = (*Db)(nil)

// Db implements db.Db for testing purposes. Use function fields to override
// behavior in specific tests; unset fields return permissive defaults.
type Db struct {
	// --- DbJob ---
	InsertJobFunc              func(j *job.Job) error
	UpdateJobFunc              func(j *job.Job) error
	GetJobByIdFunc             func(id string) (*job.Job, error)
	GetJobByIdAndUserFunc      func(id, userID string) (*job.Job, error)
	GetJobsByUserFunc          func(userID string, page, limit int, statusFilter string) ([]*job.Job, int, error)
	GetJobsByIdsFunc           func(ids []string, userID string) ([]*job.Job, error)
	GetPendingJobsFunc         func() ([]*job.Job, error)
	TryLockJobFunc             func(id, workerID string, now time.Time, stuckAfter time.Duration) (*job.Job, error)
	UnlockJobFunc              func(id, workerID string) error
	GetStuckJobsFunc           func(now time.Time, stuckAfter time.Duration, limit int) ([]*job.Job, error)
	GetJobsReadyForRetryFunc   func(now time.Time, limit int) ([]*job.Job, error)
	GetFailedRetryableJobsFunc func(limit int) ([]*job.Job, error)
	CountJobsByStatusFunc      func() (map[string]int, error)
	CountJobsByFormatFunc      func() (map[string]int, error)
	JobSuccessRateFunc         func() (float64, error)

	// --- DbUser ---
	GetUserByIdFunc        func(id string) (*db.User, error)
	GetPlanFunc            func(id string) (*db.Plan, error)
	DeductCreditsFunc      func(userID string, n int, reason, jobID string) (int, error)
	RefundCreditsFunc      func(userID string, n int, reason, jobID string) (int, error)
	GetCreditEntriesFunc   func(userID string, limit int) ([]*db.CreditEntry, error)
	GetApiKeysByPrefixFunc func(prefix string) ([]*db.ApiKey, error)
	TouchApiKeyFunc        func(id string, now time.Time) error

	// --- DbWebhook ---
	InsertWebhookConfigFunc      func(c *webhook.Config) error
	UpdateWebhookConfigFunc      func(c *webhook.Config) error
	DeleteWebhookConfigFunc      func(id, userID string) error
	GetWebhookConfigByIdFunc     func(id, userID string) (*webhook.Config, error)
	GetWebhookConfigsByUserFunc  func(userID string) ([]*webhook.Config, error)
	CountWebhookConfigsFunc      func(userID string) (int, error)
	GetActiveWebhookConfigsFunc  func(userID, event string) ([]*webhook.Config, error)
	InsertWebhookDeliveryFunc    func(d *webhook.Delivery) error
	UpdateWebhookDeliveryFunc    func(d *webhook.Delivery) error
	GetWebhookDeliveryByIdFunc   func(id, userID string) (*webhook.Delivery, error)
	GetDueWebhookDeliveriesFunc  func(now time.Time, limit int) ([]*webhook.Delivery, error)
	PurgeWebhookDeliveriesFunc   func(deliveredBefore, failedBefore time.Time, limit int) (int, error)

	// --- DbLog ---
	InsertLogBatchFunc func(entries []db.LogEntry) error
}

// --- DbJob ---

func (m *Db) InsertJob(j *job.Job) error {
	if m.InsertJobFunc != nil {
		return m.InsertJobFunc(j)
	}
	return nil
}

func (m *Db) UpdateJob(j *job.Job) error {
	if m.UpdateJobFunc != nil {
		return m.UpdateJobFunc(j)
	}
	return nil
}

func (m *Db) GetJobById(id string) (*job.Job, error) {
	if m.GetJobByIdFunc != nil {
		return m.GetJobByIdFunc(id)
	}
	return nil, db.ErrNotFound
}

func (m *Db) GetJobByIdAndUser(id, userID string) (*job.Job, error) {
	if m.GetJobByIdAndUserFunc != nil {
		return m.GetJobByIdAndUserFunc(id, userID)
	}
	return nil, db.ErrNotFound
}

func (m *Db) GetJobsByUser(userID string, page, limit int, statusFilter string) ([]*job.Job, int, error) {
	if m.GetJobsByUserFunc != nil {
		return m.GetJobsByUserFunc(userID, page, limit, statusFilter)
	}
	return nil, 0, nil
}

func (m *Db) GetJobsByIds(ids []string, userID string) ([]*job.Job, error) {
	if m.GetJobsByIdsFunc != nil {
		return m.GetJobsByIdsFunc(ids, userID)
	}
	return nil, nil
}

func (m *Db) GetPendingJobs() ([]*job.Job, error) {
	if m.GetPendingJobsFunc != nil {
		return m.GetPendingJobsFunc()
	}
	return nil, nil
}

func (m *Db) TryLockJob(id, workerID string, now time.Time, stuckAfter time.Duration) (*job.Job, error) {
	if m.TryLockJobFunc != nil {
		return m.TryLockJobFunc(id, workerID, now, stuckAfter)
	}
	return nil, db.ErrNotFound
}

func (m *Db) UnlockJob(id, workerID string) error {
	if m.UnlockJobFunc != nil {
		return m.UnlockJobFunc(id, workerID)
	}
	return nil
}

func (m *Db) GetStuckJobs(now time.Time, stuckAfter time.Duration, limit int) ([]*job.Job, error) {
	if m.GetStuckJobsFunc != nil {
		return m.GetStuckJobsFunc(now, stuckAfter, limit)
	}
	return nil, nil
}

func (m *Db) GetJobsReadyForRetry(now time.Time, limit int) ([]*job.Job, error) {
	if m.GetJobsReadyForRetryFunc != nil {
		return m.GetJobsReadyForRetryFunc(now, limit)
	}
	return nil, nil
}

func (m *Db) GetFailedRetryableJobs(limit int) ([]*job.Job, error) {
	if m.GetFailedRetryableJobsFunc != nil {
		return m.GetFailedRetryableJobsFunc(limit)
	}
	return nil, nil
}

func (m *Db) CountJobsByStatus() (map[string]int, error) {
	if m.CountJobsByStatusFunc != nil {
		return m.CountJobsByStatusFunc()
	}
	return map[string]int{}, nil
}

func (m *Db) CountJobsByFormat() (map[string]int, error) {
	if m.CountJobsByFormatFunc != nil {
		return m.CountJobsByFormatFunc()
	}
	return map[string]int{}, nil
}

func (m *Db) JobSuccessRate() (float64, error) {
	if m.JobSuccessRateFunc != nil {
		return m.JobSuccessRateFunc()
	}
	return 0, nil
}

// --- DbUser ---

func (m *Db) GetUserById(id string) (*db.User, error) {
	if m.GetUserByIdFunc != nil {
		return m.GetUserByIdFunc(id)
	}
	return nil, db.ErrNotFound
}

func (m *Db) GetPlan(id string) (*db.Plan, error) {
	if m.GetPlanFunc != nil {
		return m.GetPlanFunc(id)
	}
	return nil, db.ErrNotFound
}

func (m *Db) DeductCredits(userID string, n int, reason, jobID string) (int, error) {
	if m.DeductCreditsFunc != nil {
		return m.DeductCreditsFunc(userID, n, reason, jobID)
	}
	return 0, nil
}

func (m *Db) RefundCredits(userID string, n int, reason, jobID string) (int, error) {
	if m.RefundCreditsFunc != nil {
		return m.RefundCreditsFunc(userID, n, reason, jobID)
	}
	return 0, nil
}

func (m *Db) GetCreditEntries(userID string, limit int) ([]*db.CreditEntry, error) {
	if m.GetCreditEntriesFunc != nil {
		return m.GetCreditEntriesFunc(userID, limit)
	}
	return nil, nil
}

func (m *Db) GetApiKeysByPrefix(prefix string) ([]*db.ApiKey, error) {
	if m.GetApiKeysByPrefixFunc != nil {
		return m.GetApiKeysByPrefixFunc(prefix)
	}
	return nil, nil
}

func (m *Db) TouchApiKey(id string, now time.Time) error {
	if m.TouchApiKeyFunc != nil {
		return m.TouchApiKeyFunc(id, now)
	}
	return nil
}

// --- DbWebhook ---

func (m *Db) InsertWebhookConfig(c *webhook.Config) error {
	if m.InsertWebhookConfigFunc != nil {
		return m.InsertWebhookConfigFunc(c)
	}
	return nil
}

func (m *Db) UpdateWebhookConfig(c *webhook.Config) error {
	if m.UpdateWebhookConfigFunc != nil {
		return m.UpdateWebhookConfigFunc(c)
	}
	return nil
}

func (m *Db) DeleteWebhookConfig(id, userID string) error {
	if m.DeleteWebhookConfigFunc != nil {
		return m.DeleteWebhookConfigFunc(id, userID)
	}
	return nil
}

func (m *Db) GetWebhookConfigById(id, userID string) (*webhook.Config, error) {
	if m.GetWebhookConfigByIdFunc != nil {
		return m.GetWebhookConfigByIdFunc(id, userID)
	}
	return nil, db.ErrNotFound
}

func (m *Db) GetWebhookConfigsByUser(userID string) ([]*webhook.Config, error) {
	if m.GetWebhookConfigsByUserFunc != nil {
		return m.GetWebhookConfigsByUserFunc(userID)
	}
	return nil, nil
}

func (m *Db) CountWebhookConfigs(userID string) (int, error) {
	if m.CountWebhookConfigsFunc != nil {
		return m.CountWebhookConfigsFunc(userID)
	}
	return 0, nil
}

func (m *Db) GetActiveWebhookConfigs(userID, event string) ([]*webhook.Config, error) {
	if m.GetActiveWebhookConfigsFunc != nil {
		return m.GetActiveWebhookConfigsFunc(userID, event)
	}
	return nil, nil
}

func (m *Db) InsertWebhookDelivery(d *webhook.Delivery) error {
	if m.InsertWebhookDeliveryFunc != nil {
		return m.InsertWebhookDeliveryFunc(d)
	}
	return nil
}

func (m *Db) UpdateWebhookDelivery(d *webhook.Delivery) error {
	if m.UpdateWebhookDeliveryFunc != nil {
		return m.UpdateWebhookDeliveryFunc(d)
	}
	return nil
}

func (m *Db) GetWebhookDeliveryById(id, userID string) (*webhook.Delivery, error) {
	if m.GetWebhookDeliveryByIdFunc != nil {
		return m.GetWebhookDeliveryByIdFunc(id, userID)
	}
	return nil, db.ErrNotFound
}

func (m *Db) GetDueWebhookDeliveries(now time.Time, limit int) ([]*webhook.Delivery, error) {
	if m.GetDueWebhookDeliveriesFunc != nil {
		return m.GetDueWebhookDeliveriesFunc(now, limit)
	}
	return nil, nil
}

func (m *Db) PurgeWebhookDeliveries(deliveredBefore, failedBefore time.Time, limit int) (int, error) {
	if m.PurgeWebhookDeliveriesFunc != nil {
		return m.PurgeWebhookDeliveriesFunc(deliveredBefore, failedBefore, limit)
	}
	return 0, nil
}

// --- DbLog ---

func (m *Db) InsertLogBatch(entries []db.LogEntry) error {
	if m.InsertLogBatchFunc != nil {
		return m.InsertLogBatchFunc(entries)
	}
	return nil
}

func (m *Db) Close() error { return nil }
