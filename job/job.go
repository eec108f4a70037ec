package job

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job statuses
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job types
const (
	TypeScreenshot = "screenshot"
	TypeAnalysis   = "analysis"
)

// Retry types. None means the job has never been retried, Automatic marks a
// retry scheduled by the retry policy, Manual marks an owner-requested
// resubmission of a failed job.
const (
	RetryNone      = "none"
	RetryAutomatic = "automatic"
	RetryManual    = "manual"
)

// Domain events emitted on job state transitions. These are the webhook
// event names on the wire.
const (
	EventScreenshotCreated   = "SCREENSHOT_CREATED"
	EventScreenshotCompleted = "SCREENSHOT_COMPLETED"
	EventScreenshotFailed    = "SCREENSHOT_FAILED"
	EventScreenshotRetried   = "SCREENSHOT_RETRIED"
	EventAnalysisCompleted   = "ANALYSIS_COMPLETED"
	EventAnalysisFailed      = "ANALYSIS_FAILED"
	EventWebhookTest         = "WEBHOOK_TEST"
)

// Events lists every event name a webhook config may subscribe to.
var Events = []string{
	EventScreenshotCreated,
	EventScreenshotCompleted,
	EventScreenshotFailed,
	EventScreenshotRetried,
	EventAnalysisCompleted,
	EventAnalysisFailed,
	EventWebhookTest,
}

// ValidEvent reports whether name is a known event name.
func ValidEvent(name string) bool {
	for _, e := range Events {
		if e == name {
			return true
		}
	}
	return false
}

// ResultMetadata describes a completed capture.
type ResultMetadata struct {
	PageTitle  string `json:"page_title,omitempty"`
	FinalURL   string `json:"final_url,omitempty"`
	ByteSize   int64  `json:"byte_size"`
	LoadTimeMs int64  `json:"load_time_ms,omitempty"`
}

// Job is one client-submitted unit of capture work, tracked end-to-end by a
// stable id. The canonical row lives in the store; queue entries are
// snapshots of it.
//
// Null timestamps are represented by the zero time.Time.
type Job struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	ApiKeyID string `json:"api_key_id"`
	Type     string `json:"type"`

	// Request is immutable after admission. The store keeps its canonical
	// JSON encoding so the row schema is agnostic to request evolution.
	Request ScreenshotRequest `json:"request"`

	Status            string          `json:"status"`
	ResultURL         string          `json:"result_url,omitempty"`
	ResultMeta        *ResultMetadata `json:"result_meta,omitempty"`
	AnalysisResult    string          `json:"analysis_result,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	LastFailureReason string          `json:"last_failure_reason,omitempty"`

	RetryCount  int    `json:"retry_count"`
	MaxRetries  int    `json:"max_retries"`
	IsRetryable bool   `json:"is_retryable"`
	RetryType   string `json:"retry_type"`

	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	LockedBy    string    `json:"-"`
	LockedAt    time.Time `json:"-"`

	WebhookURL  string `json:"webhook_url,omitempty"`
	WebhookSent bool   `json:"webhook_sent"`

	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	CompletedAt      time.Time `json:"completed_at,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms,omitempty"`
}

// DefaultMaxRetries equals the default of the Retry.MaxRetries config
// setting; admission takes each job's retry budget from that setting.
const DefaultMaxRetries = 3

// NewID generates a collision-resistant job id: a base36 millisecond prefix
// keeps ids roughly sortable by admission time, the random suffix keeps
// concurrent admissions distinct.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "job_" + strconv.FormatInt(now.UnixMilli(), 36) + suffix
}

// Locked reports whether the row currently carries a lock.
func (j *Job) Locked() bool {
	return j.LockedBy != ""
}

// LockStale reports whether the lock, if any, is older than threshold and
// therefore reclaimable.
func (j *Job) LockStale(now time.Time, threshold time.Duration) bool {
	if !j.Locked() {
		return false
	}
	return now.Sub(j.LockedAt) > threshold
}

// Terminal reports whether the job is in a terminal status.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Event returns the domain event name for the job's terminal outcome.
func (j *Job) Event(completed bool) string {
	if j.Type == TypeAnalysis {
		if completed {
			return EventAnalysisCompleted
		}
		return EventAnalysisFailed
	}
	if completed {
		return EventScreenshotCompleted
	}
	return EventScreenshotFailed
}
