package metrics

import "time"

// Admission outcomes recorded per submission attempt.
const (
	OutcomeAdmitted            = "admitted"
	OutcomeRateLimited         = "rate_limited"
	OutcomeInsufficientCredits = "insufficient_credits"
	OutcomeValidationFailed    = "validation_failed"
	OutcomeAuthRejected        = "auth_rejected"
)

// Recorder is the metrics sink port. All methods must be cheap and safe for
// concurrent use; implementations never block the caller.
type Recorder interface {
	// AdmissionDecision counts one submission attempt by outcome.
	AdmissionDecision(outcome string)

	// JobFinished records one finished attempt with its terminal outcome
	// (completed, failed, retried) and wall-clock processing time.
	JobFinished(jobType, outcome string, d time.Duration)

	// WebhookAttempt counts one delivery attempt by outcome (delivered,
	// retrying, failed, permanent).
	WebhookAttempt(outcome string)

	// QueueDepth reports the current ready-queue size.
	QueueDepth(n int)

	// BrowserCheckouts reports renderers currently checked out.
	BrowserCheckouts(n int)
}

type nilRecorder struct{}

// Nil returns a Recorder that discards everything. Used where metrics are
// optional.
func Nil() Recorder {
	return nilRecorder{}
}

func (nilRecorder) AdmissionDecision(string)                  {}
func (nilRecorder) JobFinished(string, string, time.Duration) {}
func (nilRecorder) WebhookAttempt(string)                     {}
func (nilRecorder) QueueDepth(int)                            {}
func (nilRecorder) BrowserCheckouts(int)                      {}
