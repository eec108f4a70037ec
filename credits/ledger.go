package credits

import (
	"errors"
	"fmt"

	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
)

// Deduction/refund reasons recorded in the ledger.
const (
	ReasonSubmission   = "submission"
	ReasonManualRetry  = "manual_retry"
	ReasonTerminalFail = "terminal_failure_refund"
)

// ErrInsufficientCredits carries the required/available pair admission
// reports to clients.
type ErrInsufficientCredits struct {
	Required  int
	Available int
}

func (e *ErrInsufficientCredits) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// Ledger gates admission on the per-user balance. The store owns atomicity:
// a deduction either lands with its ledger entry or not at all, and
// concurrent deductions cannot oversubscribe the balance.
type Ledger struct {
	cfg   *config.Provider
	store db.DbUser
}

func NewLedger(cfg *config.Provider, store db.DbUser) *Ledger {
	return &Ledger{cfg: cfg, store: store}
}

// Cost returns the credit price of a job type.
func (l *Ledger) Cost(jobType string) int {
	c := l.cfg.Get().Credits
	if jobType == job.TypeAnalysis {
		return c.AnalysisCost
	}
	return c.ScreenshotCost
}

// HasCredits reports whether the user can afford n credits.
func (l *Ledger) HasCredits(userID string, n int) (bool, error) {
	u, err := l.store.GetUserById(userID)
	if err != nil {
		return false, err
	}
	return u.Credits >= n, nil
}

// Deduct reserves n credits for jobID. Returns the new balance, or
// *ErrInsufficientCredits without side effects when the balance is short.
func (l *Ledger) Deduct(userID string, n int, reason, jobID string) (int, error) {
	balance, err := l.store.DeductCredits(userID, n, reason, jobID)
	if err != nil {
		if errors.Is(err, db.ErrInsufficientCredits) {
			available := 0
			if u, uerr := l.store.GetUserById(userID); uerr == nil {
				available = u.Credits
			}
			return 0, &ErrInsufficientCredits{Required: n, Available: available}
		}
		return 0, fmt.Errorf("credit deduction failed: %w", err)
	}
	return balance, nil
}

// Refund returns n credits for jobID. Called once when a job reaches
// terminal failure with its retries exhausted, and by admission to roll back
// a deduction whose job or retry could not be persisted.
func (l *Ledger) Refund(userID string, n int, reason, jobID string) (int, error) {
	balance, err := l.store.RefundCredits(userID, n, reason, jobID)
	if err != nil {
		return 0, fmt.Errorf("credit refund failed: %w", err)
	}
	return balance, nil
}
