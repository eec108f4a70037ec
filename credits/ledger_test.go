package credits

import (
	"errors"
	"testing"
	"time"

	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
)

type fakeUserStore struct {
	balance int
}

func (s *fakeUserStore) GetUserById(id string) (*db.User, error) {
	return &db.User{ID: id, Credits: s.balance}, nil
}
func (s *fakeUserStore) GetPlan(id string) (*db.Plan, error) { return nil, db.ErrNotFound }
func (s *fakeUserStore) DeductCredits(userID string, n int, reason, jobID string) (int, error) {
	if s.balance < n {
		return 0, db.ErrInsufficientCredits
	}
	s.balance -= n
	return s.balance, nil
}
func (s *fakeUserStore) RefundCredits(userID string, n int, reason, jobID string) (int, error) {
	s.balance += n
	return s.balance, nil
}
func (s *fakeUserStore) GetCreditEntries(string, int) ([]*db.CreditEntry, error) { return nil, nil }
func (s *fakeUserStore) GetApiKeysByPrefix(string) ([]*db.ApiKey, error)         { return nil, nil }
func (s *fakeUserStore) TouchApiKey(string, time.Time) error             { return nil }

func newTestLedger(balance int) (*Ledger, *fakeUserStore) {
	store := &fakeUserStore{balance: balance}
	return NewLedger(config.NewProvider(config.NewDefaultConfig()), store), store
}

func TestCost(t *testing.T) {
	l, _ := newTestLedger(10)
	if got := l.Cost(job.TypeScreenshot); got != 1 {
		t.Errorf("Cost(screenshot) = %d, want 1", got)
	}
	if got := l.Cost(job.TypeAnalysis); got != 2 {
		t.Errorf("Cost(analysis) = %d, want 2", got)
	}
}

func TestDeductAndRefund(t *testing.T) {
	l, store := newTestLedger(5)

	balance, err := l.Deduct("u1", 2, ReasonSubmission, "j1")
	if err != nil {
		t.Fatalf("Deduct() error = %v", err)
	}
	if balance != 3 || store.balance != 3 {
		t.Errorf("balance = %d/%d, want 3", balance, store.balance)
	}

	balance, err = l.Refund("u1", 2, ReasonTerminalFail, "j1")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if balance != 5 {
		t.Errorf("balance after refund = %d, want 5", balance)
	}
}

func TestDeductInsufficient(t *testing.T) {
	l, store := newTestLedger(1)

	_, err := l.Deduct("u1", 3, ReasonSubmission, "j1")
	var insufficient *ErrInsufficientCredits
	if !errors.As(err, &insufficient) {
		t.Fatalf("Deduct() error = %v, want ErrInsufficientCredits", err)
	}
	if insufficient.Required != 3 || insufficient.Available != 1 {
		t.Errorf("required/available = %d/%d, want 3/1", insufficient.Required, insufficient.Available)
	}
	if store.balance != 1 {
		t.Errorf("balance changed on failed deduct: %d", store.balance)
	}
}

func TestHasCredits(t *testing.T) {
	l, _ := newTestLedger(2)
	if ok, _ := l.HasCredits("u1", 2); !ok {
		t.Error("HasCredits(2) = false with balance 2")
	}
	if ok, _ := l.HasCredits("u1", 3); ok {
		t.Error("HasCredits(3) = true with balance 2")
	}
}
