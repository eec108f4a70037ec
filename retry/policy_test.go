package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shotmill/shotmill/renderer"
)

func TestRetryable(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", renderer.NewError(renderer.KindTimeout, "deadline", nil), true},
		{"network", renderer.NewError(renderer.KindNetwork, "refused", nil), true},
		{"internal", renderer.NewError(renderer.KindInternal, "crashed", nil), true},
		{"invalid url", renderer.NewError(renderer.KindInvalidURL, "bad", nil), false},
		{"content", renderer.NewError(renderer.KindContent, "selector", nil), false},
		{"pool exhausted", renderer.ErrPoolExhausted, true},
		{"wrapped pool exhausted", fmt.Errorf("checkout: %w", renderer.ErrPoolExhausted), true},
		{"context deadline", context.DeadlineExceeded, true},
		{"generic", errors.New("boom"), true},
		{"nil", nil, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDelay(t *testing.T) {
	base := 30 * time.Second
	maxDelay := 30 * time.Minute

	testCases := []struct {
		retryCount int
		wantBase   time.Duration
	}{
		{0, 30 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{10, 30 * time.Minute}, // capped
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("retry %d", tc.retryCount), func(t *testing.T) {
			for i := 0; i < 20; i++ {
				got := Delay(tc.retryCount, base, maxDelay)
				if got < tc.wantBase {
					t.Fatalf("Delay() = %v, below base %v", got, tc.wantBase)
				}
				// Jitter adds at most 10%, and never exceeds the cap.
				upper := tc.wantBase + tc.wantBase/10
				if upper > maxDelay {
					upper = maxDelay
				}
				if got > upper {
					t.Fatalf("Delay() = %v, above %v", got, upper)
				}
			}
		})
	}
}

func TestFailureReasonStable(t *testing.T) {
	// Raw error text must not leak into the client-facing reason.
	err := renderer.NewError(renderer.KindNetwork, "dial tcp 10.0.0.1:443: connect: connection refused", nil)
	reason := FailureReason(err)
	if reason != "target could not be reached" {
		t.Errorf("FailureReason() = %q", reason)
	}
}
