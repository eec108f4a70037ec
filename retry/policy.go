package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/renderer"
)

// Retryable classifies a failed attempt. Timeouts, connection problems,
// pool pressure and generic runtime errors are transient; a URL that cannot
// be navigated, a page whose content defeats the capture, and credit or
// authorization problems will not improve with another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var rerr *renderer.Error
	if errors.As(err, &rerr) {
		switch rerr.Kind {
		case renderer.KindTimeout, renderer.KindNetwork, renderer.KindInternal:
			return true
		case renderer.KindInvalidURL, renderer.KindContent:
			return false
		}
	}

	if errors.Is(err, renderer.ErrPoolExhausted) {
		return true
	}
	if errors.Is(err, db.ErrInsufficientCredits) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Unclassified runtime errors get the benefit of the doubt.
	return true
}

// Delay computes the backoff before retry number retryCount+1:
// min(maxDelay, base * 2^retryCount), with up to 10% positive jitter so
// synchronized failures do not retry in lockstep.
func Delay(retryCount int, base, maxDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	if d > maxDelay {
		d = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(d)/10 + 1))
	if d+jitter > maxDelay {
		return maxDelay
	}
	return d + jitter
}

// FailureReason maps a failure to the stable, short classification shown to
// clients; raw error text never reaches the API surface.
func FailureReason(err error) string {
	var rerr *renderer.Error
	if errors.As(err, &rerr) {
		switch rerr.Kind {
		case renderer.KindTimeout:
			return "page load timed out"
		case renderer.KindNetwork:
			return "target could not be reached"
		case renderer.KindInvalidURL:
			return "target URL is not valid"
		case renderer.KindContent:
			return "page content could not be captured"
		case renderer.KindInternal:
			return "renderer error"
		}
	}
	if errors.Is(err, renderer.ErrPoolExhausted) {
		return "no browser available"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "processing timed out"
	}
	return "internal error"
}
