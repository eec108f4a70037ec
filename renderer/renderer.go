package renderer

import (
	"context"
	"fmt"

	"github.com/shotmill/shotmill/job"
)

// Kind classifies a render failure for the retry policy.
type Kind int

const (
	// KindTimeout: the page did not produce a capture within the attempt
	// deadline.
	KindTimeout Kind = iota
	// KindNetwork: the target could not be fetched (DNS, refused, reset).
	KindNetwork
	// KindInvalidURL: the target URL is not navigable at all.
	KindInvalidURL
	// KindContent: the page loaded but the capture could not be produced
	// from its content (e.g. wait selector never matched).
	KindContent
	// KindInternal: the renderer itself failed.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindInvalidURL:
		return "invalid_url"
	case KindContent:
		return "content"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the typed failure of one render attempt.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("render %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("render %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed render error.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Output is a successful capture.
type Output struct {
	Data        []byte
	ContentType string
	Meta        job.ResultMetadata
}

// Renderer is one reusable browser instance. Instances are exclusive to the
// worker that checked them out; they are never shared.
type Renderer interface {
	// Render produces one capture. ctx carries the per-attempt deadline.
	// Failures are *Error values.
	Render(ctx context.Context, req job.ScreenshotRequest) (*Output, error)

	// Healthy reports whether the instance can be returned to the pool for
	// reuse.
	Healthy() bool

	Close() error
}

// Factory creates a fresh Renderer. The pool calls it lazily, on first
// checkout of a slot and when an unhealthy instance is discarded.
type Factory func() (Renderer, error)
