package renderer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shotmill/shotmill/job"
)

// fakeRenderer counts lifecycle calls.
type fakeRenderer struct {
	healthy bool
	closed  atomic.Bool
}

func (f *fakeRenderer) Render(ctx context.Context, req job.ScreenshotRequest) (*Output, error) {
	return &Output{Data: []byte("img"), ContentType: "image/png"}, nil
}

func (f *fakeRenderer) Healthy() bool { return f.healthy }
func (f *fakeRenderer) Close() error  { f.closed.Store(true); return nil }

func TestPoolCheckoutReturn(t *testing.T) {
	var created atomic.Int32
	pool, err := NewPool(2, func() (Renderer, error) {
		created.Add(1)
		return &fakeRenderer{healthy: true}, nil
	}, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	ctx := context.Background()
	r1, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	pool.Return(r1, true)

	// The healthy instance is reused, not recreated.
	r2, err := pool.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	if r1 != r2 {
		t.Error("healthy renderer was not reused")
	}
	if created.Load() != 1 {
		t.Errorf("factory called %d times, want 1", created.Load())
	}
	pool.Return(r2, true)
}

func TestPoolExhaustion(t *testing.T) {
	pool, err := NewPool(1, func() (Renderer, error) {
		return &fakeRenderer{healthy: true}, nil
	}, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	r, err := pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Checkout(ctx); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Checkout() on full pool error = %v, want ErrPoolExhausted", err)
	}

	pool.Return(r, true)
	if _, err := pool.Checkout(context.Background()); err != nil {
		t.Errorf("Checkout() after return error = %v", err)
	}
}

func TestPoolDiscardsUnhealthy(t *testing.T) {
	var created atomic.Int32
	pool, err := NewPool(1, func() (Renderer, error) {
		created.Add(1)
		return &fakeRenderer{healthy: true}, nil
	}, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	r, err := pool.Checkout(context.Background())
	if err != nil {
		t.Fatalf("Checkout() error = %v", err)
	}
	fake := r.(*fakeRenderer)
	pool.Return(r, false)

	if !fake.closed.Load() {
		t.Error("unhealthy renderer was not closed")
	}

	// The slot is free again and a replacement is created lazily.
	if _, err := pool.Checkout(context.Background()); err != nil {
		t.Fatalf("Checkout() after discard error = %v", err)
	}
	if created.Load() != 2 {
		t.Errorf("factory called %d times, want 2", created.Load())
	}
}

func TestPoolShutdown(t *testing.T) {
	pool, err := NewPool(1, func() (Renderer, error) {
		return &fakeRenderer{healthy: true}, nil
	}, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	r, _ := pool.Checkout(context.Background())
	pool.Return(r, true)
	pool.Shutdown()

	if r.(*fakeRenderer).closed.Load() == false {
		t.Error("Shutdown() did not close idle renderer")
	}
	if _, err := pool.Checkout(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Checkout() after Shutdown error = %v, want ErrPoolClosed", err)
	}
}
