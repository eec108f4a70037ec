package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shotmill/shotmill/metrics"
)

var (
	// ErrPoolExhausted is returned when no renderer became free within the
	// checkout deadline.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned for checkouts after Shutdown.
	ErrPoolClosed = errors.New("browser pool closed")
)

// Pool bounds the number of concurrently open renderers. Slots are a
// buffered-channel semaphore; instances are created lazily and replaced
// lazily when discarded as unhealthy, so a crashed browser never burns a
// slot permanently.
type Pool struct {
	factory Factory
	slots   chan struct{}
	metrics metrics.Recorder

	mu     sync.Mutex
	idle   []Renderer
	closed bool
	inUse  int
}

func NewPool(size int, factory Factory, rec metrics.Recorder) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	if rec == nil {
		rec = metrics.Nil()
	}
	slots := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		slots <- struct{}{}
	}
	return &Pool{
		factory: factory,
		slots:   slots,
		metrics: rec,
	}, nil
}

// Checkout acquires a renderer, blocking until one is free or ctx expires.
func (p *Pool) Checkout(ctx context.Context) (Renderer, error) {
	select {
	case <-p.slots:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots <- struct{}{}
		return nil, ErrPoolClosed
	}
	var r Renderer
	if n := len(p.idle); n > 0 {
		r = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if r == nil {
		created, err := p.factory()
		if err != nil {
			p.slots <- struct{}{}
			return nil, fmt.Errorf("failed to create renderer: %w", err)
		}
		r = created
	}

	p.mu.Lock()
	p.inUse++
	inUse := p.inUse
	p.mu.Unlock()
	p.metrics.BrowserCheckouts(inUse)

	return r, nil
}

// Return gives a renderer back. Healthy instances rejoin the idle list;
// unhealthy ones are closed and their slot freed for a lazy replacement.
func (p *Pool) Return(r Renderer, healthy bool) {
	p.mu.Lock()
	p.inUse--
	inUse := p.inUse
	keep := healthy && !p.closed && r.Healthy()
	if keep {
		p.idle = append(p.idle, r)
	}
	p.mu.Unlock()
	p.metrics.BrowserCheckouts(inUse)

	if !keep {
		_ = r.Close()
	}
	p.slots <- struct{}{}
}

// Shutdown closes all idle instances and fails future checkouts. Instances
// currently checked out are closed by Return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, r := range idle {
		_ = r.Close()
	}
}
