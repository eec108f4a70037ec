package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shotmill/shotmill/artifact"
	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/metrics"
	"github.com/shotmill/shotmill/notify"
	"github.com/shotmill/shotmill/queue"
	"github.com/shotmill/shotmill/renderer"
	"github.com/shotmill/shotmill/webhook"
)

// Analyzer is the optional port for analysis jobs: it turns a captured image
// into a textual result. When no analyzer is wired, analysis jobs fail
// non-retryably.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte, contentType, prompt string) (string, error)
}

// Pool runs N long-running workers pulling jobs from the ready queue and
// driving them through the render pipeline.
type Pool struct {
	cfg       *config.Provider
	store     db.DbJob
	queue     queue.Queue
	browsers  *renderer.Pool
	artifacts artifact.Store
	ledger    *credits.Ledger
	webhooks  *webhook.Engine
	clock     clock.Clock
	logger    *slog.Logger
	metrics   metrics.Recorder
	notifier  notify.Notifier
	analyzer  Analyzer

	idPrefix string

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}
}

// PoolOpts collects the pool's collaborators. Notifier, Metrics and
// Analyzer are optional.
type PoolOpts struct {
	Config    *config.Provider
	Store     db.DbJob
	Queue     queue.Queue
	Browsers  *renderer.Pool
	Artifacts artifact.Store
	Ledger    *credits.Ledger
	Webhooks  *webhook.Engine
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   metrics.Recorder
	Notifier  notify.Notifier
	Analyzer  Analyzer
}

func NewPool(opts PoolOpts) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nil()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewNilNotifier()
	}
	return &Pool{
		cfg:          opts.Config,
		store:        opts.Store,
		queue:        opts.Queue,
		browsers:     opts.Browsers,
		artifacts:    opts.Artifacts,
		ledger:       opts.Ledger,
		webhooks:     opts.Webhooks,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		notifier:     opts.Notifier,
		analyzer:     opts.Analyzer,
		idPrefix:     "w-" + uuid.NewString()[:8],
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

func (p *Pool) Name() string { return "worker-pool" }

// Start recovers queued rows from the store, then launches the workers.
func (p *Pool) Start() error {
	if err := p.recover(); err != nil {
		return err
	}

	count := p.cfg.Get().Worker.Count
	p.logger.Info("worker: starting pool", "workers", count)

	go func() {
		g, _ := errgroup.WithContext(p.ctx)
		for i := 0; i < count; i++ {
			workerID := fmt.Sprintf("%s-%d", p.idPrefix, i)
			g.Go(func() error {
				p.run(workerID)
				return nil
			})
		}
		_ = g.Wait()
		close(p.shutdownDone)
	}()
	return nil
}

// Stop cancels the workers; each finishes its current attempt first.
func (p *Pool) Stop(ctx context.Context) error {
	p.logger.Info("worker: stopping pool")
	p.cancel()
	select {
	case <-p.shutdownDone:
		p.logger.Info("worker: pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Info("worker: pool shutdown timed out")
		return ctx.Err()
	}
}

// recover re-enqueues queued rows found at boot: a crash can leave rows in
// the store with no matching queue entry.
func (p *Pool) recover() error {
	pending, err := p.store.GetPendingJobs()
	if err != nil {
		return fmt.Errorf("worker: crash recovery scan failed: %w", err)
	}
	now := p.clock.Now()
	for _, j := range pending {
		if !j.NextRetryAt.IsZero() && j.NextRetryAt.After(now) {
			p.queue.EnqueueDelayed(j, j.NextRetryAt)
		} else {
			p.queue.Enqueue(j)
		}
	}
	if len(pending) > 0 {
		p.logger.Info("worker: recovered queued jobs", "count", len(pending))
	}
	return nil
}

// run is one worker's loop: pop, lock, process. An empty queue backs the
// worker off exponentially up to the configured bound.
func (p *Pool) run(workerID string) {
	wCfg := p.cfg.Get().Worker
	idle := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(wCfg.IdleWaitMin.Duration),
		backoff.WithMaxInterval(wCfg.IdleWaitMax.Duration),
		backoff.WithMaxElapsedTime(0),
	)

	p.logger.Debug("worker: started", "worker_id", workerID)
	for {
		if p.ctx.Err() != nil {
			p.logger.Debug("worker: exiting", "worker_id", workerID)
			return
		}

		j, ok := p.queue.Dequeue()
		if !ok {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(idle.NextBackOff()):
			}
			continue
		}
		idle.Reset()

		p.process(workerID, j)
	}
}
