package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
)

// Promoter is the daemon that moves due delayed jobs to the ready queue on a
// short fixed interval.
type Promoter struct {
	cfg    *config.Provider
	queue  *Memory
	clock  clock.Clock
	logger *slog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}
}

func NewPromoter(cfg *config.Provider, q *Memory, clk clock.Clock, logger *slog.Logger) *Promoter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Promoter{
		cfg:          cfg,
		queue:        q,
		clock:        clk,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

func (p *Promoter) Name() string { return "queue-promoter" }

func (p *Promoter) Start() error {
	go func() {
		interval := p.cfg.Get().Queue.PromoteInterval.Duration
		p.logger.Info("queue: starting promoter", "interval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				p.logger.Info("queue: promoter received shutdown signal")
				close(p.shutdownDone)
				return
			case <-ticker.C:
				if n := p.queue.PromoteDue(p.clock.Now()); n > 0 {
					p.logger.Debug("queue: promoted delayed jobs", "count", n)
				}
			}
		}
	}()
	return nil
}

func (p *Promoter) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.shutdownDone:
		p.logger.Info("queue: promoter stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Info("queue: promoter shutdown timed out")
		return ctx.Err()
	}
}
