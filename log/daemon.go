package log

import (
	"context"
	"log/slog"
	"time"

	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/db"
)

// Daemon flushes batched log records to the store: full batches as they
// arrive, partial batches on a timer, everything on shutdown.
type Daemon struct {
	cfg     *config.Provider
	handler *BatchHandler
	sink    db.DbLog
	logger  *slog.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}
}

func NewDaemon(cfg *config.Provider, handler *BatchHandler, sink db.DbLog, logger *slog.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		cfg:          cfg,
		handler:      handler,
		sink:         sink,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

func (d *Daemon) Name() string { return "log-flusher" }

func (d *Daemon) Start() error {
	go func() {
		interval := d.cfg.Get().Log.FlushInterval.Duration
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.ctx.Done():
				d.flush(d.handler.drain())
				close(d.shutdownDone)
				return
			case batch := <-d.handler.out:
				d.flush(batch)
			case <-ticker.C:
				d.flush(d.handler.drain())
			}
		}
	}()
	return nil
}

func (d *Daemon) Stop(ctx context.Context) error {
	d.cancel()
	select {
	case <-d.shutdownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Daemon) flush(batch []db.LogEntry) {
	if len(batch) == 0 {
		return
	}
	if err := d.sink.InsertLogBatch(batch); err != nil {
		// The fallback logger writes to stderr; using the batching logger
		// here would recurse.
		d.logger.Error("log: batch flush failed", "count", len(batch), "error", err)
	}
}
