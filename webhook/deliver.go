package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/shotmill/shotmill/job"
)

// Deliverer is the daemon draining due webhook deliveries. One instance runs
// per process; deliveries for one config are not serialized, consumers
// dedupe on the delivery id.
type Deliverer struct {
	engine  *Engine
	poster  Poster
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownDone chan struct{}

	// tickCount spaces retention purges cleanupEveryTicks apart.
	tickCount int
}

const cleanupEveryTicks = 60

func NewDeliverer(engine *Engine, poster Poster, logger *slog.Logger) *Deliverer {
	ctx, cancel := context.WithCancel(context.Background())
	whCfg := engine.cfg.Get().Webhook
	return &Deliverer{
		engine:       engine,
		poster:       poster,
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Limit(whCfg.OutboundRate), whCfg.OutboundBurst),
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}
}

func (dl *Deliverer) Name() string { return "webhook-deliverer" }

// Start begins the delivery loop in its own goroutine.
func (dl *Deliverer) Start() error {
	go func() {
		tick := dl.engine.cfg.Get().Webhook.Tick.Duration
		dl.logger.Info("webhook: starting deliverer", "tick", tick)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-dl.ctx.Done():
				dl.logger.Info("webhook: deliverer received shutdown signal")
				close(dl.shutdownDone)
				return
			case <-ticker.C:
				dl.processDue()
			}
		}
	}()
	return nil
}

// Stop signals the deliverer to stop and waits for the current tick to
// finish or ctx to expire.
func (dl *Deliverer) Stop(ctx context.Context) error {
	dl.cancel()
	select {
	case <-dl.shutdownDone:
		dl.logger.Info("webhook: deliverer stopped gracefully")
		return nil
	case <-ctx.Done():
		dl.logger.Info("webhook: deliverer shutdown timed out")
		return ctx.Err()
	}
}

func (dl *Deliverer) processDue() {
	cfg := dl.engine.cfg.Get().Webhook
	now := dl.engine.clock.Now()

	due, err := dl.engine.store.GetDueWebhookDeliveries(now, cfg.BatchSize)
	if err != nil {
		dl.logger.Error("webhook: failed to load due deliveries", "error", err)
		return
	}

	for _, d := range due {
		if dl.ctx.Err() != nil {
			return
		}
		if err := dl.limiter.Wait(dl.ctx); err != nil {
			return
		}
		dl.Attempt(d)
	}

	dl.tickCount++
	if dl.tickCount >= cleanupEveryTicks {
		dl.tickCount = 0
		dl.cleanup()
	}
}

// Attempt performs one HTTP attempt for d and persists the outcome.
// Exported because the test-endpoint path attempts a delivery inline.
func (dl *Deliverer) Attempt(d *Delivery) {
	cfg := dl.engine.cfg.Get().Webhook
	now := dl.engine.clock.Now()

	d.Status = StatusDelivering
	d.Attempts++
	d.LastAttemptAt = now
	d.NextRetryAt = time.Time{}
	d.Updated = now
	if err := dl.engine.store.UpdateWebhookDelivery(d); err != nil {
		dl.logger.Error("webhook: failed to mark delivering", "delivery_id", d.ID, "error", err)
		return
	}

	headers := map[string]string{
		"Content-Type":  "application/json",
		HeaderEvent:     d.Event,
		HeaderSignature: "sha256=" + d.Signature,
		HeaderDelivery:  d.ID,
		"User-Agent":    cfg.UserAgent,
	}

	// Deliberately not derived from dl.ctx: an in-flight POST gets its full
	// attempt timeout as a grace window during shutdown; Stop waits for the
	// current tick anyway.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.AttemptTimeout.Duration)
	result, err := dl.poster.Post(ctx, d.URL, headers, d.Payload)
	cancel()

	now = dl.engine.clock.Now()
	d.Updated = now

	switch {
	case err != nil:
		d.Error = "request failed: transport error"
		d.ResponseCode = 0
		d.ResponseBody = ""
		dl.logger.Warn("webhook: delivery transport error",
			"delivery_id", d.ID, "url", d.URL, "attempt", d.Attempts, "error", err)
		dl.scheduleRetryOrFail(d, now)

	case result.Status >= 200 && result.Status < 300:
		d.Status = StatusDelivered
		d.Error = ""
		d.ResponseCode = result.Status
		d.ResponseBody = truncateBody(result.Body)
		d.ResponseTimeMs = result.Elapsed.Milliseconds()
		d.NextRetryAt = time.Time{}
		dl.engine.metrics.WebhookAttempt("delivered")

	case result.Status == http.StatusUnauthorized || result.Status == http.StatusForbidden:
		// The endpoint rejected our identity; retrying cannot help.
		d.Status = StatusFailed
		d.Error = fmt.Sprintf("permanent failure: endpoint returned %d", result.Status)
		d.ResponseCode = result.Status
		d.ResponseBody = truncateBody(result.Body)
		d.ResponseTimeMs = result.Elapsed.Milliseconds()
		d.NextRetryAt = time.Time{}
		dl.engine.metrics.WebhookAttempt("permanent")

	default:
		d.Error = fmt.Sprintf("endpoint returned %d", result.Status)
		d.ResponseCode = result.Status
		d.ResponseBody = truncateBody(result.Body)
		d.ResponseTimeMs = result.Elapsed.Milliseconds()
		dl.scheduleRetryOrFail(d, now)
	}

	if err := dl.engine.store.UpdateWebhookDelivery(d); err != nil {
		dl.logger.Error("webhook: failed to persist attempt outcome", "delivery_id", d.ID, "error", err)
	}
}

// scheduleRetryOrFail moves d to retrying with the next scheduled delay, or
// to terminal failed when attempts are exhausted. Test events use the short
// schedule.
func (dl *Deliverer) scheduleRetryOrFail(d *Delivery, now time.Time) {
	cfg := dl.engine.cfg.Get().Webhook

	if d.Attempts >= d.MaxAttempts {
		d.Status = StatusFailed
		d.NextRetryAt = time.Time{}
		dl.engine.metrics.WebhookAttempt("failed")
		return
	}

	delays := cfg.RetryDelays
	if d.Event == job.EventWebhookTest {
		delays = cfg.TestRetryDelays
	}
	// Attempt n uses the nth delay; past the end of the schedule, the last
	// entry repeats.
	idx := d.Attempts - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}

	d.Status = StatusRetrying
	d.NextRetryAt = now.Add(delays[idx].Duration)
	dl.engine.metrics.WebhookAttempt("retrying")
}

func (dl *Deliverer) cleanup() {
	cfg := dl.engine.cfg.Get().Webhook
	now := dl.engine.clock.Now()

	deleted, err := dl.engine.store.PurgeWebhookDeliveries(
		now.Add(-cfg.RetentionDelivered.Duration),
		now.Add(-cfg.RetentionFailed.Duration),
		cfg.CleanupBatch,
	)
	if err != nil {
		dl.logger.Error("webhook: delivery cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		dl.logger.Info("webhook: purged old deliveries", "count", deleted)
	}
}
