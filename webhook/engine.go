package webhook

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shotmill/shotmill/clock"
	"github.com/shotmill/shotmill/config"
	"github.com/shotmill/shotmill/crypto"
	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/metrics"
)

// Store is the slice of the persistence layer the engine needs. The
// application store satisfies it.
type Store interface {
	GetActiveWebhookConfigs(userID, event string) ([]*Config, error)
	InsertWebhookDelivery(d *Delivery) error
	UpdateWebhookDelivery(d *Delivery) error
	GetDueWebhookDeliveries(now time.Time, limit int) ([]*Delivery, error)
	PurgeWebhookDeliveries(deliveredBefore, failedBefore time.Time, limit int) (int, error)
}

// Engine fans domain events out to webhook deliveries and owns the delivery
// lifecycle. Dispatch is called by workers on job transitions; the Deliverer
// daemon drains due deliveries.
type Engine struct {
	cfg     *config.Provider
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Recorder
}

func NewEngine(cfg *config.Provider, store Store, clk clock.Clock, logger *slog.Logger, rec metrics.Recorder) *Engine {
	if rec == nil {
		rec = metrics.Nil()
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		clock:   clk,
		logger:  logger,
		metrics: rec,
	}
}

// Dispatch creates one pending Delivery per active config of userID
// subscribed to event. The payload is encoded and signed once here; retries
// reuse the exact bytes and signature.
//
// A store failure on one config does not stop fan-out to the others.
func (e *Engine) Dispatch(userID, event string, data map[string]string) error {
	if !job.ValidEvent(event) {
		return fmt.Errorf("unknown event %q", event)
	}

	configs, err := e.store.GetActiveWebhookConfigs(userID, event)
	if err != nil {
		return fmt.Errorf("webhook: failed to load configs: %w", err)
	}
	if len(configs) == 0 {
		return nil
	}

	now := e.clock.Now()
	payload, err := EncodePayload(event, now, data)
	if err != nil {
		return fmt.Errorf("webhook: failed to encode payload: %w", err)
	}

	maxAttempts := e.cfg.Get().Webhook.MaxAttempts
	if event == job.EventWebhookTest {
		maxAttempts = e.cfg.Get().Webhook.TestMaxAttempts
	}

	var firstErr error
	for _, c := range configs {
		d := &Delivery{
			ID:          "whd_" + uuid.NewString(),
			ConfigID:    c.ID,
			UserID:      userID,
			Event:       event,
			Payload:     payload,
			Signature:   crypto.Sign(payload, []byte(c.Secret)),
			Status:      StatusPending,
			URL:         c.URL,
			MaxAttempts: maxAttempts,
			NextRetryAt: now,
			Created:     now,
			Updated:     now,
		}
		if err := e.store.InsertWebhookDelivery(d); err != nil {
			e.logger.Error("webhook: failed to insert delivery",
				"config_id", c.ID, "event", event, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DispatchTest creates a WEBHOOK_TEST delivery for one specific config,
// active or not, so users can verify an endpoint before enabling it.
func (e *Engine) DispatchTest(c *Config) (*Delivery, error) {
	now := e.clock.Now()
	payload, err := EncodePayload(job.EventWebhookTest, now, map[string]string{
		"webhook_config_id": c.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: failed to encode test payload: %w", err)
	}

	d := &Delivery{
		ID:          "whd_" + uuid.NewString(),
		ConfigID:    c.ID,
		UserID:      c.UserID,
		Event:       job.EventWebhookTest,
		Payload:     payload,
		Signature:   crypto.Sign(payload, []byte(c.Secret)),
		Status:      StatusPending,
		URL:         c.URL,
		MaxAttempts: e.cfg.Get().Webhook.TestMaxAttempts,
		NextRetryAt: now,
		Created:     now,
		Updated:     now,
	}
	if err := e.store.InsertWebhookDelivery(d); err != nil {
		return nil, fmt.Errorf("webhook: failed to insert test delivery: %w", err)
	}
	return d, nil
}
