package core

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/shotmill/shotmill/crypto"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
	"github.com/shotmill/shotmill/webhook"
)

// webhookConfigResponse never includes the secret; it is shown once, at
// creation or rotation.
type webhookConfigResponse struct {
	ID          string   `json:"id"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	IsActive    bool     `json:"is_active"`
	Description string   `json:"description"`
	CreatedAt   string   `json:"created_at"`
}

func configToResponse(c *webhook.Config) webhookConfigResponse {
	return webhookConfigResponse{
		ID:          c.ID,
		URL:         c.URL,
		Events:      c.Events,
		IsActive:    c.IsActive,
		Description: c.Description,
		CreatedAt:   db.TimeFormat(c.Created),
	}
}

type webhookConfigRequest struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	IsActive    *bool    `json:"is_active"`
	Description string   `json:"description"`
}

func validateEvents(events []string) bool {
	if len(events) == 0 {
		return false
	}
	for _, e := range events {
		if !job.ValidEvent(e) {
			return false
		}
	}
	return true
}

// WebhookCreateHandler registers a destination. The server generates the
// secret and returns it exactly once.
// Endpoint: POST /api/v1/webhooks
// Authenticated: Yes
func (a *App) WebhookCreateHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}

	var body webhookConfigRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&body); err != nil {
		writeJsonError(w, errorInvalidRequest)
		return
	}
	if err := webhook.ValidateURL(body.URL); err != nil {
		writeJsonErrorWith(w, http.StatusBadRequest, CodeErrorInvalidRequest, err.Error(), nil)
		return
	}
	if !validateEvents(body.Events) {
		writeJsonErrorWith(w, http.StatusBadRequest, CodeErrorInvalidRequest, "events must be a non-empty list of known event names", nil)
		return
	}

	count, err := a.db.CountWebhookConfigs(p.UserID)
	if err != nil {
		writeJsonError(w, errorInternal)
		return
	}
	if count >= webhook.MaxConfigsPerUser {
		writeJsonErrorWith(w, http.StatusConflict, CodeErrorConflict, "webhook config limit reached", nil)
		return
	}

	secret, err := crypto.NewWebhookSecret()
	if err != nil {
		writeJsonError(w, errorInternal)
		return
	}

	now := a.clock.Now()
	active := true
	if body.IsActive != nil {
		active = *body.IsActive
	}
	c := &webhook.Config{
		ID:          "wh_" + uuid.NewString(),
		UserID:      p.UserID,
		URL:         body.URL,
		Secret:      secret,
		Events:      body.Events,
		IsActive:    active,
		Description: body.Description,
		Created:     now,
		Updated:     now,
	}
	if err := a.db.InsertWebhookConfig(c); err != nil {
		a.logger.Error("webhooks: create failed", "user_id", p.UserID, "error", err)
		writeJsonError(w, errorInternal)
		return
	}

	resp := configToResponse(c)
	writeJson(w, http.StatusCreated, map[string]any{
		"webhook": resp,
		"secret":  secret,
	})
}

// WebhookListHandler lists the caller's destinations.
// Endpoint: GET /api/v1/webhooks
// Authenticated: Yes
func (a *App) WebhookListHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}
	configs, err := a.db.GetWebhookConfigsByUser(p.UserID)
	if err != nil {
		writeJsonError(w, errorInternal)
		return
	}
	items := make([]webhookConfigResponse, 0, len(configs))
	for _, c := range configs {
		items = append(items, configToResponse(c))
	}
	writeJson(w, http.StatusOK, map[string]any{"webhooks": items})
}

func (a *App) loadOwnConfig(w http.ResponseWriter, r *http.Request) (*webhook.Config, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return nil, false
	}
	id := a.params.Get(r.Context()).ByName("id")
	c, err := a.db.GetWebhookConfigById(id, p.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeJsonError(w, errorNotFound)
		} else {
			writeJsonError(w, errorInternal)
		}
		return nil, false
	}
	return c, true
}

// WebhookUpdateHandler patches URL, events, activity or description.
// Endpoint: PATCH /api/v1/webhooks/:id
// Authenticated: Yes
func (a *App) WebhookUpdateHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := a.loadOwnConfig(w, r)
	if !ok {
		return
	}

	var body webhookConfigRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&body); err != nil {
		writeJsonError(w, errorInvalidRequest)
		return
	}

	if body.URL != "" {
		if err := webhook.ValidateURL(body.URL); err != nil {
			writeJsonErrorWith(w, http.StatusBadRequest, CodeErrorInvalidRequest, err.Error(), nil)
			return
		}
		c.URL = body.URL
	}
	if body.Events != nil {
		if !validateEvents(body.Events) {
			writeJsonErrorWith(w, http.StatusBadRequest, CodeErrorInvalidRequest, "events must be a non-empty list of known event names", nil)
			return
		}
		c.Events = body.Events
	}
	if body.IsActive != nil {
		c.IsActive = *body.IsActive
	}
	if body.Description != "" {
		c.Description = body.Description
	}
	c.Updated = a.clock.Now()

	if err := a.db.UpdateWebhookConfig(c); err != nil {
		writeJsonError(w, errorInternal)
		return
	}
	writeJson(w, http.StatusOK, map[string]any{"webhook": configToResponse(c)})
}

// WebhookDeleteHandler removes a destination.
// Endpoint: DELETE /api/v1/webhooks/:id
// Authenticated: Yes
func (a *App) WebhookDeleteHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}
	id := a.params.Get(r.Context()).ByName("id")
	if err := a.db.DeleteWebhookConfig(id, p.UserID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeJsonError(w, errorNotFound)
		} else {
			writeJsonError(w, errorInternal)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookRotateHandler regenerates a config's secret. The old secret stops
// signing future deliveries; in-flight deliveries keep the signature they
// were created with.
// Endpoint: POST /api/v1/webhooks/:id/rotate
// Authenticated: Yes
func (a *App) WebhookRotateHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := a.loadOwnConfig(w, r)
	if !ok {
		return
	}

	secret, err := crypto.NewWebhookSecret()
	if err != nil {
		writeJsonError(w, errorInternal)
		return
	}
	c.Secret = secret
	c.Updated = a.clock.Now()
	if err := a.db.UpdateWebhookConfig(c); err != nil {
		writeJsonError(w, errorInternal)
		return
	}
	writeJson(w, http.StatusOK, map[string]any{
		"webhook": configToResponse(c),
		"secret":  secret,
	})
}

// WebhookTestHandler fires a WEBHOOK_TEST delivery at the config and
// attempts it immediately, returning the outcome.
// Endpoint: POST /api/v1/webhooks/:id/test
// Authenticated: Yes
func (a *App) WebhookTestHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := a.loadOwnConfig(w, r)
	if !ok {
		return
	}

	d, err := a.webhooks.DispatchTest(c)
	if err != nil {
		a.logger.Error("webhooks: test dispatch failed", "config_id", c.ID, "error", err)
		writeJsonError(w, errorInternal)
		return
	}
	a.deliverer.Attempt(d)

	writeJson(w, http.StatusOK, map[string]any{
		"delivery_id":   d.ID,
		"status":        d.Status,
		"response_code": d.ResponseCode,
		"error":         d.Error,
	})
}
