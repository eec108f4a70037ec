package core

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shotmill/shotmill/credits"
	"github.com/shotmill/shotmill/job"
)

// submitRequest is the POST /api/v1/screenshots body.
type submitRequest struct {
	URL            string `json:"url"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Format         string `json:"format"`
	FullPage       bool   `json:"full_page"`
	WaitSelector   string `json:"wait_selector"`
	WaitMs         int    `json:"wait_ms"`
	Quality        int    `json:"quality"`
	Language       string `json:"language"`
	Type           string `json:"type"`
	AnalysisPrompt string `json:"analysis_prompt"`
	WebhookURL     string `json:"webhook_url"`
}

// maxSubmitBody bounds the request body read.
const maxSubmitBody = 64 * 1024

// SubmitHandler accepts capture work.
// Endpoint: POST /api/v1/screenshots
// Authenticated: Yes
func (a *App) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}

	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	if err := dec.Decode(&body); err != nil {
		writeJsonError(w, errorInvalidRequest)
		return
	}

	req := job.ScreenshotRequest{
		URL:            body.URL,
		Width:          body.Width,
		Height:         body.Height,
		Format:         body.Format,
		FullPage:       body.FullPage,
		WaitSelector:   body.WaitSelector,
		WaitMs:         body.WaitMs,
		Quality:        body.Quality,
		Language:       body.Language,
		AnalysisPrompt: body.AnalysisPrompt,
	}

	result, err := a.Submit(p, body.Type, req, body.WebhookURL)
	if err != nil {
		a.writeAdmissionError(w, err)
		return
	}

	resp := map[string]any{
		"job_id":         result.Job.ID,
		"status":         result.Job.Status,
		"queue_position": result.QueuePosition,
	}
	if result.WebhookSecret != "" {
		resp["webhook_secret"] = result.WebhookSecret
	}
	writeJson(w, http.StatusAccepted, resp)
}

// RetryHandler resubmits a failed job owned by the caller.
// Endpoint: POST /api/v1/jobs/:id/retry
// Authenticated: Yes
func (a *App) RetryHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}
	id := a.params.Get(r.Context()).ByName("id")
	if id == "" {
		writeJsonError(w, errorInvalidRequest)
		return
	}

	j, err := a.RetryJob(p, id)
	if err != nil {
		a.writeAdmissionError(w, err)
		return
	}
	writeJson(w, http.StatusAccepted, map[string]any{
		"job_id":      j.ID,
		"status":      j.Status,
		"retry_count": j.RetryCount,
		"retry_type":  j.RetryType,
	})
}

// writeAdmissionError maps admission failures onto the wire.
func (a *App) writeAdmissionError(w http.ResponseWriter, err error) {
	var validation *ValidationError
	var limited *RateLimitedError
	var insufficient *credits.ErrInsufficientCredits

	switch {
	case errors.As(err, &validation):
		writeJsonErrorWith(w, http.StatusBadRequest, CodeErrorInvalidRequest, validation.Message, nil)
	case errors.As(err, &limited):
		retryAfter := int(limited.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		writeJsonErrorWith(w, http.StatusTooManyRequests, CodeErrorTooManyRequests,
			"Rate limit exceeded", map[string]any{"retry_after": retryAfter})
	case errors.As(err, &insufficient):
		writeJsonErrorWith(w, http.StatusPaymentRequired, CodeErrorInsufficientCredits,
			"Insufficient credits", map[string]any{
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
	case errors.Is(err, ErrAuthRejected):
		writeJsonError(w, errorNotFound)
	default:
		a.logger.Error("admission: internal error", "error", err)
		writeJsonError(w, errorInternal)
	}
}
