package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shotmill/shotmill/artifact"
	"github.com/shotmill/shotmill/crypto"
	"github.com/shotmill/shotmill/db"
	"github.com/shotmill/shotmill/job"
)

// jobResponse is the polled view of a job.
type jobResponse struct {
	ID               string                `json:"id"`
	Type             string                `json:"type"`
	Status           string                `json:"status"`
	Request          job.ScreenshotRequest `json:"request"`
	ResultURL        string                `json:"result_url,omitempty"`
	DownloadURL      string                `json:"download_url,omitempty"`
	ResultMeta       *job.ResultMetadata   `json:"result_meta,omitempty"`
	AnalysisResult   string                `json:"analysis_result,omitempty"`
	ErrorMessage     string                `json:"error_message,omitempty"`
	RetryCount       int                   `json:"retry_count"`
	MaxRetries       int                   `json:"max_retries"`
	ProcessingTimeMs int64                 `json:"processing_time_ms,omitempty"`
	CreatedAt        string                `json:"created_at"`
	CompletedAt      string                `json:"completed_at,omitempty"`
}

func (a *App) jobToResponse(j *job.Job) jobResponse {
	resp := jobResponse{
		ID:               j.ID,
		Type:             j.Type,
		Status:           j.Status,
		Request:          j.Request,
		ResultURL:        j.ResultURL,
		ResultMeta:       j.ResultMeta,
		AnalysisResult:   j.AnalysisResult,
		ErrorMessage:     j.ErrorMessage,
		RetryCount:       j.RetryCount,
		MaxRetries:       j.MaxRetries,
		ProcessingTimeMs: j.ProcessingTimeMs,
		CreatedAt:        db.TimeFormat(j.CreatedAt),
		CompletedAt:      db.TimeFormat(j.CompletedAt),
	}

	// Completed jobs get a short-lived signed link the client can fetch
	// without credentials.
	artCfg := a.cfg.Get().Artifacts
	if j.Status == job.StatusCompleted && len(artCfg.TokenSecret) > 0 {
		token, err := crypto.NewArtifactToken(j.ID, j.UserID, artCfg.TokenTTL.Duration, artCfg.TokenSecret, a.clock.Now())
		if err == nil {
			resp.DownloadURL = artCfg.PublicBaseURL + "/" + artifact.Key(j) + "?token=" + token
		}
	}
	return resp
}

// JobHandler returns one job owned by the caller.
// Endpoint: GET /api/v1/jobs/:id
// Authenticated: Yes
func (a *App) JobHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}
	id := a.params.Get(r.Context()).ByName("id")

	j, err := a.db.GetJobByIdAndUser(id, p.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeJsonError(w, errorNotFound)
			return
		}
		a.logger.Error("jobs: lookup failed", "job_id", id, "error", err)
		writeJsonError(w, errorInternal)
		return
	}
	writeJson(w, http.StatusOK, a.jobToResponse(j))
}

// JobListHandler pages the caller's jobs, newest first.
// Endpoint: GET /api/v1/jobs?page=&limit=&status=
// Authenticated: Yes
func (a *App) JobListHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}

	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit > 100 {
		limit = 100
	}
	status := q.Get("status")
	switch status {
	case "", job.StatusQueued, job.StatusProcessing, job.StatusCompleted, job.StatusFailed:
	default:
		writeJsonError(w, errorInvalidRequest)
		return
	}

	jobs, total, err := a.db.GetJobsByUser(p.UserID, page, limit, status)
	if err != nil {
		a.logger.Error("jobs: list failed", "user_id", p.UserID, "error", err)
		writeJsonError(w, errorInternal)
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, a.jobToResponse(j))
	}
	writeJson(w, http.StatusOK, map[string]any{
		"jobs":  items,
		"total": total,
	})
}

// bulkStatusRequest is the POST /api/v1/status body.
type bulkStatusRequest struct {
	IDs []string `json:"ids"`
}

const maxBulkIDs = 100

// JobBulkStatusHandler returns the status of up to 100 jobs at once. Ids
// not owned by the caller are silently dropped.
// Endpoint: POST /api/v1/status
// Authenticated: Yes
func (a *App) JobBulkStatusHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}

	var body bulkStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&body); err != nil {
		writeJsonError(w, errorInvalidRequest)
		return
	}
	if len(body.IDs) == 0 || len(body.IDs) > maxBulkIDs {
		writeJsonError(w, errorInvalidRequest)
		return
	}

	jobs, err := a.db.GetJobsByIds(body.IDs, p.UserID)
	if err != nil {
		a.logger.Error("jobs: bulk lookup failed", "user_id", p.UserID, "error", err)
		writeJsonError(w, errorInternal)
		return
	}

	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, a.jobToResponse(j))
	}
	writeJson(w, http.StatusOK, map[string]any{"jobs": items})
}

// JobStatsHandler exposes the admin aggregates.
// Endpoint: GET /api/v1/stats
// Authenticated: Yes
func (a *App) JobStatsHandler(w http.ResponseWriter, r *http.Request) {
	byStatus, err := a.db.CountJobsByStatus()
	if err != nil {
		writeJsonError(w, errorInternal)
		return
	}
	byFormat, err := a.db.CountJobsByFormat()
	if err != nil {
		writeJsonError(w, errorInternal)
		return
	}
	rate, err := a.db.JobSuccessRate()
	if err != nil {
		writeJsonError(w, errorInternal)
		return
	}
	writeJson(w, http.StatusOK, map[string]any{
		"by_status":    byStatus,
		"by_format":    byFormat,
		"success_rate": rate,
	})
}
