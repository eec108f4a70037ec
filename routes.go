package shotmill

import (
	"net/http"

	"github.com/shotmill/shotmill/core"
	"github.com/shotmill/shotmill/router"
	"github.com/shotmill/shotmill/router/httprouter"
)

// Routes builds the HTTP routing table around the app's handlers.
func Routes(app *core.App) http.Handler {
	r := httprouter.New()

	authed := func(h http.HandlerFunc) http.Handler {
		return router.Chain(h, app.AuthMiddleware)
	}

	r.Handle(http.MethodPost, "/api/v1/screenshots", authed(app.SubmitHandler))
	r.Handle(http.MethodPost, "/api/v1/sessions", authed(app.SessionCreateHandler))
	r.Handle(http.MethodGet, "/api/v1/jobs", authed(app.JobListHandler))
	r.Handle(http.MethodGet, "/api/v1/jobs/:id", authed(app.JobHandler))
	// Not under /jobs/: httprouter cannot mix the static "status" segment
	// with the :id wildcard in the same method tree.
	r.Handle(http.MethodPost, "/api/v1/status", authed(app.JobBulkStatusHandler))
	r.Handle(http.MethodPost, "/api/v1/jobs/:id/retry", authed(app.RetryHandler))
	r.Handle(http.MethodGet, "/api/v1/stats", authed(app.JobStatsHandler))
	r.Handle(http.MethodGet, "/api/v1/credits", authed(app.CreditsHandler))

	r.Handle(http.MethodPost, "/api/v1/webhooks", authed(app.WebhookCreateHandler))
	r.Handle(http.MethodGet, "/api/v1/webhooks", authed(app.WebhookListHandler))
	r.Handle(http.MethodPatch, "/api/v1/webhooks/:id", authed(app.WebhookUpdateHandler))
	r.Handle(http.MethodDelete, "/api/v1/webhooks/:id", authed(app.WebhookDeleteHandler))
	r.Handle(http.MethodPost, "/api/v1/webhooks/:id/rotate", authed(app.WebhookRotateHandler))
	r.Handle(http.MethodPost, "/api/v1/webhooks/:id/test", authed(app.WebhookTestHandler))

	// Artifact access is gated by the signed token, not the api key.
	r.Handle(http.MethodGet, "/files/:name", http.HandlerFunc(app.ArtifactHandler))

	r.Handle(http.MethodGet, "/metrics", http.HandlerFunc(app.MetricsHandler))

	return r
}
