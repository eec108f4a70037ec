package core

import (
	"errors"
	"net/http"
	"strings"

	"github.com/shotmill/shotmill/artifact"
	"github.com/shotmill/shotmill/crypto"
	"github.com/shotmill/shotmill/db"
)

var artifactContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".pdf":  "application/pdf",
	".webp": "image/webp",
}

// ArtifactHandler serves a stored artifact. The signed token in the query
// is the sole access credential: it binds the job, the issuing user and an
// expiry. Unauthenticated on purpose.
// Endpoint: GET /files/:name?token=...
func (a *App) ArtifactHandler(w http.ResponseWriter, r *http.Request) {
	name := a.params.Get(r.Context()).ByName("name")
	if !artifact.ValidKey(name) {
		writeJsonError(w, errorNotFound)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		writeJsonError(w, errorTokenInvalid)
		return
	}

	jobID := artifact.JobIDFromKey(name)
	j, err := a.db.GetJobById(jobID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeJsonError(w, errorNotFound)
			return
		}
		writeJsonError(w, errorInternal)
		return
	}

	artCfg := a.cfg.Get().Artifacts
	err = crypto.ValidateArtifactToken(token, j.ID, j.UserID, artCfg.StrictUserCheck, artCfg.TokenSecret, a.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, crypto.ErrTokenExpired):
		writeJsonError(w, errorTokenExpired)
		return
	default:
		writeJsonError(w, errorTokenInvalid)
		return
	}

	data, err := a.artifacts.Open(name)
	if err != nil {
		writeJsonError(w, errorNotFound)
		return
	}

	contentType := "application/octet-stream"
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if ct, ok := artifactContentTypes[name[i:]]; ok {
			contentType = ct
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=300")
	_, _ = w.Write(data)
}
