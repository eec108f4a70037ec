package core

import (
	"net/http"

	"github.com/shotmill/shotmill/crypto"
	"github.com/shotmill/shotmill/db"
)

// SessionCreateHandler exchanges an api key for a short-lived session token,
// so dashboard-style clients do not hold the long-lived key in the browser.
// The session token is accepted on every authenticated endpoint, submission
// included; jobs submitted with it carry an empty api key id.
// Endpoint: POST /api/v1/sessions
// Authenticated: Yes (api key)
func (a *App) SessionCreateHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}

	sessionCfg := a.cfg.Get().Session
	if len(sessionCfg.Secret) == 0 {
		// Session auth is opt-in; without a configured secret the endpoint
		// does not exist.
		writeJsonError(w, errorNotFound)
		return
	}

	now := a.clock.Now()
	token, err := crypto.NewSessionToken(p.UserID, sessionCfg.Secret, sessionCfg.TokenDuration.Duration, now)
	if err != nil {
		a.logger.Error("session: token mint failed", "user_id", p.UserID, "error", err)
		writeJsonError(w, errorInternal)
		return
	}

	writeJson(w, http.StatusCreated, map[string]any{
		"token":      token,
		"expires_at": db.TimeFormat(now.Add(sessionCfg.TokenDuration.Duration)),
	})
}
