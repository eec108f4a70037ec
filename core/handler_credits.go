package core

import (
	"net/http"
	"strconv"

	"github.com/shotmill/shotmill/db"
)

type creditEntryResponse struct {
	JobID     string `json:"job_id,omitempty"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// CreditsHandler returns the caller's balance and recent ledger activity,
// so clients can account for deductions and refunds without waiting for a
// denial.
// Endpoint: GET /api/v1/credits?limit=
// Authenticated: Yes
func (a *App) CreditsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeJsonError(w, errorNoAuthHeader)
		return
	}

	user, err := a.db.GetUserById(p.UserID)
	if err != nil {
		a.logger.Error("credits: user lookup failed", "user_id", p.UserID, "error", err)
		writeJsonError(w, errorInternal)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}
	entries, err := a.db.GetCreditEntries(p.UserID, limit)
	if err != nil {
		a.logger.Error("credits: ledger lookup failed", "user_id", p.UserID, "error", err)
		writeJsonError(w, errorInternal)
		return
	}

	items := make([]creditEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, creditEntryResponse{
			JobID:     e.JobID,
			Delta:     e.Delta,
			Reason:    e.Reason,
			CreatedAt: db.TimeFormat(e.Created),
		})
	}
	writeJson(w, http.StatusOK, map[string]any{
		"balance": user.Credits,
		"entries": items,
	})
}
