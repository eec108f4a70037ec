package core

import (
	"encoding/json"
	"net/http"
)

// jsonError is a precomputed error response: status plus an already
// marshalled body, so the hot path never serializes error envelopes.
type jsonError struct {
	status int
	body   []byte
}

func newJsonError(status int, code, message string) jsonError {
	body, _ := json.Marshal(map[string]any{
		"status":  status,
		"code":    code,
		"message": message,
	})
	return jsonError{status: status, body: body}
}

// Standard response codes
const (
	CodeErrorInvalidRequest      = "invalid_input"
	CodeErrorNoAuthHeader        = "no_auth_header"
	CodeErrorInvalidCredentials  = "invalid_credentials"
	CodeErrorNotFound            = "not_found"
	CodeErrorTooManyRequests     = "too_many_requests"
	CodeErrorInsufficientCredits = "insufficient_credits"
	CodeErrorConflict            = "conflict"
	CodeErrorInternal            = "internal"
	CodeErrorTokenInvalid        = "token_invalid"
	CodeErrorTokenExpired        = "token_expired"
)

var (
	errorInvalidRequest     = newJsonError(http.StatusBadRequest, CodeErrorInvalidRequest, "The request is invalid")
	errorNoAuthHeader       = newJsonError(http.StatusUnauthorized, CodeErrorNoAuthHeader, "Authorization header is required")
	errorInvalidCredentials = newJsonError(http.StatusUnauthorized, CodeErrorInvalidCredentials, "Invalid credentials")
	errorNotFound           = newJsonError(http.StatusNotFound, CodeErrorNotFound, "Resource not found")
	errorInternal           = newJsonError(http.StatusInternalServerError, CodeErrorInternal, "Internal error")
	errorTokenInvalid       = newJsonError(http.StatusForbidden, CodeErrorTokenInvalid, "Access token is invalid")
	errorTokenExpired       = newJsonError(http.StatusForbidden, CodeErrorTokenExpired, "Access token has expired")
)

var apiJsonDefaultHeaders = map[string]string{
	"Content-Type": "application/json; charset=utf-8",
	// Mitigate MIME sniffing; responses are never documents.
	"X-Content-Type-Options": "nosniff",
	// Job state changes quickly, caches must not hold it.
	"Cache-Control": "no-store, no-cache, must-revalidate",
	"X-Frame-Options": "DENY",
}

func setDefaultHeaders(w http.ResponseWriter) {
	for key, value := range apiJsonDefaultHeaders {
		w.Header()[key] = []string{value}
	}
}

func writeJsonError(w http.ResponseWriter, e jsonError) {
	setDefaultHeaders(w)
	w.WriteHeader(e.status)
	_, _ = w.Write(e.body)
}

// writeJsonErrorWith builds a one-off error body; used where the message
// carries request-specific detail.
func writeJsonErrorWith(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	setDefaultHeaders(w)
	payload := map[string]any{
		"status":  status,
		"code":    code,
		"message": message,
	}
	for k, v := range extra {
		payload[k] = v
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJson(w http.ResponseWriter, status int, v any) {
	setDefaultHeaders(w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
