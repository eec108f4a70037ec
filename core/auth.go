package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/shotmill/shotmill/crypto"
)

// Principal is the resolved identity of an authenticated request.
type Principal struct {
	UserID   string
	ApiKeyID string
}

type contextKey int

const principalKey contextKey = 0

// PrincipalFrom extracts the authenticated principal from a request
// context.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// apiKeyPrefixLen is the length of the public lookup prefix of a raw key.
// Raw keys look like "sm_<8 hex>_<secret>"; the prefix is everything before
// the second underscore.
const apiKeyPrefixLen = 11

// authCacheTTL bounds how long a verified key skips the bcrypt compare.
const authCacheTTL = time.Minute

// apiKeyScheme is the prefix every raw api key carries; bearer tokens
// without it are treated as session tokens.
const apiKeyScheme = "sm_"

// resolveSessionToken maps a presented session JWT to its principal. The
// ApiKeyID stays empty: session-authenticated requests act for the user, not
// for a specific key.
func (a *App) resolveSessionToken(raw string) (Principal, bool) {
	secret := a.cfg.Get().Session.Secret
	if len(secret) == 0 {
		return Principal{}, false
	}
	claims, err := crypto.ParseSessionToken(raw, secret)
	if err != nil || claims.UserID == "" {
		return Principal{}, false
	}
	return Principal{UserID: claims.UserID}, true
}

// resolveApiKey maps a presented raw key to its principal, or reports
// failure. Successful resolutions are cached briefly under a digest of the
// raw key, never the key itself.
func (a *App) resolveApiKey(raw string) (Principal, bool) {
	if len(raw) <= apiKeyPrefixLen {
		return Principal{}, false
	}

	digest := sha256.Sum256([]byte(raw))
	cacheKey := hex.EncodeToString(digest[:])
	if a.authCache != nil {
		if p, ok := a.authCache.Get(cacheKey); ok {
			return p, true
		}
	}

	keys, err := a.db.GetApiKeysByPrefix(raw[:apiKeyPrefixLen])
	if err != nil {
		a.logger.Error("auth: api key lookup failed", "error", err)
		return Principal{}, false
	}
	for _, k := range keys {
		if crypto.CheckApiKey(raw, k.Hash) {
			p := Principal{UserID: k.UserID, ApiKeyID: k.ID}
			if a.authCache != nil {
				a.authCache.SetWithTTL(cacheKey, p, 1, authCacheTTL)
			}
			if err := a.db.TouchApiKey(k.ID, a.clock.Now()); err != nil {
				a.logger.Warn("auth: failed to touch api key", "key_id", k.ID, "error", err)
			}
			return p, true
		}
	}
	return Principal{}, false
}

// AuthMiddleware requires a valid "Authorization: Bearer <credential>" header
// and injects the resolved principal into the request context. Credentials
// carrying the api key prefix are resolved as api keys; any other bearer
// value is resolved as a session token.
func (a *App) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeJsonError(w, errorNoAuthHeader)
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeJsonError(w, errorInvalidCredentials)
			return
		}

		var p Principal
		if strings.HasPrefix(raw, apiKeyScheme) {
			p, ok = a.resolveApiKey(raw)
		} else {
			p, ok = a.resolveSessionToken(raw)
		}
		if !ok {
			writeJsonError(w, errorInvalidCredentials)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
