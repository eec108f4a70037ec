package crypto

import (
	"crypto/rand"
	"encoding/base64"
)

// NewWebhookSecret generates a 256-bit secret, base64url encoded without
// padding. Secrets are always server-generated; clients never supply them.
func NewWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
