package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MinKeyLength is the minimum length for HMAC signing keys. 32 bytes
	// (256 bits) is the minimum recommended for HMAC-SHA256.
	MinKeyLength = 32
)

var (
	// ErrTokenExpired is returned when an artifact token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned when a token is malformed or its signature
	// does not match.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenUserMismatch is returned in strict mode when the token was
	// issued to a different user.
	ErrTokenUserMismatch = errors.New("token user mismatch")
	// ErrInvalidSecretLength is returned for signing keys shorter than
	// MinKeyLength.
	ErrInvalidSecretLength = errors.New("invalid secret length")
)

// ArtifactToken grants time-limited access to one stored artifact. The token
// binds (jobID, userID, expiry) to an HMAC signature; possession is
// authorization.
type ArtifactToken struct {
	JobID     string
	UserID    string
	ExpiresAt time.Time
}

// artifactTokenMAC signs the canonical field encoding. The null separators
// keep (a,bc) and (ab,c) from colliding.
func artifactTokenMAC(jobID, userID string, expiresAt time.Time, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(jobID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(expiresAt.Unix(), 10)))
	return h.Sum(nil)
}

// NewArtifactToken issues a token for the given job and user, valid for ttl.
func NewArtifactToken(jobID, userID string, ttl time.Duration, secret []byte, now time.Time) (string, error) {
	if len(secret) < MinKeyLength {
		return "", ErrInvalidSecretLength
	}
	exp := now.Add(ttl)
	mac := artifactTokenMAC(jobID, userID, exp, secret)
	// jobID.userID.exp.sig, each segment base64url to keep the token URL-safe.
	enc := base64.RawURLEncoding
	return strings.Join([]string{
		enc.EncodeToString([]byte(jobID)),
		enc.EncodeToString([]byte(userID)),
		strconv.FormatInt(exp.Unix(), 10),
		enc.EncodeToString(mac),
	}, "."), nil
}

// ParseArtifactToken decodes a token string without validating it.
func ParseArtifactToken(token string) (*ArtifactToken, []byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return nil, nil, ErrTokenInvalid
	}
	enc := base64.RawURLEncoding
	jobID, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}
	userID, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}
	expUnix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}
	mac, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}
	return &ArtifactToken{
		JobID:     string(jobID),
		UserID:    string(userID),
		ExpiresAt: time.Unix(expUnix, 0).UTC(),
	}, mac, nil
}

// ValidateArtifactToken checks token against the job it claims to grant
// access to. It recomputes the signature over the job's canonical fields and
// requires constant-time equality plus not-past-expiry. When strictUser is
// set, the token must additionally have been issued to wantUserID.
func ValidateArtifactToken(token, wantJobID, wantUserID string, strictUser bool, secret []byte, now time.Time) error {
	if len(secret) < MinKeyLength {
		return ErrInvalidSecretLength
	}
	parsed, mac, err := ParseArtifactToken(token)
	if err != nil {
		return err
	}
	if parsed.JobID != wantJobID {
		return fmt.Errorf("%w: job mismatch", ErrTokenInvalid)
	}
	expected := artifactTokenMAC(parsed.JobID, parsed.UserID, parsed.ExpiresAt, secret)
	if !hmac.Equal(mac, expected) {
		return ErrTokenInvalid
	}
	if now.After(parsed.ExpiresAt) {
		return ErrTokenExpired
	}
	if strictUser && parsed.UserID != wantUserID {
		return ErrTokenUserMismatch
	}
	return nil
}
