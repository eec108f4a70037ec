package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrJwtTokenExpired is returned when the token has expired.
	ErrJwtTokenExpired = errors.New("token expired")
	// ErrJwtInvalidToken is returned when the token is invalid.
	ErrJwtInvalidToken = errors.New("invalid token")
	// ErrJwtInvalidSigningMethod is returned when the signing method is not HS256.
	ErrJwtInvalidSigningMethod = errors.New("unexpected signing method")
)

// SessionClaims defines the claims for a management-session token used by
// the dashboard-style endpoints (webhook configuration, job listing).
type SessionClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

func translateJWTError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrJwtTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrJwtInvalidSigningMethod
	default:
		return fmt.Errorf("%w: %v", ErrJwtInvalidToken, err)
	}
}

// NewSessionToken creates a signed session token for a user.
func NewSessionToken(userID string, secret []byte, duration time.Duration, now time.Time) (string, error) {
	if len(secret) < MinKeyLength {
		return "", ErrInvalidSecretLength
	}
	claims := SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseSessionToken verifies a session token and returns its claims.
func ParseSessionToken(tokenString string, secret []byte) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrJwtInvalidSigningMethod, t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, translateJWTError(err)
	}
	return claims, nil
}
