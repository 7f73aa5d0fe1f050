package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a device token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// TokenVerifier checks HS256 device tokens whose subject is the device id.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns nil when secret is empty, which disables
// device authentication.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify checks that token is valid and was issued to deviceID.
func (v *TokenVerifier) Verify(token, deviceID string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject != deviceID {
		return fmt.Errorf("%w: token subject does not match device", ErrUnauthorized)
	}
	return nil
}

// Issue signs a token for deviceID valid for ttl. A zero ttl never expires.
func (v *TokenVerifier) Issue(deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  deviceID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
