package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the JWT claims of a viewer session. Subject and DeviceID both
// carry the device the session was issued for.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id"`
	// Epoch is the device's session epoch at issue time. Sessions from an
	// older epoch have been revoked wholesale.
	Epoch int `json:"epoch,omitempty"`
}

// TokenService signs and verifies session tokens with a shared HS256 secret.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService creates a token service using secret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret), now: time.Now}
}

// SetClock overrides the time source used for issuing and expiry checks.
func (s *TokenService) SetClock(now func() time.Time) {
	s.now = now
}

// Sign issues a token for claims that expires no sooner than ttl from now.
// JWT dates carry whole seconds, so the expiry is rounded up to the next
// second. IssuedAt, ExpiresAt and Subject are set from the arguments; an
// empty ID gets a fresh UUID.
func (s *TokenService) Sign(claims Claims, ttl time.Duration) (string, error) {
	if claims.DeviceID == "" {
		return "", fmt.Errorf("%w: missing device", ErrInvalidCredential)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("signing token: non-positive ttl %v", ttl)
	}

	now := s.now()
	claims.Subject = claims.DeviceID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(ceilSecond(now.Add(ttl)))
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of tokenString and returns its
// claims. Failures wrap ErrExpired or ErrInvalidCredential.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredential
	}
	if err := checkRequired(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// DecodeUnsafe parses tokenString without verifying its signature or
// expiry. Use it only to read metadata such as the subject for logging.
func (s *TokenService) DecodeUnsafe(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return claims, nil
}

func ceilSecond(t time.Time) time.Time {
	if floor := t.Truncate(time.Second); floor.Before(t) {
		return floor.Add(time.Second)
	}
	return t
}

func checkRequired(c *Claims) error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: missing session id", ErrInvalidCredential)
	case c.DeviceID == "" || c.Subject != c.DeviceID:
		return fmt.Errorf("%w: subject mismatch", ErrInvalidCredential)
	}
	return nil
}
