package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Session is a validated viewer session.
type Session struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func sessionFromClaims(c *Claims) *Session {
	s := &Session{ID: c.ID, DeviceID: c.DeviceID}
	if c.IssuedAt != nil {
		s.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s
}

// Gate validates session credentials. Every call checks signature, expiry
// and revocation afresh.
type Gate struct {
	tokens      *TokenService
	revocations *Revocations
	ttl         time.Duration
}

// NewGate creates a gate that issues sessions lasting ttl.
func NewGate(tokens *TokenService, revocations *Revocations, ttl time.Duration) *Gate {
	return &Gate{tokens: tokens, revocations: revocations, ttl: ttl}
}

// Issue signs a new session for deviceID in the device's current epoch.
func (g *Gate) Issue(ctx context.Context, deviceID string) (string, *Session, error) {
	epoch, err := g.revocations.Epoch(ctx, deviceID)
	if err != nil {
		return "", nil, err
	}
	token, err := g.tokens.Sign(Claims{DeviceID: deviceID, Epoch: epoch}, g.ttl)
	if err != nil {
		return "", nil, err
	}
	claims, err := g.tokens.Verify(token)
	if err != nil {
		return "", nil, fmt.Errorf("verifying issued token: %w", err)
	}
	return token, sessionFromClaims(claims), nil
}

// Validate returns the session for credential. It fails with
// ErrUnauthenticated, ErrInvalidCredential, ErrExpired or ErrRevoked.
func (g *Gate) Validate(ctx context.Context, credential string) (*Session, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrUnauthenticated
	}

	claims, err := g.tokens.Verify(credential)
	if err != nil {
		return nil, err
	}

	revoked, err := g.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevoked
	}

	epoch, err := g.revocations.Epoch(ctx, claims.DeviceID)
	if err != nil {
		return nil, err
	}
	if claims.Epoch < epoch {
		return nil, ErrRevoked
	}
	return sessionFromClaims(claims), nil
}

// Authorize validates credential and checks that it was issued for deviceID.
func (g *Gate) Authorize(ctx context.Context, credential, deviceID string) (*Session, error) {
	s, err := g.Validate(ctx, credential)
	if err != nil {
		return nil, err
	}
	if s.DeviceID != deviceID {
		return nil, ErrForbidden
	}
	return s, nil
}

// Revoke ends the session carried by credential. Already expired sessions
// are accepted and nothing is recorded for them.
func (g *Gate) Revoke(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrUnauthenticated
	}
	claims, err := g.tokens.Verify(credential)
	if errors.Is(err, ErrExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	return g.revocations.Revoke(ctx, claims)
}

// RevokeDevice ends every session issued so far for deviceID.
func (g *Gate) RevokeDevice(ctx context.Context, deviceID string) error {
	_, err := g.revocations.RevokeDevice(ctx, deviceID)
	return err
}

// Subject returns the unverified device ID carried by credential, for logging
// rejected requests. It is empty when credential cannot be decoded.
func (g *Gate) Subject(credential string) string {
	claims, err := g.tokens.DecodeUnsafe(credential)
	if err != nil {
		return ""
	}
	return claims.DeviceID
}
