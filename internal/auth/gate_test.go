package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGate_RevokedSessionFailsImmediately(t *testing.T) {
	g, clock, _ := newTestGate(t, time.Second)
	ctx := t.Context()

	token, session, err := g.Issue(ctx, "cam1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if session.DeviceID != "cam1" || session.ID == "" {
		t.Fatalf("Issue() session = %+v", session)
	}

	if _, err := g.Validate(ctx, token); err != nil {
		t.Fatalf("Validate() at t=0 error = %v", err)
	}

	clock.advance(500 * time.Millisecond)
	if err := g.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	clock.advance(100 * time.Millisecond)
	if _, err := g.Validate(ctx, token); !errors.Is(err, ErrRevoked) {
		t.Errorf("Validate() after revoke error = %v, want ErrRevoked", err)
	}
}

func TestGate_Validate(t *testing.T) {
	g, clock, _ := newTestGate(t, time.Minute)
	ctx := t.Context()

	token, _, err := g.Issue(ctx, "cam1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name       string
		credential string
		want       error
	}{
		{"empty", "", ErrUnauthenticated},
		{"whitespace", "   ", ErrUnauthenticated},
		{"malformed", "abc.def.ghi", ErrInvalidCredential},
		{"tampered", token[:len(token)-2] + "xx", ErrInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Validate(ctx, tt.credential); !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}

	// Validity is re-checked on every call.
	if _, err := g.Validate(ctx, token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	clock.advance(time.Minute)
	if _, err := g.Validate(ctx, token); !errors.Is(err, ErrExpired) {
		t.Errorf("Validate() after expiry error = %v, want ErrExpired", err)
	}
}

func TestGate_Authorize(t *testing.T) {
	g, _, _ := newTestGate(t, time.Minute)
	ctx := t.Context()

	token, _, err := g.Issue(ctx, "cam1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := g.Authorize(ctx, token, "cam1"); err != nil {
		t.Errorf("Authorize(own device) error = %v", err)
	}
	if _, err := g.Authorize(ctx, token, "cam2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Authorize(other device) error = %v, want ErrForbidden", err)
	}
	if _, err := g.Authorize(ctx, "", "cam1"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Authorize(no credential) error = %v, want ErrUnauthenticated", err)
	}
}

func TestGate_Revoke(t *testing.T) {
	g, clock, dir := newTestGate(t, time.Minute)
	ctx := t.Context()

	token, _, err := g.Issue(ctx, "cam1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := g.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	// Revoking twice is harmless.
	if err := g.Revoke(ctx, token); err != nil {
		t.Errorf("second Revoke() error = %v", err)
	}
	if err := g.Revoke(ctx, "garbage"); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("Revoke(garbage) error = %v, want ErrInvalidCredential", err)
	}

	// The record lives exactly as long as the token would have.
	entries, _ := dir.List(ctx, "sessions/revoked/")
	if len(entries) != 1 {
		t.Fatalf("revocation records = %d, want 1", len(entries))
	}
	clock.advance(time.Minute)
	if n, _ := dir.DeleteExpired(ctx); n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}
	if _, err := g.Validate(ctx, token); !errors.Is(err, ErrExpired) {
		t.Errorf("Validate() error = %v, want ErrExpired", err)
	}

	// Expired sessions need no record.
	if err := g.Revoke(ctx, token); err != nil {
		t.Errorf("Revoke(expired) error = %v", err)
	}
	if entries, _ := dir.List(ctx, "sessions/revoked/"); len(entries) != 0 {
		t.Errorf("revocation records after expired revoke = %d, want 0", len(entries))
	}
}

func TestGate_Subject(t *testing.T) {
	g, _, _ := newTestGate(t, time.Minute)
	token, _, err := g.Issue(t.Context(), "cam7")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if got := g.Subject(token); got != "cam7" {
		t.Errorf("Subject() = %q, want cam7", got)
	}
	if got := g.Subject("nope"); got != "" {
		t.Errorf("Subject(garbage) = %q, want empty", got)
	}
}

func TestGate_RevokeAtSubSecondOffset(t *testing.T) {
	g, clock, _ := newTestGate(t, time.Second)
	ctx := t.Context()

	clock.advance(700 * time.Millisecond)
	issuedAt := clock.now()
	token, session, err := g.Issue(ctx, "cam1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if session.ExpiresAt.Before(issuedAt.Add(time.Second)) {
		t.Errorf("ExpiresAt = %v, want at least %v", session.ExpiresAt, issuedAt.Add(time.Second))
	}
	if _, err := g.Validate(ctx, token); err != nil {
		t.Fatalf("Validate() at t=0 error = %v", err)
	}

	clock.advance(500 * time.Millisecond)
	if err := g.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	clock.advance(100 * time.Millisecond)
	if _, err := g.Validate(ctx, token); !errors.Is(err, ErrRevoked) {
		t.Errorf("Validate() at t=0.6 error = %v, want ErrRevoked", err)
	}

	clock.advance(700 * time.Millisecond)
	if _, err := g.Validate(ctx, token); !errors.Is(err, ErrExpired) {
		t.Errorf("Validate() after expiry error = %v, want ErrExpired", err)
	}
}

func TestGate_RevokeDevice(t *testing.T) {
	g, _, _ := newTestGate(t, time.Minute)
	ctx := t.Context()

	var old []string
	for range 2 {
		token, _, err := g.Issue(ctx, "cam1")
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		old = append(old, token)
	}
	other, _, err := g.Issue(ctx, "cam2")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if err := g.RevokeDevice(ctx, "cam1"); err != nil {
		t.Fatalf("RevokeDevice() error = %v", err)
	}
	for i, token := range old {
		if _, err := g.Validate(ctx, token); !errors.Is(err, ErrRevoked) {
			t.Errorf("Validate(old %d) error = %v, want ErrRevoked", i, err)
		}
	}
	if _, err := g.Validate(ctx, other); err != nil {
		t.Errorf("Validate(other device) error = %v", err)
	}

	fresh, _, err := g.Issue(ctx, "cam1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := g.Validate(ctx, fresh); err != nil {
		t.Errorf("Validate(fresh) error = %v", err)
	}
}
