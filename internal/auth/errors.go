package auth

import "errors"

// Session errors. Each is a distinct access-denied reason; callers use them
// to decide whether to restart a login flow.
var (
	ErrUnauthenticated   = errors.New("auth: no credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrExpired           = errors.New("auth: session expired")
	ErrRevoked           = errors.New("auth: session revoked")
	ErrForbidden         = errors.New("auth: session does not grant access to this device")
)

// One-time code errors.
var (
	ErrCodeNotRequested = errors.New("auth: no code outstanding")
	ErrCodeExpired      = errors.New("auth: code expired")
	ErrCodeMismatch     = errors.New("auth: incorrect code")
	ErrTooManyAttempts  = errors.New("auth: too many attempts")
)
