package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/camrelay/internal/auth"
	"github.com/nerrad567/camrelay/internal/device"
	"github.com/nerrad567/camrelay/internal/notify"
	"github.com/nerrad567/camrelay/internal/relay"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeForbidden      = "forbidden"
	ErrCodeInternal       = "internal_error"
	ErrCodeValidation     = "validation_error"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeConflict       = "conflict"
)

// Relay error codes.
const (
	ErrCodeDeviceOffline    = "device_offline"
	ErrCodeTimeout          = "timeout"
	ErrCodeTransportFailure = "transport_failure"
	ErrCodeNoFrame          = "no_frame"
)

// Session and login error codes.
const (
	ErrCodeUnauthenticated   = "unauthenticated"
	ErrCodeInvalidCredential = "invalid_credential"
	ErrCodeSessionExpired    = "session_expired"
	ErrCodeSessionRevoked    = "session_revoked"
	ErrCodeOTPRequired       = "otp_required"
	ErrCodeCodeNotRequested  = "code_not_requested"
	ErrCodeCodeExpired       = "code_expired"
	ErrCodeCodeMismatch      = "code_mismatch"
	ErrCodeTooManyAttempts   = "too_many_attempts"
	ErrCodeNotification      = "notification_failed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorMapping pairs a domain error with its HTTP rendering. Order matters:
// the first match wins, so wrapped errors list their most specific cause first.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{relay.ErrRelayClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
	{relay.ErrDeviceOffline, http.StatusNotFound, ErrCodeDeviceOffline},
	{relay.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
	{relay.ErrTransportFailure, http.StatusBadGateway, ErrCodeTransportFailure},
	{relay.ErrInvalidDeviceID, http.StatusBadRequest, ErrCodeValidation},
	{relay.ErrInvalidCommand, http.StatusBadRequest, ErrCodeValidation},

	{auth.ErrUnauthenticated, http.StatusUnauthorized, ErrCodeUnauthenticated},
	{auth.ErrInvalidCredential, http.StatusUnauthorized, ErrCodeInvalidCredential},
	{auth.ErrExpired, http.StatusUnauthorized, ErrCodeSessionExpired},
	{auth.ErrRevoked, http.StatusUnauthorized, ErrCodeSessionRevoked},
	{auth.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
	{auth.ErrCodeNotRequested, http.StatusBadRequest, ErrCodeCodeNotRequested},
	{auth.ErrCodeExpired, http.StatusUnauthorized, ErrCodeCodeExpired},
	{auth.ErrCodeMismatch, http.StatusUnauthorized, ErrCodeCodeMismatch},
	{auth.ErrTooManyAttempts, http.StatusTooManyRequests, ErrCodeTooManyAttempts},

	{device.ErrDeviceNotFound, http.StatusNotFound, ErrCodeNotFound},
	{device.ErrInvalidID, http.StatusBadRequest, ErrCodeValidation},
	{device.ErrInvalidEmail, http.StatusBadRequest, ErrCodeValidation},
	{device.ErrAlreadyRegistered, http.StatusConflict, ErrCodeConflict},

	{notify.ErrInvalidRecipient, http.StatusBadRequest, ErrCodeValidation},
	{notify.ErrDeliveryFailed, http.StatusBadGateway, ErrCodeNotification},

	{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
	{context.Canceled, http.StatusServiceUnavailable, ErrCodeUnavailable},
}

// writeDomainError renders err using the first matching entry in
// errorMapping, falling back to 500.
func writeDomainError(w http.ResponseWriter, err error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	writeInternalError(w, "internal server error")
}
