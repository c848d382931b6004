package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/camrelay/internal/audit"
	"github.com/nerrad567/camrelay/internal/auth"
	"github.com/nerrad567/camrelay/internal/device"
	"github.com/nerrad567/camrelay/internal/notify"
)

// sessionCookieName carries the session token for browser viewers.
const sessionCookieName = "camrelay_session"

// registerRequest is the request body for POST /auth/register.
type registerRequest struct {
	DeviceID string `json:"device_id"`
	Email    string `json:"email"`
}

// deviceRequest is the request body for POST /auth/session and
// POST /auth/otp/request.
type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

// verifyRequest is the request body for POST /auth/otp/verify.
type verifyRequest struct {
	DeviceID string `json:"device_id"`
	Code     string `json:"code"`
}

// sessionResponse is returned whenever a session is issued.
type sessionResponse struct {
	Token     string        `json:"token"`
	TokenType string        `json:"token_type"`
	ExpiresIn int           `json:"expires_in"`
	Session   *auth.Session `json:"session"`
}

// otpRequestResponse is the response body for POST /auth/otp/request.
type otpRequestResponse struct {
	DeviceID  string    `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleRegister creates a device record with the owner's email. Moving
// an existing device to another address goes through changeEmail.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	email := strings.TrimSpace(req.Email)

	rec, err := s.devices.Register(r.Context(), req.DeviceID, email)
	if errors.Is(err, device.ErrAlreadyRegistered) {
		s.changeEmail(w, r, req.DeviceID, email)
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("device registered", "device_id", rec.ID, "verified", rec.Verified)
	s.recordAccess(r, audit.ActionRegister, rec.ID, "", nil)
	writeJSON(w, http.StatusCreated, rec)
}

// changeEmail moves a registered device to a new address. It needs a live
// session for that device. Every session of the device, the caller's
// included, and any outstanding code end with the change.
func (s *Server) changeEmail(w http.ResponseWriter, r *http.Request, deviceID, email string) {
	ctx := r.Context()
	credential := credentialFromRequest(r)
	if credential == "" {
		writeDomainError(w, device.ErrAlreadyRegistered)
		return
	}
	session, err := s.gate.Authorize(ctx, credential, deviceID)
	if err != nil {
		s.logger.Warn("email change rejected", "device_id", deviceID, "error", err)
		writeDomainError(w, err)
		return
	}

	rec, err := s.devices.ChangeEmail(ctx, deviceID, email)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.gate.RevokeDevice(ctx, deviceID); err != nil {
		s.logger.Error("failed to revoke sessions after email change", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to revoke sessions")
		return
	}
	s.challenges.Discard(ctx, deviceID)

	s.logger.Info("device email changed", "device_id", deviceID)
	s.recordAccess(r, audit.ActionEmailChanged, deviceID, session.ID, nil)
	http.SetCookie(w, s.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, rec)
}

// handleSession issues a session without a new code when the device has
// been verified before and re-authentication is not forced.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	rec, err := s.devices.Get(r.Context(), req.DeviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.secCfg.ForceReauth || !rec.Verified {
		writeError(w, http.StatusUnauthorized, ErrCodeOTPRequired, "a one-time code is required")
		return
	}
	s.issueSession(w, r, rec.ID, "reuse")
}

// handleOTPRequest sends a fresh one-time code to the device's registered
// email. The code itself never appears in the response or the logs.
func (s *Server) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	rec, err := s.devices.Get(r.Context(), req.DeviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rec.Email == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "device has no registered email")
		return
	}

	code, expiresAt, err := s.challenges.Issue(r.Context(), rec.ID)
	if err != nil {
		s.logger.Error("failed to issue code", "device_id", rec.ID, "error", err)
		writeInternalError(w, "failed to issue code")
		return
	}

	subject, body := notify.CodeMessage(rec.ID, code, time.Until(expiresAt))
	if s.secCfg.OTP.Subject != "" {
		subject = s.secCfg.OTP.Subject
	}
	if err := s.notifier.Send(r.Context(), rec.Email, subject, body); err != nil {
		s.logger.Warn("failed to send code", "device_id", rec.ID, "error", err)
		writeDomainError(w, err)
		return
	}

	s.logger.Info("code sent", "device_id", rec.ID, "expires_at", expiresAt)
	s.recordAccess(r, audit.ActionCodeSent, rec.ID, "", map[string]any{"expires_at": expiresAt.UTC()})
	writeJSON(w, http.StatusAccepted, otpRequestResponse{DeviceID: rec.ID, ExpiresAt: expiresAt})
}

// handleOTPVerify checks a code, marks the device verified and issues a
// session.
func (s *Server) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := device.ValidateID(req.DeviceID); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.challenges.Verify(r.Context(), req.DeviceID, strings.TrimSpace(req.Code)); err != nil {
		if !errors.Is(err, auth.ErrCodeMismatch) {
			s.logger.Info("code verification failed", "device_id", req.DeviceID, "error", err)
		}
		s.recordAccess(r, audit.ActionCodeRejected, req.DeviceID, "", map[string]any{"reason": err.Error()})
		writeDomainError(w, err)
		return
	}

	if err := s.devices.MarkVerified(r.Context(), req.DeviceID); err != nil {
		writeDomainError(w, err)
		return
	}
	s.issueSession(w, r, req.DeviceID, "code")
}

// handleLogout revokes the presented session and clears the cookie.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	credential := credentialFromRequest(r)
	if err := s.gate.Revoke(r.Context(), credential); err != nil {
		writeDomainError(w, err)
		return
	}
	s.recordAccess(r, audit.ActionLogout, s.gate.Subject(credential), "", nil)
	http.SetCookie(w, s.sessionCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

// issueSession signs a session for deviceID. method names how the viewer
// proved ownership and is kept in the access log.
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request, deviceID, method string) {
	token, session, err := s.gate.Issue(r.Context(), deviceID)
	if err != nil {
		s.logger.Error("failed to issue session", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to issue session")
		return
	}

	ttl := int(time.Until(session.ExpiresAt).Seconds())
	http.SetCookie(w, s.sessionCookie(token, ttl))
	s.logger.Info("session issued", "device_id", deviceID, "session_id", session.ID)
	s.recordAccess(r, audit.ActionSessionIssued, deviceID, session.ID, map[string]any{"method": method})
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: ttl,
		Session:   session,
	})
}

func (s *Server) sessionCookie(token string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secCfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

// credentialFromRequest returns the bearer token, falling back to the
// session cookie. It is empty when neither is present.
func credentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(sessionCookieName); err == nil {
		return c.Value
	}
	return ""
}
