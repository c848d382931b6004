package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/camrelay/internal/audit"
)

// auditWriteTimeout bounds a single access-log insert.
const auditWriteTimeout = 2 * time.Second

// AccessLog records and lists access events. Satisfied by
// *audit.SQLiteRepository.
type AccessLog interface {
	audit.Recorder
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// recordAccess appends an access event. Failures are logged and never
// change the response.
func (s *Server) recordAccess(r *http.Request, action audit.Action, deviceID, sessionID string, details map[string]any) {
	if s.audit == nil || deviceID == "" {
		return
	}
	if sessionID == "" {
		if session := sessionFromContext(r.Context()); session != nil {
			sessionID = session.ID
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditWriteTimeout)
	defer cancel()

	entry := &audit.Entry{
		Action:     action,
		DeviceID:   deviceID,
		SessionID:  sessionID,
		RemoteAddr: r.RemoteAddr,
		Details:    details,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record access event",
			"action", action,
			"device_id", deviceID,
			"error", err,
		)
	}
}

// handleAccessLog lists access events for the session's device.
//
// Query parameters: action, limit, offset.
func (s *Server) handleAccessLog(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "access log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		DeviceID: chi.URLParam(r, "id"),
		Action:   audit.Action(q.Get("action")),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list access events", "device_id", filter.DeviceID, "error", err)
		writeInternalError(w, "failed to list access events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
