package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/camrelay/internal/audit"
	"github.com/nerrad567/camrelay/internal/device"
)

// maxCaptureTimeout caps ?timeout_ms on capture requests.
const maxCaptureTimeout = 60 * time.Second

// deviceSummary is one entry of GET /devices.
type deviceSummary struct {
	DeviceID string     `json:"device_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
	Firmware string     `json:"firmware,omitempty"`
}

// deviceDetail is the response of GET /devices/{id}.
type deviceDetail struct {
	*device.Record
	Connected   bool       `json:"connected"`
	LatestFrame *time.Time `json:"latest_frame,omitempty"`
}

// commandRequest is the request body for POST /devices/{id}/commands.
type commandRequest struct {
	Name string `json:"name"`
}

// handleListDevices lists every known device. Online comes from the relay,
// not the stored record, so it is exact at the time of the call.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	records, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	byID := make(map[string]device.Record, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	ids := s.catalog.IDs()
	out := make([]deviceSummary, 0, len(ids))
	for _, id := range ids {
		sum := deviceSummary{DeviceID: id, Online: s.relay.IsOnline(id)}
		if rec, ok := byID[id]; ok {
			sum.LastSeen = rec.LastSeen
			sum.Firmware = rec.Firmware
		}
		out = append(out, sum)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// handleListOnline lists the devices with a live connection.
func (s *Server) handleListOnline(w http.ResponseWriter, _ *http.Request) {
	ids := s.relay.ListOnlineDevices()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": ids,
		"count":   len(ids),
	})
}

// handleGetDevice returns the device record with live connection state.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.devices.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	detail := deviceDetail{Record: rec, Connected: s.relay.IsOnline(id)}
	if f, ok := s.relay.LatestFrame(id); ok {
		at := f.ReceivedAt
		detail.LatestFrame = &at
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleCapture asks the device for one frame and returns it as JPEG.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var timeout time.Duration
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			writeBadRequest(w, "timeout_ms must be a positive integer")
			return
		}
		timeout = min(time.Duration(ms)*time.Millisecond, maxCaptureTimeout)
	}

	payload, err := s.relay.CaptureOnce(r.Context(), id, timeout)
	if err != nil {
		s.logger.Debug("capture failed", "device_id", id, "error", err)
		writeDomainError(w, err)
		return
	}
	s.recordAccess(r, audit.ActionCapture, id, "", map[string]any{"bytes": len(payload)})
	writeFrame(w, payload, time.Now())
}

// handleLatest returns the cached frame without contacting the device.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, ok := s.relay.LatestFrame(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNoFrame, "no frame received from this device yet")
		return
	}
	w.Header().Set("X-Frame-Age-Ms", strconv.FormatInt(f.Age(time.Now()).Milliseconds(), 10))
	writeFrame(w, f.Payload, f.ReceivedAt)
}

// handleCommand forwards a named command without waiting for a response.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.relay.SendCommand(r.Context(), id, req.Name); err != nil {
		writeDomainError(w, err)
		return
	}
	s.recordAccess(r, audit.ActionCommand, id, "", map[string]any{"name": req.Name})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"device_id": id,
		"command":   req.Name,
		"status":    "sent",
	})
}

// handleStart tells the device to stream, or queues the request for its
// next connection when it is offline.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	queued, err := s.relay.RequestStart(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status, code := "sent", http.StatusOK
	if queued {
		status, code = "queued", http.StatusAccepted
	}
	s.recordAccess(r, audit.ActionCommand, id, "", map[string]any{"name": "start", "status": status})
	writeJSON(w, code, map[string]any{
		"device_id": id,
		"status":    status,
	})
}

func writeFrame(w http.ResponseWriter, payload []byte, at time.Time) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	w.Write(payload) //nolint:errcheck // Client may have gone away
}
