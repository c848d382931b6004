package api

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/camrelay/internal/relay"
)

// viewerReadLimit bounds inbound viewer messages; viewers only send control
// frames.
const viewerReadLimit = 512

// mjpegSink writes frames as parts of a multipart/x-mixed-replace response.
type mjpegSink struct {
	mw *multipart.Writer
	rc *http.ResponseController

	closeOnce sync.Once
	closed    chan struct{}
}

func newMJPEGSink(w http.ResponseWriter) *mjpegSink {
	return &mjpegSink{
		mw:     multipart.NewWriter(w),
		rc:     http.NewResponseController(w),
		closed: make(chan struct{}),
	}
}

func (s *mjpegSink) Write(ctx context.Context, payload []byte) error {
	if d, ok := ctx.Deadline(); ok {
		s.rc.SetWriteDeadline(d) //nolint:errcheck // Not every writer supports deadlines
	}
	part, err := s.mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":   {"image/jpeg"},
		"Content-Length": {strconv.Itoa(len(payload))},
	})
	if err != nil {
		return err
	}
	if _, err := part.Write(payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Close marks the sink finished. The handler owns the response.
func (s *mjpegSink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// handleMJPEGStream streams a device's frames as MJPEG until the viewer
// goes away or the relay drops the subscription.
func (s *Server) handleMJPEGStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{}) //nolint:errcheck // Streams outlive the server write timeout

	sink := newMJPEGSink(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+sink.mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	rc.Flush() //nolint:errcheck // Write errors surface on the first frame

	// Headers go out before subscribing: the pump may write the cached frame
	// immediately.
	sub, err := s.relay.SubscribeViewer(id, sink)
	if err != nil {
		s.logger.Warn("viewer subscription failed", "device_id", id, "error", err)
		return
	}
	s.logger.Debug("mjpeg viewer joined", "device_id", id)

	select {
	case <-sub.Done():
	case <-r.Context().Done():
	}
	s.relay.Unsubscribe(sub)
	<-sink.closed

	s.logger.Debug("mjpeg viewer left", "device_id", id, "reason", sub.Err())
}

// wsSink writes frames as binary WebSocket messages.
type wsSink struct {
	conn *websocket.Conn
	mu   sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn, closed: make(chan struct{})}
}

func (s *wsSink) Write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	s.conn.SetWriteDeadline(writeDeadline(ctx))
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// Close marks the sink finished. The handler closes the socket.
func (s *wsSink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// handleViewerSocket streams a device's frames over a WebSocket, one
// binary message per frame.
func (s *Server) handleViewerSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := s.newUpgrader(true).Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("viewer websocket upgrade failed", "device_id", id, "error", err)
		return
	}

	sink := newWSSink(conn)
	sub, err := s.relay.SubscribeViewer(id, sink)
	if err != nil {
		s.logger.Warn("viewer subscription failed", "device_id", id, "error", err)
		closeWithReason(conn, websocket.CloseTryAgainLater, "relay unavailable")
		return
	}
	s.logger.Debug("websocket viewer joined", "device_id", id)

	pingInterval := time.Duration(s.wsCfg.PingInterval) * time.Second
	pongWait := time.Duration(s.wsCfg.PongTimeout) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if pongWait <= 0 {
		pongWait = 10 * time.Second
	}

	readDone := make(chan struct{})
	go viewerReadPump(conn, pingInterval+pongWait, readDone)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-sub.Done():
			break loop
		case <-readDone:
			break loop
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait)); err != nil {
				break loop
			}
		}
	}

	s.relay.Unsubscribe(sub)
	<-sink.closed

	code, reason := websocket.CloseNormalClosure, ""
	switch err := sub.Err(); {
	case errors.Is(err, relay.ErrSlowSubscriber):
		code, reason = websocket.CloseTryAgainLater, "viewer too slow"
	case errors.Is(err, relay.ErrRelayClosed):
		code, reason = websocket.CloseGoingAway, "relay shutting down"
	}
	closeWithReason(conn, code, reason)
	<-readDone

	s.logger.Debug("websocket viewer left", "device_id", id, "reason", sub.Err())
}

// viewerReadPump discards viewer messages and processes control frames
// until the socket fails. It closes done on return.
func viewerReadPump(conn *websocket.Conn, readWait time.Duration, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(viewerReadLimit)
	//nolint:errcheck // Best-effort deadline on connection setup
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		conn.SetReadDeadline(time.Now().Add(readWait))
	}
}
