package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/camrelay/internal/device"
	"github.com/nerrad567/camrelay/internal/protocol"
	"github.com/nerrad567/camrelay/internal/relay"
)

// WebSocket constants.
const (
	// helloTimeout bounds how long a device may take to identify itself.
	helloTimeout = 10 * time.Second

	// deviceWriteWait bounds a single write to a device when the caller's
	// context carries no deadline.
	deviceWriteWait = 10 * time.Second

	// closeGracePeriod bounds the close handshake write.
	closeGracePeriod = time.Second
)

// errHelloRequired is returned when the first device message is not a hello.
var errHelloRequired = errors.New("first message must be a hello")

// newUpgrader returns an upgrader. Devices are not browsers, so only viewer
// sockets check the Origin header against the CORS allow list.
func (s *Server) newUpgrader(checkOrigin bool) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(_ *http.Request) bool {
			return true
		},
	}
	if checkOrigin {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		}
	}
	return u
}

// deviceTransport carries relay commands over a device's WebSocket.
type deviceTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newDeviceTransport(conn *websocket.Conn) *deviceTransport {
	return &deviceTransport{conn: conn}
}

// Send writes cmd as a text message.
func (t *deviceTransport) Send(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	t.conn.SetWriteDeadline(writeDeadline(ctx))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping. The pong handler acknowledges it.
func (t *deviceTransport) Ping(ctx context.Context) error {
	return t.conn.WriteControl(websocket.PingMessage, nil, writeDeadline(ctx))
}

// Close sends a close frame and closes the socket. Safe to call repeatedly.
func (t *deviceTransport) Close() error {
	t.closeOnce.Do(func() {
		//nolint:errcheck // Best-effort close message
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(deviceWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// handleDeviceSocket accepts a device connection. The device names itself
// in a hello message; after registration every inbound message is routed
// into the relay until the socket closes.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.newUpgrader(false).Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("device websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	if s.wsCfg.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.wsCfg.MaxMessageSize))
	}

	hello, err := readHello(conn)
	if err != nil {
		s.logger.Info("device handshake rejected", "error", err, "remote_addr", r.RemoteAddr)
		closeWithReason(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	transport := newDeviceTransport(conn)
	c, err := s.relay.ConnectDevice(r.Context(), hello.DeviceID, transport, relay.DeviceInfo{
		Tokens:   hello.Tokens,
		Firmware: hello.Firmware,
	})
	if err != nil {
		s.logger.Warn("device registration failed", "device_id", hello.DeviceID, "error", err)
		closeWithReason(conn, websocket.CloseTryAgainLater, "relay unavailable")
		return
	}

	s.readDevice(c, conn)
}

// readHello reads and validates the first message of a device connection.
func readHello(conn *websocket.Conn) (protocol.Control, error) {
	//nolint:errcheck // Best-effort deadline; read error caught below
	conn.SetReadDeadline(time.Now().Add(helloTimeout))

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Control{}, fmt.Errorf("reading hello: %w", err)
	}
	if mt != websocket.TextMessage {
		return protocol.Control{}, errHelloRequired
	}

	msg, err := protocol.DecodeControl(data)
	if err != nil {
		return protocol.Control{}, err
	}
	if msg.Type != protocol.TypeHello {
		return protocol.Control{}, errHelloRequired
	}
	if err := device.ValidateID(msg.DeviceID); err != nil {
		return protocol.Control{}, err
	}
	return msg, nil
}

// readDevice is the read pump of a registered device. It returns when the
// socket fails, which also covers the relay closing the transport.
func (s *Server) readDevice(c *relay.Conn, conn *websocket.Conn) {
	readWait := 2*s.relay.Options().HeartbeatInterval + time.Duration(s.wsCfg.PongTimeout)*time.Second
	//nolint:errcheck // Best-effort deadline; read error caught below
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		s.relay.Ack(c)
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			reason := "read error"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "closed by device"
			} else {
				s.logger.Debug("device read failed", "device_id", c.DeviceID, "error", err)
			}
			s.relay.DisconnectDevice(c, reason)
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		conn.SetReadDeadline(time.Now().Add(readWait))

		switch mt {
		case websocket.TextMessage:
			s.handleDeviceControl(c, data)
		case websocket.BinaryMessage:
			s.handleDeviceBinary(c, data)
		}
	}
}

func (s *Server) handleDeviceControl(c *relay.Conn, data []byte) {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		s.relay.ReportDropped(c.DeviceID, err)
		return
	}

	switch msg.Type {
	case protocol.TypePong:
		s.relay.Ack(c)
	case protocol.TypeStatus:
		s.logger.Debug("device status", "device_id", c.DeviceID, "state", msg.State)
	case protocol.TypeError:
		if !s.relay.HandleCommandError(c.DeviceID, msg.Token, msg.Message) {
			s.logger.Debug("device error for unknown command",
				"device_id", c.DeviceID, "correlation_token", msg.Token, "message", msg.Message)
		}
	case protocol.TypeHello:
		s.relay.ReportDropped(c.DeviceID, fmt.Errorf("%w: repeated hello", protocol.ErrMalformed))
	}
}

func (s *Server) handleDeviceBinary(c *relay.Conn, data []byte) {
	msg, err := protocol.DecodeBinary(data)
	if err != nil {
		s.relay.ReportDropped(c.DeviceID, err)
		return
	}

	switch msg.Kind {
	case protocol.BinaryTagged:
		if !s.relay.HandleResponse(c.DeviceID, msg.Token, msg.Payload) {
			s.logger.Debug("late or unknown capture response", "device_id", c.DeviceID, "correlation_token", msg.Token)
		}
	default:
		s.relay.PushMedia(c.DeviceID, msg.Payload)
	}
}

// closeWithReason sends a close frame and closes the socket.
func closeWithReason(conn *websocket.Conn, code int, reason string) {
	//nolint:errcheck // Best-effort close message
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, truncateReason(reason)),
		time.Now().Add(closeGracePeriod))
	conn.Close() //nolint:errcheck // Connection is discarded
}

// truncateReason keeps a close reason within the 123 bytes a close frame
// allows.
func truncateReason(reason string) string {
	const maxReason = 123
	if len(reason) > maxReason {
		return reason[:maxReason]
	}
	return reason
}
