package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/camrelay/internal/protocol"
)

// answerCaptures replies to every capture command with payload, tagged with
// the command's token.
func answerCaptures(t *testing.T, conn *websocket.Conn, payload []byte) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			var cmd protocol.Command
			if err := json.Unmarshal(data, &cmd); err != nil || cmd.Name != protocol.CommandCapture {
				continue
			}
			reply, err := protocol.EncodeTagged(cmd.Token, payload)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		}
	}()
	return done
}

func TestDeviceSocketCapture(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectDevice(t, "cam-1", true)
	answerCaptures(t, conn, testJPEG)
	token := env.session(t, "cam-1")

	resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/capture", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, testJPEG) {
		t.Errorf("body = %x, want %x", body, testJPEG)
	}

	// The capture response is cached as the latest frame.
	resp = env.do(t, http.MethodGet, "/api/v1/devices/cam-1/latest", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("latest status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get("X-Frame-Age-Ms") == "" {
		t.Error("missing X-Frame-Age-Ms header")
	}
}

func TestCaptureOfflineDevice(t *testing.T) {
	env := newTestEnv(t)
	token := env.session(t, "cam-1")

	start := time.Now()
	resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/capture", token, nil)
	expectError(t, resp, http.StatusNotFound, ErrCodeDeviceOffline)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("offline capture took %v, want immediate failure", elapsed)
	}
}

func TestCaptureTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.connectDevice(t, "cam-1", true) // never answers
	token := env.session(t, "cam-1")

	resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/capture?timeout_ms=50", token, nil)
	expectError(t, resp, http.StatusGatewayTimeout, ErrCodeTimeout)
}

func TestCaptureRejectsBadTimeout(t *testing.T) {
	env := newTestEnv(t)
	token := env.session(t, "cam-1")

	for _, q := range []string{"abc", "0", "-5"} {
		resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/capture?timeout_ms="+q, token, nil)
		expectError(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
	}
}

func TestCaptureDeviceError(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectDevice(t, "cam-1", true)
	token := env.session(t, "cam-1")

	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd protocol.Command
		if json.Unmarshal(data, &cmd) != nil {
			return
		}
		msg, _ := json.Marshal(protocol.Control{Type: protocol.TypeError, Token: cmd.Token, Message: "sensor busy"}) //nolint:errcheck // Static struct
		conn.WriteMessage(websocket.TextMessage, msg)                                                                //nolint:errcheck // Test device
	}()

	resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/capture", token, nil)
	expectError(t, resp, http.StatusBadGateway, ErrCodeTransportFailure)
}

func TestLatestWithoutFrame(t *testing.T) {
	env := newTestEnv(t)
	token := env.session(t, "cam-1")

	resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/latest", token, nil)
	expectError(t, resp, http.StatusNotFound, ErrCodeNoFrame)
}

func TestHelloRequired(t *testing.T) {
	tests := []struct {
		name string
		mt   int
		data []byte
	}{
		{"binary first", websocket.BinaryMessage, protocol.EncodeMedia(testJPEG)},
		{"wrong type", websocket.TextMessage, []byte(`{"type":"status","state":"idle"}`)},
		{"invalid id", websocket.TextMessage, []byte(`{"type":"hello","device_id":"../etc"}`)},
		{"not json", websocket.TextMessage, []byte(`hello`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), env.wsURL("/ws/device"), nil)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			defer conn.Close() //nolint:errcheck // Test cleanup

			if err := conn.WriteMessage(tt.mt, tt.data); err != nil {
				t.Fatalf("write: %v", err)
			}
			conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
			_, _, err = conn.ReadMessage()
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("read error = %v, want policy violation close", err)
			}
			if got := env.relay.ListOnlineDevices(); len(got) != 0 {
				t.Errorf("online = %v, want none", got)
			}
		})
	}
}

func TestDeviceDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectDevice(t, "cam-1", true)

	//nolint:errcheck // Test device
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	conn.Close() //nolint:errcheck // Test device

	waitFor(t, "device to go offline", func() bool { return !env.relay.IsOnline("cam-1") })
}

func TestReconnectReplacesConnection(t *testing.T) {
	env := newTestEnv(t)
	first := env.connectDevice(t, "cam-1", true)
	second := env.connectDevice(t, "cam-1", true)
	answerCaptures(t, second, testJPEG)

	// The relay closes the replaced socket.
	first.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	token := env.session(t, "cam-1")
	resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/capture", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture over new connection status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := env.relay.ListOnlineDevices(); len(got) != 1 {
		t.Errorf("online = %v, want one connection", got)
	}
}

func TestMalformedBinaryIsDropped(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectDevice(t, "cam-1", true)

	// A tagged message with a broken envelope is dropped; the connection
	// stays up and later frames still arrive.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{protocol.KindTagged, 0xC1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeMedia(testJPEG)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "frame after malformed message", func() bool {
		_, ok := env.relay.LatestFrame("cam-1")
		return ok
	})
	if !env.relay.IsOnline("cam-1") {
		t.Error("device went offline after malformed message")
	}
}

func TestMJPEGStream(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectDevice(t, "cam-1", false)
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeMedia(testJPEG)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitFor(t, "cached frame", func() bool {
		_, ok := env.relay.LatestFrame("cam-1")
		return ok
	})

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/api/v1/devices/cam-1/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+env.session(t, "cam-1"))
	resp, err := env.http.Client().Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("ParseMediaType() error = %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("media type = %q", mediaType)
	}

	// Parts are read by Content-Length: a multipart.Reader would hold each
	// part until the next boundary arrives.
	br := bufio.NewReader(resp.Body)
	tp := textproto.NewReader(br)
	delimiter := "--" + params["boundary"]
	readPart := func() []byte {
		t.Helper()
		for {
			line, err := tp.ReadLine()
			if err != nil {
				t.Fatalf("ReadLine() error = %v", err)
			}
			if line == delimiter {
				break
			}
		}
		hdr, err := tp.ReadMIMEHeader()
		if err != nil {
			t.Fatalf("ReadMIMEHeader() error = %v", err)
		}
		if ct := hdr.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part Content-Type = %q", ct)
		}
		n, err := strconv.Atoi(hdr.Get("Content-Length"))
		if err != nil {
			t.Fatalf("part Content-Length = %q", hdr.Get("Content-Length"))
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(br, data); err != nil {
			t.Fatalf("read part: %v", err)
		}
		return data
	}

	// The cached frame is replayed first.
	if got := readPart(); !bytes.Equal(got, testJPEG) {
		t.Errorf("first part = %x, want %x", got, testJPEG)
	}

	next := []byte{0xFF, 0xD8, 'n', 'e', 'x', 't', 0xFF, 0xD9}
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeMedia(next)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if got := readPart(); !bytes.Equal(got, next) {
		t.Errorf("second part = %x, want %x", got, next)
	}

	cancel()
	waitFor(t, "viewer removal", func() bool { return env.relay.Stats().Viewers == 0 })
}

func TestViewerSocket(t *testing.T) {
	env := newTestEnv(t)
	device := env.connectDevice(t, "cam-1", false)
	if err := device.WriteMessage(websocket.BinaryMessage, protocol.EncodeMedia(testJPEG)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	waitFor(t, "cached frame", func() bool {
		_, ok := env.relay.LatestFrame("cam-1")
		return ok
	})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.session(t, "cam-1"))
	viewer, resp, err := websocket.DefaultDialer.DialContext(t.Context(), env.wsURL("/api/v1/devices/cam-1/ws"), header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()    //nolint:errcheck // Upgrade response has no body
	defer viewer.Close() //nolint:errcheck // Test cleanup

	viewer.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	mt, data, err := viewer.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(data, testJPEG) {
		t.Errorf("got type %d %x, want binary %x", mt, data, testJPEG)
	}

	next := []byte{0xFF, 0xD8, 'l', 'i', 'v', 'e', 0xFF, 0xD9}
	if err := device.WriteMessage(websocket.BinaryMessage, protocol.EncodeMedia(next)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	_, data, err = viewer.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !bytes.Equal(data, next) {
		t.Errorf("second frame = %x, want %x", data, next)
	}

	if got := env.relay.Stats().Viewers; got != 1 {
		t.Errorf("viewers = %d, want 1", got)
	}
	viewer.Close() //nolint:errcheck // Viewer leaves
	waitFor(t, "viewer removal", func() bool { return env.relay.Stats().Viewers == 0 })
}

func TestViewerSocketRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), env.wsURL("/api/v1/devices/cam-1/ws"), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial() error = %v, want bad handshake", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestViewerSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"https://viewer.example.com"}
	})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.session(t, "cam-1"))
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), env.wsURL("/api/v1/devices/cam-1/ws"), header)
	if err == nil {
		t.Fatal("Dial() succeeded from a foreign origin")
	}
	if resp == nil {
		t.Fatalf("Dial() error = %v, want HTTP rejection", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Test cleanup
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Errorf("error = %v, want bad handshake", err)
	}
}
