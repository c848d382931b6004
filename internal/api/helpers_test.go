package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/camrelay/internal/audit"
	"github.com/nerrad567/camrelay/internal/auth"
	"github.com/nerrad567/camrelay/internal/device"
	"github.com/nerrad567/camrelay/internal/directory"
	"github.com/nerrad567/camrelay/internal/infrastructure/config"
	"github.com/nerrad567/camrelay/internal/infrastructure/database"
	"github.com/nerrad567/camrelay/internal/infrastructure/logging"
	"github.com/nerrad567/camrelay/internal/protocol"
	"github.com/nerrad567/camrelay/internal/relay"
	_ "github.com/nerrad567/camrelay/migrations"
)

const testSecret = "api-test-secret-0123456789abcdefghijklmnop"

// testJPEG is not a decodable image; the relay never inspects payloads.
var testJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 'c', 'a', 'm', 0xFF, 0xD9}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// fakeNotifier records sent messages instead of delivering them.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

type sentMessage struct {
	recipient, subject, body string
}

func (n *fakeNotifier) Send(_ context.Context, recipient, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentMessage{recipient, subject, body})
	return nil
}

// lastCode extracts the code from the most recent message.
func (n *fakeNotifier) lastCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatal("no message was sent")
	}
	code := codePattern.FindString(n.sent[len(n.sent)-1].body)
	if code == "" {
		t.Fatalf("no code in body %q", n.sent[len(n.sent)-1].body)
	}
	return code
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	relay    *relay.Relay
	devices  *device.Store
	catalog  *device.Catalog
	gate     *auth.Gate
	notifier *fakeNotifier
	access   *audit.SQLiteRepository
}

// newTestEnv builds a server over an in-memory directory and a real relay.
// The relay supervisor is not started, so heartbeats never evict test
// devices.
func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()

	db, err := database.Open(t.Context(), database.Config{Path: ":memory:", BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	dir := directory.NewStore(db)

	devices := device.NewStore(dir)
	catalog := device.NewCatalog(dir)
	ctx, cancel := context.WithCancel(context.Background())
	if err := catalog.Start(ctx); err != nil {
		t.Fatalf("catalog.Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		catalog.Stop()
	})

	r := relay.New(relay.Options{
		HeartbeatInterval: time.Minute,
		CaptureTimeout:    2 * time.Second,
		StaleFrameAfter:   time.Minute,
	})
	r.SetStartQueue(devices)
	t.Cleanup(r.Close)

	gate := auth.NewGate(auth.NewTokenService(testSecret), auth.NewRevocations(dir), time.Hour)
	notifier := &fakeNotifier{}
	access := audit.NewSQLiteRepository(db.DB)

	deps := Deps{
		Config: config.APIConfig{Host: "127.0.0.1"},
		WS: config.WebSocketConfig{
			DevicePath:     "/ws/device",
			MaxMessageSize: 1 << 20,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{
			OTP:         config.OTPConfig{MaxAttempts: 3},
			ForceReauth: true,
		},
		Logger:     logging.Discard(),
		Relay:      r,
		Devices:    devices,
		Catalog:    catalog,
		Gate:       gate,
		Challenges: auth.NewChallenges(dir, 5*time.Minute, 3),
		Notifier:   notifier,
		DB:         db,
		Audit:      access,
		Version:    "test",
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:   srv,
		http:     ts,
		relay:    r,
		devices:  devices,
		catalog:  catalog,
		gate:     gate,
		notifier: notifier,
		access:   access,
	}
}

// do sends a request with an optional JSON body and bearer token.
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.http.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck // Test cleanup
	return resp
}

// session issues a token for deviceID directly from the gate.
func (e *testEnv) session(t *testing.T, deviceID string) string {
	t.Helper()
	token, _, err := e.gate.Issue(t.Context(), deviceID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

// wsURL converts the test server URL to a WebSocket URL for path.
func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + path
}

// connectDevice dials the device socket, sends a hello and waits for the
// relay to register it.
func (e *testEnv) connectDevice(t *testing.T, id string, tokens bool) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), e.wsURL("/ws/device"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()                  //nolint:errcheck // Upgrade response has no body
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // Test cleanup

	hello, err := json.Marshal(protocol.Control{Type: protocol.TypeHello, DeviceID: id, Tokens: tokens, Firmware: "1.0.0"})
	if err != nil {
		t.Fatalf("marshal hello: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	waitFor(t, "device registration", func() bool { return e.relay.IsOnline(id) })
	return conn
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	body := decodeBody[Error](t, resp)
	if body.Code != code {
		t.Errorf("code = %q, want %q", body.Code, code)
	}
}
