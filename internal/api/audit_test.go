package api

import (
	"net/http"
	"testing"

	"github.com/nerrad567/camrelay/internal/audit"
)

func TestAccessLogRecordsLoginFlow(t *testing.T) {
	env := newTestEnv(t)

	env.do(t, http.MethodPost, "/api/v1/auth/register", "", registerRequest{DeviceID: "cam-1", Email: "owner@example.com"})
	env.do(t, http.MethodPost, "/api/v1/auth/otp/request", "", deviceRequest{DeviceID: "cam-1"})
	code := env.notifier.lastCode(t)
	resp := env.do(t, http.MethodPost, "/api/v1/auth/otp/verify", "", verifyRequest{DeviceID: "cam-1", Code: code})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	sess := decodeBody[sessionResponse](t, resp)

	resp = env.do(t, http.MethodGet, "/api/v1/devices/cam-1/access", sess.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("access status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	result := decodeBody[audit.ListResult](t, resp)

	want := []audit.Action{audit.ActionSessionIssued, audit.ActionCodeSent, audit.ActionRegister}
	if result.Total != len(want) {
		t.Fatalf("total = %d, want %d (%+v)", result.Total, len(want), result.Entries)
	}
	got := map[audit.Action]audit.Entry{}
	for _, e := range result.Entries {
		got[e.Action] = e
		if e.Details != nil {
			for _, v := range e.Details {
				if v == code {
					t.Errorf("%s entry leaks the code", e.Action)
				}
			}
		}
	}
	for _, a := range want {
		if _, ok := got[a]; !ok {
			t.Errorf("missing %s entry", a)
		}
	}
	if issued := got[audit.ActionSessionIssued]; issued.SessionID != sess.Session.ID {
		t.Errorf("session_id = %q, want %q", issued.SessionID, sess.Session.ID)
	}
}

func TestAccessLogRecordsCommands(t *testing.T) {
	env := newTestEnv(t)
	env.connectDevice(t, "cam-1", true)
	token := env.session(t, "cam-1")

	resp := env.do(t, http.MethodPost, "/api/v1/devices/cam-1/commands", token, commandRequest{Name: "flip"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	// Failed commands are not recorded.
	env.do(t, http.MethodPost, "/api/v1/devices/cam-1/commands", token, commandRequest{})

	resp = env.do(t, http.MethodGet, "/api/v1/devices/cam-1/access?action=command", token, nil)
	result := decodeBody[audit.ListResult](t, resp)
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	if e := result.Entries[0]; e.Details["name"] != "flip" || e.SessionID == "" {
		t.Errorf("entry = %+v", e)
	}
}

func TestAccessLogQueryValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.session(t, "cam-1")

	for _, q := range []string{"?limit=abc", "?offset=-1"} {
		resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/access"+q, token, nil)
		expectError(t, resp, http.StatusBadRequest, ErrCodeBadRequest)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-2/access", token, nil)
	expectError(t, resp, http.StatusForbidden, ErrCodeForbidden)
}

func TestAccessLogDisabled(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Audit = nil })
	resp := env.do(t, http.MethodGet, "/api/v1/devices/cam-1/access", env.session(t, "cam-1"), nil)
	expectError(t, resp, http.StatusServiceUnavailable, ErrCodeUnavailable)
}
