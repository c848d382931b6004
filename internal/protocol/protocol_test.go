package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeControl(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantErr  error
	}{
		{"hello", `{"type":"hello","device_id":"cam1","tokens":true}`, TypeHello, nil},
		{"pong", `{"type":"pong"}`, TypePong, nil},
		{"status", `{"type":"status","state":"streaming"}`, TypeStatus, nil},
		{"error", `{"type":"error","token":"abc","message":"busy"}`, TypeError, nil},
		{"hello without id", `{"type":"hello"}`, "", ErrMalformed},
		{"hello with long id", `{"type":"hello","device_id":"` + strings.Repeat("x", MaxDeviceIDLength+1) + `"}`, "", ErrMalformed},
		{"error without token", `{"type":"error","message":"x"}`, "", ErrMalformed},
		{"missing type", `{"device_id":"cam1"}`, "", ErrMalformed},
		{"unknown type", `{"type":"reboot"}`, "", ErrUnknownType},
		{"not json", `hello`, "", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := DecodeControl([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("DecodeControl() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeControl() error = %v", err)
			}
			if c.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", c.Type, tt.wantType)
			}
		})
	}
}

func TestEncodeCommand(t *testing.T) {
	data, err := EncodeCommand(NewCommand(CommandCapture, "tok-1"))
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "command" || got["name"] != "capture" || got["token"] != "tok-1" {
		t.Errorf("encoded = %s", data)
	}

	data, err = EncodeCommand(NewCommand(CommandStart, ""))
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	if bytes.Contains(data, []byte("token")) {
		t.Errorf("untokenized command should omit token: %s", data)
	}

	if _, err := EncodeCommand(Command{}); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty name error = %v, want ErrMalformed", err)
	}
}

func TestDecodeBinary(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}

	t.Run("media", func(t *testing.T) {
		b, err := DecodeBinary(EncodeMedia(jpeg))
		if err != nil {
			t.Fatalf("DecodeBinary() error = %v", err)
		}
		if b.Kind != BinaryMedia || !bytes.Equal(b.Payload, jpeg) {
			t.Errorf("got %+v", b)
		}
	})

	t.Run("tagged", func(t *testing.T) {
		data, err := EncodeTagged("tok-9", jpeg)
		if err != nil {
			t.Fatalf("EncodeTagged() error = %v", err)
		}
		b, err := DecodeBinary(data)
		if err != nil {
			t.Fatalf("DecodeBinary() error = %v", err)
		}
		if b.Kind != BinaryTagged || b.Token != "tok-9" || !bytes.Equal(b.Payload, jpeg) {
			t.Errorf("got %+v", b)
		}
	})

	t.Run("raw jpeg", func(t *testing.T) {
		b, err := DecodeBinary(jpeg)
		if err != nil {
			t.Fatalf("DecodeBinary() error = %v", err)
		}
		if b.Kind != BinaryRaw || !bytes.Equal(b.Payload, jpeg) {
			t.Errorf("got %+v", b)
		}
	})

	errCases := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrEmptyFrame},
		{"media kind only", []byte{KindMedia}, ErrEmptyFrame},
		{"tagged garbage", []byte{KindTagged, 0xC1}, ErrMalformed},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeBinary(tt.data); !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeBinary() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("tagged without token", func(t *testing.T) {
		data, err := EncodeTagged("", jpeg)
		if err != nil {
			t.Fatalf("EncodeTagged() error = %v", err)
		}
		if _, err := DecodeBinary(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeBinary() error = %v, want ErrMalformed", err)
		}
	})
}
