package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Control message types.
const (
	TypeHello   = "hello"
	TypePong    = "pong"
	TypeStatus  = "status"
	TypeError   = "error"
	TypeCommand = "command"
)

// Built-in command names. Any other non-empty name is forwarded verbatim.
const (
	CommandCapture = "capture"
	CommandStart   = "start"
	CommandStop    = "stop"
)

// Binary kind bytes.
const (
	KindMedia  byte = 0x01
	KindTagged byte = 0x02
)

// MaxDeviceIDLength bounds the self-asserted identity in a hello.
const MaxDeviceIDLength = 128

// Control is a JSON control message sent by a device.
type Control struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`
	Tokens   bool   `json:"tokens,omitempty"`
	Firmware string `json:"firmware,omitempty"`
	State    string `json:"state,omitempty"`
	Token    string `json:"token,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Command is a relay-to-device instruction.
type Command struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

// NewCommand builds a command message. token may be empty for commands that
// expect no tagged response.
func NewCommand(name, token string) Command {
	return Command{Type: TypeCommand, Name: name, Token: token}
}

// EncodeCommand marshals a command for a text message.
func EncodeCommand(c Command) ([]byte, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("%w: command name is empty", ErrMalformed)
	}
	c.Type = TypeCommand
	return json.Marshal(c)
}

// DecodeControl parses a text message from a device.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch c.Type {
	case TypeHello:
		if c.DeviceID == "" || len(c.DeviceID) > MaxDeviceIDLength {
			return Control{}, fmt.Errorf("%w: hello without valid device_id", ErrMalformed)
		}
	case TypeError:
		if c.Token == "" {
			return Control{}, fmt.Errorf("%w: error without token", ErrMalformed)
		}
	case TypePong, TypeStatus:
	case "":
		return Control{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Control{}, fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	return c, nil
}

// BinaryKind classifies a decoded binary message.
type BinaryKind int

const (
	// BinaryMedia is a media unit with an explicit kind byte.
	BinaryMedia BinaryKind = iota
	// BinaryTagged is a capture response carrying a correlation token.
	BinaryTagged
	// BinaryRaw is a bare media unit from a device without kind bytes.
	BinaryRaw
)

// Binary is a decoded binary message.
type Binary struct {
	Kind    BinaryKind
	Token   string
	Payload []byte
}

// taggedEnvelope is the msgpack body of a KindTagged message.
type taggedEnvelope struct {
	Token   string `msgpack:"t"`
	Payload []byte `msgpack:"p"`
}

// DecodeBinary parses a binary message from a device.
func DecodeBinary(data []byte) (Binary, error) {
	if len(data) == 0 {
		return Binary{}, ErrEmptyFrame
	}
	switch data[0] {
	case KindMedia:
		if len(data) == 1 {
			return Binary{}, ErrEmptyFrame
		}
		return Binary{Kind: BinaryMedia, Payload: data[1:]}, nil
	case KindTagged:
		var env taggedEnvelope
		if err := msgpack.Unmarshal(data[1:], &env); err != nil {
			return Binary{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if env.Token == "" {
			return Binary{}, fmt.Errorf("%w: tagged response without token", ErrMalformed)
		}
		return Binary{Kind: BinaryTagged, Token: env.Token, Payload: env.Payload}, nil
	default:
		return Binary{Kind: BinaryRaw, Payload: data}, nil
	}
}

// EncodeMedia frames a media payload with the media kind byte.
func EncodeMedia(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, KindMedia)
	return append(out, payload...)
}

// EncodeTagged frames a capture response. Devices and simulators use this;
// the relay only decodes.
func EncodeTagged(token string, payload []byte) ([]byte, error) {
	body, err := msgpack.Marshal(taggedEnvelope{Token: token, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding tagged response: %w", err)
	}
	return append([]byte{KindTagged}, body...), nil
}
