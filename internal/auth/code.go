package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// CodeDigits is the length of a one-time code.
const CodeDigits = 6

// errMalformedHash is returned for stored hashes that are not argon2id PHC
// strings this package wrote.
var errMalformedHash = errors.New("auth: malformed code hash")

var codeSpace = big.NewInt(1_000_000)

// GenerateCode returns a uniformly random zero-padded six digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeDigits, n.Int64()), nil
}

// codeHash is an argon2id digest and the parameters that produced it.
type codeHash struct {
	memory  uint32 // KiB
	passes  uint32
	threads uint8
	salt    []byte
	key     []byte
}

// defaultCodeHash is 64 MiB, three passes and one lane.
var defaultCodeHash = codeHash{memory: 64 * 1024, passes: 3, threads: 1}

const (
	codeSaltLen = 16
	codeKeyLen  = 32
)

func (h codeHash) derive(code string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(code), h.salt, h.passes, h.memory, h.threads, keyLen)
}

// String renders h in PHC form: $argon2id$v=19$m=65536,t=3,p=1$<salt>$<key>
func (h codeHash) String() string {
	b64 := base64.RawStdEncoding
	return "$argon2id$v=" + strconv.Itoa(argon2.Version) +
		"$m=" + strconv.FormatUint(uint64(h.memory), 10) +
		",t=" + strconv.FormatUint(uint64(h.passes), 10) +
		",p=" + strconv.FormatUint(uint64(h.threads), 10) +
		"$" + b64.EncodeToString(h.salt) +
		"$" + b64.EncodeToString(h.key)
}

func parseCodeHash(s string) (codeHash, error) {
	var h codeHash
	fields := strings.Split(strings.TrimPrefix(s, "$"), "$")
	if len(fields) != 5 || fields[0] != "argon2id" {
		return h, errMalformedHash
	}
	if fields[1] != "v="+strconv.Itoa(argon2.Version) {
		return h, fmt.Errorf("%w: version %q", errMalformedHash, fields[1])
	}

	for _, kv := range strings.Split(fields[2], ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return h, fmt.Errorf("%w: parameter %q", errMalformedHash, kv)
		}
		bits := 32
		if key == "p" {
			bits = 8
		}
		n, err := strconv.ParseUint(val, 10, bits)
		if err != nil {
			return h, fmt.Errorf("%w: parameter %q: %w", errMalformedHash, kv, err)
		}
		switch key {
		case "m":
			h.memory = uint32(n)
		case "t":
			h.passes = uint32(n)
		case "p":
			h.threads = uint8(n)
		default:
			return h, fmt.Errorf("%w: unknown parameter %q", errMalformedHash, key)
		}
	}
	if h.memory == 0 || h.passes == 0 || h.threads == 0 {
		return h, fmt.Errorf("%w: missing parameters", errMalformedHash)
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[3]); err != nil {
		return h, fmt.Errorf("%w: salt: %w", errMalformedHash, err)
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return h, fmt.Errorf("%w: key: %w", errMalformedHash, err)
	}
	if len(h.key) == 0 {
		return h, fmt.Errorf("%w: empty key", errMalformedHash)
	}
	return h, nil
}

// HashCode hashes a one-time code with argon2id and returns the PHC string.
// Only the hash is ever persisted.
func HashCode(code string) (string, error) {
	h := defaultCodeHash
	h.salt = make([]byte, codeSaltLen)
	if _, err := rand.Read(h.salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	h.key = h.derive(code, codeKeyLen)
	return h.String(), nil
}

// VerifyCode reports whether code matches a hash produced by HashCode.
func VerifyCode(code, encoded string) (bool, error) {
	h, err := parseCodeHash(encoded)
	if err != nil {
		return false, err
	}
	candidate := h.derive(code, uint32(len(h.key))) //nolint:gosec // G115: key length fits uint32
	return subtle.ConstantTimeCompare(h.key, candidate) == 1, nil
}
