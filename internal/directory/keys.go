package directory

import "strings"

// Key prefixes used by camrelay.
const (
	DevicesPrefix = "devices/"
	OTPPrefix     = "otp/"
	RevokedPrefix = "sessions/revoked/"
	EpochPrefix   = "sessions/epoch/"
	separator     = "/"
	maxKeyLength  = 512
)

// DeviceKey returns the record key for a device.
func DeviceKey(deviceID string) string { return DevicesPrefix + deviceID }

// OTPKey returns the key of the pending OTP challenge for a device.
func OTPKey(deviceID string) string { return OTPPrefix + deviceID }

// RevokedKey returns the revocation record key for a session ID.
func RevokedKey(jti string) string { return RevokedPrefix + jti }

// EpochKey returns the key holding a device's session epoch.
func EpochKey(deviceID string) string { return EpochPrefix + deviceID }

func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLength {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, separator) {
		if seg == "" {
			return ErrInvalidKey
		}
	}
	return nil
}

// childOf returns the first path segment of key below prefix.
func childOf(prefix, key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" {
		return "", false
	}
	child, _, _ := strings.Cut(rest, separator)
	return child, child != ""
}
