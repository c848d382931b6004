package directory

import "errors"

// Domain errors for the directory package.
var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("directory: not found")

	// ErrInvalidKey is returned for empty keys or keys with empty path segments.
	ErrInvalidKey = errors.New("directory: invalid key")

	// ErrInvalidValue is returned when a value or patch is not a JSON object.
	ErrInvalidValue = errors.New("directory: invalid value")
)
