// Package directory implements the key-value directory that holds device
// records, OTP challenges and session revocations.
//
// Keys are slash-separated paths ("devices/cam1", "sessions/revoked/<jti>").
// Values are JSON objects. Update applies a JSON merge so callers can change
// one field of a record without a read-modify-write race.
//
// Entries may carry an expiry. Expired entries are invisible to reads and
// are physically removed by DeleteExpired, which the prune loop calls.
//
// WatchChildren streams the immediate child names under a prefix: first
// every existing child, then each child created afterwards. Deletions are
// not reported.
package directory
