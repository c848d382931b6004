// Package auth implements the session gate in front of camrelay's viewer
// endpoints.
//
// It provides:
//   - HS256 JWT session tokens (sign, verify, unverified decode)
//   - One-time email codes hashed at rest with Argon2id
//   - Revocation records kept in the directory until the token would expire
//   - Gate, which validates a credential fresh on every call and checks that
//     the session belongs to the device being accessed
//
// Nothing is cached between calls: a revoked session is rejected on the
// next request.
package auth
