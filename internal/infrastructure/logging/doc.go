// Package logging builds the relay's structured logger on log/slog.
//
// Entries are JSON by default (text for local runs) and always carry
// service=camrelay and the build version. Attributes keyed code, otp,
// token, password, secret or cookie are replaced with [REDACTED], so a
// stray one-time code or session token never reaches the log.
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: json     # json, text
//	  output: stdout   # stdout, stderr
package logging
