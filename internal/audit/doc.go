// Package audit keeps a per-device trail of viewer access events.
//
// Every step of the login flow, every issued or revoked session and every
// command sent on a viewer's behalf is appended to the access_log table.
// Entries are listed newest first and pruned after a retention period.
// The one-time codes themselves are never recorded.
package audit
