package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action names an access event.
type Action string

// Recorded actions.
const (
	ActionRegister      Action = "register"
	ActionEmailChanged  Action = "email_changed"
	ActionCodeSent      Action = "code_sent"
	ActionCodeRejected  Action = "code_rejected"
	ActionSessionIssued Action = "session_issued"
	ActionLogout        Action = "logout"
	ActionCapture       Action = "capture"
	ActionCommand       Action = "command"
)

// ErrInvalidEntry is returned for entries without an action or device.
var ErrInvalidEntry = errors.New("audit: entry requires action and device_id")

// Entry is one access event.
type Entry struct {
	ID         string         `json:"id"`
	Action     Action         `json:"action"`
	DeviceID   string         `json:"device_id"`
	SessionID  string         `json:"session_id,omitempty"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which entries to return.
type Filter struct {
	DeviceID string // required
	Action   Action // optional
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Page size limits.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Recorder appends access events.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
}

// SQLiteRepository stores entries in the access_log table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository over db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (r *SQLiteRepository) SetClock(now func() time.Time) {
	r.now = now
}

// Record inserts e. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, e *Entry) error {
	if e.Action == "" || e.DeviceID == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = "acc-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	var details *string
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling access details: %w", err)
		}
		s := string(b)
		details = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_log (id, action, device_id, session_id, remote_addr, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), e.DeviceID,
		nullableString(e.SessionID), nullableString(e.RemoteAddr),
		details, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting access entry: %w", err)
	}
	return nil
}

// nullableString returns nil for empty strings so nullable TEXT columns
// stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries for one device, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.DeviceID == "" {
		return nil, ErrInvalidEntry
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	filter.Limit = min(filter.Limit, maxLimit)
	filter.Offset = max(filter.Offset, 0)

	conditions := []string{"device_id = ?"}
	args := []any{filter.DeviceID}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(filter.Action))
	}
	where := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	//nolint:gosec // WHERE built from parameterised conditions, not user input
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_log "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting access entries: %w", err)
	}

	//nolint:gosec // WHERE built from parameterised conditions, not user input
	query := "SELECT id, action, device_id, session_id, remote_addr, details, created_at FROM access_log " +
		where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying access entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                              Entry
			action                         string
			sessionID, remoteAddr, details sql.NullString
			createdAt                      int64
		)
		if err := rows.Scan(&e.ID, &action, &e.DeviceID, &sessionID, &remoteAddr, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning access entry: %w", err)
		}
		e.Action = Action(action)
		e.SessionID = sessionID.String
		e.RemoteAddr = remoteAddr.String
		if details.Valid && details.String != "" {
			var m map[string]any
			if json.Unmarshal([]byte(details.String), &m) == nil {
				e.Details = m
			}
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// DeleteBefore removes entries older than cutoff and returns how many went.
func (r *SQLiteRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM access_log WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning access entries: %w", err)
	}
	return res.RowsAffected()
}
