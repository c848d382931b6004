package device

import (
	"encoding/json"
	"time"
)

// Record is the directory entry for one device.
type Record struct {
	ID           string     `json:"device_id"`
	Email        string     `json:"email,omitempty"`
	Verified     bool       `json:"verified"`
	PendingStart bool       `json:"pending_start"`
	Online       bool       `json:"online"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	Firmware     string     `json:"firmware,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
}

// DeepCopy returns a copy that shares no pointers with r.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastSeen != nil {
		t := *r.LastSeen
		out.LastSeen = &t
	}
	if r.RegisteredAt != nil {
		t := *r.RegisteredAt
		out.RegisteredAt = &t
	}
	return &out
}

func decodeRecord(raw json.RawMessage) (Record, error) {
	var rec Record
	err := json.Unmarshal(raw, &rec)
	return rec, err
}
