package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result classifies a check-in outcome. The set is closed: the server only
// ever returns one of the five concrete values; Pending exists purely on the
// client between enqueue and confirmation.
type Result string

const (
	ResultValid     Result = "valid"
	ResultDuplicate Result = "duplicate"
	ResultInvalid   Result = "invalid"
	ResultRevoked   Result = "revoked"
	ResultExpired   Result = "expired"
	ResultPending   Result = "pending"
)

// ParseResult maps a server-provided string onto the closed result set.
// Unknown values are rejected rather than stored, so a drifting server
// vocabulary surfaces as an error instead of silently polluting the cache.
func ParseResult(s string) (Result, error) {
	switch Result(s) {
	case ResultValid, ResultDuplicate, ResultInvalid, ResultRevoked, ResultExpired:
		return Result(s), nil
	case ResultPending:
		return "", fmt.Errorf("result %q is client-only, never valid from the server", s)
	}
	return "", fmt.Errorf("unknown result %q", s)
}

// Conflict reports whether an outcome should be surfaced to the operator as a
// cross-device duplicate. It is derived, never stored independently, so it
// cannot drift from the result it describes.
func (r Result) Conflict() bool { return r == ResultDuplicate }

// Final reports whether a result represents a server decision.
func (r Result) Final() bool { return r != ResultPending && r != "" }

// Status is the lifecycle of a locally queued scan. Transitions are
// pending→sent→confirmed, with sent→pending on transport failure; confirmed
// is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusConfirmed Status = "confirmed"
)

// ScanRequest is one decoded code handed to the submission path by the
// scanning UI. Empty optional fields inherit the agent's configured identity.
type ScanRequest struct {
	Code         string    `json:"code"`
	ScannedAt    time.Time `json:"scanned_at"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
}

// PendingScan is one physical scan captured by this device, queued for batch
// submission. Rows are an audit trail: they are confirmed, never deleted
// (old confirmed rows may be moved to the archive table).
type PendingScan struct {
	ID           int64     `json:"id"`
	ClientRef    string    `json:"client_ref"`
	Code         string    `json:"code"`
	ScannedAt    time.Time `json:"scanned_at"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	Status       Status    `json:"status"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CacheEntry is the latest known outcome for one scan, denormalized for
// display. Entries either mirror a local queued record (LocalRecordID set) or
// came purely from reconciliation (AttendanceID set, no local link).
type CacheEntry struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id,omitempty"`
	Code          string          `json:"code"`
	Result        Result          `json:"result"`
	Message       string          `json:"message"`
	Reason        string          `json:"reason,omitempty"`
	ScannedAt     time.Time       `json:"scanned_at"`
	Status        Status          `json:"status"`
	LocalRecordID int64           `json:"local_record_id,omitempty"`
	Offline       bool            `json:"offline"`
	Conflict      bool            `json:"conflict"`
	CheckpointID  string          `json:"checkpoint_id,omitempty"`
	DeviceID      string          `json:"device_id,omitempty"`
	AttendanceID  string          `json:"attendance_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Outcome is what the submission path hands back to the scanning UI. Exactly
// one is produced per accepted scan, immediately: either the server's
// authoritative answer or a synthetic pending one referencing the queued row.
type Outcome struct {
	Result        Result          `json:"result"`
	Message       string          `json:"message"`
	Reason        string          `json:"reason,omitempty"`
	Code          string          `json:"code"`
	Conflict      bool            `json:"conflict"`
	Offline       bool            `json:"offline"`
	LocalRecordID int64           `json:"local_record_id,omitempty"`
	AttendanceID  string          `json:"attendance_id,omitempty"`
	Ticket        json.RawMessage `json:"ticket,omitempty"`
}
