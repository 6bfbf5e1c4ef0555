// Package callrecord keeps the local call history in SQLite.
package callrecord

import "time"

// Disposition is how a call ended.
type Disposition string

const (
	DispositionAnswered  Disposition = "answered"
	DispositionMissed    Disposition = "missed"
	DispositionRejected  Disposition = "rejected"
	DispositionFailed    Disposition = "failed"
	DispositionCancelled Disposition = "cancelled"
)

// Record is one entry in the call history.
type Record struct {
	ID           string        `json:"id"`
	ConnectionID string        `json:"connection_id"`
	Incoming     bool          `json:"incoming"`
	Missed       bool          `json:"missed"`
	Number       string        `json:"number"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
	ErrorCode    int           `json:"error_code"`
	Disposition  Disposition   `json:"disposition"`
}

// Filter selects a page of history.
type Filter struct {
	MissedOnly bool
	Incoming   *bool
	Limit      int
	Offset     int
}
