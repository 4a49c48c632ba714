package model

// Batch is the envelope handed to the transport. The wire encoding is owned
// by the transport; only this shape is fixed.
type Batch struct {
	UserID         string         `json:"userId" cbor:"userId"`
	SessionID      string         `json:"sessionId" cbor:"sessionId"`
	Device         string         `json:"device" cbor:"device"`
	Events         []Event        `json:"events" cbor:"events"`
	GlobalMetadata map[string]any `json:"globalMetadata,omitempty" cbor:"globalMetadata,omitempty"`
}

// Device classes reported in the envelope.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceUnknown = "unknown"
)

// BatchBackup holds undelivered batches persisted so they survive a reload.
// There is one batch per session id. Each context owns the backup keyed by
// its TabID.
type BatchBackup struct {
	UserID       string  `json:"user_id"`
	TabID        string  `json:"tab_id"`
	Batches      []Batch `json:"batches"`
	Timestamp    int64   `json:"timestamp"`
	FailureCount int     `json:"failure_count"`
	Version      int     `json:"version"`
}

// EventCount returns the number of events across all batches.
func (b BatchBackup) EventCount() int {
	n := 0
	for _, batch := range b.Batches {
		n += len(batch.Events)
	}
	return n
}

// RecoveryAttempt is one entry of the bounded recovery history.
// Closed marks a chain that ended deliberately and must not be resumed.
type RecoveryAttempt struct {
	SessionID string            `json:"session_id"`
	StartTime int64             `json:"start_time"`
	Timestamp int64             `json:"timestamp"`
	Attempt   int               `json:"attempt"`
	Closed    bool              `json:"closed,omitempty"`
	Snapshot  map[string]string `json:"snapshot,omitempty"`
}
