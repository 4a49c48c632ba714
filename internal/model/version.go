package model

// Version constants embedded in batches and persisted records.
const (
	// LibraryVersion is the tracelog client version.
	LibraryVersion = "0.4.0"

	// RecordVersion is the schema version of persisted records.
	RecordVersion = 1
)
