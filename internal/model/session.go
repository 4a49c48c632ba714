package model

// EndReason explains why a session ended.
type EndReason string

const (
	EndPageUnload      EndReason = "page_unload"
	EndManualStop      EndReason = "manual_stop"
	EndOrphanedCleanup EndReason = "orphaned_cleanup"
	EndInactivity      EndReason = "inactivity"
	EndTabClosed       EndReason = "tab_closed"
)

var endPriority = map[EndReason]int{
	EndPageUnload:      5,
	EndManualStop:      4,
	EndOrphanedCleanup: 3,
	EndInactivity:      2,
	EndTabClosed:       1,
}

// Valid reports whether r is a known end reason.
func (r EndReason) Valid() bool {
	_, ok := endPriority[r]
	return ok
}

// Priority ranks end reasons; a higher value wins when two ends race.
// Unknown reasons rank 0.
func (r EndReason) Priority() int {
	return endPriority[r]
}

// SessionRecord is the replicated, shared view of the current session.
//
// Epoch is a logical version: it increases whenever a new session is
// originated or resumed and whenever leadership changes hands. OwnerTabID is
// the context that wrote the current epoch. LastActivity and Heartbeat only
// move forward.
type SessionRecord struct {
	ID           string    `json:"id"`
	StartTime    int64     `json:"start_time"`
	LastActivity int64     `json:"last_activity"`
	Heartbeat    int64     `json:"heartbeat"`
	TabCount     int       `json:"tab_count"`
	Epoch        int64     `json:"epoch"`
	OwnerTabID   string    `json:"owner_tab_id,omitempty"`
	LeaderSince  int64     `json:"leader_since,omitempty"`
	Recovered    bool      `json:"recovered,omitempty"`
	Ended        bool      `json:"ended,omitempty"`
	EndReason    EndReason `json:"end_reason,omitempty"`
	Version      int       `json:"version"`
}

// Live reports whether the record describes a session that has not ended
// and whose owner heartbeat is no older than timeout at now.
func (r SessionRecord) Live(now, timeout int64) bool {
	return r.ID != "" && !r.Ended && now-r.Heartbeat <= timeout
}

// Reconcile merges a locally cached record with the stored one and returns
// the authoritative view. The higher epoch wins outright; on equal epochs of
// the same session, monotonic fields take their maximum and the stored copy
// supplies everything else.
func Reconcile(local, stored SessionRecord) SessionRecord {
	switch {
	case stored.ID == "":
		return local
	case local.ID == "":
		return stored
	case stored.Epoch > local.Epoch:
		return stored
	case stored.Epoch < local.Epoch:
		return local
	}
	if stored.ID != local.ID {
		// Same epoch, different sessions: two contexts raced. The owner with
		// the lower tab id wins so that every reader picks the same record.
		if local.OwnerTabID != "" && local.OwnerTabID < stored.OwnerTabID {
			return local
		}
		return stored
	}
	merged := stored
	merged.LastActivity = max(local.LastActivity, stored.LastActivity)
	merged.Heartbeat = max(local.Heartbeat, stored.Heartbeat)
	merged.StartTime = minNonZero(local.StartTime, stored.StartTime)
	merged.Ended = local.Ended || stored.Ended
	if merged.EndReason == "" {
		merged.EndReason = local.EndReason
	}
	return merged
}

func minNonZero(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}
	return min(a, b)
}

// TabInfo is the per-context record used for diagnostics and failover.
type TabInfo struct {
	TabID         string `json:"tab_id"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	IsLeader      bool   `json:"is_leader"`
	SessionID     string `json:"session_id,omitempty"`
}
