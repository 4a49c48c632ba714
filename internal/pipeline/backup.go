package pipeline

import (
	"log/slog"
	"time"

	"github.com/nacorga/tracelog/internal/model"
	"github.com/nacorga/tracelog/internal/store"
)

// Backup persists undelivered items so they survive a reload. Every context
// writes and clears only its own key; backups left by contexts that stopped
// heartbeating are taken over by whoever restores next.
type Backup struct {
	records    *store.Records
	userID     string
	tabID      string
	freshness  time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewBackup creates the backup of context tabID for userID. Backups older
// than freshness are discarded on load. A peer whose heartbeat is older than
// staleAfter no longer owns its backup.
func NewBackup(records *store.Records, userID, tabID string, freshness, staleAfter time.Duration) *Backup {
	return &Backup{
		records:    records,
		userID:     userID,
		tabID:      tabID,
		freshness:  freshness,
		staleAfter: staleAfter,
		logger:     slog.Default().With("component", "pipeline", "tab", tabID),
	}
}

// Save replaces this context's backup with items, one batch per session.
func (b *Backup) Save(items []Item, env model.Batch, failures int, now int64) {
	if len(items) == 0 {
		b.Clear()
		return
	}
	b.records.SaveBackup(model.BatchBackup{
		UserID:       b.userID,
		TabID:        b.tabID,
		Batches:      groupBatches(items, env),
		Timestamp:    now,
		FailureCount: failures,
	})
}

// Load takes over this context's own backup and every backup of the same
// user whose writer is no longer live at now. Taken backups are removed;
// stale ones are discarded. Returns the items in backup order and the
// highest recorded failure count.
func (b *Backup) Load(now int64) ([]Item, int, bool) {
	live := make(map[string]bool)
	for _, tab := range b.records.LiveTabs(now, b.staleAfter.Milliseconds()) {
		live[tab.TabID] = true
	}

	backups := b.records.ListBackups(b.userID)
	if backups == nil {
		if own, ok := b.records.LoadBackup(b.userID, b.tabID); ok {
			backups = append(backups, own)
		}
	}

	var (
		items    []Item
		failures int
	)
	for _, backup := range backups {
		if backup.TabID != b.tabID && live[backup.TabID] {
			continue
		}
		b.records.ClearBackup(b.userID, backup.TabID)
		if age := now - backup.Timestamp; age > b.freshness.Milliseconds() {
			b.logger.Info("discarding stale backup",
				"owner", backup.TabID,
				"events", backup.EventCount(),
				"age", time.Duration(age)*time.Millisecond)
			continue
		}
		if backup.TabID != b.tabID {
			b.logger.Info("taking over backup", "owner", backup.TabID, "events", backup.EventCount())
		}
		failures = max(failures, backup.FailureCount)
		for _, batch := range backup.Batches {
			for _, e := range batch.Events {
				items = append(items, Item{
					Event:       e,
					SessionID:   batch.SessionID,
					Fingerprint: fingerprintOf(e),
					Accepted:    backup.Timestamp,
				})
			}
		}
	}
	return items, failures, len(items) > 0
}

// Clear removes this context's backup.
func (b *Backup) Clear() {
	b.records.ClearBackup(b.userID, b.tabID)
}
