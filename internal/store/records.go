package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nacorga/tracelog/internal/model"
)

const keyPrefix = "tracelog"

// Records gives typed access to the persisted state of one project.
// Values are JSON documents; a value that fails to decode is treated as
// absent and logged, never surfaced to callers.
type Records struct {
	kv      KV
	project string
	logger  *slog.Logger
}

// NewRecords scopes kv to project.
func NewRecords(kv KV, project string) *Records {
	return &Records{
		kv:      kv,
		project: project,
		logger:  slog.Default().With("component", "store", "project", project),
	}
}

// KV returns the underlying store.
func (r *Records) KV() KV {
	return r.kv
}

// Key builds a namespaced key: tracelog:<project>:<parts...>.
func (r *Records) Key(parts ...string) string {
	return strings.Join(append([]string{keyPrefix, r.project}, parts...), ":")
}

// LoadSession returns the shared session record.
func (r *Records) LoadSession() (model.SessionRecord, bool) {
	var rec model.SessionRecord
	ok := r.load(r.Key("session"), &rec)
	return rec, ok && rec.ID != ""
}

// SaveSession writes the shared session record.
func (r *Records) SaveSession(rec model.SessionRecord) {
	rec.Version = model.RecordVersion
	r.save(r.Key("session"), rec)
}

// UpdateSession reads the stored record, applies fn and writes the result
// back. fn receives a zero record when none is stored. Not atomic across
// contexts; writers only move monotonic fields forward.
func (r *Records) UpdateSession(fn func(rec *model.SessionRecord)) model.SessionRecord {
	rec, _ := r.LoadSession()
	fn(&rec)
	r.SaveSession(rec)
	return rec
}

// LoadTab returns the record of one context.
func (r *Records) LoadTab(tabID string) (model.TabInfo, bool) {
	var tab model.TabInfo
	ok := r.load(r.Key("tab", tabID), &tab)
	return tab, ok
}

// SaveTab writes the record of one context.
func (r *Records) SaveTab(tab model.TabInfo) {
	r.save(r.Key("tab", tab.TabID), tab)
}

// RemoveTab deletes the record of one context.
func (r *Records) RemoveTab(tabID string) {
	r.remove(r.Key("tab", tabID))
}

// ListTabs returns every stored tab record. Returns nil when the store
// cannot enumerate keys.
func (r *Records) ListTabs() []model.TabInfo {
	lister, ok := r.kv.(Lister)
	if !ok {
		return nil
	}
	keys, err := lister.Keys(r.Key("tab") + ":")
	if err != nil {
		r.logger.Warn("list tabs failed", "error", err)
		return nil
	}
	tabs := make([]model.TabInfo, 0, len(keys))
	for _, k := range keys {
		var tab model.TabInfo
		if r.load(k, &tab) {
			tabs = append(tabs, tab)
		}
	}
	return tabs
}

// LiveTabs returns the tabs whose last heartbeat is no older than staleAfter
// milliseconds at now.
func (r *Records) LiveTabs(now, staleAfter int64) []model.TabInfo {
	var live []model.TabInfo
	for _, tab := range r.ListTabs() {
		if now-tab.LastHeartbeat <= staleAfter {
			live = append(live, tab)
		}
	}
	return live
}

// LoadBackup returns the undelivered-event backup written by tabID on
// behalf of userID.
func (r *Records) LoadBackup(userID, tabID string) (model.BatchBackup, bool) {
	var b model.BatchBackup
	ok := r.load(r.Key("backup", userID, tabID), &b)
	return b, ok && b.EventCount() > 0
}

// SaveBackup persists undelivered batches under the key of the context that
// owns them.
func (r *Records) SaveBackup(b model.BatchBackup) {
	b.Version = model.RecordVersion
	r.save(r.Key("backup", b.UserID, b.TabID), b)
}

// ClearBackup removes the backup of one context.
func (r *Records) ClearBackup(userID, tabID string) {
	r.remove(r.Key("backup", userID, tabID))
}

// ListBackups returns every non-empty backup stored for userID, whichever
// context wrote it. Returns nil when the store cannot enumerate keys.
func (r *Records) ListBackups(userID string) []model.BatchBackup {
	lister, ok := r.kv.(Lister)
	if !ok {
		return nil
	}
	keys, err := lister.Keys(r.Key("backup", userID) + ":")
	if err != nil {
		r.logger.Warn("list backups failed", "error", err)
		return nil
	}
	var backups []model.BatchBackup
	for _, k := range keys {
		var b model.BatchBackup
		if r.load(k, &b) && b.EventCount() > 0 {
			backups = append(backups, b)
		}
	}
	return backups
}

// LoadRecovery returns the recovery history, oldest first.
func (r *Records) LoadRecovery() []model.RecoveryAttempt {
	var history []model.RecoveryAttempt
	r.load(r.Key("recovery"), &history)
	return history
}

// SaveRecovery replaces the recovery history.
func (r *Records) SaveRecovery(history []model.RecoveryAttempt) {
	r.save(r.Key("recovery"), history)
}

// LoadJSON decodes an arbitrary document stored under name.
func (r *Records) LoadJSON(name string, v any) bool {
	return r.load(r.Key(name), v)
}

// SaveJSON stores an arbitrary document under name.
func (r *Records) SaveJSON(name string, v any) {
	r.save(r.Key(name), v)
}

// UserID returns the persisted anonymous user id, minting one with gen on
// first use.
func (r *Records) UserID(gen model.IDGenerator) string {
	key := r.Key("user")
	if v, ok, err := r.kv.Get(key); err == nil && ok && v != "" {
		return v
	}
	id := gen.Generate()
	if err := r.kv.Set(key, id); err != nil {
		r.logger.Warn("persist user id failed", "error", err)
	}
	return id
}

func (r *Records) load(key string, v any) bool {
	raw, ok, err := r.kv.Get(key)
	if err != nil {
		r.logger.Warn("read failed", "key", key, "error", err)
		return false
	}
	if !ok || raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		r.logger.Warn("discarding corrupt record", "key", key, "error", err)
		return false
	}
	return true
}

func (r *Records) save(key string, v any) {
	data, err := marshalRecord(v)
	if err != nil {
		r.logger.Warn("encode failed", "key", key, "error", err)
		return
	}
	if err := r.kv.Set(key, data); err != nil {
		r.logger.Warn("write failed", "key", key, "error", err)
	}
}

func (r *Records) remove(key string) {
	if err := r.kv.Remove(key); err != nil {
		r.logger.Warn("remove failed", "key", key, "error", err)
	}
}

// marshalRecord converts a record to compact JSON TEXT for storage.
func marshalRecord(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}
