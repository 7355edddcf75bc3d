// Package audit records administrative actions against the credential
// pool so operators can reconstruct who changed what. Entries live in
// the shared store under a bounded retention window.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/openchat-hq/keyrelay/internal/store"
)

const (
	entryPrefix = "audit:"

	// retention bounds how long entries stay queryable. Enforced via
	// store TTL, so expiry needs no sweeper.
	retention = 30 * 24 * time.Hour
)

// Administrative actions.
const (
	ActionKeyAdded       = "key_added"
	ActionKeyRemoved     = "key_removed"
	ActionKeyActivated   = "key_activated"
	ActionKeyDeactivated = "key_deactivated"
	ActionUsageReset     = "usage_reset"
	ActionStatsReset     = "stats_reset"
)

// Entry is one recorded administrative action.
type Entry struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Action  string    `json:"action"`
	Subject string    `json:"subject,omitempty"` // credential id or other target
	Detail  string    `json:"detail,omitempty"`
}

// Logger writes and lists audit entries. Recording is best effort: a
// store outage must never fail the action being audited.
type Logger struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an audit logger.
func New(s store.Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		store:  s,
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
}

// Record persists one entry. Failures are logged and swallowed.
func (l *Logger) Record(ctx context.Context, action, subject, detail string) {
	entry := Entry{
		ID:      uuid.NewString(),
		Time:    l.now().UTC(),
		Action:  action,
		Subject: subject,
		Detail:  detail,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("audit entry encode failed", "action", action, "error", err)
		return
	}

	key := fmt.Sprintf("%s%d:%s", entryPrefix, entry.Time.UnixNano(), entry.ID)
	if err := l.store.Put(ctx, key, data, retention); err != nil {
		l.logger.Warn("audit entry write failed", "action", action, "error", err)
	}
}

// List returns retained entries, newest first, capped at limit. A
// limit of zero or less returns everything retained.
func (l *Logger) List(ctx context.Context, limit int) ([]Entry, error) {
	keys, err := l.store.List(ctx, entryPrefix)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		data, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load audit entry %s: %w", key, err)
		}
		if data == nil {
			// Expired between List and Get.
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			l.logger.Error("audit entry decode failed", "key", key, "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Time.Equal(entries[j].Time) {
			return entries[i].Time.After(entries[j].Time)
		}
		return entries[i].ID < entries[j].ID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
