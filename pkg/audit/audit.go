// Package audit is an append-only log of boundary decisions: policy
// denials, sandbox executions, worker lifecycle and credential changes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	EventPolicyDeny     = "policy_deny"
	EventSandboxExec    = "sandbox_exec"
	EventSandboxTimeout = "sandbox_timeout"
	EventSandboxReap    = "sandbox_reap"
	EventWorkerStart    = "worker_start"
	EventWorkerExit     = "worker_exit"
	EventWorkerRestart  = "worker_restart"
	EventCredSet        = "credential_set"
	EventCredDel        = "credential_del"
	EventAuditPrune     = "audit_prune"
)

type Entry struct {
	ID        string    `gorm:"primaryKey;column:id" json:"id"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_audit_timestamp" json:"timestamp"`
	EventType string    `gorm:"column:event_type;not null;index:idx_audit_event" json:"event_type"`
	Component string    `gorm:"column:component;not null;default:''" json:"component"`
	Actor     string    `gorm:"column:actor;not null;default:''" json:"actor"`
	Detail    string    `gorm:"column:detail;not null;default:''" json:"detail"`
}

func (Entry) TableName() string {
	return "audit_log"
}

type Logger struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Logger, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("audit: running migrations: %w", err)
	}

	return &Logger{db: db}, nil
}

// Log appends one entry. A string detail is stored as is; anything else is
// JSON-encoded.
func (l *Logger) Log(ctx context.Context, eventType, component, actor string, detail any) error {
	var detailStr string
	switch v := detail.(type) {
	case nil:
	case string:
		detailStr = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			detailStr = fmt.Sprintf("%v", v)
		} else {
			detailStr = string(b)
		}
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Component: component,
		Actor:     actor,
		Detail:    detailStr,
	}

	return l.db.WithContext(ctx).Create(entry).Error
}

func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := l.db.WithContext(ctx)

	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.Component != "" {
		q = q.Where("component = ?", f.Component)
	}
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where("timestamp <= ?", f.Until)
	}

	q = q.Order("timestamp DESC")

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var entries []Entry
	err := q.Find(&entries).Error
	return entries, err
}

// Prune deletes entries older than before and returns how many went.
func (l *Logger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("audit: pruning: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type Filter struct {
	EventType string
	Component string
	Actor     string
	Since     time.Time
	Until     time.Time
	Limit     int
}
