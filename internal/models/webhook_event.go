package models

import "time"

// Webhook event types recorded by the dispatcher.
const (
	EventPushReceived   = "push.received"
	EventPushMapped     = "push.mapped"
	EventPushUnmapped   = "push.unmapped_skipped"
	EventPushError      = "push.error"
	EventPushUnknown    = "push.unrecognized"
	EventSweepCommitted = "sweep.committed"
	EventSweepPartial   = "sweep.partial"
	EventSweepFailed    = "sweep.failed"
	EventSweepNoop      = "sweep.noop"
)

// WebhookEvent is one audit row per inbound push notification or per sweep
// run of a mapping. Rows are immutable once written and expire automatically
// after the configured retention window.
type WebhookEvent struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	RequestID      string `gorm:"size:64;index"`
	EventType      string `gorm:"size:32;not null;index"`
	ConversationID string `gorm:"size:64;index"`
	Repo           string `gorm:"size:256"`
	Branch         string `gorm:"size:128"`
	Folder         string `gorm:"size:256"`
	Success        bool   `gorm:"index"`
	ErrorMessage   string `gorm:"type:text"`
	DurationMs     int64
	CreatedAt      time.Time `gorm:"index"`
	ExpiresAt      time.Time `gorm:"index"`
}
