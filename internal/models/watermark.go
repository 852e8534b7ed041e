package models

import "time"

// Run status values recorded on a SyncWatermark after each sweep.
const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// SyncWatermark tracks sync progress for one conversation. LastToken is the
// highest ordering token fully committed to the repository; it only moves
// forward, and only after the commit has landed. Rows are never deleted when
// a mapping is deactivated.
type SyncWatermark struct {
	ConversationID string `gorm:"primaryKey;size:64"`
	LastToken      string `gorm:"size:64"`
	LastStatus     string `gorm:"size:16"`
	LastRunAt      time.Time
	FailureCount   int `gorm:"default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
