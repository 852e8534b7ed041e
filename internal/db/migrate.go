package db

import (
	"fmt"
	"time"

	"github.com/logbookhq/logbook/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.ChannelMapping{},
		&models.SyncWatermark{},
		&models.WebhookEvent{},
	}
}

// AutoMigrate creates or updates all Logbook tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// PurgeExpiredEvents deletes webhook-event rows whose expiry has passed.
// Returns the number of rows removed.
func PurgeExpiredEvents(db *gorm.DB, now time.Time) (int64, error) {
	result := db.Where("expires_at <= ?", now).Delete(&models.WebhookEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("db: purge expired events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ResetWatermark clears the watermark for a conversation. This is the
// administrative escape hatch for forcing a full re-sync; it never runs as
// part of normal sweep processing.
func ResetWatermark(db *gorm.DB, conversationID string) error {
	result := db.Where("conversation_id = ?", conversationID).Delete(&models.SyncWatermark{})
	if result.Error != nil {
		return fmt.Errorf("db: reset watermark for %s: %w", conversationID, result.Error)
	}
	return nil
}
