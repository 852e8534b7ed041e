// Package ledger tracks per-conversation sync progress and run outcomes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/logbookhq/logbook/internal/models"
	"github.com/logbookhq/logbook/internal/source"
	"gorm.io/gorm"
)

// ErrStale is returned when a compare-and-set advance loses a race: the
// stored watermark no longer matches the token the run started from.
var ErrStale = errors.New("ledger: watermark changed since run started")

// ErrRollback is returned when an advance would move the watermark backwards.
// Watermarks only ever advance; administrative resets go through db.ResetWatermark.
var ErrRollback = errors.New("ledger: refusing to move watermark backwards")

// Ledger is the durable sync ledger over the GORM store.
type Ledger struct {
	db *gorm.DB
}

// New creates a Ledger.
func New(db *gorm.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: db is required")
	}
	return &Ledger{db: db}, nil
}

// Get returns the watermark for a conversation. found is false before the
// first successful sync, meaning "fetch from the beginning of time".
func (l *Ledger) Get(ctx context.Context, conversationID string) (*models.SyncWatermark, bool, error) {
	var wm models.SyncWatermark
	err := l.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ledger: get %s: %w", conversationID, err)
	}
	return &wm, true, nil
}

// Advance moves the watermark from prevToken to newToken with compare-and-set
// semantics: it succeeds only if the stored token still equals prevToken.
// Called strictly after the repository commit has landed. status is
// RunSucceeded or RunPartial; either way the committed token is durable, so
// the failure counter resets only on full success.
func (l *Ledger) Advance(ctx context.Context, conversationID, prevToken, newToken, status string) error {
	if source.CompareTokens(newToken, prevToken) < 0 {
		return ErrRollback
	}
	now := time.Now().UTC()

	updates := map[string]interface{}{
		"last_token":  newToken,
		"last_status": status,
		"last_run_at": now,
		"updated_at":  now,
	}
	if status == models.RunSucceeded {
		updates["failure_count"] = 0
	}

	result := l.db.WithContext(ctx).
		Model(&models.SyncWatermark{}).
		Where("conversation_id = ? AND last_token = ?", conversationID, prevToken).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("ledger: advance %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// No row matched: either this is the first sync for the conversation, or
	// a concurrent run advanced the watermark underneath us.
	if prevToken == "" {
		wm := models.SyncWatermark{
			ConversationID: conversationID,
			LastToken:      newToken,
			LastStatus:     status,
			LastRunAt:      now,
		}
		if err := l.db.WithContext(ctx).Create(&wm).Error; err != nil {
			// Primary-key conflict means someone created it first.
			return ErrStale
		}
		return nil
	}
	return ErrStale
}

// RecordFailure stamps a failed or partial run that committed nothing. The
// watermark token is untouched; only the status, timestamp, and consecutive
// failure counter move. Creates the row if the conversation has never synced.
func (l *Ledger) RecordFailure(ctx context.Context, conversationID, status string) error {
	now := time.Now().UTC()

	result := l.db.WithContext(ctx).
		Model(&models.SyncWatermark{}).
		Where("conversation_id = ?", conversationID).
		Updates(map[string]interface{}{
			"last_status":   status,
			"last_run_at":   now,
			"failure_count": gorm.Expr("failure_count + 1"),
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("ledger: record failure %s: %w", conversationID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	wm := models.SyncWatermark{
		ConversationID: conversationID,
		LastStatus:     status,
		LastRunAt:      now,
		FailureCount:   1,
	}
	if err := l.db.WithContext(ctx).Create(&wm).Error; err != nil {
		return fmt.Errorf("ledger: record failure %s: %w", conversationID, err)
	}
	return nil
}

// All returns every watermark row, for the status CLI and observability.
func (l *Ledger) All(ctx context.Context) ([]models.SyncWatermark, error) {
	var out []models.SyncWatermark
	if err := l.db.WithContext(ctx).Order("conversation_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return out, nil
}
