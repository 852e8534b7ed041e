// Package mapping resolves conversations to their repository targets.
package mapping

import (
	"context"
	"errors"
	"fmt"

	"github.com/logbookhq/logbook/internal/models"
	"gorm.io/gorm"
)

// Resolver looks up the active ChannelMapping for a conversation. The sync
// engine only reads mappings; administration happens elsewhere.
type Resolver struct {
	db *gorm.DB
}

// NewResolver creates a Resolver.
func NewResolver(db *gorm.DB) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("mapping: db is required")
	}
	return &Resolver{db: db}, nil
}

// Resolve returns the active mapping for conversationID. A missing or
// inactive mapping is not an error: found is false and the caller skips the
// conversation. Storage failures are errors the caller may retry.
func (r *Resolver) Resolve(ctx context.Context, conversationID string) (*models.ChannelMapping, bool, error) {
	var m models.ChannelMapping
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND active = ?", conversationID, true).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mapping: resolve %s: %w", conversationID, err)
	}
	return &m, true, nil
}

// ListActive returns all active mappings, ordered for stable sweep runs.
func (r *Resolver) ListActive(ctx context.Context) ([]models.ChannelMapping, error) {
	var out []models.ChannelMapping
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("conversation_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("mapping: list active: %w", err)
	}
	return out, nil
}
