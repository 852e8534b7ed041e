// Package models defines the GORM persistence models for Logbook.
package models

import "time"

// ChannelMapping binds one chat conversation to one repository location.
// Mappings are administered outside the sync engine; the engine only reads
// them. Deactivating a mapping keeps the row (and all ledger history) intact.
type ChannelMapping struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:64;not null;uniqueIndex"`
	Platform       string `gorm:"size:16;not null;default:slack"`
	RepoOwner      string `gorm:"size:128;not null"`
	RepoName       string `gorm:"size:128;not null"`
	Branch         string `gorm:"size:128;not null;default:main"`
	Folder         string `gorm:"size:256;not null"`
	ChunkByDay     bool   `gorm:"default:false"`
	Active         bool   `gorm:"default:true;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RepoSlug returns the owner/name form used in log lines and audit rows.
func (m *ChannelMapping) RepoSlug() string {
	return m.RepoOwner + "/" + m.RepoName
}
