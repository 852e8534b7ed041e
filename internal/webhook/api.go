package webhook

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/logbookhq/logbook/internal/models"
	"gorm.io/gorm"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// EventRow is one audit row as returned by the API.
type EventRow struct {
	ID             uint      `json:"id"`
	RequestID      string    `json:"request_id,omitempty"`
	EventType      string    `json:"event_type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Repo           string    `json:"repo,omitempty"`
	Branch         string    `json:"branch,omitempty"`
	Folder         string    `json:"folder,omitempty"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// handleEvents returns the most recent audit events, newest first.
// ?limit=N caps the page size (default 50, max 500).
func handleEvents(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultEventLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		if limit > maxEventLimit {
			limit = maxEventLimit
		}

		rows, err := RecentEvents(db, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": rows})
	}
}

// RecentEvents returns up to limit audit rows, newest first.
func RecentEvents(db *gorm.DB, limit int) ([]EventRow, error) {
	var events []models.WebhookEvent
	if err := db.Order("id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}

	rows := make([]EventRow, len(events))
	for i, e := range events {
		rows[i] = EventRow{
			ID:             e.ID,
			RequestID:      e.RequestID,
			EventType:      e.EventType,
			ConversationID: e.ConversationID,
			Repo:           e.Repo,
			Branch:         e.Branch,
			Folder:         e.Folder,
			Success:        e.Success,
			ErrorMessage:   e.ErrorMessage,
			DurationMs:     e.DurationMs,
			CreatedAt:      e.CreatedAt,
		}
	}
	return rows, nil
}

// StatsSummary aggregates the audit table for the stats endpoint.
type StatsSummary struct {
	Total       int64            `json:"total"`
	Succeeded   int64            `json:"succeeded"`
	SuccessRate float64          `json:"success_rate"`
	AvgDuration float64          `json:"avg_duration_ms"`
	ByType      map[string]int64 `json:"by_type"`
}

func handleStats(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := Stats(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// Stats computes aggregate counts over the audit table.
func Stats(db *gorm.DB) (StatsSummary, error) {
	summary := StatsSummary{ByType: make(map[string]int64)}

	if err := db.Model(&models.WebhookEvent{}).Count(&summary.Total).Error; err != nil {
		return summary, err
	}
	if err := db.Model(&models.WebhookEvent{}).Where("success = ?", true).Count(&summary.Succeeded).Error; err != nil {
		return summary, err
	}
	if summary.Total > 0 {
		summary.SuccessRate = float64(summary.Succeeded) / float64(summary.Total)

		var avg *float64
		if err := db.Model(&models.WebhookEvent{}).Select("AVG(duration_ms)").Scan(&avg).Error; err != nil {
			return summary, err
		}
		if avg != nil {
			summary.AvgDuration = *avg
		}
	}

	type typeCount struct {
		EventType string
		N         int64
	}
	var counts []typeCount
	if err := db.Model(&models.WebhookEvent{}).
		Select("event_type, COUNT(*) as n").
		Group("event_type").
		Scan(&counts).Error; err != nil {
		return summary, err
	}
	for _, tc := range counts {
		summary.ByType[tc.EventType] = tc.N
	}
	return summary, nil
}
