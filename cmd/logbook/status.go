package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/logbookhq/logbook/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show mappings, watermarks, and last sync outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "logbook.yaml", "path to Logbook config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	rows, err := statusRows(gormDB)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), formatStatus(rows, terminalWidth()))
	return nil
}

// statusRow joins a mapping with its watermark for display.
type statusRow struct {
	ConversationID string
	Platform       string
	Repo           string
	Active         bool
	LastToken      string
	LastStatus     string
	LastRunAt      time.Time
	FailureCount   int
}

// statusRows loads every mapping and its watermark, if one exists yet.
func statusRows(gormDB *gorm.DB) ([]statusRow, error) {
	mappings, err := allMappings(gormDB)
	if err != nil {
		return nil, err
	}

	var watermarks []models.SyncWatermark
	if err := gormDB.Find(&watermarks).Error; err != nil {
		return nil, fmt.Errorf("status: load watermarks: %w", err)
	}
	byConversation := make(map[string]models.SyncWatermark, len(watermarks))
	for _, wm := range watermarks {
		byConversation[wm.ConversationID] = wm
	}

	rows := make([]statusRow, len(mappings))
	for i, m := range mappings {
		row := statusRow{
			ConversationID: m.ConversationID,
			Platform:       m.Platform,
			Repo:           m.RepoSlug() + "/" + m.Folder,
			Active:         m.Active,
		}
		if wm, ok := byConversation[m.ConversationID]; ok {
			row.LastToken = wm.LastToken
			row.LastStatus = wm.LastStatus
			row.LastRunAt = wm.LastRunAt
			row.FailureCount = wm.FailureCount
		}
		rows[i] = row
	}
	return rows, nil
}

// formatStatus renders the status table, truncating the repo column to keep
// lines within width.
func formatStatus(rows []statusRow, width int) string {
	var b strings.Builder

	b.WriteString("MAPPINGS\n")
	b.WriteString(fmt.Sprintf("%-16s %-10s %-8s %-18s %-10s %-17s %-8s %s\n",
		"CONVERSATION", "PLATFORM", "ACTIVE", "WATERMARK", "STATUS", "LAST RUN", "FAILS", "TARGET"))
	if len(rows) == 0 {
		b.WriteString("  (no mappings configured)\n")
		return b.String()
	}

	// Fixed columns take 93 characters; the target path gets the rest.
	repoWidth := width - 93
	if repoWidth < 16 {
		repoWidth = 16
	}

	for _, r := range rows {
		status := r.LastStatus
		if status == "" {
			status = "never"
		}
		lastRun := "-"
		if !r.LastRunAt.IsZero() {
			lastRun = r.LastRunAt.UTC().Format("2006-01-02 15:04")
		}
		b.WriteString(fmt.Sprintf("%-16s %-10s %-8v %-18s %-10s %-17s %-8d %s\n",
			truncate(r.ConversationID, 16), r.Platform, r.Active,
			truncate(r.LastToken, 18), status, lastRun, r.FailureCount,
			truncate(r.Repo, repoWidth)))
	}
	return b.String()
}

// terminalWidth returns the current terminal width, or a sane default when
// stdout is not a terminal.
func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 120
	}
	return w
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
