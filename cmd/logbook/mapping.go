package main

import (
	"fmt"
	"strings"

	"github.com/logbookhq/logbook/internal/models"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newMappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Manage conversation-to-repository mappings",
	}

	cmd.AddCommand(newMappingAddCmd())
	cmd.AddCommand(newMappingListCmd())
	cmd.AddCommand(newMappingDisableCmd())
	return cmd
}

func newMappingAddCmd() *cobra.Command {
	var (
		configPath string
		platform   string
		repo       string
		branch     string
		folder     string
		chunkByDay bool
	)

	cmd := &cobra.Command{
		Use:   "add <conversation-id>",
		Short: "Map a conversation to a repository folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingAdd(cmd, configPath, args[0], platform, repo, branch, folder, chunkByDay)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "logbook.yaml", "path to Logbook config file")
	cmd.Flags().StringVar(&platform, "platform", "slack", "chat platform (slack, discord)")
	cmd.Flags().StringVar(&repo, "repo", "", "target repository as owner/name (required)")
	cmd.Flags().StringVar(&branch, "branch", "main", "target branch")
	cmd.Flags().StringVar(&folder, "folder", "", "folder inside the repository (required)")
	cmd.Flags().BoolVar(&chunkByDay, "chunk-by-day", false, "write one file per UTC day instead of one file per conversation")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("folder")
	return cmd
}

func runMappingAdd(cmd *cobra.Command, configPath, conversation, platform, repo, branch, folder string, chunkByDay bool) error {
	owner, name, ok := strings.Cut(repo, "/")
	if ok {
		ok = owner != "" && name != "" && !strings.Contains(name, "/")
	}
	if !ok {
		return fmt.Errorf("mapping: --repo must be owner/name, got %q", repo)
	}
	switch platform {
	case "slack", "discord":
	default:
		return fmt.Errorf("mapping: platform %q is not supported (slack, discord)", platform)
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	m := models.ChannelMapping{
		ConversationID: conversation,
		Platform:       platform,
		RepoOwner:      owner,
		RepoName:       name,
		Branch:         branch,
		Folder:         strings.Trim(folder, "/"),
		ChunkByDay:     chunkByDay,
		Active:         true,
	}
	if err := gormDB.Create(&m).Error; err != nil {
		return fmt.Errorf("mapping: create: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Mapped %s (%s) -> %s@%s/%s\n",
		conversation, platform, m.RepoSlug(), branch, m.Folder)
	return nil
}

func newMappingListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "logbook.yaml", "path to Logbook config file")
	return cmd
}

func runMappingList(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	mappings, err := allMappings(gormDB)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(mappings) == 0 {
		fmt.Fprintln(out, "No mappings configured")
		return nil
	}

	fmt.Fprintf(out, "%-16s %-10s %-30s %-12s %-24s %s\n",
		"CONVERSATION", "PLATFORM", "REPO", "BRANCH", "FOLDER", "ACTIVE")
	for _, m := range mappings {
		fmt.Fprintf(out, "%-16s %-10s %-30s %-12s %-24s %v\n",
			m.ConversationID, m.Platform, m.RepoSlug(), m.Branch, m.Folder, m.Active)
	}
	return nil
}

func newMappingDisableCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "disable <conversation-id>",
		Short: "Deactivate a mapping without deleting its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMappingDisable(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "logbook.yaml", "path to Logbook config file")
	return cmd
}

func runMappingDisable(cmd *cobra.Command, configPath, conversation string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	result := gormDB.Model(&models.ChannelMapping{}).
		Where("conversation_id = ?", conversation).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("mapping: disable: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mapping: no mapping for %s", conversation)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Mapping for %s deactivated; ledger history kept\n", conversation)
	return nil
}

func allMappings(gormDB *gorm.DB) ([]models.ChannelMapping, error) {
	var out []models.ChannelMapping
	if err := gormDB.Order("conversation_id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("mapping: list: %w", err)
	}
	return out, nil
}
