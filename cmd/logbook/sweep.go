package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep and exit",
		Long: `Fetches new messages for every active mapping, commits them, and advances
the sync ledger. The same pass the serve loop runs on its cron schedule,
useful for cron-external scheduling and backfills.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "logbook.yaml", "path to Logbook config file")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	runner, _, err := buildRunner(cfg, gormDB)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := runner.Sweep(ctx)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("sweep: %d of %d mappings failed", stats.Failed, stats.Total)
	}
	return nil
}
