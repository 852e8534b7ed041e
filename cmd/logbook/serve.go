package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/logbookhq/logbook/internal/config"
	"github.com/logbookhq/logbook/internal/db"
	"github.com/logbookhq/logbook/internal/githost"
	"github.com/logbookhq/logbook/internal/ledger"
	"github.com/logbookhq/logbook/internal/mapping"
	"github.com/logbookhq/logbook/internal/source"
	"github.com/logbookhq/logbook/internal/source/discord"
	"github.com/logbookhq/logbook/internal/source/slack"
	"github.com/logbookhq/logbook/internal/sweep"
	"github.com/logbookhq/logbook/internal/webhook"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and scheduled sweeps",
		Long: `Starts the long-running Logbook service: the inbound webhook/observability
HTTP server plus the cron-scheduled reconciliation sweep over all active
mappings. Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "logbook.yaml", "path to Logbook config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database\n", cfg.DB.Driver)

	runner, resolver, err := buildRunner(cfg, gormDB)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Slack.SigningSecret == "" {
		return fmt.Errorf("serve: slack.signing_secret is required for the webhook server")
	}

	sweepErr := make(chan error, 1)
	go func() {
		sweepErr <- runner.Run(ctx, cfg.Sweep.Cron)
	}()
	fmt.Fprintf(out, "Sweep scheduled: %s (parallelism %d)\n", cfg.Sweep.Cron, cfg.Sweep.Parallelism)

	err = webhook.Start(ctx, webhook.StartOpts{
		DB:            gormDB,
		Resolver:      resolver,
		SigningSecret: cfg.Slack.SigningSecret,
		Port:          cfg.Server.Port,
		Retention:     time.Duration(cfg.Events.RetentionHours) * time.Hour,
		Out:           out,
	})
	stop()

	// Let the sweep loop wind down before reporting.
	if serr := <-sweepErr; serr != nil && serr != context.Canceled && err == nil {
		err = serr
	}
	return err
}

// connectFromConfig loads the config file and opens the database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// buildRunner wires the sweep runner and its dependencies from config.
func buildRunner(cfg *config.Config, gormDB *gorm.DB) (*sweep.Runner, *mapping.Resolver, error) {
	resolver, err := mapping.NewResolver(gormDB)
	if err != nil {
		return nil, nil, err
	}
	led, err := ledger.New(gormDB)
	if err != nil {
		return nil, nil, err
	}
	writer, err := githost.NewWriter(githost.WriterOpts{
		Token:         cfg.GitHub.Token,
		CommitterName: cfg.GitHub.CommitterName,
		CommitterMail: cfg.GitHub.CommitterMail,
	})
	if err != nil {
		return nil, nil, err
	}

	var adapters []source.Adapter
	if cfg.Slack.BotToken != "" {
		a, err := slack.New(slack.AdapterOpts{
			BotToken: cfg.Slack.BotToken,
			PageSize: cfg.Sweep.PageSize,
		})
		if err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.Discord.BotToken != "" {
		a, err := discord.New(discord.AdapterOpts{
			BotToken: cfg.Discord.BotToken,
			PageSize: cfg.Sweep.PageSize,
		})
		if err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, a)
	}

	runner, err := sweep.NewRunner(sweep.RunnerOpts{
		DB:          gormDB,
		Resolver:    resolver,
		Ledger:      led,
		Writer:      writer,
		Adapters:    adapters,
		Parallelism: cfg.Sweep.Parallelism,
		RunTimeout:  time.Duration(cfg.Sweep.RunTimeoutSec) * time.Second,
		Retention:   time.Duration(cfg.Events.RetentionHours) * time.Hour,
	})
	if err != nil {
		return nil, nil, err
	}
	return runner, resolver, nil
}
