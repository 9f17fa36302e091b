package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wanderlight/ember_radio/internal/db"
	"github.com/wanderlight/ember_radio/internal/ledger"
	"github.com/wanderlight/ember_radio/internal/models"
)

var purgeSkipsCmd = &cobra.Command{
	Use:   "purge-skips",
	Short: "Delete skip rows from past days",
	Long:  "Remove stale daily skip exclusions. The server does this after each UTC midnight; the command exists for cron-driven or one-off maintenance.",
	RunE:  runPurgeSkips,
}

func init() {
	rootCmd.AddCommand(purgeSkipsCmd)
}

func runPurgeSkips(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if err := db.Close(database); err != nil {
			logger.Error().Err(err).Msg("close database")
		}
	}()

	ldg := ledger.New(database, logger)
	day := models.DayKey(time.Now())
	deleted, err := ldg.PurgeSkipsBefore(context.Background(), day)
	if err != nil {
		return fmt.Errorf("purge skips: %w", err)
	}

	logger.Info().Int64("deleted", deleted).Str("kept_day", day).Msg("skip purge complete")
	return nil
}
