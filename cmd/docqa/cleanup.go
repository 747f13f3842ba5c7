package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amirshahdadian/document-qa/internal/archive"
	"github.com/amirshahdadian/document-qa/internal/config"
	"github.com/amirshahdadian/document-qa/internal/logging"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove archived sessions older than a cutoff",
	Long: `Remove archived sessions whose newest object is older than the
--older-than cutoff. Intended to run from a scheduler.

Examples:
  # Remove sessions idle for more than 30 days
  docqa cleanup --older-than 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup()
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "session age cutoff")
}

func runCleanup() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	arch, err := archive.New(ctx, archive.Config{
		Endpoint:  cfg.Archive.Endpoint,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Bucket:    cfg.Archive.Bucket,
		Prefix:    cfg.Archive.Prefix,
		UseSSL:    cfg.Archive.UseSSL,
		Strict:    true, // cleanup without a reachable archive is pointless
	}, logger)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}

	removed, err := arch.CleanupOlderThan(ctx, cleanupOlderThan)
	if err != nil {
		return fmt.Errorf("cleaning up archive: %w", err)
	}

	logger.Info("cleanup finished",
		zap.Int("sessions_removed", removed),
		zap.Duration("older_than", cleanupOlderThan),
	)
	return nil
}
