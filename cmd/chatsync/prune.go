package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/TeamWeeMo/WeeMo-sub001"
)

var pruneDays int

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "retention in days (default: store.retention_days or 30)")
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete locally stored messages older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		days := pruneDays
		if days <= 0 {
			days = cfg.Store.RetentionDays
		}
		if days <= 0 {
			days = chatsync.DefaultRetentionDays
		}

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to open message store: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		n, err := store.PruneOlderThan(ctx, days)
		if err != nil {
			return fmt.Errorf("prune failed: %w", err)
		}
		fmt.Printf("Removed %d messages older than %d days\n", n, days)
		return nil
	},
}
