package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and local store status",
	Long:  "Display the effective configuration (file plus environment) and the unread state kept in the local message store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "ws"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  User:        %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		path, err := storePath(cfg)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println("Store:")
		if flagMemory {
			fmt.Println("  Path:        (memory)")
		} else {
			fmt.Printf("  Path:        %s\n", path)
		}
		days := cfg.Store.RetentionDays
		if days <= 0 {
			days = 30
		}
		fmt.Printf("  Retention:   %d days\n", days)

		if cfg.Auth.Token == "" {
			return nil
		}

		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := s.engine.Rooms().Load(ctx)
		fmt.Println()
		fmt.Println("Rooms:")
		if err != nil {
			fmt.Printf("  Error fetching room list: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms {
			unread += r.Unread
		}
		fmt.Printf("  Rooms:       %d\n", len(rooms))
		fmt.Printf("  Unread:      %d\n", unread)
		return nil
	},
}
