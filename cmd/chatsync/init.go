package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID      string
	initDisplayName string
	initBaseURL     string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "your user ID, used to match your own sends")
	initCmd.Flags().StringVar(&initDisplayName, "name", "", "your display name")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "messaging service URL")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.weemo/config.toml",
	Long:  "Initialize chatsync by storing your session token and identity in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initDisplayName != "" {
			cfg.Auth.DisplayName = initDisplayName
		}
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "ws"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}
