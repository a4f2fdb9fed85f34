package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.weemo/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Store   ConfigStore   `toml:"store"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
	Transport   string `toml:"transport"` // "ws" or "sse"
}

// ConfigAuth holds the session of the signed-in user.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// ConfigStore holds local persistence settings.
type ConfigStore struct {
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.weemo, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".weemo")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// resolveConfig loads the config file and applies environment overrides,
// reading a .env file from the working directory if present. The result is
// never written back to disk.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()

	cfg.Auth.Token = getEnv("WEEMO_TOKEN", cfg.Auth.Token)
	cfg.Auth.UserID = getEnv("WEEMO_USER_ID", cfg.Auth.UserID)
	cfg.Default.BaseURL = getEnv("WEEMO_BASE_URL", cfg.Default.BaseURL)
	cfg.Default.Environment = getEnv("WEEMO_ENV", cfg.Default.Environment)
	cfg.Default.Transport = getEnv("WEEMO_TRANSPORT", cfg.Default.Transport)
	cfg.Store.Path = getEnv("WEEMO_STORE", cfg.Store.Path)
	if days, err := strconv.Atoi(os.Getenv("WEEMO_RETENTION_DAYS")); err == nil {
		cfg.Store.RetentionDays = days
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "environment":
			cfg.Default.Environment = value
		case "transport":
			if value != "ws" && value != "sse" {
				return fmt.Errorf("transport must be ws or sse")
			}
			cfg.Default.Transport = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "store":
		switch field {
		case "path":
			cfg.Store.Path = value
		case "retention_days":
			days, err := strconv.Atoi(value)
			if err != nil || days <= 0 {
				return fmt.Errorf("retention_days must be a positive integer")
			}
			cfg.Store.RetentionDays = days
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, store)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagMemory  bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "WeeMo chat sync CLI",
	Long:         "Command-line interface for the WeeMo chat synchronization engine.\nList rooms, follow a room live, send messages, and manage the local message store.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagMemory, "memory", false, "use an in-memory message store instead of the local database")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
