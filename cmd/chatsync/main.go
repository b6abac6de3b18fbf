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
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
}

// ConfigAuth holds the session identity.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	UserName string `toml:"user_name"`
}

// ConfigSync holds sync engine tuning.
type ConfigSync struct {
	TypingTimeoutMS        int    `toml:"typing_timeout_ms"`
	ChannelLimit           int    `toml:"channel_limit"`
	MessageLimit           int    `toml:"message_limit"`
	EnforceUniqueReactions bool   `toml:"enforce_unique_reactions"`
	MetricsAddr            string `toml:"metrics_addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync (or $CHATSYNC_HOME), creating it
// if needed.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsync")
	}
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

// loadConfig reads the config file and applies environment overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// readConfigFile parses the config file alone. A missing file yields a
// zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	return cfg, nil
}

// applyEnv overrides config values with CHATSYNC_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_DATA_DIR"); v != "" {
		cfg.Default.DataDir = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.Default.LogLevel = v
	}
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		cfg.Auth.UserID = v
	}
	if v := os.Getenv("CHATSYNC_METRICS_ADDR"); v != "" {
		cfg.Sync.MetricsAddr = v
	}
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
		case "data_dir":
			cfg.Default.DataDir = value
		case "log_level":
			if _, err := zap.ParseAtomicLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q: %w", value, err)
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "sync":
		switch field {
		case "typing_timeout_ms", "channel_limit", "message_limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("%s must be a non-negative integer", key)
			}
			switch field {
			case "typing_timeout_ms":
				cfg.Sync.TypingTimeoutMS = n
			case "channel_limit":
				cfg.Sync.ChannelLimit = n
			default:
				cfg.Sync.MessageLimit = n
			}
		case "enforce_unique_reactions":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s must be true or false", key)
			}
			cfg.Sync.EnforceUniqueReactions = b
		case "metrics_addr":
			cfg.Sync.MetricsAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, sync)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var logLevelFlag string

// newLogger builds a JSON zap logger at the flag, config or default level.
func newLogger(cfg *Config) (*zap.Logger, error) {
	level := logLevelFlag
	if level == "" {
		level = cfg.Default.LogLevel
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Offline-first chat sync CLI",
	Long:  "Command-line interface for the chatsync engine.\nManage configuration, browse cached channels, send messages and follow the realtime feed.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	_ = godotenv.Load(".env")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
