package main

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd, configSetCmd)
	rootCmd.AddCommand(configCmd, initCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit the CLI configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Long: "Print the configuration the other commands run with: the config file\n" +
		"merged with CHATSYNC_* environment overrides. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		shown.Auth.Token = maskKey(cfg.Auth.Token)
		data, err := toml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set one configuration value",
	Example: "  chatsync config set sync.channel_limit 50\n  chatsync config set default.log_level debug",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := updateConfigFile(func(cfg *Config) error {
			return setConfigValue(cfg, key, value)
		}); err != nil {
			return err
		}
		if strings.HasSuffix(key, ".token") {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init <token> <user-id>",
	Short: "Store the session token and user id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfigFile(func(cfg *Config) error {
			cfg.Auth.Token, cfg.Auth.UserID = args[0], args[1]
			return nil
		}); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Credentials for %s saved to %s\n", args[1], path)
		return nil
	},
}

// updateConfigFile applies fn to the file contents only, so environment
// overrides never end up on disk.
func updateConfigFile(fn func(*Config) error) error {
	cfg, err := readConfigFile()
	if err != nil {
		return err
	}
	if err := fn(cfg); err != nil {
		return err
	}
	return saveConfig(cfg)
}
