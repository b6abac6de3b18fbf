package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and local sync status",
	Long:  "Display the current configuration and count the messages still waiting to reach the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Fprintf(out, "  Data dir:  %s\n", valueOrDefault(cfg.Default.DataDir, "(default)"))
		fmt.Fprintf(out, "  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "info"))
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:     (not set)")
		}

		if cfg.Auth.UserID == "" {
			return nil
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Outgoing messages:")
		for _, status := range []chatsync.SyncStatus{
			chatsync.SyncStatusSyncNeeded,
			chatsync.SyncStatusAwaitingAttachments,
			chatsync.SyncStatusInProgress,
			chatsync.SyncStatusFailed,
		} {
			msgs, err := a.store.SelectMessagesBySyncStatus(ctx, status)
			if err != nil {
				return fmt.Errorf("count %s messages: %w", status, err)
			}
			fmt.Fprintf(out, "  %-22s %d\n", status, len(msgs))
		}
		return nil
	},
}
