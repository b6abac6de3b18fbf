package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	channelsLimit   int
	channelsOffset  int
	channelsOffline bool
	channelsJSON    bool
)

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.Flags().IntVarP(&channelsLimit, "limit", "n", 0, "page size (default from config)")
	channelsCmd.Flags().IntVar(&channelsOffset, "offset", 0, "page offset")
	channelsCmd.Flags().BoolVar(&channelsOffline, "offline", false, "read the local cache only")
	channelsCmd.Flags().BoolVar(&channelsJSON, "json", false, "output raw JSON")
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the channels you are a member of",
	Long:  "Query the channels you are a member of, newest activity first. The local cache answers first; the server is asked unless --offline is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if channelsOffline {
			a.session.SetOnline(false)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		q := a.session.QueryChannels(chatsync.In("members", a.cfg.Auth.UserID), chatsync.DefaultChannelSort)
		channels, err := q.QueryChannels(ctx, chatsync.QueryChannelsRequest{
			Offset: channelsOffset,
			Limit:  channelsLimit,
		})
		if err != nil {
			return fmt.Errorf("query channels: %w", err)
		}
		if qerr := q.State().Err.Value(); qerr != nil {
			a.logger.Warn("query_channels_remote_failed", zap.Error(qerr))
		}

		out := cmd.OutOrStdout()
		if channelsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(channels)
		}
		if len(channels) == 0 {
			fmt.Fprintln(out, "No channels.")
			return nil
		}
		for _, c := range channels {
			unread := 0
			if r, ok := c.ReadFor(a.cfg.Auth.UserID); ok {
				unread = r.UnreadMessages
			}
			last := "-"
			if c.LastMessageAt != nil {
				last = c.LastMessageAt.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(out, "%-32s %-24s unread=%-4d last=%s\n", c.CID, valueOrDefault(c.Name, "(unnamed)"), unread, last)
		}
		if q.State().EndOfChannels.Value() {
			fmt.Fprintln(out, "(end of channels)")
		}
		return nil
	},
}
