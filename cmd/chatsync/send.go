package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendFiles    []string
	sendParentID string
	sendSilent   bool
	sendTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringArrayVarP(&sendFiles, "file", "f", nil, "attach a local file (repeatable)")
	sendCmd.Flags().StringVar(&sendParentID, "parent", "", "reply in the thread of this message")
	sendCmd.Flags().BoolVar(&sendSilent, "silent", false, "do not count as unread for others")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 2*time.Minute, "give up waiting for uploads after this long")
}

var sendCmd = &cobra.Command{
	Use:   "send <type:id> <text>",
	Short: "Send a message, uploading attachments first",
	Long:  "Write a message to the local store, upload its attachments and send it. Messages that cannot be delivered stay queued locally.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelType, channelID, err := parseCID(args[0])
		if err != nil {
			return err
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		msg := chatsync.Message{Text: args[1], ParentID: sendParentID, Silent: sendSilent}
		for _, path := range sendFiles {
			abs, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", path, err)
			}
			msg.Attachments = append(msg.Attachments, chatsync.Attachment{
				Name:      filepath.Base(abs),
				LocalPath: abs,
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		sent, err := a.session.SendMessage(ctx, channelType, channelID, msg)
		out := cmd.OutOrStdout()
		var uploadErr *chatsync.UploadError
		switch {
		case err == nil:
			fmt.Fprintf(out, "Message %s: %s\n", sent.ID, sent.SyncStatus)
			return nil
		case errors.Is(err, chatsync.ErrOffline):
			fmt.Fprintf(out, "Message %s saved; it will be sent when online.\n", sent.ID)
			return nil
		case errors.As(err, &uploadErr):
			for _, att := range sent.Attachments {
				fmt.Fprintf(out, "  %-32s %s %s\n", att.Name, att.UploadState.Kind, att.UploadState.Error)
			}
			return err
		default:
			return err
		}
	},
}
