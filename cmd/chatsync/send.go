package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	sendReplyTo string
	sendTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Id of the message being replied to")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 30*time.Second, "How long to wait for confirmation, retries included")
}

var sendCmd = &cobra.Command{
	Use:   "send <channel>[/<thread-root>] <content>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}
		cfg := mustConfig()
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		notices := make(chan chatsync.Notice, 8)
		opts := syncOptions(cfg, log)
		opts.PageSize = 1
		opts.Notifier = chatsync.NotifierFunc(func(n chatsync.Notice) {
			select {
			case notices <- n:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		mgr := chatsync.NewSyncManager(newClient(cfg, log), nil, opts)
		if err := mgr.Init(ctx); err != nil {
			return err
		}
		defer mgr.Destroy()

		if err := mgr.SetScope(ctx, scope); err != nil {
			return err
		}
		localID, err := mgr.SendMessage(ctx, chatsync.SendOptions{Content: args[1], ReplyToID: sendReplyTo})
		if err != nil {
			return err
		}

		for {
			select {
			case n := <-notices:
				if n.Op != chatsync.MutationSend {
					continue
				}
				if n.Level == chatsync.NoticeError {
					return errors.New(n.Text)
				}
				return printSent(mgr.State(), localID)
			case <-ctx.Done():
				return fmt.Errorf("send %s: %w", localID, ctx.Err())
			}
		}
	},
}

// printSent prints the confirmed message, the newest own message in scope.
func printSent(state chatsync.State, localID string) error {
	var sent *chatsync.Message
	for _, m := range state.Messages {
		if m.ClientID == localID || m.ID == localID {
			sent = m
		}
	}
	if sent == nil {
		fmt.Println("Sent.")
		return nil
	}
	if ok, err := printStructured(os.Stdout, sent); ok {
		return err
	}
	fmt.Printf("Sent %s\n", sent.ID)
	return nil
}
