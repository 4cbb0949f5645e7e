package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var historyPages int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyPages, "pages", "p", 1, "Number of pages to load")
}

var historyCmd = &cobra.Command{
	Use:   "history <channel>[/<thread-root>]",
	Short: "Print the message history of a channel or thread",
	Long:  "Load a channel or thread page by page and print the merged, ordered history.\nWith sync.cache_dir set, the local snapshot is shown and refreshed.",
	Args:  cobra.ExactArgs(1),
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

		opts := syncOptions(cfg, log)
		st, err := openStorage(cfg, log)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close()
			opts.Storage = st
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mgr := chatsync.NewSyncManager(newClient(cfg, log), nil, opts)
		if err := mgr.Init(ctx); err != nil {
			return err
		}
		defer mgr.Destroy()

		if err := mgr.SetScope(ctx, scope); err != nil {
			return err
		}
		for i := 1; i < historyPages && mgr.State().HasMore; i++ {
			if err := mgr.LoadMore(ctx); err != nil {
				return err
			}
		}

		state := mgr.State()
		if ok, err := printStructured(os.Stdout, state.Messages); ok {
			return err
		}
		for _, m := range state.Messages {
			fmt.Println(formatMessage(m))
		}
		more := ""
		if state.HasMore {
			more = ", more available"
		}
		fmt.Printf("\n%d messages in %s%s\n", len(state.Messages), scope, more)
		return nil
	},
}
