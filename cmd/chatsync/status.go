package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var statusLive bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusLive, "live", false, "Connect to the real-time feed and measure a ping")
}

var statusCmd = &cobra.Command{
	Use:   "status [<channel>[/<thread-root>]]",
	Short: "Show current configuration and sync status",
	Long:  "Display the current configuration, when a scope was last synced into the local cache, and optionally the live connection.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		if cfg.Server.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Server.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  User:      %s\n", valueOrDefault(cfg.User.ID, "(not set)"))
		fmt.Printf("  Cache:     %s\n", valueOrDefault(cfg.Sync.CacheDir, "(disabled)"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if len(args) == 1 && cfg.Sync.CacheDir != "" {
			scope, err := parseScope(args[0])
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			st, err := openStorage(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			fmt.Println()
			fmt.Printf("Cache for %s:\n", scope)
			msgs, err := st.LoadMessages(ctx, scope)
			if err != nil {
				return fmt.Errorf("read cache: %w", err)
			}
			fmt.Printf("  Messages:  %s\n", humanize.Comma(int64(len(msgs))))
			synced, err := chatsync.SyncedAt(ctx, st, scope)
			switch {
			case err != nil:
				fmt.Printf("  Synced:    unknown (%v)\n", err)
			case synced.IsZero():
				fmt.Println("  Synced:    never")
			default:
				fmt.Printf("  Synced:    %s\n", humanize.Time(synced))
			}
		}

		if statusLive && cfg.Server.BaseURL != "" {
			fmt.Println()
			fmt.Println("Live status:")
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			rt := newRealtime(cfg, log)
			defer rt.Close()
			if err := rt.Connect(ctx); err != nil {
				fmt.Printf("  Connection: failed (%v)\n", err)
				return nil
			}
			start := time.Now()
			if _, err := rt.Ping(ctx); err != nil {
				fmt.Printf("  Connection: %s, ping failed (%v)\n", rt.State(), err)
				return nil
			}
			fmt.Printf("  Connection: %s, ping %s\n", rt.State(), time.Since(start).Round(time.Millisecond))
		}
		return nil
	},
}
