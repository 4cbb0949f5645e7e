package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initUserName string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Local user id")
	initCmd.Flags().StringVar(&initUserName, "user-name", "", "Local display name")
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store server address and token in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the server address and bearer token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := checkBaseURL(args[0]); err != nil {
			return err
		}
		cfg.Server.BaseURL = args[0]
		cfg.Server.Token = args[1]
		if initUserID != "" {
			cfg.User.ID = initUserID
		}
		if initUserName != "" {
			cfg.User.Name = initUserName
		}
		if cfg.Log.Level == "" {
			cfg.Log.Level = "info"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
