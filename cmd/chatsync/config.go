package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
	configShowCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print the token unmasked")
}

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the sync settings",
	Long: "Settings live in ~/.chatsync/config.toml (or $CHATSYNC_CONFIG_DIR) and\n" +
		"every key can be overridden by a CHATSYNC_* variable or a .env file.",
}

// configEntry is one resolved key as printed by 'config show'.
type configEntry struct {
	Key    string `json:"key" yaml:"key"`
	Value  string `json:"value" yaml:"value"`
	Source string `json:"source" yaml:"source"`
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings and where each came from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		entries := resolveConfig(cfg, showSecrets)
		out := cmd.OutOrStdout()
		ok, err := printStructured(out, entries)
		if err != nil {
			return err
		}
		if !ok {
			for _, e := range entries {
				fmt.Fprintf(out, "%-20s %-32s %s\n", e.Key, valueOrDefault(e.Value, "(not set)"), e.Source)
			}
		}
		return reportProblems(cmd.ErrOrStderr(), validateConfig(cfg))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one key to the config file",
	Long:  "Write one key to the config file. Run 'chatsync config keys' for the list.\nExample: chatsync config set sync.cache_dir ~/.chatsync/cache",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if _, err := getConfigValue(&Config{}, key); err != nil {
			return err
		}
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == "server.base_url" {
			if err := checkBaseURL(value); err != nil {
				return err
			}
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		if key == "server.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
		for _, k := range configKeys {
			if k.Key == key && os.Getenv(k.Env) != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "note: %s is set and overrides this value\n", k.Env)
			}
		}
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the settable keys and their environment variables",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		for _, k := range configKeys {
			fmt.Fprintf(out, "%-20s %-24s %s\n", k.Key, k.Env, k.Help)
		}
	},
}

// resolveConfig applies environment overrides to cfg in place and reports
// every key with its source.
func resolveConfig(cfg *Config, secrets bool) []configEntry {
	fromEnv := applyEnv(cfg)
	entries := make([]configEntry, 0, len(configKeys))
	for _, k := range configKeys {
		v, _ := getConfigValue(cfg, k.Key)
		src := "file"
		switch {
		case fromEnv[k.Key] != "":
			src = "env " + fromEnv[k.Key]
		case v == "":
			src = "default"
		}
		if k.Key == "server.token" && v != "" && !secrets {
			v = maskKey(v)
		}
		entries = append(entries, configEntry{Key: k.Key, Value: v, Source: src})
	}
	return entries
}

// validateConfig reports settings that keep the sync commands from working.
func validateConfig(cfg *Config) []error {
	var errs []error
	if cfg.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is not set"))
	} else if err := checkBaseURL(cfg.Server.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if cfg.Server.Token == "" {
		errs = append(errs, errors.New("server.token is not set"))
	}
	return errs
}

func checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.base_url %q must be an http or https URL with a host", raw)
	}
	return nil
}

func reportProblems(w io.Writer, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	for _, err := range errs {
		fmt.Fprintf(w, "problem: %v\n", err)
	}
	return errors.New("configuration incomplete; run 'chatsync init <base-url> <token>'")
}
