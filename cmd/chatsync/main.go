package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	User   ConfigUser   `toml:"user"`
	Sync   ConfigSync   `toml:"sync"`
	Log    ConfigLog    `toml:"log"`
}

// ConfigServer holds the backend address and credentials.
type ConfigServer struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

// ConfigUser identifies the local user.
type ConfigUser struct {
	ID   string `toml:"id"`
	Name string `toml:"name"`
}

// ConfigSync holds sync engine settings.
type ConfigSync struct {
	PageSize     int    `toml:"page_size"`
	CacheDir     string `toml:"cache_dir"`
	DeletePolicy string `toml:"delete_policy"`
}

// ConfigLog holds logging settings.
type ConfigLog struct {
	Level string `toml:"level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory, creating it if needed.
// CHATSYNC_CONFIG_DIR overrides the default ~/.chatsync.
func configDir() (string, error) {
	dir := os.Getenv("CHATSYNC_CONFIG_DIR")
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

// readConfig reads the config file without environment overrides.
// If the file does not exist, it returns a zero-value Config.
func readConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies CHATSYNC_* overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// configKey describes one settable key.
type configKey struct {
	Key  string
	Env  string
	Help string
}

// configKeys lists every key in file order. Each can be overridden by its
// environment variable.
var configKeys = []configKey{
	{"server.base_url", "CHATSYNC_BASE_URL", "Chat backend URL (http or https)"},
	{"server.token", "CHATSYNC_TOKEN", "Bearer token for the REST and WebSocket APIs"},
	{"user.id", "CHATSYNC_USER_ID", "Local user id, the author of optimistic messages"},
	{"user.name", "CHATSYNC_USER_NAME", "Local user display name"},
	{"sync.page_size", "CHATSYNC_PAGE_SIZE", "Messages per page (0 uses the default)"},
	{"sync.cache_dir", "CHATSYNC_CACHE_DIR", "Pebble cache directory; empty disables the cache"},
	{"sync.delete_policy", "CHATSYNC_DELETE_POLICY", "tombstone or remove"},
	{"log.level", "CHATSYNC_LOG_LEVEL", "debug, info, warn or error"},
}

// applyEnv overlays CHATSYNC_* variables and returns the keys they set.
func applyEnv(cfg *Config) map[string]string {
	from := make(map[string]string)
	for _, k := range configKeys {
		v, ok := os.LookupEnv(k.Env)
		if !ok || v == "" {
			continue
		}
		if err := setConfigValue(cfg, k.Key, v); err != nil {
			fmt.Fprintf(os.Stderr, "ignoring %s: %v\n", k.Env, err)
			continue
		}
		from[k.Key] = k.Env
	}
	return from
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

// getConfigValue reads a config field using dot notation.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "server.base_url":
		return cfg.Server.BaseURL, nil
	case "server.token":
		return cfg.Server.Token, nil
	case "user.id":
		return cfg.User.ID, nil
	case "user.name":
		return cfg.User.Name, nil
	case "sync.page_size":
		if cfg.Sync.PageSize == 0 {
			return "", nil
		}
		return strconv.Itoa(cfg.Sync.PageSize), nil
	case "sync.cache_dir":
		return cfg.Sync.CacheDir, nil
	case "sync.delete_policy":
		return cfg.Sync.DeletePolicy, nil
	case "log.level":
		return cfg.Log.Level, nil
	}
	return "", fmt.Errorf("unknown config key %q (run 'chatsync config keys')", key)
}

// setConfigValue sets a config field using dot notation (e.g. "server.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "token":
			cfg.Server.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "user":
		switch field {
		case "id":
			cfg.User.ID = value
		case "name":
			cfg.User.Name = value
		default:
			return fmt.Errorf("unknown field %q in section [user]", field)
		}
	case "sync":
		switch field {
		case "page_size":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return fmt.Errorf("page_size must be a non-negative integer")
			}
			cfg.Sync.PageSize = n
		case "cache_dir":
			cfg.Sync.CacheDir = value
		case "delete_policy":
			if value != "tombstone" && value != "remove" {
				return fmt.Errorf("delete_policy must be tombstone or remove")
			}
			cfg.Sync.DeletePolicy = value
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, user, sync, log)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for a chat backend.\nBrowse history, tail a channel in real time, and send messages.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine; a broken one is not.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		switch outputFormat {
		case "text", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown --format %q (valid: text, json, yaml)", outputFormat)
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text, json or yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
