package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/LuminPulse-AI/chatsync"
)

// mustConfig loads the config and exits when no server is configured.
func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No server configured. Run 'chatsync init <base-url> <token>' first.")
		os.Exit(1)
	}
	return cfg
}

// newLogger builds a development logger under --verbose, otherwise a
// production logger at the configured level.
func newLogger(cfg *Config) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	level := cfg.Log.Level
	if level == "" {
		level = "warn"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zc.Level = lvl
	return zc.Build()
}

func newClient(cfg *Config, log *zap.Logger) *chatsync.Client {
	return chatsync.NewClient(cfg.Server.Token,
		chatsync.WithBaseURL(cfg.Server.BaseURL),
		chatsync.WithUserAgent("chatsync-cli"),
		chatsync.WithLogger(log))
}

func newRealtime(cfg *Config, log *zap.Logger) *chatsync.RealtimeClient {
	return chatsync.NewRealtimeClient(chatsync.RealtimeConfig{
		BaseURL:       cfg.Server.BaseURL,
		Token:         cfg.Server.Token,
		AutoReconnect: true,
		Logger:        log,
	})
}

// openStorage opens the pebble cache when sync.cache_dir is set.
func openStorage(cfg *Config, log *zap.Logger) (chatsync.Storage, error) {
	if cfg.Sync.CacheDir == "" {
		return nil, nil
	}
	st, err := chatsync.OpenPebbleStorage(expandHome(cfg.Sync.CacheDir), log)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func syncOptions(cfg *Config, log *zap.Logger) chatsync.Options {
	return chatsync.Options{
		Self:         chatsync.Author{ID: cfg.User.ID, Name: cfg.User.Name},
		PageSize:     cfg.Sync.PageSize,
		DeletePolicy: chatsync.DeletePolicy(cfg.Sync.DeletePolicy),
		Logger:       log,
	}
}

// parseScope accepts "<channel>" or "<channel>/<thread-root>".
func parseScope(arg string) (chatsync.Scope, error) {
	channel, thread, _ := strings.Cut(arg, "/")
	if channel == "" {
		return chatsync.Scope{}, fmt.Errorf("invalid scope %q: want <channel> or <channel>/<thread-root>", arg)
	}
	return chatsync.Scope{ChannelID: channel, ThreadRootID: thread}, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}

// ============================================================================
// Output
// ============================================================================

// printStructured writes v as JSON or YAML according to --format. It reports
// false for text output so the caller can print its own format.
func printStructured(w io.Writer, v any) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	default:
		return false, nil
	}
}

// formatMessage renders one message as a single line.
func formatMessage(m *chatsync.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %s", humanize.Time(m.CreatedAt), valueOrDefault(m.Author.Name, m.Author.ID))
	switch {
	case m.IsDeleted:
		b.WriteString(": (deleted)")
	default:
		b.WriteString(": " + m.Content)
	}
	if m.IsEdited {
		b.WriteString(" (edited)")
	}
	for _, r := range m.Reactions {
		fmt.Fprintf(&b, " [%s %d]", r.Emoji, r.Count)
	}
	if m.Thread != nil && m.Thread.ReplyCount > 0 {
		fmt.Fprintf(&b, " (%s)", english.Plural(m.Thread.ReplyCount, "reply", "replies"))
	}
	switch {
	case m.HasFailed:
		b.WriteString(" !failed: " + m.SendError)
	case m.IsSending:
		b.WriteString(" ...")
	}
	return b.String()
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
