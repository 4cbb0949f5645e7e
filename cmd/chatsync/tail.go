package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	tailMetricsAddr   string
	tailWebhookAddr   string
	tailWebhookSecret string
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	tailCmd.Flags().StringVar(&tailWebhookAddr, "webhook-addr", "", "Also accept signed webhook deliveries on this address")
	tailCmd.Flags().StringVar(&tailWebhookSecret, "webhook-secret", os.Getenv("CHATSYNC_WEBHOOK_SECRET"), "Webhook signing secret")
}

var tailCmd = &cobra.Command{
	Use:   "tail <channel>[/<thread-root>]",
	Short: "Follow a channel or thread in real time",
	Long:  "Connect to the real-time feed, load the latest page and print every event until interrupted.",
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

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := syncOptions(cfg, log)
		opts.Notifier = chatsync.NotifierFunc(func(n chatsync.Notice) {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Level, n.Text)
		})
		st, err := openStorage(cfg, log)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close()
			opts.Storage = st
		}

		var servers []*http.Server
		defer func() {
			for _, srv := range servers {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				srv.Shutdown(sctx)
				cancel()
			}
		}()

		if tailMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())
			opts.Registerer = reg
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			servers = append(servers, serve(tailMetricsAddr, mux, log))
		}

		if tailWebhookAddr != "" {
			wh, err := chatsync.NewWebhookReceiver(tailWebhookSecret, log)
			if err != nil {
				return err
			}
			defer wh.Close()
			opts.ExtraSources = append(opts.ExtraSources, wh)
			mux := http.NewServeMux()
			mux.Handle("/webhook", wh.HTTPHandler())
			servers = append(servers, serve(tailWebhookAddr, mux, log))
		}

		rt := newRealtime(cfg, log)
		defer rt.Close()
		events := rt.Subscribe()
		defer events.Close()

		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = rt.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}

		mgr := chatsync.NewSyncManager(newClient(cfg, log), rt, opts)
		if err := mgr.Init(ctx); err != nil {
			return err
		}
		defer mgr.Destroy()

		if err := mgr.SetScope(ctx, scope); err != nil {
			return err
		}
		state := mgr.State()
		for _, m := range state.Messages {
			fmt.Println(formatMessage(m))
		}
		fmt.Fprintf(os.Stderr, "-- following %s (%d messages loaded)\n", scope, len(state.Messages))

		typing := ""
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events.C:
				if !ok {
					return nil
				}
				printEvent(scope, ev)
			case <-mgr.Changes():
				if t := mgr.State().TypingText; t != typing {
					typing = t
					if t != "" {
						fmt.Fprintf(os.Stderr, "-- %s\n", t)
					}
				}
			}
		}
	},
}

func serve(addr string, handler http.Handler, log *zap.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_server_failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv
}

// printEvent prints one real-time event in text form, or the event itself
// as JSON/YAML.
func printEvent(scope chatsync.Scope, ev chatsync.Event) {
	if ok, _ := printStructured(os.Stdout, map[string]any{"event": ev.EventName(), "payload": ev}); ok {
		return
	}
	switch e := ev.(type) {
	case chatsync.MessageCreated:
		if e.Message != nil && e.Message.Scope() == scope {
			fmt.Println(formatMessage(e.Message))
		}
	case chatsync.MessageUpdated:
		if e.Message != nil && e.Message.Scope() == scope {
			fmt.Println("edited  " + formatMessage(e.Message))
		}
	case chatsync.MessageDeleted:
		fmt.Printf("deleted %s by %s\n", e.MessageID, valueOrDefault(e.DeletedBy, "(unknown)"))
	case chatsync.ThreadReplyAdded:
		if e.Reply != nil {
			fmt.Printf("thread %s: %s\n", e.RootID, formatMessage(e.Reply))
		}
	case chatsync.ReactionToggled:
		fmt.Printf("reactions on %s: %d emoji\n", e.MessageID, len(e.Reactions))
	case chatsync.ConnectionChanged:
		line := "-- " + string(e.State)
		if e.Attempt > 0 {
			line += fmt.Sprintf(" (%s attempt)", humanize.Ordinal(e.Attempt))
		}
		fmt.Fprintln(os.Stderr, line)
	case chatsync.ReconnectFailed:
		fmt.Fprintf(os.Stderr, "-- gave up after %d attempts\n", e.Attempts)
	}
}
