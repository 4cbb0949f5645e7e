package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultPageSize       = 50
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 1 * time.Second
	DefaultTypingWindow   = 1 * time.Second
	DefaultTypingIdle     = 3 * time.Second
	DefaultTypingStale    = 5 * time.Second
	DefaultTypingSweep    = 1 * time.Second
)

// DeletePolicy decides what a confirmed deletion leaves behind.
type DeletePolicy string

const (
	// DeletePolicyTombstone keeps the record with content redacted.
	DeletePolicyTombstone DeletePolicy = "tombstone"
	// DeletePolicyRemove drops the record from the live set.
	DeletePolicyRemove DeletePolicy = "remove"
)

// Options configures a SyncManager and the components it owns.
type Options struct {
	// Self is the local user. Used for optimistic messages, reaction toggles
	// and typing self-exclusion.
	Self Author

	PageSize       int
	MaxRetries     int
	RetryBaseDelay time.Duration
	DeletePolicy   DeletePolicy

	TypingWindow time.Duration
	TypingIdle   time.Duration
	TypingStale  time.Duration
	TypingSweep  time.Duration

	// Storage persists confirmed scope snapshots for offline start. Optional.
	Storage Storage
	// Notifier receives user-visible success/error notices. Optional.
	Notifier Notifier
	// ExtraSources are additional event feeds, e.g. a WebhookReceiver.
	ExtraSources []EventSource

	Logger     *zap.Logger
	Registerer prometheus.Registerer

	// now is overridable in tests.
	now func() time.Time
}

func (o *Options) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.DeletePolicy == "" {
		o.DeletePolicy = DeletePolicyTombstone
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = DefaultTypingWindow
	}
	if o.TypingIdle <= 0 {
		o.TypingIdle = DefaultTypingIdle
	}
	if o.TypingStale <= 0 {
		o.TypingStale = DefaultTypingStale
	}
	if o.TypingSweep <= 0 {
		o.TypingSweep = DefaultTypingSweep
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Notifier == nil {
		o.Notifier = NotifierFunc(func(Notice) {})
	}
	if o.now == nil {
		o.now = time.Now
	}
}
