package chatsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Events
// ============================================================================

// Event is a typed real-time event. The concrete types below are the only
// implementations.
type Event interface {
	// EventName returns the wire name of the event.
	EventName() string
}

// Wire event names.
const (
	EventMessageSent          = "message_sent"
	EventMessageUpdated       = "message_updated"
	EventMessageDeleted       = "message_deleted"
	EventThreadCreated        = "thread_created"
	EventThreadReply          = "thread_reply"
	EventReactionToggled      = "reaction_toggled"
	EventReactionsCleared     = "reactions_cleared"
	EventTypingIndicator      = "typing_indicator"
	EventConnect              = "connect"
	EventDisconnect           = "disconnect"
	EventSyncResponse         = "sync_response"
	EventMaxReconnectAttempts = "max_reconnect_attempts_reached"
	eventReconnecting         = "reconnecting"
	eventConnecting           = "connecting"
)

// MessageCreated carries a new message.
type MessageCreated struct {
	Message *Message `json:"message"`
}

// MessageUpdated carries the new version of an existing message.
type MessageUpdated struct {
	Message *Message `json:"message"`
}

// MessageDeleted reports a deletion.
type MessageDeleted struct {
	MessageID    string    `json:"message_id"`
	ChannelID    string    `json:"channel_id"`
	ThreadRootID string    `json:"thread_root_id,omitempty"`
	DeletedBy    string    `json:"deleted_by,omitempty"`
	DeletedAt    time.Time `json:"deleted_at"`
}

// ThreadCreated reports that a message became a thread root.
type ThreadCreated struct {
	ChannelID string     `json:"channel_id"`
	RootID    string     `json:"root_id"`
	Thread    ThreadInfo `json:"thread"`
}

// ThreadReplyAdded carries a new reply and optionally the server's summary.
type ThreadReplyAdded struct {
	ChannelID string      `json:"channel_id"`
	RootID    string      `json:"root_id"`
	Reply     *Message    `json:"reply"`
	Thread    *ThreadInfo `json:"thread,omitempty"`
}

// ReactionToggled carries the canonical reaction list after a toggle.
type ReactionToggled struct {
	MessageID    string     `json:"message_id"`
	ChannelID    string     `json:"channel_id"`
	ThreadRootID string     `json:"thread_root_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	Emoji        string     `json:"emoji,omitempty"`
	Reactions    []Reaction `json:"current_reactions"`
}

// ReactionsCleared empties a message's reactions.
type ReactionsCleared struct {
	MessageID    string `json:"message_id"`
	ChannelID    string `json:"channel_id"`
	ThreadRootID string `json:"thread_root_id,omitempty"`
}

// TypingIndicator reports a peer starting or stopping typing.
type TypingIndicator struct {
	ChannelID    string `json:"channel_id"`
	ThreadRootID string `json:"thread_root_id,omitempty"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name,omitempty"`
	IsTyping     bool   `json:"is_typing"`
}

// ConnectionChanged reports a transition of the realtime connection.
type ConnectionChanged struct {
	State   RealtimeState `json:"state"`
	Attempt int           `json:"attempt,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// SyncResponse is the answer to a delta sync request.
type SyncResponse struct {
	Scope     Scope                 `json:"scope"`
	Messages  []*Message            `json:"messages"`
	Reactions map[string][]Reaction `json:"reactions,omitempty"`
	Threads   map[string]ThreadInfo `json:"threads,omitempty"`
	Deleted   []string              `json:"deleted,omitempty"`
}

// ReconnectFailed reports that the transport gave up reconnecting.
type ReconnectFailed struct {
	Attempts int `json:"attempts"`
}

func (MessageCreated) EventName() string   { return EventMessageSent }
func (MessageUpdated) EventName() string   { return EventMessageUpdated }
func (MessageDeleted) EventName() string   { return EventMessageDeleted }
func (ThreadCreated) EventName() string    { return EventThreadCreated }
func (ThreadReplyAdded) EventName() string { return EventThreadReply }
func (ReactionToggled) EventName() string  { return EventReactionToggled }
func (ReactionsCleared) EventName() string { return EventReactionsCleared }
func (TypingIndicator) EventName() string  { return EventTypingIndicator }
func (SyncResponse) EventName() string     { return EventSyncResponse }
func (ReconnectFailed) EventName() string  { return EventMaxReconnectAttempts }

func (e ConnectionChanged) EventName() string {
	switch e.State {
	case StateConnected:
		return EventConnect
	case StateReconnecting:
		return eventReconnecting
	case StateConnecting:
		return eventConnecting
	default:
		return EventDisconnect
	}
}

// ============================================================================
// Transport ports
// ============================================================================

// Service is the request/response side of the chat backend.
type Service interface {
	GetChannelMessages(ctx context.Context, channelID string, req PageRequest) (*Page, error)
	GetThreadReplies(ctx context.Context, threadRootID string, req PageRequest) (*Page, error)
	SendMessage(ctx context.Context, channelID string, opts SendOptions) (*Message, error)
	AddThreadReply(ctx context.Context, channelID, threadRootID string, opts SendOptions) (*Message, error)
	EditMessage(ctx context.Context, messageID, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error)
	CreateThread(ctx context.Context, messageID string) (*ThreadInfo, error)
}

// EventSource delivers real-time events.
type EventSource interface {
	Subscribe() *Subscription
}

// Signaler sends outbound real-time commands.
type Signaler interface {
	StartTyping(ctx context.Context, scope Scope) error
	StopTyping(ctx context.Context, scope Scope) error
	JoinChannel(ctx context.Context, channelID string) error
	LeaveChannel(ctx context.Context, channelID string) error
	RequestSync(ctx context.Context, scope Scope, since time.Time) error
	ForceReconnect(ctx context.Context) error
}

// Realtime is a bidirectional real-time transport.
type Realtime interface {
	EventSource
	Signaler
}

// ============================================================================
// Subscriptions
// ============================================================================

// Subscription is a handle on an event feed. Close it to stop delivery; C is
// closed afterwards.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	hub   *eventHub
	id    int
	close sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.close.Do(func() { s.hub.remove(s.id) })
}

const subscriptionBuffer = 256

// eventHub fans events out to subscriptions. Slow subscribers lose events
// rather than stall the transport; the delta sync on reconnect recovers them.
type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	closed bool
	log    *zap.Logger
}

func newEventHub(log *zap.Logger) *eventHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &eventHub{subs: make(map[int]*Subscription), log: log}
}

func (h *eventHub) subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, hub: h, id: h.nextID}
	h.nextID++
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s.id] = s
	return s
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.log.Warn("subscriber_overflow", zap.String("event", ev.EventName()))
		}
	}
}

func (h *eventHub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
