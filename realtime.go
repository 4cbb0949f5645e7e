package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"request_id,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// Outbound command names.
const (
	CommandTypingStart  = "typing_start"
	CommandTypingStop   = "typing_stop"
	CommandJoinChannel  = "join_channel"
	CommandLeaveChannel = "leave_channel"
	CommandSyncRequest  = "sync_request"
	CommandPing         = "ping"
)

type scopePayload struct {
	ChannelID    string `json:"channel_id"`
	ThreadRootID string `json:"thread_root_id,omitempty"`
	Since        string `json:"since,omitempty"`
}

var errMalformedEvent = errors.New("malformed event")

// decodeEvent turns a wire envelope into a typed Event. It returns (nil, nil)
// for envelope types that carry no sync state.
func decodeEvent(env RealtimeEnvelope) (Event, error) {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		switch env.Type {
		case "authenticated", "pong", "error":
			return nil, nil
		}
		return nil, fmt.Errorf("%s: missing payload: %w", env.Type, errMalformedEvent)
	}

	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventMessageSent:
		var m *Message
		if m, err = decodeMessagePayload(env.Payload); err == nil {
			ev = MessageCreated{Message: m}
		}
	case EventMessageUpdated:
		var m *Message
		if m, err = decodeMessagePayload(env.Payload); err == nil {
			ev = MessageUpdated{Message: m}
		}
	case EventMessageDeleted:
		var e MessageDeleted
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventThreadCreated:
		var e ThreadCreated
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventThreadReply:
		var e ThreadReplyAdded
		err = json.Unmarshal(env.Payload, &e)
		if err == nil && e.Reply == nil {
			err = errMalformedEvent
		}
		ev = e
	case EventReactionToggled:
		var e ReactionToggled
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventReactionsCleared:
		var e ReactionsCleared
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventTypingIndicator:
		var e TypingIndicator
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case EventSyncResponse:
		var e SyncResponse
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Type, err)
	}
	return ev, nil
}

// decodeMessagePayload accepts either a bare message or {"message": {...}}.
func decodeMessagePayload(raw json.RawMessage) (*Message, error) {
	var wrapped struct {
		Message *Message `json:"message"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Message != nil {
		return wrapped.Message, nil
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, errMalformedEvent
	}
	return &m, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	BaseURL              string
	Path                 string
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt and the attempt number.
// A connection that stayed up for a minute starts over from the base delay.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket Realtime with auto-reconnect and heartbeat.
type RealtimeClient struct {
	config *RealtimeConfig
	hub    *eventHub
	recon  *reconnector
	log    *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	state      RealtimeState
	lifeCancel context.CancelFunc
	life       context.Context

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewRealtimeClient creates a disconnected client.
func NewRealtimeClient(config RealtimeConfig) *RealtimeClient {
	config.defaults()
	log := config.Logger.Named("realtime")
	return &RealtimeClient{
		config:       &config,
		hub:          newEventHub(log),
		recon:        newReconnector(&config),
		log:          log,
		state:        StateDisconnected,
		pendingPings: make(map[string]chan PongPayload),
	}
}

// Subscribe returns a feed of decoded events and connection changes.
func (rc *RealtimeClient) Subscribe() *Subscription {
	return rc.hub.subscribe()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *RealtimeClient) setState(s RealtimeState, attempt int, reason string) {
	rc.mu.Lock()
	changed := rc.state != s
	rc.state = s
	rc.mu.Unlock()
	if changed {
		rc.hub.publish(ConnectionChanged{State: s, Attempt: attempt, Reason: reason})
	}
}

// Connect establishes the WebSocket connection. The connection outlives ctx,
// which bounds only the handshake.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state != StateDisconnected {
		rc.mu.Unlock()
		return nil
	}
	rc.life, rc.lifeCancel = context.WithCancel(context.Background())
	life := rc.life
	rc.mu.Unlock()

	rc.setState(StateConnecting, 0, "")
	if err := rc.dial(ctx, life); err != nil {
		rc.setState(StateDisconnected, 0, err.Error())
		return err
	}
	return nil
}

func (rc *RealtimeClient) wsURL() string {
	u := strings.Replace(rc.config.BaseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += rc.config.Path
	if rc.config.Token != "" {
		u += "?token=" + url.QueryEscape(rc.config.Token)
	}
	return u
}

// dial performs the handshake and starts the read and heartbeat loops bound
// to life.
func (rc *RealtimeClient) dial(ctx, life context.Context) error {
	header := http.Header{}
	if rc.config.Token != "" {
		header.Set("Authorization", "Bearer "+rc.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, rc.wsURL(), &websocket.DialOptions{
		HTTPClient: rc.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", &transportError{op: "dial", err: err})
	}

	// First message must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth message: %w", &transportError{op: "read", err: err})
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusPolicyViolation, "")
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(life)
	rc.mu.Lock()
	if life.Err() != nil {
		rc.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return life.Err()
	}
	rc.conn = conn
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.setState(StateConnected, 0, "")
	rc.log.Info("realtime_connected", zap.String("url", rc.config.BaseURL+rc.config.Path))

	go rc.readLoop(connCtx, cancel, conn)
	go rc.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	if rc.lifeCancel != nil {
		rc.lifeCancel()
		rc.lifeCancel = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()

	rc.clearPendingPings()
	rc.setState(StateDisconnected, 0, "client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Close disconnects and closes every subscription.
func (rc *RealtimeClient) Close() error {
	err := rc.Disconnect()
	rc.hub.closeAll()
	return err
}

// ForceReconnect drops the current connection, resets the backoff and dials
// again.
func (rc *RealtimeClient) ForceReconnect(ctx context.Context) error {
	if err := rc.Disconnect(); err != nil {
		rc.log.Debug("force_reconnect_close", zap.Error(err))
	}
	rc.recon.reset()
	return rc.Connect(ctx)
}

// ============================================================================
// Commands
// ============================================================================

// Send sends a raw command over the WebSocket.
func (rc *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// StartTyping tells peers in scope that the local user is typing.
func (rc *RealtimeClient) StartTyping(ctx context.Context, scope Scope) error {
	return rc.Send(ctx, &RealtimeCommand{
		Type:    CommandTypingStart,
		Payload: scopePayload{ChannelID: scope.ChannelID, ThreadRootID: scope.ThreadRootID},
	})
}

// StopTyping sends a typing stop indicator for scope.
func (rc *RealtimeClient) StopTyping(ctx context.Context, scope Scope) error {
	return rc.Send(ctx, &RealtimeCommand{
		Type:    CommandTypingStop,
		Payload: scopePayload{ChannelID: scope.ChannelID, ThreadRootID: scope.ThreadRootID},
	})
}

// JoinChannel subscribes to a channel's events.
func (rc *RealtimeClient) JoinChannel(ctx context.Context, channelID string) error {
	return rc.Send(ctx, &RealtimeCommand{Type: CommandJoinChannel, Payload: scopePayload{ChannelID: channelID}})
}

// LeaveChannel unsubscribes from a channel's events.
func (rc *RealtimeClient) LeaveChannel(ctx context.Context, channelID string) error {
	return rc.Send(ctx, &RealtimeCommand{Type: CommandLeaveChannel, Payload: scopePayload{ChannelID: channelID}})
}

// RequestSync asks the server for everything in scope newer than since. The
// answer arrives as a SyncResponse event.
func (rc *RealtimeClient) RequestSync(ctx context.Context, scope Scope, since time.Time) error {
	p := scopePayload{ChannelID: scope.ChannelID, ThreadRootID: scope.ThreadRootID}
	if !since.IsZero() {
		p.Since = since.UTC().Format(time.RFC3339Nano)
	}
	return rc.Send(ctx, &RealtimeCommand{
		Type:      CommandSyncRequest,
		Payload:   p,
		RequestID: fmt.Sprintf("sync-%d", rc.pingCounter.Add(1)),
	})
}

// Ping sends a ping and waits for pong.
func (rc *RealtimeClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", rc.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	rc.pendingMu.Lock()
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()
	defer func() {
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
	}()

	err := rc.Send(ctx, &RealtimeCommand{
		Type:      CommandPing,
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(rc.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ============================================================================
// Loops
// ============================================================================

func (rc *RealtimeClient) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.connectionLost(conn, err)
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			rc.log.Warn("realtime_envelope_invalid", zap.Error(err))
			continue
		}

		if env.Type == "pong" {
			rc.resolvePong(env.Payload)
			continue
		}

		ev, err := decodeEvent(env)
		if err != nil {
			rc.log.Warn("realtime_event_malformed", zap.String("type", env.Type), zap.Error(err))
			continue
		}
		if ev == nil {
			rc.log.Debug("realtime_event_ignored", zap.String("type", env.Type))
			continue
		}
		rc.hub.publish(ev)
	}
}

func (rc *RealtimeClient) resolvePong(raw json.RawMessage) {
	var p PongPayload
	if json.Unmarshal(raw, &p) != nil || p.RequestID == "" {
		return
	}
	rc.pendingMu.Lock()
	ch, ok := rc.pendingPings[p.RequestID]
	if ok {
		delete(rc.pendingPings, p.RequestID)
	}
	rc.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

// connectionLost handles a read failure on conn. Failures after Disconnect
// are ignored.
func (rc *RealtimeClient) connectionLost(conn *websocket.Conn, err error) {
	rc.mu.Lock()
	if rc.conn != conn || rc.life == nil || rc.life.Err() != nil {
		rc.mu.Unlock()
		return
	}
	rc.conn = nil
	life := rc.life
	rc.mu.Unlock()

	rc.clearPendingPings()
	rc.log.Warn("realtime_disconnected", zap.Error(err))
	if !rc.config.AutoReconnect {
		rc.setState(StateDisconnected, 0, err.Error())
		return
	}
	go rc.reconnectLoop(life)
}

func (rc *RealtimeClient) reconnectLoop(life context.Context) {
	for rc.recon.shouldReconnect() {
		delay, attempt := rc.recon.nextDelay()
		rc.setState(StateReconnecting, attempt, "")
		rc.log.Info("realtime_reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(life, 15*time.Second)
		err := rc.dial(ctx, life)
		cancel()
		if err == nil {
			return
		}
		if life.Err() != nil {
			return
		}
		rc.log.Warn("realtime_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	attempts := rc.recon.attempts()
	rc.log.Error("realtime_max_reconnect_attempts", zap.Int("attempts", attempts))
	rc.setState(StateDisconnected, attempts, "max reconnect attempts reached")
	rc.hub.publish(ReconnectFailed{Attempts: attempts})
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rc.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				rc.log.Warn("realtime_heartbeat_failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rc *RealtimeClient) clearPendingPings() {
	rc.pendingMu.Lock()
	for k, ch := range rc.pendingPings {
		close(ch)
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}
