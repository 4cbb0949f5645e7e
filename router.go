package chatsync

import (
	"time"

	"go.uber.org/zap"
)

// BannerConnectionLost is shown once the transport gives up reconnecting.
const BannerConnectionLost = "Connection lost. Reconnect to resume live updates."

// EventRouter applies real-time events to the message cache and the typing
// coordinator, filtered by the active scope. It tracks the connection state
// machine and asks for a delta sync whenever the connection (re)enters
// connected.
//
// EventRouter does no locking; SyncManager calls Route under its lock and
// performs the returned side effects after releasing it.
type EventRouter struct {
	cache   *MessageCache
	typing  *TypingCoordinator
	policy  DeletePolicy
	log     *zap.Logger
	metrics *Metrics

	conn RealtimeState

	// counted holds, per thread root, the reply ids already folded into the
	// root's summary so a redelivered reply is not counted twice.
	counted map[string]map[string]struct{}

	// removed collects ids dropped under DeletePolicyRemove during one Route.
	removed []string
}

// routeResult lists the side effects of one event.
type routeResult struct {
	changed     bool
	persist     bool
	requestSync bool
	since       time.Time
	banner      *string
	removed     []string
}

func newEventRouter(cache *MessageCache, typing *TypingCoordinator, opts *Options, metrics *Metrics) *EventRouter {
	return &EventRouter{
		cache:   cache,
		typing:  typing,
		policy:  opts.DeletePolicy,
		log:     opts.Logger.Named("router"),
		metrics: metrics,
		conn:    StateDisconnected,
		counted: make(map[string]map[string]struct{}),
	}
}

// reset forgets per-scope bookkeeping. Called when the cache is reset.
func (r *EventRouter) reset() {
	r.counted = make(map[string]map[string]struct{})
	r.removed = nil
}

// Connection returns the last known connection state.
func (r *EventRouter) Connection() RealtimeState { return r.conn }

// Route applies ev against the active scope.
func (r *EventRouter) Route(scope Scope, ev Event) routeResult {
	if ev == nil {
		r.log.Warn("event_dropped", zap.String("reason", "nil_event"))
		r.metrics.dropped("malformed")
		return routeResult{}
	}
	var res routeResult
	applied := true

	switch e := ev.(type) {
	case MessageCreated:
		applied, res.changed = r.messageCreated(scope, e.Message)
	case MessageUpdated:
		applied, res.changed = r.messageUpdated(scope, e.Message)
	case MessageDeleted:
		applied, res.changed = r.messageDeleted(scope, e)
	case ThreadCreated:
		applied, res.changed = r.threadCreated(scope, e)
	case ThreadReplyAdded:
		applied, res.changed = r.threadReply(scope, e)
	case ReactionToggled:
		applied, res.changed = r.reactions(scope, e.MessageID, e.ChannelID, e.ThreadRootID, e.Reactions)
	case ReactionsCleared:
		applied, res.changed = r.reactions(scope, e.MessageID, e.ChannelID, e.ThreadRootID, nil)
	case TypingIndicator:
		if e.UserID == "" {
			return r.malformed(ev, "missing_user")
		}
		if !scope.Contains(e.ChannelID, e.ThreadRootID) {
			return r.outOfScope(ev)
		}
		res.changed = r.typing.OnEvent(e.UserID, e.UserName, e.IsTyping, scope)
	case ConnectionChanged:
		res = r.connection(scope, e)
	case SyncResponse:
		if !e.Scope.IsZero() && e.Scope != scope {
			return r.outOfScope(ev)
		}
		res.changed = r.sync(scope, e)
		res.persist = res.changed
	case ReconnectFailed:
		r.conn = StateDisconnected
		r.log.Warn("reconnect_gave_up", zap.Int("attempts", e.Attempts))
		banner := BannerConnectionLost
		res.banner = &banner
		res.changed = true
	default:
		return r.malformed(ev, "unknown_event")
	}

	res.removed, r.removed = r.removed, nil
	if !applied {
		return routeResult{}
	}
	if res.changed {
		r.metrics.routed(ev.EventName())
	}
	switch ev.(type) {
	case MessageCreated, MessageUpdated, MessageDeleted, ThreadCreated, ThreadReplyAdded, ReactionToggled, ReactionsCleared:
		res.persist = res.changed
	}
	return res
}

// ============================================================================
// Handlers. Each reports (applied, changed); applied is false when the event
// was dropped.
// ============================================================================

func (r *EventRouter) messageCreated(scope Scope, m *Message) (bool, bool) {
	if m == nil || m.ID == "" {
		r.malformed(MessageCreated{}, "missing_message")
		return false, false
	}
	if !scope.Contains(m.ChannelID, m.ThreadRootID) {
		r.outOfScope(MessageCreated{})
		return false, false
	}
	in := m.Clone()
	in.clearTransient()
	return true, r.cache.Merge(in) > 0
}

func (r *EventRouter) messageUpdated(scope Scope, m *Message) (bool, bool) {
	if m == nil || m.ID == "" {
		r.malformed(MessageUpdated{}, "missing_message")
		return false, false
	}
	if !scope.Contains(m.ChannelID, m.ThreadRootID) {
		r.outOfScope(MessageUpdated{})
		return false, false
	}
	cur, ok := r.cache.Get(m.ID)
	if !ok {
		return true, false
	}
	in := m.Clone()
	in.clearTransient()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = cur.CreatedAt
	}
	return true, r.cache.Merge(in) > 0
}

func (r *EventRouter) messageDeleted(scope Scope, e MessageDeleted) (bool, bool) {
	if e.MessageID == "" {
		r.malformed(e, "missing_message_id")
		return false, false
	}
	if e.ChannelID != "" && !scope.Contains(e.ChannelID, e.ThreadRootID) {
		r.outOfScope(e)
		return false, false
	}
	cur, ok := r.cache.Get(e.MessageID)
	if !ok || !scope.Contains(cur.ChannelID, cur.ThreadRootID) {
		return true, false
	}
	at := e.DeletedAt
	if at.IsZero() {
		at = time.Now()
	}
	return true, r.delete(e.MessageID, e.DeletedBy, at)
}

func (r *EventRouter) threadCreated(scope Scope, e ThreadCreated) (bool, bool) {
	if e.RootID == "" {
		r.malformed(e, "missing_root_id")
		return false, false
	}
	if !scope.Contains(e.ChannelID, "") {
		r.outOfScope(e)
		return false, false
	}
	info := e.Thread
	changed := r.cache.Update(e.RootID, func(m *Message) {
		m.IsThreadRoot = true
		m.Thread = info.Clone()
	})
	return true, changed
}

func (r *EventRouter) threadReply(scope Scope, e ThreadReplyAdded) (bool, bool) {
	if e.RootID == "" || e.Reply == nil || e.Reply.ID == "" {
		r.malformed(e, "missing_reply")
		return false, false
	}
	if scope.ChannelID == e.ChannelID && scope.ThreadRootID == e.RootID {
		reply := e.Reply.Clone()
		reply.clearTransient()
		if reply.ThreadRootID == "" {
			reply.ThreadRootID = e.RootID
		}
		if reply.ChannelID == "" {
			reply.ChannelID = e.ChannelID
		}
		return true, r.cache.Merge(reply) > 0
	}
	if !scope.Contains(e.ChannelID, "") {
		r.outOfScope(e)
		return false, false
	}
	if !r.cache.Has(e.RootID) {
		return true, false
	}
	reply := e.Reply
	seen := r.counted[e.RootID]
	if seen == nil {
		seen = make(map[string]struct{})
		r.counted[e.RootID] = seen
	}
	_, dup := seen[reply.ID]
	seen[reply.ID] = struct{}{}
	if dup && e.Thread == nil {
		r.log.Debug("thread_reply_duplicate", zap.String("root_id", e.RootID), zap.String("reply_id", reply.ID))
		return true, false
	}
	changed := r.cache.Update(e.RootID, func(m *Message) {
		m.IsThreadRoot = true
		if e.Thread != nil {
			m.Thread = e.Thread.Clone()
			return
		}
		if m.Thread == nil {
			m.Thread = &ThreadInfo{}
		}
		m.Thread.AddReply(reply.Author, reply.CreatedAt)
	})
	return true, changed
}

func (r *EventRouter) reactions(scope Scope, id, channelID, rootID string, list []Reaction) (bool, bool) {
	if id == "" {
		r.malformed(ReactionToggled{}, "missing_message_id")
		return false, false
	}
	if channelID != "" && !scope.Contains(channelID, rootID) {
		r.outOfScope(ReactionToggled{})
		return false, false
	}
	cur, ok := r.cache.Get(id)
	if !ok || !scope.Contains(cur.ChannelID, cur.ThreadRootID) {
		return true, false
	}
	canonical := normalizeReactions(list)
	return true, r.cache.Update(id, func(m *Message) { m.Reactions = canonical })
}

func (r *EventRouter) connection(scope Scope, e ConnectionChanged) routeResult {
	var res routeResult
	prev := r.conn
	r.conn = e.State
	res.changed = prev != e.State
	r.log.Info("connection_state",
		zap.String("from", string(prev)),
		zap.String("to", string(e.State)),
		zap.Int("attempt", e.Attempt),
		zap.String("reason", e.Reason))

	if e.State != StateConnected {
		return res
	}
	empty := ""
	res.banner = &empty
	res.changed = true
	if scope.IsZero() {
		return res
	}
	res.requestSync = true
	if latest, ok := r.cache.Latest(scope); ok {
		res.since = latest.CreatedAt
	}
	r.metrics.deltaSync()
	return res
}

func (r *EventRouter) sync(scope Scope, e SyncResponse) bool {
	changed := false
	var batch []*Message
	for _, m := range e.Messages {
		if m == nil || !scope.Contains(m.ChannelID, m.ThreadRootID) {
			continue
		}
		in := m.Clone()
		in.clearTransient()
		batch = append(batch, in)
	}
	if len(batch) > 0 && r.cache.Merge(batch...) > 0 {
		changed = true
	}
	for id, list := range e.Reactions {
		canonical := normalizeReactions(list)
		if r.cache.Update(id, func(m *Message) { m.Reactions = canonical }) {
			changed = true
		}
	}
	for id, info := range e.Threads {
		info := info
		if r.cache.Update(id, func(m *Message) {
			m.IsThreadRoot = true
			m.Thread = info.Clone()
		}) {
			changed = true
		}
	}
	now := time.Now()
	for _, id := range e.Deleted {
		if r.delete(id, "", now) {
			changed = true
		}
	}
	r.log.Debug("delta_sync_applied",
		zap.Stringer("scope", scope),
		zap.Int("messages", len(batch)),
		zap.Int("deleted", len(e.Deleted)))
	return changed
}

func (r *EventRouter) malformed(ev Event, reason string) routeResult {
	r.log.Warn("event_dropped", zap.String("event", ev.EventName()), zap.String("reason", reason))
	r.metrics.dropped("malformed")
	return routeResult{}
}

func (r *EventRouter) outOfScope(ev Event) routeResult {
	r.log.Debug("event_out_of_scope", zap.String("event", ev.EventName()))
	r.metrics.dropped("out_of_scope")
	return routeResult{}
}

func (r *EventRouter) delete(id, by string, at time.Time) bool {
	if !applyDelete(r.cache, r.policy, id, by, at) {
		return false
	}
	if r.policy == DeletePolicyRemove {
		r.removed = append(r.removed, id)
	}
	return true
}

// applyDelete removes or tombstones id according to policy. It reports
// whether the cache changed.
func applyDelete(c *MessageCache, policy DeletePolicy, id, by string, at time.Time) bool {
	if policy == DeletePolicyRemove {
		return c.Remove(id)
	}
	cur, ok := c.Get(id)
	if !ok {
		return false
	}
	if cur.IsDeleted && !cur.IsBeingDeleted {
		return false
	}
	if by == "" {
		by = cur.DeletedBy
	}
	return c.Update(id, func(m *Message) {
		if !m.IsDeleted {
			m.tombstone(by, at)
		} else if by != "" {
			m.DeletedBy = by
		}
		m.IsBeingDeleted = false
	})
}
