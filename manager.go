package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const storageTimeout = 5 * time.Second

// State is the read model handed to the presentation layer. Every field is a
// copy; mutating it has no effect on the manager.
type State struct {
	Scope       Scope           `json:"scope" yaml:"scope"`
	Messages    []*Message      `json:"messages" yaml:"messages"`
	Loading     bool            `json:"loading" yaml:"loading"`
	LoadingMore bool            `json:"loading_more" yaml:"loading_more"`
	HasMore     bool            `json:"has_more" yaml:"has_more"`
	Error       string          `json:"error,omitempty" yaml:"error,omitempty"`
	Banner      string          `json:"banner,omitempty" yaml:"banner,omitempty"`
	Typers      []TypingUser    `json:"typers,omitempty" yaml:"typers,omitempty"`
	TypingText  string          `json:"typing_text,omitempty" yaml:"typing_text,omitempty"`
	Pagination  PaginationState `json:"pagination" yaml:"pagination"`
	Connection  RealtimeState   `json:"connection" yaml:"connection"`
	Pending     []Mutation      `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// SyncManager owns the active scope and is the only writer of its message
// cache and paginator. Page loads, optimistic mutations and real-time events
// all funnel through it.
type SyncManager struct {
	svc     Service
	rt      Realtime
	opts    Options
	log     *zap.Logger
	metrics *Metrics

	tracker *MutationTracker
	typing  *TypingCoordinator

	mu          sync.Mutex
	scope       Scope
	gen         uint64
	cache       *MessageCache
	pager       *Paginator
	router      *EventRouter
	loading     bool
	loadingMore bool
	moreKey     string
	errText     string
	banner      string
	loadCancel  context.CancelFunc
	initialized bool
	destroyed   bool

	subs    []*Subscription
	changes chan struct{}
	wg      sync.WaitGroup
}

// NewSyncManager creates a manager. rt may be nil for a manager that only
// uses request/response calls.
func NewSyncManager(svc Service, rt Realtime, opts Options) *SyncManager {
	opts.defaults()
	var metrics *Metrics
	if opts.Registerer != nil {
		metrics = NewMetrics(opts.Registerer)
	}
	m := &SyncManager{
		svc:     svc,
		rt:      rt,
		opts:    opts,
		log:     opts.Logger.Named("sync"),
		metrics: metrics,
		changes: make(chan struct{}, 1),
	}
	m.cache = NewMessageCache(opts.Logger, metrics)
	m.pager = NewPaginator(opts.PageSize)

	var sig Signaler
	if rt != nil {
		sig = rt
	}
	m.typing = newTypingCoordinator(sig, &m.opts, metrics)
	m.typing.onChange = m.signal
	m.router = newEventRouter(m.cache, m.typing, &m.opts, metrics)
	m.tracker = newMutationTracker(svc, m, &m.opts, metrics)
	return m
}

// Init subscribes to the real-time feeds and starts background work.
func (m *SyncManager) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return errors.New("chatsync: manager destroyed")
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true

	var sources []EventSource
	if m.rt != nil {
		sources = append(sources, m.rt)
	}
	sources = append(sources, m.opts.ExtraSources...)
	for _, src := range sources {
		sub := src.Subscribe()
		m.subs = append(m.subs, sub)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for ev := range sub.C {
				m.handle(ev)
			}
		}()
	}
	m.mu.Unlock()

	m.typing.Start()
	m.log.Info("sync_manager_started", zap.Int("sources", len(sources)))
	return nil
}

// Destroy cancels in-flight loads and mutations, closes subscriptions and
// stops timers. The manager cannot be reused.
func (m *SyncManager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	if m.loadCancel != nil {
		m.loadCancel()
	}
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	m.wg.Wait()
	m.tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	m.typing.Reset(ctx)
	m.typing.Close()
	m.log.Info("sync_manager_stopped")
}

// Changes delivers a value whenever State may have changed. Notifications
// coalesce; the channel is never closed.
func (m *SyncManager) Changes() <-chan struct{} { return m.changes }

func (m *SyncManager) signal() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// State returns a snapshot of the read model.
func (m *SyncManager) State() State {
	m.mu.Lock()
	scope := m.scope
	st := State{
		Scope:       scope,
		Messages:    m.cache.View(scope),
		Loading:     m.loading,
		LoadingMore: m.loadingMore,
		HasMore:     m.pager.HasMore(),
		Error:       m.errText,
		Banner:      m.banner,
		Pagination:  m.pager.Snapshot(),
		Connection:  m.router.Connection(),
	}
	m.mu.Unlock()

	st.Typers = m.typing.ActiveTypers(scope)
	st.TypingText = TypingText(st.Typers)
	st.Pending = m.tracker.Pending()
	return st
}

// Scope returns the active scope.
func (m *SyncManager) Scope() Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// ============================================================================
// Scope & pagination
// ============================================================================

// SetScope switches to scope: it discards the previous scope's state, cancels
// its in-flight load, shows any stored snapshot and loads the first page. It
// returns ErrSuperseded when another SetScope replaced scope first. Calling it
// with the active scope reloads from the first page and keeps unsent
// messages.
func (m *SyncManager) SetScope(ctx context.Context, scope Scope) error {
	if scope.IsZero() {
		return ErrNoScope
	}
	m.mu.Lock()
	if !m.initialized || m.destroyed {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	prev := m.scope
	if m.loadCancel != nil {
		m.loadCancel()
	}
	m.gen++
	gen := m.gen
	var keep []*Message
	if prev == scope {
		for _, msg := range m.cache.View(scope) {
			if msg.IsOptimistic {
				keep = append(keep, msg)
			}
		}
	}
	m.scope = scope
	m.cache.Reset()
	m.router.reset()
	for _, msg := range keep {
		m.cache.Put(msg)
	}
	m.pager.Reset(scope)
	m.loading = true
	m.loadingMore = false
	m.moreKey = ""
	m.errText = ""
	loadCtx, cancel := context.WithCancel(ctx)
	m.loadCancel = cancel
	req := m.pager.NextPageRequest()
	m.mu.Unlock()
	m.signal()

	m.log.Info("scope_changed", zap.Stringer("from", prev), zap.Stringer("to", scope), zap.Uint64("gen", gen))
	if !prev.IsZero() && prev != scope {
		m.tracker.abandonScope(prev)
		m.typing.Reset(ctx)
		if prev.ChannelID != scope.ChannelID {
			m.realtimeCall("leave_channel", func() error { return m.rt.LeaveChannel(ctx, prev.ChannelID) })
		}
	}
	m.realtimeCall("join_channel", func() error { return m.rt.JoinChannel(ctx, scope.ChannelID) })

	m.hydrate(loadCtx, gen, scope)
	return m.loadPage(loadCtx, gen, scope, req)
}

// LoadMore loads the next page of the active scope. Concurrent calls for the
// same scope, offset and cursor collapse into one request; it is a no-op
// while the first page is loading or once the scope is exhausted.
func (m *SyncManager) LoadMore(ctx context.Context) error {
	m.mu.Lock()
	scope := m.scope
	if scope.IsZero() {
		m.mu.Unlock()
		return ErrNoScope
	}
	if m.loading || !m.pager.HasMore() {
		m.mu.Unlock()
		return nil
	}
	req := m.pager.NextPageRequest()
	key := fmt.Sprintf("%s|%d|%s", scope.Key(), req.Offset, req.Cursor)
	if m.moreKey == key {
		m.mu.Unlock()
		m.log.Debug("load_more_deduplicated", zap.String("key", key))
		return nil
	}
	m.moreKey = key
	m.loadingMore = true
	gen := m.gen
	m.mu.Unlock()
	m.signal()

	err := m.loadPage(ctx, gen, scope, req)

	m.mu.Lock()
	if m.moreKey == key {
		m.moreKey = ""
	}
	m.mu.Unlock()
	return err
}

func (m *SyncManager) hydrate(ctx context.Context, gen uint64, scope Scope) {
	st := m.opts.Storage
	if st == nil {
		return
	}
	msgs, err := st.LoadMessages(ctx, scope)
	if err != nil {
		m.log.Warn("storage_load_failed", zap.Stringer("scope", scope), zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.cache.Merge(msgs...)
	m.mu.Unlock()
	m.log.Debug("scope_hydrated", zap.Stringer("scope", scope), zap.Int("messages", len(msgs)))
	m.signal()
}

func (m *SyncManager) loadPage(ctx context.Context, gen uint64, scope Scope, req PageRequest) error {
	var (
		page *Page
		err  error
	)
	if scope.IsThread() {
		page, err = m.svc.GetThreadReplies(ctx, scope.ThreadRootID, req)
	} else {
		page, err = m.svc.GetChannelMessages(ctx, scope.ChannelID, req)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.metrics.stale()
		m.log.Debug("stale_page_discarded", zap.Stringer("scope", scope), zap.Uint64("gen", gen))
		return ErrSuperseded
	}
	m.loading = false
	m.loadingMore = false

	if err != nil {
		if IsEmptyResult(err) {
			m.pager.RecordPage(PageResult{HasMore: false})
			m.mu.Unlock()
			m.metrics.pageLoad("empty")
			m.signal()
			return nil
		}
		m.errText = ErrorMessage(err)
		m.mu.Unlock()
		m.metrics.pageLoad("error")
		m.log.Warn("page_load_failed", zap.Stringer("scope", scope), zap.Int("offset", req.Offset), zap.Error(err))
		m.signal()
		return fmt.Errorf("load %s: %w", scope, err)
	}
	if page == nil {
		page = &Page{}
	}

	batch := make([]*Message, 0, len(page.Messages))
	for _, msg := range page.Messages {
		if msg == nil {
			continue
		}
		in := msg.Clone()
		if in.ChannelID == "" {
			in.ChannelID = scope.ChannelID
		}
		if scope.IsThread() && in.ThreadRootID == "" {
			in.ThreadRootID = scope.ThreadRootID
		}
		if !scope.Contains(in.ChannelID, in.ThreadRootID) {
			continue
		}
		in.clearTransient()
		batch = append(batch, in)
	}
	m.cache.Merge(batch...)

	result := page.Pagination
	if result.Count == 0 {
		result.Count = len(page.Messages)
	}
	m.pager.RecordPage(result)
	m.errText = ""
	m.mu.Unlock()

	m.metrics.pageLoad("ok")
	m.log.Debug("page_loaded",
		zap.Stringer("scope", scope),
		zap.Int("offset", req.Offset),
		zap.Int("count", result.Count),
		zap.Bool("has_more", result.HasMore))
	m.persist(scope, batch, nil, true)
	m.signal()
	return nil
}

// ============================================================================
// Mutations
// ============================================================================

// SendMessage adds an optimistic message to the active scope and returns its
// temporary id. The server call runs in the background.
func (m *SyncManager) SendMessage(ctx context.Context, opts SendOptions) (string, error) {
	scope := m.Scope()
	id, err := m.tracker.Send(ctx, scope, opts)
	if err != nil {
		return "", err
	}
	if err := m.typing.StopTyping(ctx, scope); err != nil {
		m.log.Debug("typing_stop_failed", zap.Error(err))
	}
	return id, nil
}

// EditMessage optimistically edits a confirmed message.
func (m *SyncManager) EditMessage(ctx context.Context, id, content string) error {
	return m.tracker.Edit(ctx, id, content)
}

// DeleteMessage optimistically deletes a message.
func (m *SyncManager) DeleteMessage(ctx context.Context, id string) error {
	return m.tracker.Delete(ctx, id)
}

// AddReaction toggles the local user's emoji on a message.
func (m *SyncManager) AddReaction(ctx context.Context, id, emoji string) error {
	return m.tracker.React(ctx, id, emoji)
}

// RetryMessage resends a failed message.
func (m *SyncManager) RetryMessage(localID string) error {
	return m.tracker.Retry(localID)
}

// DiscardMessage drops a failed or pending optimistic message.
func (m *SyncManager) DiscardMessage(localID string) error {
	return m.tracker.Discard(localID)
}

// CreateThread turns a message into a thread root. Unlike the other
// mutations it waits for the server.
func (m *SyncManager) CreateThread(ctx context.Context, messageID string) (*ThreadInfo, error) {
	m.mu.Lock()
	msg, ok := m.cache.Get(messageID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("create thread %s: %w", messageID, ErrUnknownMessage)
	}
	if msg.IsOptimistic {
		return nil, fmt.Errorf("create thread %s: %w", messageID, ErrPendingMessage)
	}

	info, err := m.svc.CreateThread(ctx, messageID)
	if err != nil {
		m.metrics.mutation(MutationThread, "failed")
		m.opts.Notifier.Notify(Notice{
			Level:     NoticeError,
			Op:        MutationThread,
			MessageID: messageID,
			Text:      failureText[MutationThread] + ": " + ErrorMessage(err),
		})
		return nil, fmt.Errorf("create thread %s: %w", messageID, err)
	}
	if info == nil {
		info = &ThreadInfo{}
	}

	m.mu.Lock()
	m.cache.Update(messageID, func(msg *Message) {
		msg.IsThreadRoot = true
		msg.Thread = info.Clone()
	})
	m.mu.Unlock()

	m.metrics.mutation(MutationThread, "confirmed")
	m.opts.Notifier.Notify(Notice{Level: NoticeSuccess, Op: MutationThread, MessageID: messageID, Text: successText[MutationThread]})
	m.signal()
	return info.Clone(), nil
}

// StartTyping records local typing in the active scope.
func (m *SyncManager) StartTyping(ctx context.Context) error {
	return m.typing.StartTyping(ctx, m.Scope())
}

// StopTyping ends local typing in the active scope.
func (m *SyncManager) StopTyping(ctx context.Context) error {
	return m.typing.StopTyping(ctx, m.Scope())
}

// ForceReconnect drops and re-establishes the real-time connection.
func (m *SyncManager) ForceReconnect(ctx context.Context) error {
	if m.rt == nil {
		return ErrNotConnected
	}
	m.mu.Lock()
	m.banner = ""
	m.mu.Unlock()
	m.signal()
	if err := m.rt.ForceReconnect(ctx); err != nil {
		return fmt.Errorf("force reconnect: %w", err)
	}
	return nil
}

// ============================================================================
// Real-time
// ============================================================================

func (m *SyncManager) handle(ev Event) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	scope := m.scope
	res := m.router.Route(scope, ev)
	if res.banner != nil {
		m.banner = *res.banner
	}
	var snapshot []*Message
	if res.persist && m.opts.Storage != nil {
		snapshot = m.cache.View(scope)
	}
	m.mu.Unlock()

	if res.banner != nil && *res.banner != "" {
		m.opts.Notifier.Notify(Notice{Level: NoticeWarning, Text: *res.banner})
	}
	if res.requestSync {
		m.realtimeCall("join_channel", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
			defer cancel()
			return m.rt.JoinChannel(ctx, scope.ChannelID)
		})
		m.realtimeCall("sync_request", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
			defer cancel()
			return m.rt.RequestSync(ctx, scope, res.since)
		})
	}
	if res.persist {
		_, isSync := ev.(SyncResponse)
		m.persist(scope, snapshot, res.removed, isSync)
	}
	if res.changed {
		m.signal()
	}
}

func (m *SyncManager) realtimeCall(op string, fn func() error) {
	if m.rt == nil {
		return
	}
	if err := fn(); err != nil {
		if errors.Is(err, ErrNotConnected) {
			m.log.Debug("realtime_not_connected", zap.String("op", op))
			return
		}
		m.log.Warn("realtime_call_failed", zap.String("op", op), zap.Error(err))
	}
}

// ============================================================================
// messageStore
// ============================================================================

func (m *SyncManager) lookup(id string) (*Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Get(id)
}

func (m *SyncManager) put(msg *Message) {
	m.mu.Lock()
	scope := m.scope
	if msg.Scope() != scope {
		m.mu.Unlock()
		return
	}
	m.cache.Put(msg)
	m.mu.Unlock()
	if !msg.IsOptimistic {
		m.persist(scope, []*Message{msg}, nil, false)
	}
	m.signal()
}

// confirm swaps an optimistic record for the server's in one step.
func (m *SyncManager) confirm(tempID string, server *Message) {
	in := server.Clone()
	in.clearTransient()
	m.mu.Lock()
	scope := m.scope
	if in.ChannelID == "" {
		if temp, ok := m.cache.Get(tempID); ok {
			in.ChannelID, in.ThreadRootID = temp.ChannelID, temp.ThreadRootID
		}
	}
	if !m.cache.Has(tempID) && in.Scope() != scope {
		m.mu.Unlock()
		return
	}
	if in.ID != tempID {
		m.cache.Remove(tempID)
	}
	m.cache.Merge(in)
	m.mu.Unlock()
	m.persist(scope, []*Message{in}, nil, false)
	m.signal()
}

func (m *SyncManager) update(id string, fn func(msg *Message)) bool {
	m.mu.Lock()
	ok := m.cache.Update(id, fn)
	m.mu.Unlock()
	if ok {
		m.signal()
	}
	return ok
}

func (m *SyncManager) remove(id string) {
	m.mu.Lock()
	ok := m.cache.Remove(id)
	m.mu.Unlock()
	if ok {
		m.signal()
	}
}

func (m *SyncManager) deleted(id, by string, at time.Time) {
	m.mu.Lock()
	scope := m.scope
	changed := applyDelete(m.cache, m.opts.DeletePolicy, id, by, at)
	tomb, kept := m.cache.Get(id)
	m.mu.Unlock()
	if !changed {
		return
	}
	if kept {
		m.persist(scope, []*Message{tomb}, nil, false)
	} else {
		m.persist(scope, nil, []string{id}, false)
	}
	m.signal()
}

// persist writes confirmed records to storage. synced stamps the scope's
// last-sync cursor.
func (m *SyncManager) persist(scope Scope, msgs []*Message, removed []string, synced bool) {
	st := m.opts.Storage
	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if len(msgs) > 0 {
		if err := st.SaveMessages(ctx, scope, msgs); err != nil {
			m.log.Warn("storage_save_failed", zap.Stringer("scope", scope), zap.Error(err))
		}
	}
	if len(removed) > 0 {
		if err := st.DeleteMessages(ctx, scope, removed); err != nil {
			m.log.Warn("storage_delete_failed", zap.Stringer("scope", scope), zap.Error(err))
		}
	}
	if synced {
		if err := st.SetCursor(ctx, syncedAtKey(scope), m.opts.now().UTC().Format(time.RFC3339)); err != nil {
			m.log.Warn("storage_cursor_failed", zap.Stringer("scope", scope), zap.Error(err))
		}
	}
}
