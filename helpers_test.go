package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

var general = Scope{ChannelID: "general"}

func msgAt(id, channelID string, sec int) *Message {
	return &Message{
		ID:        id,
		ChannelID: channelID,
		Author:    Author{ID: "u-" + id, Name: "User " + id},
		Content:   "content " + id,
		CreatedAt: t0.Add(time.Duration(sec) * time.Second),
	}
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(t *testing.T, got []*Message, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("ids = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("ids = %v, want %v", g, want)
		}
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ============================================================================
// fakeClock
// ============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: t0} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// fakeService
// ============================================================================

// fakeService records calls and delegates to optional hooks. Without a hook
// every call succeeds.
type fakeService struct {
	mu    sync.Mutex
	calls map[string]int
	seq   int

	channelPage func(ctx context.Context, channelID string, req PageRequest) (*Page, error)
	threadPage  func(ctx context.Context, rootID string, req PageRequest) (*Page, error)
	send        func(ctx context.Context, channelID string, opts SendOptions) (*Message, error)
	reply       func(ctx context.Context, channelID, rootID string, opts SendOptions) (*Message, error)
	edit        func(ctx context.Context, id, content string) (*Message, error)
	del         func(ctx context.Context, id string) error
	toggle      func(ctx context.Context, id, emoji string) ([]Reaction, error)
	thread      func(ctx context.Context, id string) (*ThreadInfo, error)
}

func newFakeService() *fakeService {
	return &fakeService{calls: make(map[string]int)}
}

func (s *fakeService) record(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	s.seq++
	return s.seq
}

func (s *fakeService) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *fakeService) GetChannelMessages(ctx context.Context, channelID string, req PageRequest) (*Page, error) {
	s.record("list")
	if s.channelPage != nil {
		return s.channelPage(ctx, channelID, req)
	}
	return &Page{}, nil
}

func (s *fakeService) GetThreadReplies(ctx context.Context, rootID string, req PageRequest) (*Page, error) {
	s.record("replies")
	if s.threadPage != nil {
		return s.threadPage(ctx, rootID, req)
	}
	return &Page{}, nil
}

func (s *fakeService) SendMessage(ctx context.Context, channelID string, opts SendOptions) (*Message, error) {
	n := s.record("send")
	if s.send != nil {
		return s.send(ctx, channelID, opts)
	}
	return &Message{
		ID:        fmt.Sprintf("srv-%d", n),
		ClientID:  opts.ClientID,
		ChannelID: channelID,
		Content:   opts.Content,
		CreatedAt: t0.Add(time.Hour),
	}, nil
}

func (s *fakeService) AddThreadReply(ctx context.Context, channelID, rootID string, opts SendOptions) (*Message, error) {
	n := s.record("reply")
	if s.reply != nil {
		return s.reply(ctx, channelID, rootID, opts)
	}
	return &Message{
		ID:           fmt.Sprintf("srv-%d", n),
		ClientID:     opts.ClientID,
		ChannelID:    channelID,
		ThreadRootID: rootID,
		Content:      opts.Content,
		CreatedAt:    t0.Add(time.Hour),
	}, nil
}

func (s *fakeService) EditMessage(ctx context.Context, id, content string) (*Message, error) {
	s.record("edit")
	if s.edit != nil {
		return s.edit(ctx, id, content)
	}
	return nil, nil
}

func (s *fakeService) DeleteMessage(ctx context.Context, id string) error {
	s.record("delete")
	if s.del != nil {
		return s.del(ctx, id)
	}
	return nil
}

func (s *fakeService) ToggleReaction(ctx context.Context, id, emoji string) ([]Reaction, error) {
	s.record("toggle")
	if s.toggle != nil {
		return s.toggle(ctx, id, emoji)
	}
	return []Reaction{{Emoji: emoji, Count: 1, Users: []string{"me"}}}, nil
}

func (s *fakeService) CreateThread(ctx context.Context, id string) (*ThreadInfo, error) {
	s.record("thread")
	if s.thread != nil {
		return s.thread(ctx, id)
	}
	return &ThreadInfo{}, nil
}

// ============================================================================
// fakeRealtime
// ============================================================================

// fakeRealtime is an in-process Realtime: emit publishes events, outbound
// commands are recorded.
type fakeRealtime struct {
	hub *eventHub

	mu       sync.Mutex
	commands []string
	err      error
}

func newFakeRealtime() *fakeRealtime {
	return &fakeRealtime{hub: newEventHub(nil)}
}

func (f *fakeRealtime) Subscribe() *Subscription { return f.hub.subscribe() }

func (f *fakeRealtime) emit(ev Event) { f.hub.publish(ev) }

func (f *fakeRealtime) cmd(c string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, c)
	return f.err
}

func (f *fakeRealtime) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeRealtime) countPrefix(prefix string) int {
	n := 0
	for _, c := range f.sent() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeRealtime) StartTyping(_ context.Context, scope Scope) error {
	return f.cmd("typing_start:" + scope.String())
}

func (f *fakeRealtime) StopTyping(_ context.Context, scope Scope) error {
	return f.cmd("typing_stop:" + scope.String())
}

func (f *fakeRealtime) JoinChannel(_ context.Context, channelID string) error {
	return f.cmd("join:" + channelID)
}

func (f *fakeRealtime) LeaveChannel(_ context.Context, channelID string) error {
	return f.cmd("leave:" + channelID)
}

func (f *fakeRealtime) RequestSync(_ context.Context, scope Scope, since time.Time) error {
	return f.cmd(fmt.Sprintf("sync:%s:%d", scope.String(), since.Unix()))
}

func (f *fakeRealtime) ForceReconnect(context.Context) error {
	return f.cmd("force_reconnect")
}

// ============================================================================
// memStore
// ============================================================================

// memStore is a messageStore over a bare MessageCache.
type memStore struct {
	mu    sync.Mutex
	cache *MessageCache
	dels  []string
}

func newMemStore(msgs ...*Message) *memStore {
	s := &memStore{cache: NewMessageCache(nil, nil)}
	s.cache.Merge(msgs...)
	return s
}

func (s *memStore) lookup(id string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(id)
}

func (s *memStore) put(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Put(m)
}

func (s *memStore) confirm(tempID string, server *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := server.Clone()
	in.clearTransient()
	if in.ID != tempID {
		s.cache.Remove(tempID)
	}
	s.cache.Merge(in)
}

func (s *memStore) update(id string, fn func(m *Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Update(id, fn)
}

func (s *memStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(id)
}

func (s *memStore) deleted(id, by string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dels = append(s.dels, id)
	applyDelete(s.cache, DeletePolicyTombstone, id, by, at)
}

func (s *memStore) get(t *testing.T, id string) *Message {
	t.Helper()
	m, ok := s.lookup(id)
	if !ok {
		t.Fatalf("message %s not in store", id)
	}
	return m
}

func (s *memStore) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Has(id)
}

func (s *memStore) view(scope Scope) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.View(scope)
}

// recorder collects notices.
type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func (r *recorder) levels() []string {
	var out []string
	for _, n := range r.all() {
		out = append(out, string(n.Level)+":"+string(n.Op))
	}
	sort.Strings(out)
	return out
}
