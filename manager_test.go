package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestManager(t *testing.T, svc Service, rt Realtime, opts Options) *SyncManager {
	t.Helper()
	if opts.Self.ID == "" {
		opts.Self = Author{ID: "me", Name: "Me"}
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	m := NewSyncManager(svc, rt, opts)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func pageOf(hasMore bool, msgs ...*Message) *Page {
	return &Page{Messages: msgs, Pagination: PageResult{Count: len(msgs), HasMore: hasMore}}
}

func stateIDs(m *SyncManager) []string { return ids(m.State().Messages) }

func hasID(m *SyncManager, id string) bool {
	for _, got := range stateIDs(m) {
		if got == id {
			return true
		}
	}
	return false
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("requires init", func(t *testing.T) {
		m := NewSyncManager(newFakeService(), nil, Options{})
		if err := m.SetScope(ctx, general); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("requires scope", func(t *testing.T) {
		m := newTestManager(t, newFakeService(), nil, Options{})
		if err := m.SetScope(ctx, Scope{}); !errors.Is(err, ErrNoScope) {
			t.Fatalf("SetScope err = %v", err)
		}
		if err := m.LoadMore(ctx); !errors.Is(err, ErrNoScope) {
			t.Fatalf("LoadMore err = %v", err)
		}
		if _, err := m.SendMessage(ctx, SendOptions{Content: "x"}); !errors.Is(err, ErrNoScope) {
			t.Fatalf("SendMessage err = %v", err)
		}
	})

	t.Run("destroy is final", func(t *testing.T) {
		m := NewSyncManager(newFakeService(), nil, Options{})
		m.Init(ctx)
		m.Destroy()
		m.Destroy()
		if err := m.SetScope(ctx, general); !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("err = %v", err)
		}
		if err := m.Init(ctx); err == nil {
			t.Fatal("Init after Destroy succeeded")
		}
	})

	t.Run("force reconnect without realtime", func(t *testing.T) {
		m := newTestManager(t, newFakeService(), nil, Options{})
		if err := m.ForceReconnect(ctx); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestManagerSetScope(t *testing.T) {
	ctx := context.Background()

	t.Run("loads first page", func(t *testing.T) {
		svc := newFakeService()
		svc.channelPage = func(ctx context.Context, channelID string, req PageRequest) (*Page, error) {
			if req.Offset != 0 || req.Limit != 30 {
				t.Errorf("request = %+v", req)
			}
			return pageOf(true, msgAt("b", channelID, 2), msgAt("a", channelID, 1), msgAt("x", "random", 1)), nil
		}
		rt := newFakeRealtime()
		m := newTestManager(t, svc, rt, Options{PageSize: 30})

		if err := m.SetScope(ctx, general); err != nil {
			t.Fatal(err)
		}
		st := m.State()
		equalIDs(t, st.Messages, "a", "b")
		if st.Loading || !st.HasMore || st.Scope != general {
			t.Fatalf("state = %+v", st)
		}
		if rt.countPrefix("join:general") != 1 {
			t.Fatalf("commands = %v", rt.sent())
		}
	})

	t.Run("thread scope uses replies", func(t *testing.T) {
		svc := newFakeService()
		svc.threadPage = func(ctx context.Context, rootID string, req PageRequest) (*Page, error) {
			// Replies without scope tags are attributed to the thread.
			return pageOf(false, &Message{ID: "r1", Author: Author{ID: "u"}, CreatedAt: t0}), nil
		}
		m := newTestManager(t, svc, nil, Options{})
		thread := Scope{ChannelID: "general", ThreadRootID: "root"}
		if err := m.SetScope(ctx, thread); err != nil {
			t.Fatal(err)
		}
		equalIDs(t, m.State().Messages, "r1")
		if svc.count("replies") != 1 || svc.count("list") != 0 {
			t.Fatal("thread scope fetched the channel")
		}
	})

	t.Run("stale response discarded", func(t *testing.T) {
		svc := newFakeService()
		release := make(chan struct{})
		svc.channelPage = func(ctx context.Context, channelID string, req PageRequest) (*Page, error) {
			if channelID == "general" {
				<-release
			}
			return pageOf(false, msgAt(channelID+"-1", channelID, 1)), nil
		}
		rt := newFakeRealtime()
		reg := prometheus.NewRegistry()
		m := newTestManager(t, svc, rt, Options{Registerer: reg})

		errc := make(chan error, 1)
		go func() { errc <- m.SetScope(ctx, general) }()
		waitFor(t, "first load", func() bool { return svc.count("list") == 1 })

		random := Scope{ChannelID: "random"}
		if err := m.SetScope(ctx, random); err != nil {
			t.Fatal(err)
		}
		close(release)
		if err := <-errc; !errors.Is(err, ErrSuperseded) {
			t.Fatalf("stale load err = %v", err)
		}
		st := m.State()
		if st.Scope != random {
			t.Fatalf("scope = %v", st.Scope)
		}
		equalIDs(t, st.Messages, "random-1")
		if got := testutil.ToFloat64(m.metrics.StaleResponses); got != 1 {
			t.Fatalf("stale responses = %v", got)
		}
		if rt.countPrefix("leave:general") != 1 {
			t.Fatalf("commands = %v", rt.sent())
		}
	})

	t.Run("empty result ends pagination", func(t *testing.T) {
		svc := newFakeService()
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			return nil, &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "channel has no messages"}
		}
		m := newTestManager(t, svc, nil, Options{})
		if err := m.SetScope(ctx, general); err != nil {
			t.Fatal(err)
		}
		st := m.State()
		if st.HasMore || st.Error != "" || len(st.Messages) != 0 {
			t.Fatalf("state = %+v", st)
		}
	})

	t.Run("failure surfaces error", func(t *testing.T) {
		svc := newFakeService()
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			return nil, &APIError{Status: http.StatusInternalServerError, Code: "INTERNAL", Message: "boom"}
		}
		m := newTestManager(t, svc, nil, Options{})
		if err := m.SetScope(ctx, general); err == nil {
			t.Fatal("expected error")
		}
		st := m.State()
		if st.Error != "boom" || st.Loading {
			t.Fatalf("state = %+v", st)
		}
	})

	t.Run("reload keeps unsent messages", func(t *testing.T) {
		svc := newFakeService()
		block := make(chan struct{})
		defer close(block)
		svc.send = func(context.Context, string, SendOptions) (*Message, error) { <-block; return nil, nil }
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			return pageOf(false, msgAt("a", "general", 1)), nil
		}
		m := newTestManager(t, svc, nil, Options{})
		m.SetScope(ctx, general)

		id, err := m.SendMessage(ctx, SendOptions{Content: "pending"})
		if err != nil {
			t.Fatal(err)
		}
		m.SetScope(ctx, general)
		if !hasID(m, id) || !hasID(m, "a") {
			t.Fatalf("messages = %v", stateIDs(m))
		}
	})
}

func TestManagerLoadMore(t *testing.T) {
	ctx := context.Background()

	svc := newFakeService()
	release := make(chan struct{})
	svc.channelPage = func(ctx context.Context, _ string, req PageRequest) (*Page, error) {
		switch req.Offset {
		case 0:
			return pageOf(true, msgAt("c", "general", 3), msgAt("d", "general", 4)), nil
		case 2:
			<-release
			// The overlap with the first page must not duplicate "c".
			return pageOf(false, msgAt("a", "general", 1), msgAt("c", "general", 3)), nil
		}
		t.Errorf("unexpected offset %d", req.Offset)
		return pageOf(false), nil
	}
	m := newTestManager(t, svc, nil, Options{PageSize: 2})
	if err := m.SetScope(ctx, general); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- m.LoadMore(ctx) }()
	waitFor(t, "second page request", func() bool { return svc.count("list") == 2 })
	if !m.State().LoadingMore {
		t.Fatal("LoadingMore not set")
	}
	if err := m.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	if n := svc.count("list"); n != 2 {
		t.Fatalf("duplicate LoadMore issued a request (%d)", n)
	}

	close(release)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	st := m.State()
	equalIDs(t, st.Messages, "a", "c", "d")
	if st.HasMore || st.LoadingMore {
		t.Fatalf("state = %+v", st)
	}

	if err := m.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	if n := svc.count("list"); n != 2 {
		t.Fatalf("exhausted scope issued a request (%d)", n)
	}
}

func TestManagerRealtime(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, opts Options) (*SyncManager, *fakeRealtime) {
		svc := newFakeService()
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			return pageOf(false, msgAt("a", "general", 9)), nil
		}
		rt := newFakeRealtime()
		m := newTestManager(t, svc, rt, opts)
		if err := m.SetScope(ctx, general); err != nil {
			t.Fatal(err)
		}
		return m, rt
	}

	t.Run("events update state", func(t *testing.T) {
		m, rt := setup(t, Options{})
		for len(m.Changes()) > 0 {
			<-m.Changes()
		}

		rt.emit(MessageCreated{Message: msgAt("b", "general", 10)})
		rt.emit(MessageCreated{Message: msgAt("z", "random", 10)})
		waitFor(t, "message b", func() bool { return hasID(m, "b") })
		select {
		case <-m.Changes():
		case <-time.After(time.Second):
			t.Fatal("no change notification")
		}
		if hasID(m, "z") {
			t.Fatal("foreign message applied")
		}

		rt.emit(TypingIndicator{ChannelID: "general", UserID: "u1", UserName: "Alice", IsTyping: true})
		waitFor(t, "typing", func() bool { return m.State().TypingText == "Alice is typing" })
	})

	t.Run("connect joins and requests sync", func(t *testing.T) {
		m, rt := setup(t, Options{})
		rt.emit(ConnectionChanged{State: StateConnected})
		want := fmt.Sprintf("sync:general:%d", t0.Add(9*time.Second).Unix())
		waitFor(t, "sync request", func() bool { return rt.countPrefix(want) == 1 })
		if rt.countPrefix("join:general") != 2 {
			t.Fatalf("commands = %v", rt.sent())
		}
		if m.State().Connection != StateConnected {
			t.Fatalf("connection = %s", m.State().Connection)
		}
	})

	t.Run("reconnect failure banner", func(t *testing.T) {
		rec := &recorder{}
		m, rt := setup(t, Options{Notifier: rec})
		rt.emit(ReconnectFailed{Attempts: 10})
		waitFor(t, "banner", func() bool { return m.State().Banner == BannerConnectionLost })
		if lv := rec.levels(); len(lv) != 1 || lv[0] != "warning:" {
			t.Fatalf("notices = %v", lv)
		}

		if err := m.ForceReconnect(ctx); err != nil {
			t.Fatal(err)
		}
		if m.State().Banner != "" || rt.countPrefix("force_reconnect") != 1 {
			t.Fatal("ForceReconnect did not clear the banner")
		}
	})

	t.Run("extra sources", func(t *testing.T) {
		extra := newFakeRealtime()
		m, _ := setup(t, Options{ExtraSources: []EventSource{extra}})
		extra.emit(MessageDeleted{MessageID: "a", ChannelID: "general"})
		waitFor(t, "tombstone", func() bool {
			st := m.State()
			return len(st.Messages) == 1 && st.Messages[0].IsDeleted
		})
	})

	t.Run("typing commands follow scope", func(t *testing.T) {
		m, rt := setup(t, Options{})
		if err := m.StartTyping(ctx); err != nil {
			t.Fatal(err)
		}
		if err := m.StopTyping(ctx); err != nil {
			t.Fatal(err)
		}
		if rt.countPrefix("typing_start:general") != 1 || rt.countPrefix("typing_stop:general") != 1 {
			t.Fatalf("commands = %v", rt.sent())
		}
	})
}

func TestManagerMutations(t *testing.T) {
	ctx := context.Background()

	t.Run("send round trip", func(t *testing.T) {
		svc := newFakeService()
		rec := &recorder{}
		m := newTestManager(t, svc, nil, Options{Notifier: rec})
		m.SetScope(ctx, general)

		id, err := m.SendMessage(ctx, SendOptions{Content: "hello"})
		if err != nil {
			t.Fatal(err)
		}
		waitFor(t, "confirmation", func() bool { return !hasID(m, id) && len(m.State().Messages) == 1 })
		msg := m.State().Messages[0]
		if msg.ClientID != id || msg.IsOptimistic || msg.Content != "hello" {
			t.Fatalf("confirmed = %+v", msg)
		}
		waitFor(t, "notice", func() bool { return len(rec.all()) == 1 })
	})

	t.Run("echo before response keeps one copy", func(t *testing.T) {
		svc := newFakeService()
		rt := newFakeRealtime()
		release := make(chan struct{})
		svc.send = func(ctx context.Context, channelID string, opts SendOptions) (*Message, error) {
			server := &Message{ID: "srv-1", ClientID: opts.ClientID, ChannelID: channelID, Content: opts.Content, CreatedAt: t0}
			rt.emit(MessageCreated{Message: server})
			<-release
			return server, nil
		}
		m := newTestManager(t, svc, rt, Options{})
		m.SetScope(ctx, general)

		m.SendMessage(ctx, SendOptions{Content: "hi"})
		waitFor(t, "echo", func() bool { return hasID(m, "srv-1") })
		close(release)
		waitFor(t, "settle", func() bool { return len(m.State().Pending) == 0 })
		equalIDs(t, m.State().Messages, "srv-1")
	})

	t.Run("scope change abandons pending", func(t *testing.T) {
		svc := newFakeService()
		svc.send = func(ctx context.Context, _ string, _ SendOptions) (*Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		m := newTestManager(t, svc, nil, Options{})
		m.SetScope(ctx, general)
		m.SendMessage(ctx, SendOptions{Content: "hi"})
		if len(m.State().Pending) != 1 {
			t.Fatal("send not pending")
		}
		m.SetScope(ctx, Scope{ChannelID: "random"})
		if st := m.State(); len(st.Pending) != 0 || len(st.Messages) != 0 {
			t.Fatalf("state = %+v", st)
		}
	})

	t.Run("edit react delete", func(t *testing.T) {
		svc := newFakeService()
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			return pageOf(false, msgAt("a", "general", 1)), nil
		}
		m := newTestManager(t, svc, nil, Options{})
		m.SetScope(ctx, general)

		if err := m.EditMessage(ctx, "a", "edited"); err != nil {
			t.Fatal(err)
		}
		if c := m.State().Messages[0].Content; c != "edited" {
			t.Fatalf("content = %q", c)
		}
		if err := m.AddReaction(ctx, "a", "👍"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "reaction", func() bool { return len(m.State().Messages[0].Reactions) == 1 })
		waitFor(t, "settle", func() bool { return len(m.State().Pending) == 0 })

		if err := m.DeleteMessage(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "delete", func() bool { return svc.count("delete") == 1 && len(m.State().Pending) == 0 })
		if !m.State().Messages[0].IsDeleted {
			t.Fatal("message not tombstoned")
		}
	})

	t.Run("retry and discard failed send", func(t *testing.T) {
		svc := newFakeService()
		svc.send = func(context.Context, string, SendOptions) (*Message, error) {
			return nil, &APIError{Status: http.StatusBadRequest, Code: "INVALID", Message: "rejected"}
		}
		m := newTestManager(t, svc, nil, Options{})
		m.SetScope(ctx, general)

		id, _ := m.SendMessage(ctx, SendOptions{Content: "hi"})
		failed := func() bool {
			st := m.State()
			return len(st.Messages) == 1 && st.Messages[0].HasFailed
		}
		waitFor(t, "failure", failed)
		if err := m.RetryMessage(id); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "second failure", func() bool { return svc.count("send") == 2 && failed() })
		if err := m.DiscardMessage(id); err != nil {
			t.Fatal(err)
		}
		if len(m.State().Messages) != 0 {
			t.Fatal("discarded message still visible")
		}
	})

	t.Run("create thread", func(t *testing.T) {
		svc := newFakeService()
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			return pageOf(false, msgAt("a", "general", 1)), nil
		}
		rec := &recorder{}
		m := newTestManager(t, svc, nil, Options{Notifier: rec})
		m.SetScope(ctx, general)

		if _, err := m.CreateThread(ctx, "missing"); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("err = %v", err)
		}
		info, err := m.CreateThread(ctx, "a")
		if err != nil || info == nil {
			t.Fatalf("CreateThread = %v, %v", info, err)
		}
		if msg := m.State().Messages[0]; !msg.IsThreadRoot || msg.Thread == nil {
			t.Fatalf("root = %+v", msg)
		}

		svc.thread = func(context.Context, string) (*ThreadInfo, error) { return nil, errors.New("nope") }
		if _, err := m.CreateThread(ctx, "a"); err == nil {
			t.Fatal("expected error")
		}
		if lv := rec.levels(); len(lv) != 2 || lv[0] != "error:thread" || lv[1] != "success:thread" {
			t.Fatalf("notices = %v", lv)
		}
	})

	t.Run("create thread takes server summary", func(t *testing.T) {
		svc := newFakeService()
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			root := msgAt("a", "general", 1)
			root.IsThreadRoot = true
			root.Thread = &ThreadInfo{ReplyCount: 5}
			return pageOf(false, root), nil
		}
		svc.thread = func(context.Context, string) (*ThreadInfo, error) {
			return &ThreadInfo{ReplyCount: 2}, nil
		}
		m := newTestManager(t, svc, nil, Options{})
		m.SetScope(ctx, general)

		if _, err := m.CreateThread(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		if got := m.State().Messages[0].Thread.ReplyCount; got != 2 {
			t.Fatalf("ReplyCount = %d, want server's 2", got)
		}
	})
}

func TestManagerStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("hydrates then persists", func(t *testing.T) {
		store := NewMemoryStorage()
		store.SaveMessages(ctx, general, []*Message{msgAt("old", "general", 1)})

		svc := newFakeService()
		release := make(chan struct{})
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			<-release
			return pageOf(false, msgAt("new", "general", 2)), nil
		}
		clock := newFakeClock()
		opts := Options{Storage: store}
		opts.now = clock.now
		m := newTestManager(t, svc, nil, opts)

		errc := make(chan error, 1)
		go func() { errc <- m.SetScope(ctx, general) }()
		waitFor(t, "hydrated snapshot", func() bool { return hasID(m, "old") })
		if !m.State().Loading {
			t.Fatal("snapshot should show while loading")
		}
		close(release)
		if err := <-errc; err != nil {
			t.Fatal(err)
		}

		saved, _ := store.LoadMessages(ctx, general)
		equalIDs(t, saved, "old", "new")
		at, err := SyncedAt(ctx, store, general)
		if err != nil || !at.Equal(t0) {
			t.Fatalf("SyncedAt = %v, %v", at, err)
		}
	})

	t.Run("remove policy deletes stored records", func(t *testing.T) {
		store := NewMemoryStorage()
		svc := newFakeService()
		svc.channelPage = func(context.Context, string, PageRequest) (*Page, error) {
			return pageOf(false, msgAt("a", "general", 1), msgAt("b", "general", 2)), nil
		}
		rt := newFakeRealtime()
		m := newTestManager(t, svc, rt, Options{Storage: store, DeletePolicy: DeletePolicyRemove})
		m.SetScope(ctx, general)

		rt.emit(MessageDeleted{MessageID: "a", ChannelID: "general"})
		waitFor(t, "removal", func() bool {
			saved, _ := store.LoadMessages(ctx, general)
			return len(saved) == 1 && saved[0].ID == "b"
		})
		equalIDs(t, m.State().Messages, "b")
	})

	t.Run("optimistic records are not stored", func(t *testing.T) {
		store := NewMemoryStorage()
		svc := newFakeService()
		block := make(chan struct{})
		defer close(block)
		svc.send = func(context.Context, string, SendOptions) (*Message, error) { <-block; return nil, nil }
		m := newTestManager(t, svc, nil, Options{Storage: store})
		m.SetScope(ctx, general)

		m.SendMessage(ctx, SendOptions{Content: "pending"})
		saved, _ := store.LoadMessages(ctx, general)
		if len(saved) != 0 {
			t.Fatalf("stored %v", ids(saved))
		}
	})
}
