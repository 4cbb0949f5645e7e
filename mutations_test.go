package chatsync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var errUnavailable = &APIError{Status: http.StatusServiceUnavailable, Code: "UNAVAILABLE", Message: "service unavailable"}

func newTestTracker(svc Service, store messageStore, notifier Notifier, metrics *Metrics) *MutationTracker {
	opts := Options{
		Self:           Author{ID: "me", Name: "Me"},
		RetryBaseDelay: time.Millisecond,
		Notifier:       notifier,
	}
	opts.defaults()
	return newMutationTracker(svc, store, &opts, metrics)
}

func TestTrackerSend(t *testing.T) {
	ctx := context.Background()

	t.Run("optimistic then confirmed", func(t *testing.T) {
		svc := newFakeService()
		release := make(chan struct{})
		svc.send = func(ctx context.Context, channelID string, opts SendOptions) (*Message, error) {
			<-release
			return &Message{ID: "srv-1", ClientID: opts.ClientID, ChannelID: channelID, Content: opts.Content, CreatedAt: t0}, nil
		}
		store := newMemStore()
		rec := &recorder{}
		tr := newTestTracker(svc, store, rec, nil)
		defer tr.Close()

		id, err := tr.Send(ctx, general, SendOptions{Content: "hello"})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(id, "temp-") {
			t.Fatalf("id = %q", id)
		}
		opt := store.get(t, id)
		if !opt.IsOptimistic || !opt.IsSending || opt.Author.ID != "me" || opt.ClientID != id {
			t.Fatalf("optimistic = %+v", opt)
		}

		close(release)
		waitFor(t, "confirmation", func() bool { return !store.has(id) })
		equalIDs(t, store.view(general), "srv-1")
		if m := store.get(t, "srv-1"); m.IsOptimistic || m.IsSending {
			t.Fatalf("confirmed record kept transient flags: %+v", m)
		}
		waitFor(t, "notice", func() bool { return len(rec.all()) == 1 })
		if n := rec.all()[0]; n.Level != NoticeSuccess || n.Op != MutationSend {
			t.Fatalf("notice = %+v", n)
		}
		if len(tr.Pending()) != 0 {
			t.Fatalf("pending = %+v", tr.Pending())
		}
	})

	t.Run("echo before response", func(t *testing.T) {
		svc := newFakeService()
		store := newMemStore()
		release := make(chan struct{})
		var server *Message
		svc.send = func(ctx context.Context, channelID string, opts SendOptions) (*Message, error) {
			server = &Message{ID: "srv-1", ClientID: opts.ClientID, ChannelID: channelID, Content: opts.Content, CreatedAt: t0}
			// The realtime echo lands before the HTTP response.
			store.mu.Lock()
			store.cache.Merge(server.Clone())
			store.mu.Unlock()
			<-release
			return server, nil
		}
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		id, _ := tr.Send(ctx, general, SendOptions{Content: "hi"})
		waitFor(t, "echo", func() bool { return store.has("srv-1") })
		if store.has(id) {
			t.Fatal("echo did not replace optimistic entry")
		}
		close(release)
		waitFor(t, "settle", func() bool { return len(tr.Pending()) == 0 })
		equalIDs(t, store.view(general), "srv-1")
	})

	t.Run("retries transient failures then succeeds", func(t *testing.T) {
		svc := newFakeService()
		calls := 0
		svc.send = func(ctx context.Context, channelID string, opts SendOptions) (*Message, error) {
			calls++
			if calls < 3 {
				return nil, errUnavailable
			}
			return &Message{ID: "srv-1", ClientID: opts.ClientID, ChannelID: channelID, CreatedAt: t0}, nil
		}
		store := newMemStore()
		m := NewMetrics(prometheus.NewRegistry())
		tr := newTestTracker(svc, store, nil, m)
		defer tr.Close()

		tr.Send(ctx, general, SendOptions{Content: "hi"})
		waitFor(t, "confirmation", func() bool { return store.has("srv-1") })
		if got := testutil.ToFloat64(m.MutationRetries.WithLabelValues("send")); got != 2 {
			t.Fatalf("retries = %v", got)
		}
	})

	t.Run("fails after retry budget", func(t *testing.T) {
		svc := newFakeService()
		svc.send = func(context.Context, string, SendOptions) (*Message, error) { return nil, errUnavailable }
		store := newMemStore()
		rec := &recorder{}
		tr := newTestTracker(svc, store, rec, nil)
		defer tr.Close()

		id, _ := tr.Send(ctx, general, SendOptions{Content: "hi"})
		waitFor(t, "failure", func() bool { return store.get(t, id).HasFailed })

		if n := svc.count("send"); n != DefaultMaxRetries+1 {
			t.Fatalf("send calls = %d, want %d", n, DefaultMaxRetries+1)
		}
		m := store.get(t, id)
		if m.IsSending || m.SendError != "service unavailable" {
			t.Fatalf("failed message = %+v", m)
		}
		pending := tr.Pending()
		if len(pending) != 1 || pending[0].State != MutationFailed {
			t.Fatalf("pending = %+v", pending)
		}
		waitFor(t, "error notice", func() bool { return len(rec.all()) == 1 })
		if n := rec.all()[0]; n.Level != NoticeError || !strings.Contains(n.Text, "service unavailable") {
			t.Fatalf("notice = %+v", n)
		}
	})

	t.Run("non-retryable fails at once", func(t *testing.T) {
		svc := newFakeService()
		svc.send = func(context.Context, string, SendOptions) (*Message, error) {
			return nil, &APIError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "not a member"}
		}
		store := newMemStore()
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		id, _ := tr.Send(ctx, general, SendOptions{Content: "hi"})
		waitFor(t, "failure", func() bool { return store.get(t, id).HasFailed })
		if n := svc.count("send"); n != 1 {
			t.Fatalf("send calls = %d", n)
		}
	})

	t.Run("retry and discard", func(t *testing.T) {
		svc := newFakeService()
		fail := true
		svc.send = func(ctx context.Context, channelID string, opts SendOptions) (*Message, error) {
			if fail {
				return nil, errors.New("boom")
			}
			return &Message{ID: "srv-9", ClientID: opts.ClientID, ChannelID: channelID, CreatedAt: t0}, nil
		}
		store := newMemStore()
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		id, _ := tr.Send(ctx, general, SendOptions{Content: "hi"})
		waitFor(t, "failure", func() bool { return store.get(t, id).HasFailed })

		fail = false
		if err := tr.Retry(id); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "confirmation", func() bool { return store.has("srv-9") })
		if err := tr.Retry(id); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("retry of confirmed send: %v", err)
		}

		fail = true
		id2, _ := tr.Send(ctx, general, SendOptions{Content: "again"})
		waitFor(t, "failure", func() bool { return store.get(t, id2).HasFailed })
		if err := tr.Discard(id2); err != nil {
			t.Fatal(err)
		}
		if store.has(id2) || len(tr.Pending()) != 0 {
			t.Fatal("discard left state behind")
		}
	})

	t.Run("validation", func(t *testing.T) {
		tr := newTestTracker(newFakeService(), newMemStore(), nil, nil)
		defer tr.Close()
		if _, err := tr.Send(ctx, Scope{}, SendOptions{Content: "x"}); !errors.Is(err, ErrNoScope) {
			t.Fatalf("err = %v", err)
		}
		if _, err := tr.Send(ctx, general, SendOptions{}); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("thread reply", func(t *testing.T) {
		svc := newFakeService()
		store := newMemStore()
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()
		thread := Scope{ChannelID: "general", ThreadRootID: "root"}
		tr.Send(ctx, thread, SendOptions{Content: "reply"})
		waitFor(t, "reply", func() bool { return svc.count("reply") == 1 && len(tr.Pending()) == 0 })
		if len(store.view(thread)) != 1 || svc.count("send") != 0 {
			t.Fatal("reply not routed to AddThreadReply")
		}
	})

	t.Run("reply preview", func(t *testing.T) {
		target := msgAt("a", "general", 1)
		target.Content = strings.Repeat("x", 100)
		store := newMemStore(target)
		svc := newFakeService()
		block := make(chan struct{})
		svc.send = func(context.Context, string, SendOptions) (*Message, error) { <-block; return nil, nil }
		tr := newTestTracker(svc, store, nil, nil)
		defer func() { close(block); tr.Close() }()

		id, _ := tr.Send(ctx, general, SendOptions{Content: "re", ReplyToID: "a"})
		ref := store.get(t, id).ReplyTo
		if ref == nil || ref.AuthorID != target.Author.ID || len([]rune(ref.Preview)) != 83 {
			t.Fatalf("reply ref = %+v", ref)
		}
	})
}

func TestTrackerEdit(t *testing.T) {
	ctx := context.Background()

	t.Run("revert on failure", func(t *testing.T) {
		svc := newFakeService()
		svc.edit = func(context.Context, string, string) (*Message, error) { return nil, errors.New("denied") }
		store := newMemStore(msgAt("a", "general", 1))
		rec := &recorder{}
		tr := newTestTracker(svc, store, rec, nil)
		defer tr.Close()

		if err := tr.Edit(ctx, "a", "changed"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "revert", func() bool { return store.get(t, "a").Content == "content a" })
		m := store.get(t, "a")
		if m.IsEdited || m.IsBeingEdited {
			t.Fatalf("revert kept edit flags: %+v", m)
		}
		waitFor(t, "notice", func() bool { return len(rec.all()) == 1 })
		if rec.all()[0].Level != NoticeError {
			t.Fatal("expected error notice")
		}
	})

	t.Run("server version committed", func(t *testing.T) {
		svc := newFakeService()
		svc.edit = func(ctx context.Context, id, content string) (*Message, error) {
			m := msgAt(id, "general", 1)
			m.Content = content + " (server)"
			at := t0.Add(time.Minute)
			m.EditedAt, m.IsEdited = &at, true
			return m, nil
		}
		store := newMemStore(msgAt("a", "general", 1))
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		tr.Edit(ctx, "a", "changed")
		waitFor(t, "commit", func() bool { return store.get(t, "a").Content == "changed (server)" })
		if store.get(t, "a").IsBeingEdited {
			t.Fatal("IsBeingEdited not cleared")
		}
	})

	t.Run("concurrent edit ignored", func(t *testing.T) {
		svc := newFakeService()
		block := make(chan struct{})
		svc.edit = func(context.Context, string, string) (*Message, error) { <-block; return nil, nil }
		store := newMemStore(msgAt("a", "general", 1))
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		tr.Edit(ctx, "a", "first")
		tr.Edit(ctx, "a", "second")
		if c := store.get(t, "a").Content; c != "first" {
			t.Fatalf("content = %q", c)
		}
		close(block)
		waitFor(t, "settle", func() bool { return !store.get(t, "a").IsBeingEdited })
		if n := svc.count("edit"); n != 1 {
			t.Fatalf("edit calls = %d", n)
		}
	})

	t.Run("guards", func(t *testing.T) {
		opt := msgAt("temp-x", "general", 1)
		opt.IsOptimistic = true
		store := newMemStore()
		store.put(opt)
		tr := newTestTracker(newFakeService(), store, nil, nil)
		defer tr.Close()

		if err := tr.Edit(ctx, "missing", "x"); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("err = %v", err)
		}
		if err := tr.Edit(ctx, "temp-x", "x"); !errors.Is(err, ErrPendingMessage) {
			t.Fatalf("err = %v", err)
		}
		if err := tr.Edit(ctx, "temp-x", ""); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("deleted message rejected", func(t *testing.T) {
		svc := newFakeService()
		block := make(chan struct{})
		svc.del = func(context.Context, string) error { <-block; return nil }
		gone := msgAt("gone", "general", 1)
		gone.tombstone("u1", t0)
		store := newMemStore(gone, msgAt("a", "general", 2))
		tr := newTestTracker(svc, store, nil, nil)
		defer func() { close(block); tr.Close() }()

		if err := tr.Edit(ctx, "gone", "resurrected"); !errors.Is(err, ErrDeletedMessage) {
			t.Fatalf("edit of tombstone: %v", err)
		}
		if m := store.get(t, "gone"); m.Content != "" || !m.IsDeleted {
			t.Fatalf("tombstone changed: %+v", m)
		}

		tr.Delete(ctx, "a")
		if err := tr.Edit(ctx, "a", "late"); !errors.Is(err, ErrDeletedMessage) {
			t.Fatalf("edit during delete: %v", err)
		}
		if n := svc.count("edit"); n != 0 {
			t.Fatalf("edit calls = %d", n)
		}
	})
}

func TestTrackerDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("tombstone then confirm", func(t *testing.T) {
		svc := newFakeService()
		block := make(chan struct{})
		svc.del = func(context.Context, string) error { <-block; return nil }
		store := newMemStore(msgAt("a", "general", 1))
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		tr.Delete(ctx, "a")
		m := store.get(t, "a")
		if !m.IsDeleted || !m.IsBeingDeleted || m.Content != "" {
			t.Fatalf("optimistic delete = %+v", m)
		}
		close(block)
		waitFor(t, "confirm", func() bool { return !store.get(t, "a").IsBeingDeleted })
		if len(store.dels) != 1 {
			t.Fatalf("deleted callbacks = %v", store.dels)
		}
	})

	t.Run("restore on failure", func(t *testing.T) {
		svc := newFakeService()
		svc.del = func(context.Context, string) error { return errors.New("nope") }
		store := newMemStore(msgAt("a", "general", 1))
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		tr.Delete(ctx, "a")
		waitFor(t, "restore", func() bool { return !store.get(t, "a").IsDeleted })
		if c := store.get(t, "a").Content; c != "content a" {
			t.Fatalf("content = %q", c)
		}
	})

	t.Run("failure restores state before a cancelled edit", func(t *testing.T) {
		svc := newFakeService()
		block := make(chan struct{})
		svc.edit = func(context.Context, string, string) (*Message, error) { <-block; return nil, nil }
		svc.toggle = func(context.Context, string, string) ([]Reaction, error) { <-block; return nil, nil }
		svc.del = func(context.Context, string) error {
			return &APIError{Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "not allowed"}
		}
		orig := msgAt("a", "general", 1)
		orig.Reactions = []Reaction{{Emoji: "👍", Count: 1, Users: []string{"u2"}}}
		store := newMemStore(orig)
		tr := newTestTracker(svc, store, nil, nil)
		defer func() { close(block); tr.Close() }()

		if err := tr.Edit(ctx, "a", "draft"); err != nil {
			t.Fatal(err)
		}
		tr.React(ctx, "a", "🎉")
		tr.React(ctx, "a", "👍")
		if err := tr.Delete(ctx, "a"); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "restore", func() bool { return !store.get(t, "a").IsDeleted })

		m := store.get(t, "a")
		if m.Content != "content a" || m.IsEdited || m.EditedAt != nil {
			t.Fatalf("restored unconfirmed edit: content=%q edited=%v", m.Content, m.IsEdited)
		}
		if m.IsBeingEdited || m.IsBeingDeleted {
			t.Fatalf("transient flags survived: %+v", m)
		}
		if len(m.Reactions) != 1 || m.Reactions[0].Emoji != "👍" || m.Reactions[0].Users[0] != "u2" {
			t.Fatalf("reactions = %+v", m.Reactions)
		}
		if len(tr.Pending()) != 0 {
			t.Fatalf("pending = %+v", tr.Pending())
		}
	})

	t.Run("optimistic target is discarded", func(t *testing.T) {
		svc := newFakeService()
		block := make(chan struct{})
		svc.send = func(context.Context, string, SendOptions) (*Message, error) { <-block; return nil, nil }
		store := newMemStore()
		tr := newTestTracker(svc, store, nil, nil)
		defer func() { close(block); tr.Close() }()

		id, _ := tr.Send(ctx, general, SendOptions{Content: "oops"})
		if err := tr.Delete(ctx, id); err != nil {
			t.Fatal(err)
		}
		if store.has(id) || svc.count("delete") != 0 {
			t.Fatal("optimistic delete hit the server or kept the record")
		}
	})
}

func TestTrackerReact(t *testing.T) {
	ctx := context.Background()

	t.Run("canonical list replaces optimistic", func(t *testing.T) {
		svc := newFakeService()
		svc.toggle = func(context.Context, string, string) ([]Reaction, error) {
			return []Reaction{{Emoji: "👍", Count: 2, Users: []string{"me", "u2"}}}, nil
		}
		store := newMemStore(msgAt("a", "general", 1))
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		tr.React(ctx, "a", "👍")
		waitFor(t, "canonical", func() bool {
			r := store.get(t, "a").Reactions
			return len(r) == 1 && r[0].Count == 2
		})
	})

	t.Run("failure reverts reactions only", func(t *testing.T) {
		svc := newFakeService()
		block := make(chan struct{})
		svc.toggle = func(context.Context, string, string) ([]Reaction, error) { <-block; return nil, errors.New("no") }
		store := newMemStore(msgAt("a", "general", 1))
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		tr.React(ctx, "a", "👍")
		if r := store.get(t, "a").Reactions; len(r) != 1 || r[0].Users[0] != "me" {
			t.Fatalf("optimistic reactions = %+v", r)
		}
		store.update("a", func(m *Message) { m.Content = "edited elsewhere" })
		close(block)
		waitFor(t, "revert", func() bool { return len(store.get(t, "a").Reactions) == 0 })
		if c := store.get(t, "a").Content; c != "edited elsewhere" {
			t.Fatalf("revert touched content: %q", c)
		}
	})

	t.Run("different emoji run concurrently", func(t *testing.T) {
		svc := newFakeService()
		block := make(chan struct{})
		svc.toggle = func(ctx context.Context, id, emoji string) ([]Reaction, error) {
			<-block
			return nil, nil
		}
		store := newMemStore(msgAt("a", "general", 1))
		tr := newTestTracker(svc, store, nil, nil)
		defer tr.Close()

		tr.React(ctx, "a", "👍")
		tr.React(ctx, "a", "🎉")
		tr.React(ctx, "a", "🎉")
		if r := store.get(t, "a").Reactions; len(r) != 2 {
			t.Fatalf("reactions = %+v", r)
		}
		close(block)
		waitFor(t, "settle", func() bool { return svc.count("toggle") == 2 && len(tr.Pending()) == 0 })
	})
}

func TestTrackerAbandonScope(t *testing.T) {
	svc := newFakeService()
	svc.send = func(ctx context.Context, _ string, _ SendOptions) (*Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	store := newMemStore()
	rec := &recorder{}
	tr := newTestTracker(svc, store, rec, nil)
	defer tr.Close()

	tr.Send(context.Background(), general, SendOptions{Content: "hi"})
	waitFor(t, "in flight", func() bool { return svc.count("send") == 1 })
	tr.abandonScope(general)
	if len(tr.Pending()) != 0 {
		t.Fatal("pending mutation survived abandon")
	}
	time.Sleep(20 * time.Millisecond)
	if len(rec.all()) != 0 {
		t.Fatalf("abandoned mutation produced notices: %+v", rec.all())
	}
}
