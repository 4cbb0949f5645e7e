package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MutationKind names an optimistic operation.
type MutationKind string

const (
	MutationSend     MutationKind = "send"
	MutationEdit     MutationKind = "edit"
	MutationDelete   MutationKind = "delete"
	MutationReaction MutationKind = "reaction"
	MutationThread   MutationKind = "thread"
)

// MutationState is the lifecycle of a Mutation.
type MutationState string

const (
	MutationPending   MutationState = "pending"
	MutationConfirmed MutationState = "confirmed"
	MutationFailed    MutationState = "failed"
)

// Mutation is one optimistic operation awaiting server confirmation.
type Mutation struct {
	LocalID   string        `json:"local_id"`
	Kind      MutationKind  `json:"kind"`
	State     MutationState `json:"state"`
	Scope     Scope         `json:"scope"`
	MessageID string        `json:"message_id"`
	Retries   int           `json:"retries"`
	LastError string        `json:"last_error,omitempty"`

	guard     string
	call      func(ctx context.Context) error
	onSuccess func()
	onFailure func(err error)
	onRetry   func(n int)
	// revert undoes the local change on a record. Used when a later delete
	// cancels this mutation.
	revert func(m *Message)
	cancel context.CancelFunc
}

// ============================================================================
// Notices
// ============================================================================

// NoticeLevel classifies a Notice.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
	NoticeWarning NoticeLevel = "warning"
)

// Notice is a user-visible outcome: a toast for a mutation, or a banner for
// the connection.
type Notice struct {
	Level     NoticeLevel  `json:"level"`
	Op        MutationKind `json:"op,omitempty"`
	MessageID string       `json:"message_id,omitempty"`
	Text      string       `json:"text"`
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

// ============================================================================
// Tracker
// ============================================================================

// messageStore is the tracker's view of the message cache. Implementations
// serialize every call with the rest of the owner's state.
type messageStore interface {
	lookup(id string) (*Message, bool)
	put(m *Message)
	confirm(tempID string, server *Message)
	update(id string, fn func(m *Message)) bool
	remove(id string)
	deleted(id, by string, at time.Time)
}

// MutationTracker runs optimistic sends, edits, deletes and reaction toggles:
// it applies the local change first, issues the call in the background,
// retries transient failures with exponential backoff, and on the terminal
// outcome either commits server truth or reverts.
type MutationTracker struct {
	svc        Service
	store      messageStore
	self       Author
	notifier   Notifier
	log        *zap.Logger
	metrics    *Metrics
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	muts   map[string]*Mutation
	guards map[string]string
}

func newMutationTracker(svc Service, store messageStore, opts *Options, metrics *Metrics) *MutationTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &MutationTracker{
		svc:        svc,
		store:      store,
		self:       opts.Self,
		notifier:   opts.Notifier,
		log:        opts.Logger.Named("mutations"),
		metrics:    metrics,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.RetryBaseDelay,
		now:        opts.now,
		ctx:        ctx,
		cancel:     cancel,
		muts:       make(map[string]*Mutation),
		guards:     make(map[string]string),
	}
}

// Send inserts an optimistic message into scope and sends it in the
// background. It returns the temporary id immediately.
func (t *MutationTracker) Send(ctx context.Context, scope Scope, opts SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if scope.IsZero() {
		return "", ErrNoScope
	}
	if opts.Content == "" && len(opts.Attachments) == 0 {
		return "", ErrEmptyMessage
	}

	localID := "temp-" + uuid.NewString()
	opts.ClientID = localID
	msg := &Message{
		ID:           localID,
		ClientID:     localID,
		ChannelID:    scope.ChannelID,
		ThreadRootID: scope.ThreadRootID,
		Author:       t.self,
		Content:      opts.Content,
		CreatedAt:    t.now(),
		Attachments:  append([]Attachment(nil), opts.Attachments...),
		IsOptimistic: true,
		IsSending:    true,
	}
	if opts.ReplyToID != "" {
		msg.ReplyTo = &ReplyRef{MessageID: opts.ReplyToID}
		if target, ok := t.store.lookup(opts.ReplyToID); ok {
			msg.ReplyTo.AuthorID = target.Author.ID
			msg.ReplyTo.Preview = preview(target.Content)
		}
	}
	t.store.put(msg)

	var server *Message
	mut := &Mutation{
		LocalID:   localID,
		Kind:      MutationSend,
		Scope:     scope,
		MessageID: localID,
	}
	mut.call = func(ctx context.Context) error {
		var err error
		if scope.IsThread() {
			server, err = t.svc.AddThreadReply(ctx, scope.ChannelID, scope.ThreadRootID, opts)
		} else {
			server, err = t.svc.SendMessage(ctx, scope.ChannelID, opts)
		}
		return err
	}
	mut.onRetry = func(n int) {
		t.store.update(localID, func(m *Message) {
			m.IsSending = true
			m.RetryCount = n
			m.SendError = fmt.Sprintf("retrying (%d/%d)", n, t.maxRetries)
		})
	}
	mut.onSuccess = func() {
		if server == nil {
			t.store.update(localID, func(m *Message) {
				m.IsSending = false
				m.SendError = ""
			})
			return
		}
		if server.ClientID == "" {
			server.ClientID = localID
		}
		t.store.confirm(localID, server)
	}
	mut.onFailure = func(err error) {
		t.store.update(localID, func(m *Message) {
			m.IsSending = false
			m.HasFailed = true
			m.SendError = ErrorMessage(err)
		})
	}
	t.start(mut)
	return localID, nil
}

// Edit optimistically replaces a message's content. A second edit of the
// same message while one is in flight is ignored.
func (t *MutationTracker) Edit(ctx context.Context, id, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if content == "" {
		return ErrEmptyMessage
	}
	snap, ok := t.store.lookup(id)
	if !ok {
		return fmt.Errorf("edit %s: %w", id, ErrUnknownMessage)
	}
	if snap.IsOptimistic {
		return fmt.Errorf("edit %s: %w", id, ErrPendingMessage)
	}
	if snap.IsDeleted || snap.IsBeingDeleted {
		return fmt.Errorf("edit %s: %w", id, ErrDeletedMessage)
	}
	mut := &Mutation{
		LocalID:   uuid.NewString(),
		Kind:      MutationEdit,
		Scope:     snap.Scope(),
		MessageID: id,
		guard:     string(MutationEdit) + ":" + id,
		revert:    func(m *Message) {
			m.IsBeingEdited = false
			if m.IsDeleted {
				return
			}
			m.Content = snap.Content
			m.IsEdited = snap.IsEdited
			m.EditedAt = nil
			if snap.EditedAt != nil {
				at := *snap.EditedAt
				m.EditedAt = &at
			}
		},
	}
	if !t.claim(mut) {
		t.log.Debug("edit_ignored_in_flight", zap.String("msg_id", id))
		return nil
	}

	editedAt := t.now()
	t.store.update(id, func(m *Message) {
		m.Content = content
		m.IsEdited = true
		m.EditedAt = &editedAt
		m.IsBeingEdited = true
	})

	var server *Message
	mut.call = func(ctx context.Context) error {
		var err error
		server, err = t.svc.EditMessage(ctx, id, content)
		return err
	}
	mut.onSuccess = func() {
		if server == nil {
			t.store.update(id, func(m *Message) { m.IsBeingEdited = false })
			return
		}
		server.clearTransient()
		t.store.put(server)
	}
	mut.onFailure = func(error) { t.store.update(id, mut.revert) }
	t.start(mut)
	return nil
}

// Delete optimistically tombstones a message. Deleting an unsent optimistic
// message discards it instead. A second delete while one is in flight is
// ignored.
func (t *MutationTracker) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, ok := t.store.lookup(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrUnknownMessage)
	}
	if snap.IsOptimistic {
		return t.Discard(id)
	}
	if snap.IsDeleted {
		return nil
	}
	mut := &Mutation{
		LocalID:   uuid.NewString(),
		Kind:      MutationDelete,
		Scope:     snap.Scope(),
		MessageID: id,
		guard:     string(MutationDelete) + ":" + id,
	}
	if !t.claim(mut) {
		t.log.Debug("delete_ignored_in_flight", zap.String("msg_id", id))
		return nil
	}
	// The failure snapshot is the last confirmed state, so undo whatever
	// the cancelled mutations applied locally.
	for _, revert := range t.cancelTarget(id, mut.LocalID) {
		revert(snap)
	}
	snap.clearTransient()

	at := t.now()
	t.store.update(id, func(m *Message) {
		m.tombstone(t.self.ID, at)
		m.IsBeingDeleted = true
	})

	mut.call = func(ctx context.Context) error { return t.svc.DeleteMessage(ctx, id) }
	mut.onSuccess = func() { t.store.deleted(id, t.self.ID, at) }
	mut.onFailure = func(error) { t.store.put(snap) }
	t.start(mut)
	return nil
}

// React optimistically toggles the local user's emoji on a message, then
// replaces the list with the server's canonical one. Failure reverts the
// reaction list only.
func (t *MutationTracker) React(ctx context.Context, id, emoji string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if emoji == "" {
		return fmt.Errorf("react %s: empty emoji", id)
	}
	snap, ok := t.store.lookup(id)
	if !ok {
		return fmt.Errorf("react %s: %w", id, ErrUnknownMessage)
	}
	if snap.IsOptimistic || snap.IsDeleted {
		return fmt.Errorf("react %s: %w", id, ErrPendingMessage)
	}
	mut := &Mutation{
		LocalID:   uuid.NewString(),
		Kind:      MutationReaction,
		Scope:     snap.Scope(),
		MessageID: id,
		guard:     string(MutationReaction) + ":" + id + ":" + emoji,
		revert:    func(m *Message) { m.Reactions = ToggleReaction(m.Reactions, emoji, t.self.ID) },
	}
	if !t.claim(mut) {
		return nil
	}

	before := snap.Reactions
	t.store.update(id, func(m *Message) {
		m.Reactions = ToggleReaction(m.Reactions, emoji, t.self.ID)
	})

	var current []Reaction
	mut.call = func(ctx context.Context) error {
		var err error
		current, err = t.svc.ToggleReaction(ctx, id, emoji)
		return err
	}
	mut.onSuccess = func() {
		t.store.update(id, func(m *Message) { m.Reactions = normalizeReactions(current) })
	}
	mut.onFailure = func(error) {
		t.store.update(id, func(m *Message) { m.Reactions = cloneReactions(before) })
	}
	t.start(mut)
	return nil
}

// Retry resends a failed optimistic message from a fresh retry budget.
func (t *MutationTracker) Retry(localID string) error {
	t.mu.Lock()
	mut, ok := t.muts[localID]
	if !ok || mut.Kind != MutationSend || mut.State != MutationFailed {
		t.mu.Unlock()
		return fmt.Errorf("retry %s: %w", localID, ErrUnknownMessage)
	}
	mut.State = MutationPending
	mut.Retries = 0
	mut.LastError = ""
	t.mu.Unlock()

	t.store.update(localID, func(m *Message) {
		m.IsSending = true
		m.HasFailed = false
		m.SendError = ""
		m.RetryCount = 0
	})
	t.spawn(mut)
	return nil
}

// Discard drops an optimistic message and cancels any pending retry for it.
func (t *MutationTracker) Discard(localID string) error {
	t.mu.Lock()
	mut, ok := t.muts[localID]
	if ok {
		if mut.cancel != nil {
			mut.cancel()
		}
		delete(t.muts, localID)
	}
	t.mu.Unlock()

	m, cached := t.store.lookup(localID)
	if !ok && (!cached || !m.IsOptimistic) {
		return fmt.Errorf("discard %s: %w", localID, ErrUnknownMessage)
	}
	t.store.remove(localID)
	t.metrics.mutation(MutationSend, "discarded")
	t.log.Info("mutation_discarded", zap.String("local_id", localID))
	return nil
}

// Pending returns a snapshot of mutations not yet confirmed, including failed
// sends awaiting Retry or Discard.
func (t *MutationTracker) Pending() []Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mutation, 0, len(t.muts))
	for _, m := range t.muts {
		out = append(out, Mutation{
			LocalID:   m.LocalID,
			Kind:      m.Kind,
			State:     m.State,
			Scope:     m.Scope,
			MessageID: m.MessageID,
			Retries:   m.Retries,
			LastError: m.LastError,
		})
	}
	return out
}

// abandonScope cancels every mutation bound to scope, including pending
// retry timers.
func (t *MutationTracker) abandonScope(scope Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, m := range t.muts {
		if m.Scope != scope {
			continue
		}
		if m.cancel != nil {
			m.cancel()
		}
		delete(t.muts, id)
		if m.guard != "" {
			delete(t.guards, m.guard)
		}
		t.log.Info("mutation_abandoned", zap.String("local_id", id), zap.String("kind", string(m.Kind)))
	}
}

// Close cancels all work and waits for background goroutines.
func (t *MutationTracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// claim registers mut under its guard key. It reports false when another
// mutation holds the key.
func (t *MutationTracker) claim(mut *Mutation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mut.guard != "" {
		if _, busy := t.guards[mut.guard]; busy {
			return false
		}
		t.guards[mut.guard] = mut.LocalID
	}
	mut.State = MutationPending
	t.muts[mut.LocalID] = mut
	return true
}

// cancelTarget stops other mutations of message id, e.g. an edit retry
// pending when the message is deleted, and returns their reverts.
func (t *MutationTracker) cancelTarget(id, except string) []func(m *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var reverts []func(m *Message)
	for localID, m := range t.muts {
		if localID == except || m.MessageID != id || m.Kind == MutationSend {
			continue
		}
		if m.cancel != nil {
			m.cancel()
		}
		delete(t.muts, localID)
		if m.guard != "" {
			delete(t.guards, m.guard)
		}
		if m.revert != nil {
			reverts = append(reverts, m.revert)
		}
	}
	return reverts
}

func (t *MutationTracker) start(mut *Mutation) {
	if mut.guard == "" {
		t.claim(mut)
	}
	t.spawn(mut)
}

func (t *MutationTracker) spawn(mut *Mutation) {
	ctx, cancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	mut.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		t.run(ctx, mut)
	}()
}

func (t *MutationTracker) run(ctx context.Context, mut *Mutation) {
	for {
		err := mut.call(ctx)
		if err == nil {
			t.finish(ctx, mut, nil)
			return
		}
		if ctx.Err() != nil {
			t.log.Debug("mutation_cancelled", zap.String("local_id", mut.LocalID))
			return
		}

		t.mu.Lock()
		retries := mut.Retries
		t.mu.Unlock()
		if !IsRetryable(err) || retries >= t.maxRetries {
			t.finish(ctx, mut, err)
			return
		}

		delay := t.baseDelay << uint(retries)
		t.mu.Lock()
		mut.Retries++
		mut.LastError = err.Error()
		n := mut.Retries
		t.mu.Unlock()

		t.metrics.retry(mut.Kind)
		t.log.Warn("mutation_retry",
			zap.String("kind", string(mut.Kind)),
			zap.String("local_id", mut.LocalID),
			zap.Int("attempt", n),
			zap.Duration("delay", delay),
			zap.Error(err))
		if mut.onRetry != nil {
			mut.onRetry(n)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *MutationTracker) finish(ctx context.Context, mut *Mutation, err error) {
	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	if mut.guard != "" {
		delete(t.guards, mut.guard)
	}
	if err == nil {
		mut.State = MutationConfirmed
		delete(t.muts, mut.LocalID)
	} else {
		mut.State = MutationFailed
		mut.LastError = err.Error()
		if mut.Kind != MutationSend {
			delete(t.muts, mut.LocalID)
		}
	}
	t.mu.Unlock()

	if err == nil {
		mut.onSuccess()
		t.metrics.mutation(mut.Kind, "confirmed")
		t.log.Debug("mutation_confirmed", zap.String("kind", string(mut.Kind)), zap.String("msg_id", mut.MessageID))
		t.notifier.Notify(Notice{Level: NoticeSuccess, Op: mut.Kind, MessageID: mut.MessageID, Text: successText[mut.Kind]})
		return
	}

	mut.onFailure(err)
	t.metrics.mutation(mut.Kind, "failed")
	t.log.Warn("mutation_failed",
		zap.String("kind", string(mut.Kind)),
		zap.String("msg_id", mut.MessageID),
		zap.Int("retries", mut.Retries),
		zap.Error(err))
	t.notifier.Notify(Notice{
		Level:     NoticeError,
		Op:        mut.Kind,
		MessageID: mut.MessageID,
		Text:      failureText[mut.Kind] + ": " + ErrorMessage(err),
	})
}

var successText = map[MutationKind]string{
	MutationSend:     "Message sent",
	MutationEdit:     "Message edited",
	MutationDelete:   "Message deleted",
	MutationReaction: "Reaction updated",
	MutationThread:   "Thread created",
}

var failureText = map[MutationKind]string{
	MutationSend:     "Failed to send message",
	MutationEdit:     "Failed to edit message",
	MutationDelete:   "Failed to delete message",
	MutationReaction: "Failed to update reaction",
	MutationThread:   "Failed to create thread",
}

func preview(s string) string {
	const limit = 80
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
