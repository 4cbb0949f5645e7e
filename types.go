package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Scope
// ============================================================================

// Scope identifies the message collection currently materialized: a channel,
// or a thread inside a channel when ThreadRootID is set.
type Scope struct {
	ChannelID    string `json:"channel_id" yaml:"channel_id"`
	ThreadRootID string `json:"thread_root_id,omitempty" yaml:"thread_root_id,omitempty"`
}

// IsZero reports whether no scope is selected.
func (s Scope) IsZero() bool { return s.ChannelID == "" }

// IsThread reports whether the scope is a thread.
func (s Scope) IsThread() bool { return s.ThreadRootID != "" }

// scopeSep joins the channel and thread root in Key. Ids never contain it,
// so a channel named "a/b" and thread b of channel a stay distinct.
const scopeSep = "\x1f"

// Key returns a stable string key for maps and storage prefixes.
func (s Scope) Key() string {
	if s.ThreadRootID == "" {
		return s.ChannelID
	}
	return s.ChannelID + scopeSep + s.ThreadRootID
}

// Contains reports whether a record tagged with channelID/threadRootID
// belongs to this scope.
func (s Scope) Contains(channelID, threadRootID string) bool {
	if s.IsZero() || channelID != s.ChannelID {
		return false
	}
	return threadRootID == s.ThreadRootID
}

func (s Scope) String() string {
	if s.ThreadRootID == "" {
		return s.ChannelID
	}
	return s.ChannelID + "/" + s.ThreadRootID
}

// ============================================================================
// Message
// ============================================================================

// Author identifies who wrote a message.
type Author struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Avatar string `json:"avatar,omitempty" yaml:"avatar,omitempty"`
	Role   string `json:"role,omitempty" yaml:"role,omitempty"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id" yaml:"id"`
	URL      string `json:"url" yaml:"url"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// Reaction is one emoji on a message with the users that applied it.
// Count always equals len(Users).
type Reaction struct {
	Emoji string   `json:"emoji" yaml:"emoji"`
	Count int      `json:"count" yaml:"count"`
	Users []string `json:"users" yaml:"users"`
}

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	MessageID string `json:"message_id" yaml:"message_id"`
	AuthorID  string `json:"author_id,omitempty" yaml:"author_id,omitempty"`
	Preview   string `json:"preview,omitempty" yaml:"preview,omitempty"`
}

// ThreadInfo is the denormalized summary carried by a thread root.
type ThreadInfo struct {
	ReplyCount   int        `json:"reply_count" yaml:"reply_count"`
	LastReplyAt  *time.Time `json:"last_reply_at,omitempty" yaml:"last_reply_at,omitempty"`
	LastReplier  *Author    `json:"last_replier,omitempty" yaml:"last_replier,omitempty"`
	Participants []Author   `json:"participants,omitempty" yaml:"participants,omitempty"`
}

// Message is one chat message or thread reply.
type Message struct {
	ID           string       `json:"id" yaml:"id"`
	ClientID     string       `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ChannelID    string       `json:"channel_id" yaml:"channel_id"`
	ThreadRootID string       `json:"thread_root_id,omitempty" yaml:"thread_root_id,omitempty"`
	Author       Author       `json:"author" yaml:"author"`
	Content      string       `json:"content" yaml:"content"`
	CreatedAt    time.Time    `json:"created_at" yaml:"created_at"`
	EditedAt     *time.Time   `json:"edited_at,omitempty" yaml:"edited_at,omitempty"`
	IsEdited     bool         `json:"is_edited,omitempty" yaml:"is_edited,omitempty"`
	DeletedAt    *time.Time   `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
	DeletedBy    string       `json:"deleted_by,omitempty" yaml:"deleted_by,omitempty"`
	IsDeleted    bool         `json:"is_deleted,omitempty" yaml:"is_deleted,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Reactions    []Reaction   `json:"reactions,omitempty" yaml:"reactions,omitempty"`
	ReplyTo      *ReplyRef    `json:"reply_to,omitempty" yaml:"reply_to,omitempty"`
	Thread       *ThreadInfo  `json:"thread,omitempty" yaml:"thread,omitempty"`
	IsThreadRoot bool         `json:"is_thread_root,omitempty" yaml:"is_thread_root,omitempty"`

	// Client-only state. Never sent to or read from the wire.
	IsOptimistic   bool   `json:"-" yaml:"-"`
	IsSending      bool   `json:"-" yaml:"-"`
	SendError      string `json:"-" yaml:"-"`
	HasFailed      bool   `json:"-" yaml:"-"`
	IsBeingEdited  bool   `json:"-" yaml:"-"`
	IsBeingDeleted bool   `json:"-" yaml:"-"`
	RetryCount     int    `json:"-" yaml:"-"`
}

// Scope returns the scope the message belongs to.
func (m *Message) Scope() Scope {
	return Scope{ChannelID: m.ChannelID, ThreadRootID: m.ThreadRootID}
}

// Version is the timestamp used for last-write-wins: the latest of creation,
// edit and deletion.
func (m *Message) Version() time.Time {
	v := m.CreatedAt
	if m.EditedAt != nil && m.EditedAt.After(v) {
		v = *m.EditedAt
	}
	if m.DeletedAt != nil && m.DeletedAt.After(v) {
		v = *m.DeletedAt
	}
	return v
}

// Clone returns a deep copy so cached records are never aliased.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	c.Reactions = cloneReactions(m.Reactions)
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	c.Thread = m.Thread.Clone()
	return &c
}

// clearTransient resets client-only flags once the server confirmed a record.
func (m *Message) clearTransient() {
	m.IsOptimistic = false
	m.IsSending = false
	m.SendError = ""
	m.HasFailed = false
	m.IsBeingEdited = false
	m.IsBeingDeleted = false
	m.RetryCount = 0
}

// tombstone redacts the message in place.
func (m *Message) tombstone(by string, at time.Time) {
	m.Content = ""
	m.Attachments = nil
	m.Reactions = nil
	m.IsDeleted = true
	m.DeletedBy = by
	t := at
	m.DeletedAt = &t
}

// Clone returns a deep copy of the thread summary.
func (t *ThreadInfo) Clone() *ThreadInfo {
	if t == nil {
		return nil
	}
	c := *t
	if t.LastReplyAt != nil {
		at := *t.LastReplyAt
		c.LastReplyAt = &at
	}
	if t.LastReplier != nil {
		a := *t.LastReplier
		c.LastReplier = &a
	}
	if t.Participants != nil {
		c.Participants = append([]Author(nil), t.Participants...)
	}
	return &c
}

// AddReply folds one reply into the summary. Participants stay unique by id.
func (t *ThreadInfo) AddReply(author Author, at time.Time) {
	t.ReplyCount++
	if t.LastReplyAt == nil || !at.Before(*t.LastReplyAt) {
		ts := at
		a := author
		t.LastReplyAt = &ts
		t.LastReplier = &a
	}
	for _, p := range t.Participants {
		if p.ID == author.ID {
			return
		}
	}
	t.Participants = append(t.Participants, author)
}

// ============================================================================
// Reactions
// ============================================================================

// ToggleReaction returns a new reaction list with userID toggled on emoji.
// The input is not modified. Empty emoji entries are pruned.
func ToggleReaction(reactions []Reaction, emoji, userID string) []Reaction {
	out := cloneReactions(reactions)
	for i := range out {
		if out[i].Emoji != emoji {
			continue
		}
		for j, u := range out[i].Users {
			if u == userID {
				out[i].Users = append(out[i].Users[:j], out[i].Users[j+1:]...)
				out[i].Count = len(out[i].Users)
				if out[i].Count == 0 {
					out = append(out[:i], out[i+1:]...)
				}
				return out
			}
		}
		out[i].Users = append(out[i].Users, userID)
		out[i].Count = len(out[i].Users)
		return out
	}
	return append(out, Reaction{Emoji: emoji, Count: 1, Users: []string{userID}})
}

// normalizeReactions enforces Count == len(Users) and drops empty entries.
func normalizeReactions(in []Reaction) []Reaction {
	var out []Reaction
	for _, r := range in {
		if r.Emoji == "" {
			continue
		}
		seen := make(map[string]struct{}, len(r.Users))
		users := make([]string, 0, len(r.Users))
		for _, u := range r.Users {
			if _, dup := seen[u]; dup || u == "" {
				continue
			}
			seen[u] = struct{}{}
			users = append(users, u)
		}
		if len(users) == 0 {
			continue
		}
		out = append(out, Reaction{Emoji: r.Emoji, Count: len(users), Users: users})
	}
	return out
}

func cloneReactions(in []Reaction) []Reaction {
	if in == nil {
		return nil
	}
	out := make([]Reaction, len(in))
	for i, r := range in {
		out[i] = Reaction{Emoji: r.Emoji, Count: r.Count, Users: append([]string(nil), r.Users...)}
	}
	return out
}

// ============================================================================
// Typing
// ============================================================================

// TypingUser is a peer currently typing in a scope.
type TypingUser struct {
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	IsTyping       bool      `json:"is_typing"`
	LastTypingTime time.Time `json:"last_typing_time"`

	since time.Time
}

// ============================================================================
// Service payloads
// ============================================================================

// SendOptions describes a new message or thread reply.
type SendOptions struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
	ClientID    string       `json:"client_id,omitempty"`
}

// Page is one page of messages returned by a list call.
type Page struct {
	Messages   []*Message
	Pagination PageResult
}

// sortMessages orders ascending by CreatedAt, ties broken by ID.
func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
