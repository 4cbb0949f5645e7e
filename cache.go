package chatsync

import (
	"go.uber.org/zap"
)

// MessageCache maps message ID to the latest known record. It is the single
// source of truth for message content; views are derived per scope.
//
// MessageCache is not goroutine-safe. SyncManager serializes all access.
type MessageCache struct {
	byID     map[string]*Message
	byClient map[string]string // ClientID -> ID of an optimistic entry
	dedup    Deduplicator
}

// NewMessageCache creates an empty cache.
func NewMessageCache(logger *zap.Logger, metrics *Metrics) *MessageCache {
	return &MessageCache{
		byID:     make(map[string]*Message),
		byClient: make(map[string]string),
		dedup:    Deduplicator{Logger: logger, Metrics: metrics},
	}
}

// Len returns the number of cached records.
func (c *MessageCache) Len() int { return len(c.byID) }

// Get returns a copy of the record with the given ID.
func (c *MessageCache) Get(id string) (*Message, bool) {
	m, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Has reports whether id is cached.
func (c *MessageCache) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Merge folds incoming records in with the Deduplicator rule. A confirmed
// record carrying the ClientID of an optimistic entry replaces that entry in
// the same call. It returns the number of records that changed the cache.
func (c *MessageCache) Merge(incoming ...*Message) int {
	changed := 0
	for _, m := range incoming {
		if !c.dedup.valid(m) {
			continue
		}
		if !m.IsOptimistic && m.ClientID != "" {
			if tempID, ok := c.byClient[m.ClientID]; ok && tempID != m.ID {
				delete(c.byID, tempID)
				delete(c.byClient, m.ClientID)
				changed++
			}
		}
		cur, ok := c.byID[m.ID]
		if ok && !prefers(cur, m) {
			continue
		}
		c.store(m.Clone())
		changed++
	}
	c.dedup.Metrics.merged()
	return changed
}

// Put stores m unconditionally, replacing any record with the same ID.
func (c *MessageCache) Put(m *Message) {
	if !c.dedup.valid(m) {
		return
	}
	c.store(m.Clone())
}

// Update applies fn to a copy of the record and stores the copy. It reports
// false when id is not cached.
func (c *MessageCache) Update(id string, fn func(m *Message)) bool {
	cur, ok := c.byID[id]
	if !ok {
		return false
	}
	next := cur.Clone()
	fn(next)
	c.store(next)
	return true
}

// Remove deletes a record.
func (c *MessageCache) Remove(id string) bool {
	m, ok := c.byID[id]
	if !ok {
		return false
	}
	if m.IsOptimistic && m.ClientID != "" {
		delete(c.byClient, m.ClientID)
	}
	delete(c.byID, id)
	return true
}

// View returns copies of the records in scope, sorted by creation time.
func (c *MessageCache) View(scope Scope) []*Message {
	out := make([]*Message, 0, len(c.byID))
	for _, m := range c.byID {
		if scope.Contains(m.ChannelID, m.ThreadRootID) {
			out = append(out, m.Clone())
		}
	}
	sortMessages(out)
	return out
}

// Latest returns the newest confirmed record in scope.
func (c *MessageCache) Latest(scope Scope) (*Message, bool) {
	var latest *Message
	for _, m := range c.byID {
		if m.IsOptimistic || !scope.Contains(m.ChannelID, m.ThreadRootID) {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, false
	}
	return latest.Clone(), true
}

// Reset drops every record.
func (c *MessageCache) Reset() {
	c.byID = make(map[string]*Message)
	c.byClient = make(map[string]string)
}

func (c *MessageCache) store(m *Message) {
	if prev, ok := c.byID[m.ID]; ok && prev.IsOptimistic && prev.ClientID != "" && !m.IsOptimistic {
		delete(c.byClient, prev.ClientID)
	}
	c.byID[m.ID] = m
	if m.IsOptimistic && m.ClientID != "" {
		c.byClient[m.ClientID] = m.ID
	}
}
