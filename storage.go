package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Storage persists confirmed messages per scope so a scope can be shown
// before its first page arrives. Optimistic records are never stored.
type Storage interface {
	LoadMessages(ctx context.Context, scope Scope) ([]*Message, error)
	SaveMessages(ctx context.Context, scope Scope, msgs []*Message) error
	DeleteMessages(ctx context.Context, scope Scope, ids []string) error
	ClearScope(ctx context.Context, scope Scope) error

	// Cursors are small string values keyed by name, e.g. the last sync
	// time of a scope.
	GetCursor(ctx context.Context, key string) (string, error)
	SetCursor(ctx context.Context, key, value string) error

	Close() error
}

// syncedAtKey is the cursor holding the RFC 3339 time a scope last received
// server data.
func syncedAtKey(scope Scope) string { return "synced_at/" + scope.Key() }

// SyncedAt returns when scope last received server data, or the zero time if
// it never did.
func SyncedAt(ctx context.Context, st Storage, scope Scope) (time.Time, error) {
	v, err := st.GetCursor(ctx, syncedAtKey(scope))
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sync cursor %q: %w", v, err)
	}
	return t, nil
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string]map[string]*Message
	cursors  map[string]string
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string]map[string]*Message),
		cursors:  make(map[string]string),
	}
}

func (s *MemoryStorage) LoadMessages(_ context.Context, scope Scope) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages[scope.Key()] {
		out = append(out, m.Clone())
	}
	sortMessages(out)
	return out, nil
}

func (s *MemoryStorage) SaveMessages(_ context.Context, scope Scope, msgs []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.messages[scope.Key()]
	if bucket == nil {
		bucket = make(map[string]*Message)
		s.messages[scope.Key()] = bucket
	}
	for _, m := range msgs {
		if m == nil || m.IsOptimistic {
			continue
		}
		bucket[m.ID] = m.Clone()
	}
	return nil
}

func (s *MemoryStorage) DeleteMessages(_ context.Context, scope Scope, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.messages[scope.Key()]
	for _, id := range ids {
		delete(bucket, id)
	}
	return nil
}

func (s *MemoryStorage) ClearScope(_ context.Context, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, scope.Key())
	delete(s.cursors, syncedAtKey(scope))
	return nil
}

func (s *MemoryStorage) GetCursor(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[key], nil
}

func (s *MemoryStorage) SetCursor(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = value
	return nil
}

func (s *MemoryStorage) Close() error { return nil }
