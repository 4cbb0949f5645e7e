package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// PebbleStorage is a Storage backed by a pebble database on disk.
//
// Keys:
//
//	m\x00<scope>\x00<id>  message JSON
//	c\x00<key>            cursor value
type PebbleStorage struct {
	db  *pebble.DB
	log *zap.Logger
}

// OpenPebbleStorage opens (creating if needed) a pebble database at dir.
func OpenPebbleStorage(dir string, logger *zap.Logger) (*PebbleStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStorage{db: db, log: logger.Named("storage")}, nil
}

func messagePrefix(scope Scope) []byte {
	return []byte("m\x00" + scope.Key() + "\x00")
}

func messageKey(scope Scope, id string) []byte {
	return append(messagePrefix(scope), id...)
}

func cursorKey(key string) []byte {
	return []byte("c\x00" + key)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStorage) LoadMessages(ctx context.Context, scope Scope) ([]*Message, error) {
	prefix := messagePrefix(scope)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			s.log.Warn("stored_message_invalid", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		out = append(out, &m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", scope, err)
	}
	sortMessages(out)
	return out, nil
}

func (s *PebbleStorage) SaveMessages(_ context.Context, scope Scope, msgs []*Message) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, m := range msgs {
		if m == nil || m.IsOptimistic {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		if err := b.Set(messageKey(scope, m.ID), data, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStorage) DeleteMessages(_ context.Context, scope Scope, ids []string) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, id := range ids {
		if err := b.Delete(messageKey(scope, id), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStorage) ClearScope(_ context.Context, scope Scope) error {
	prefix := messagePrefix(scope)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := b.Delete(cursorKey(syncedAtKey(scope)), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStorage) GetCursor(_ context.Context, key string) (string, error) {
	v, closer, err := s.db.Get(cursorKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

func (s *PebbleStorage) SetCursor(_ context.Context, key, value string) error {
	return s.db.Set(cursorKey(key), []byte(value), pebble.Sync)
}

func (s *PebbleStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
