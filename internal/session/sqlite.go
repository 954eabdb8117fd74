package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kiosk/internal/storage"
)

const sqliteKeyPrefix = "session:"

// SQLiteStore keeps sessions in the kv_store table.
type SQLiteStore struct {
	db *storage.DB
}

// NewSQLiteStore wraps an open database.
func NewSQLiteStore(db *storage.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get loads a session.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	value, err := s.db.KVGet(ctx, sqliteKeyPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decode([]byte(value))
}

// Put overwrites a session and resets its TTL.
func (s *SQLiteStore) Put(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := encode(sess)
	if err != nil {
		return err
	}
	if err := s.db.KVSet(ctx, sqliteKeyPrefix+sess.ID, string(data), ttl); err != nil {
		return fmt.Errorf("put session %s: %w", sess.ID, err)
	}
	return nil
}

// Touch refreshes the TTL.
func (s *SQLiteStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	err := s.db.KVTouch(ctx, sqliteKeyPrefix+id, ttl)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Delete removes a session.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	err := s.db.KVDelete(ctx, sqliteKeyPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// List returns every live session.
func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	kv, err := s.db.KVList(ctx, sqliteKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(kv))
	for key, value := range kv {
		sess, err := decode([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", strings.TrimPrefix(key, sqliteKeyPrefix), err)
		}
		out = append(out, sess)
	}
	sortByStart(out)
	return out, nil
}
