package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions as plain string keys with native expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a client. Keys are prefix + session id.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kiosk:session:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get loads a session.
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, r.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decode(data)
}

// Put overwrites a session and resets its TTL.
func (r *RedisStore) Put(ctx context.Context, s *Session, ttl time.Duration) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, r.prefix+s.ID, data, ttl).Err()
}

// Touch refreshes the TTL.
func (r *RedisStore) Touch(ctx context.Context, id string, ttl time.Duration) error {
	var (
		ok  bool
		err error
	)
	if ttl > 0 {
		ok, err = r.client.Expire(ctx, r.prefix+id, ttl).Result()
	} else {
		ok, err = r.client.Persist(ctx, r.prefix+id).Result()
		if err == nil && !ok {
			// PERSIST also answers 0 for keys without expiry
			n, exErr := r.client.Exists(ctx, r.prefix+id).Result()
			ok, err = n == 1, exErr
		}
	}
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session.
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}

// List scans the key space for sessions.
func (r *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var out []*Session
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sortByStart(out)
	return out, nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
