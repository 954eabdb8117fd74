package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// KV 记录的过期时间以 Unix 纳秒存储，0 表示永不过期

func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

func expired(expiresAt int64, now time.Time) bool {
	return expiresAt > 0 && expiresAt < now.UnixNano()
}

// KVSet 设置键值，ttl 为 0 表示永不过期
func (db *DB) KVSet(ctx context.Context, key, value string, ttl time.Duration) error {
	now := db.now()
	_, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv_store (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)",
		key, value, expiry(now, ttl), now.UnixNano(),
	)
	return err
}

// KVGet 获取键值
func (db *DB) KVGet(ctx context.Context, key string) (string, error) {
	var value string
	var expiresAt int64

	err := db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv_store WHERE key = ?",
		key,
	).Scan(&value, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	// 过期了，删除并返回 not found
	if expired(expiresAt, db.now()) {
		_, _ = db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
		return "", ErrNotFound
	}

	return value, nil
}

// KVTouch 刷新过期时间而不读写值
func (db *DB) KVTouch(ctx context.Context, key string, ttl time.Duration) error {
	now := db.now()
	result, err := db.ExecContext(ctx,
		"UPDATE kv_store SET expires_at = ?, updated_at = ? WHERE key = ? AND (expires_at = 0 OR expires_at >= ?)",
		expiry(now, ttl), now.UnixNano(), key, now.UnixNano(),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// KVDelete 删除键值
func (db *DB) KVDelete(ctx context.Context, key string) error {
	result, err := db.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", key)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// KVList 按前缀列出未过期的键值对
func (db *DB) KVList(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT key, value, expires_at FROM kv_store WHERE key LIKE ? || '%'",
		prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := db.now()
	result := make(map[string]string)

	for rows.Next() {
		var key, value string
		var expiresAt int64

		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, err
		}
		if expired(expiresAt, now) {
			continue
		}
		result[key] = value
	}

	return result, rows.Err()
}

// KVCleanExpired 清理过期的键值对
func (db *DB) KVCleanExpired(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx,
		"DELETE FROM kv_store WHERE expires_at > 0 AND expires_at < ?",
		db.now().UnixNano(),
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
