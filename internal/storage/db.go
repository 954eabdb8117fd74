// Package storage 提供会话 KV 与状态迁移审计日志的 SQLite 持久化
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"kiosk/internal/config"
	"kiosk/internal/storage/migrations"

	_ "modernc.org/sqlite"
)

// ErrNotFound 表示记录不存在或已过期
var ErrNotFound = errors.New("not found")

// DB 封装数据库连接
type DB struct {
	*sql.DB
	path string
	now  func() time.Time
}

// Option 配置 Open
type Option func(*DB)

// WithClock 替换过期判断与审计裁剪使用的时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// Open 打开数据库并应用迁移，目录不存在时自动创建
func Open(path string, opts ...Option) (*DB, error) {
	return OpenContext(context.Background(), path, opts...)
}

// OpenContext 同 Open，迁移受 ctx 控制
func OpenContext(ctx context.Context, path string, opts ...Option) (*DB, error) {
	expandedPath, err := config.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expandedPath), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	raw, err := sql.Open("sqlite", expandedPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// 单写连接，避免 WAL 下的 SQLITE_BUSY
	raw.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := raw.ExecContext(ctx, p); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := migrations.Run(ctx, raw); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db := &DB{DB: raw, path: expandedPath, now: time.Now}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Ping 检查数据库连接
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Check 健康检查：连接可用且没有待执行的迁移
func (db *DB) Check(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	scripts, err := migrations.Embedded()
	if err != nil {
		return err
	}
	pending, err := migrations.New(db.DB, scripts).Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("%d migrations pending", len(pending))
	}
	return nil
}

// Path 返回数据库文件路径
func (db *DB) Path() string {
	return db.path
}
