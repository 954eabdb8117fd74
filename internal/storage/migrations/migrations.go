// Package migrations 管理 SQLite 模式版本
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ErrBadScript 迁移脚本命名不合法或版本重复
var ErrBadScript = errors.New("invalid migration script")

// Migration 一个迁移脚本，文件名形如 001_kv_store.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Load 读取 dir 下的全部 .sql 脚本并按版本排序
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]string)
	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: version %d used by %s and %s", ErrBadScript, version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		// embed.FS 只接受正斜杠路径
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(content)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func parseName(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("%w: %s", ErrBadScript, filename)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("%w: %s", ErrBadScript, filename)
	}
	return version, name, nil
}

// Migrator 把一组脚本应用到数据库，已应用的版本记录在 _migrations 表
type Migrator struct {
	db      *sql.DB
	scripts []Migration
}

// New 创建迁移器，scripts 需已按版本排序（Load 的返回值即可）
func New(db *sql.DB, scripts []Migration) *Migrator {
	return &Migrator{db: db, scripts: scripts}
}

// Up 执行所有未应用的脚本，返回本次应用的脚本
func (m *Migrator) Up(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	for i, s := range pending {
		if err := m.apply(ctx, s); err != nil {
			return pending[:i], fmt.Errorf("migration %03d_%s: %w", s.Version, s.Name, err)
		}
	}
	return pending, nil
}

// Pending 返回尚未应用的脚本
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("read applied versions: %w", err)
	}
	var out []Migration
	for _, s := range m.scripts {
		if !applied[s.Version] {
			out = append(out, s)
		}
	}
	return out, nil
}

// Version 返回已应用的最高版本，空库为 0
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	var v int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM _migrations").Scan(&v)
	return v, err
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *Migrator) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM _migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}

// apply 在单个事务内执行脚本并记录版本
func (m *Migrator) apply(ctx context.Context, s Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO _migrations (version, name) VALUES (?, ?)", s.Version, s.Name); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// Embedded 返回内嵌的迁移脚本
func Embedded() ([]Migration, error) {
	return Load(FS, "scripts")
}

// Run 应用内嵌脚本
func Run(ctx context.Context, db *sql.DB) error {
	scripts, err := Embedded()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	_, err = New(db, scripts).Up(ctx)
	return err
}
