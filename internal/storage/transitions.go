package storage

import (
	"context"
	"time"
)

// TransitionRecord 状态迁移审计记录
type TransitionRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Trigger   string    `json:"trigger"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
}

// AppendTransition 追加一条审计记录
func (db *DB) AppendTransition(ctx context.Context, rec TransitionRecord) error {
	if rec.At.IsZero() {
		rec.At = db.now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO transitions (session_id, trace_id, message_id, from_state, trigger_name, to_state, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TraceID, rec.MessageID, rec.From, rec.Trigger, rec.To, rec.At.UnixNano(),
	)
	return err
}

// ListTransitions 按时间顺序列出会话的审计记录，limit <= 0 表示不限制
func (db *DB) ListTransitions(ctx context.Context, sessionID string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, session_id, trace_id, message_id, from_state, trigger_name, to_state, at
		 FROM transitions WHERE session_id = ? ORDER BY id ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var at int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.TraceID, &rec.MessageID, &rec.From, &rec.Trigger, &rec.To, &at); err != nil {
			return nil, err
		}
		rec.At = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneTransitions 删除早于 before 的审计记录
func (db *DB) PruneTransitions(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, "DELETE FROM transitions WHERE at < ?", before.UnixNano())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
