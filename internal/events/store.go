package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store は認証イベントを SQLite に保存します。
type Store struct {
	db *sql.DB
}

// NewStore は Store を作成します。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert はイベントを保存します。ID と発生時刻が未設定なら補完します。
// 同じ ID の再投入（タスクのリトライ）は無視されます。
func (s *Store) Insert(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("event is nil")
	}
	if event.Kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_events(id, kind, username, ip, user_agent, occurred_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		event.ID, string(event.Kind), event.Username, event.IP, event.UserAgent, event.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert auth event: %w", err)
	}
	return nil
}

// Recent は username の新しい順のイベントを最大 limit 件返します。
func (s *Store) Recent(ctx context.Context, username string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, username, ip, user_agent, occurred_at
		 FROM auth_events WHERE username = ?
		 ORDER BY occurred_at DESC LIMIT ?`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("query auth events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			kind string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Username, &e.IP, &e.UserAgent, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeBefore は cutoff より古いイベントを削除し、削除件数を返します。
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM auth_events WHERE occurred_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge auth events: %w", err)
	}
	return res.RowsAffected()
}
