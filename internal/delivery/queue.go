// queue.go — 持久消息队列 (queue.db, WAL)。
package delivery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/multi-agent/go-session-v2/internal/database"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// 投递模式。
const (
	ModeSequential = "sequential"
	ModeImportant  = "important"
	ModeUrgent     = "urgent"
	ModeSteer      = "steer"
)

// Migrations queue.db 的 DDL。
var Migrations = []database.Migration{
	{
		Version: "001_queue",
		SQL: `
			CREATE TABLE IF NOT EXISTS queued_messages (
				id TEXT PRIMARY KEY,
				target_id TEXT NOT NULL,
				sender_id TEXT,
				sender_name TEXT,
				text TEXT NOT NULL,
				mode TEXT NOT NULL,
				category TEXT,
				queued_at TEXT NOT NULL,
				timeout_at TEXT,
				delivered_at TEXT,
				notify_on_delivery INTEGER NOT NULL DEFAULT 0,
				notify_after_s INTEGER NOT NULL DEFAULT 0,
				notify_on_stop INTEGER NOT NULL DEFAULT 0,
				remind_soft_s INTEGER NOT NULL DEFAULT 0,
				remind_hard_s INTEGER NOT NULL DEFAULT 0,
				parent_wake_id TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_queued_messages_target
				ON queued_messages (target_id, queued_at, id);
			CREATE INDEX IF NOT EXISTS idx_queued_messages_sender
				ON queued_messages (sender_id, category);
		`,
	},
}

// Message 一条队列消息。
type Message struct {
	ID          string     `json:"id"`
	TargetID    string     `json:"target_id"`
	SenderID    string     `json:"sender_id,omitempty"`
	SenderName  string     `json:"sender_name,omitempty"`
	Text        string     `json:"text"`
	Mode        string     `json:"mode"`
	Category    string     `json:"category,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	TimeoutAt   *time.Time `json:"timeout_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	NotifyOnDelivery bool `json:"notify_on_delivery,omitempty"`
	NotifyAfterS     int  `json:"notify_after_s,omitempty"`
	NotifyOnStop     bool `json:"notify_on_stop,omitempty"`

	RemindSoftS  int    `json:"remind_soft_s,omitempty"`
	RemindHardS  int    `json:"remind_hard_s,omitempty"`
	ParentWakeID string `json:"parent_wake_id,omitempty"`
}

// Queue 队列存储。单连接 + 互斥, 目标内按 (queued_at, id) FIFO。
type Queue struct {
	db *database.DB
	mu sync.Mutex
}

// NewQueue 创建队列存储。
func NewQueue(db *database.DB) *Queue {
	return &Queue{db: db}
}

// Insert 入队。id 未填时生成随机 hex。
func (q *Queue) Insert(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = newMessageID()
	}
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Conn().ExecContext(ctx, `
		INSERT INTO queued_messages
			(id, target_id, sender_id, sender_name, text, mode, category,
			 queued_at, timeout_at, notify_on_delivery, notify_after_s,
			 notify_on_stop, remind_soft_s, remind_hard_s, parent_wake_id)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''),
			?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
		m.ID, m.TargetID, m.SenderID, m.SenderName, m.Text, m.Mode, m.Category,
		m.QueuedAt.Format(time.RFC3339Nano), timePtr(m.TimeoutAt),
		boolInt(m.NotifyOnDelivery), m.NotifyAfterS, boolInt(m.NotifyOnStop),
		m.RemindSoftS, m.RemindHardS, m.ParentWakeID,
	)
	if err != nil {
		return apperrors.Wrap(err, "Queue.Insert", "insert")
	}
	return nil
}

// LoadPending 加载目标的未投递消息 (FIFO)。importantOnly 时仅取 important。
func (q *Queue) LoadPending(ctx context.Context, targetID string, importantOnly bool) ([]Message, error) {
	query := selectMessage + ` WHERE target_id = ? AND delivered_at IS NULL`
	args := []any{targetID}
	if importantOnly {
		query += ` AND mode = ?`
		args = append(args, ModeImportant)
	}
	query += ` ORDER BY queued_at, id`

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queryMessages(ctx, query, args...)
}

// Get 按 id 读取。
func (q *Queue) Get(ctx context.Context, id string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs, err := q.queryMessages(ctx, selectMessage+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// MarkDelivered 打投递时间戳。
func (q *Queue) MarkDelivered(ctx context.Context, ids ...string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if _, err := q.db.Conn().ExecContext(ctx,
			`UPDATE queued_messages SET delivered_at = ? WHERE id = ?`, now, id); err != nil {
			return apperrors.Wrapf(err, "Queue.MarkDelivered", "message %s", id)
		}
	}
	return nil
}

// CancelCategory 删除某发送方某类别的未投递消息, 返回删除条数。
func (q *Queue) CancelCategory(ctx context.Context, senderID, category string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, err := q.db.Conn().ExecContext(ctx, `
		DELETE FROM queued_messages
		WHERE sender_id = ? AND category = ? AND delivered_at IS NULL`,
		senderID, category)
	if err != nil {
		return 0, apperrors.Wrap(err, "Queue.CancelCategory", "delete")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasUndeliveredWithPrefix 目标是否已有以 prefix 开头的未投递消息 (提醒去重)。
func (q *Queue) HasUndeliveredWithPrefix(ctx context.Context, targetID, prefix string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int
	err := q.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queued_messages
		WHERE target_id = ? AND delivered_at IS NULL AND text LIKE ? || '%'`,
		targetID, prefix).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(err, "Queue.HasUndeliveredWithPrefix", "count")
	}
	return n > 0, nil
}

// PendingTargets 返回有未投递消息的目标 id 列表。
func (q *Queue) PendingTargets(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rows, err := q.db.Conn().QueryContext(ctx,
		`SELECT DISTINCT target_id FROM queued_messages WHERE delivered_at IS NULL`)
	if err != nil {
		return nil, apperrors.Wrap(err, "Queue.PendingTargets", "query")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(err, "Queue.PendingTargets", "scan")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteForTarget 删除目标的全部消息 (死亡会话清理)。
func (q *Queue) DeleteForTarget(ctx context.Context, targetID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Conn().ExecContext(ctx,
		`DELETE FROM queued_messages WHERE target_id = ?`, targetID)
	if err != nil {
		return apperrors.Wrap(err, "Queue.DeleteForTarget", "delete")
	}
	return nil
}

// PruneDelivered 清理投过龄的已投递行。
func (q *Queue) PruneDelivered(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Conn().ExecContext(ctx,
		`DELETE FROM queued_messages WHERE delivered_at IS NOT NULL AND delivered_at < ?`, cutoff)
	if err != nil {
		return apperrors.Wrap(err, "Queue.PruneDelivered", "delete")
	}
	return nil
}

// ListForTarget 列出目标消息 (新→旧, 含已投递)。
func (q *Queue) ListForTarget(ctx context.Context, targetID string, limit int) ([]Message, error) {
	limit = util.ClampInt(limit, 1, 200)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queryMessages(ctx,
		selectMessage+` WHERE target_id = ? ORDER BY queued_at DESC, id DESC LIMIT ?`,
		targetID, limit)
}

const selectMessage = `
	SELECT id, target_id, COALESCE(sender_id, ''), COALESCE(sender_name, ''),
		text, mode, COALESCE(category, ''), queued_at, timeout_at, delivered_at,
		notify_on_delivery, notify_after_s, notify_on_stop,
		remind_soft_s, remind_hard_s, COALESCE(parent_wake_id, '')
	FROM queued_messages`

func (q *Queue) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := q.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "Queue.query", "select")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var queuedAt string
		var timeoutAt, deliveredAt *string
		var notifyDelivery, notifyStop int
		if err := rows.Scan(&m.ID, &m.TargetID, &m.SenderID, &m.SenderName,
			&m.Text, &m.Mode, &m.Category, &queuedAt, &timeoutAt, &deliveredAt,
			&notifyDelivery, &m.NotifyAfterS, &notifyStop,
			&m.RemindSoftS, &m.RemindHardS, &m.ParentWakeID); err != nil {
			return nil, apperrors.Wrap(err, "Queue.query", "scan")
		}
		m.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
		m.TimeoutAt = parseTimePtr(timeoutAt)
		m.DeliveredAt = parseTimePtr(deliveredAt)
		m.NotifyOnDelivery = notifyDelivery != 0
		m.NotifyOnStop = notifyStop != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newMessageID 16 位随机 hex。
func newMessageID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
