// Package events 会话生命周期事件存储: 追加日志 + 游标回放。
//
// 每会话 seq 严格递增无空洞 (max(seq)+1 分配, store 级互斥内完成)。
// 持久化失败降级到内存环, 恢复后补写 event_persist_recovered 标记。
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/multi-agent/go-session-v2/internal/database"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// RecoveredMarker 持久化恢复标记事件类型。
const RecoveredMarker = "event_persist_recovered"

// Migrations events.db 的 DDL。
var Migrations = []database.Migration{
	{
		Version: "001_events",
		SQL: `
			CREATE TABLE IF NOT EXISTS session_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				event_type TEXT NOT NULL,
				turn_id TEXT,
				payload TEXT,
				created_at TEXT NOT NULL,
				UNIQUE (session_id, seq)
			);
			CREATE INDEX IF NOT EXISTS idx_session_events_session
				ON session_events (session_id, seq);
			CREATE INDEX IF NOT EXISTS idx_session_events_created
				ON session_events (created_at);
		`,
	},
}

// Event 一条事件记录。Seq 为 nil 表示仅在内存环 (持久化失败的降级记录)。
type Event struct {
	SessionID string          `json:"session_id"`
	Seq       *int64          `json:"seq"`
	EventType string          `json:"event_type"`
	TurnID    string          `json:"turn_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Page 游标回放的一页。
type Page struct {
	Events      []Event `json:"events"`
	EarliestSeq int64   `json:"earliest_seq"`
	LatestSeq   int64   `json:"latest_seq"`
	NextSeq     int64   `json:"next_seq"`
	HistoryGap  bool    `json:"history_gap"`
	GapReason   string  `json:"gap_reason,omitempty"`
}

// Options 存储可调参数。
type Options struct {
	PerSessionCap int // 每会话保留条数上限
	RetentionDays int // 按时间保留天数
	PreviewBytes  int // payload 预览字节上限
	PruneEveryN   int // 每 N 次成功写触发一次修剪
	RingSize      int // 每会话内存环容量
}

// DefaultOptions 默认参数。
func DefaultOptions() Options {
	return Options{
		PerSessionCap: 2000,
		RetentionDays: 14,
		PreviewBytes:  2048,
		PruneEveryN:   100,
		RingSize:      200,
	}
}

// Store 事件存储。
type Store struct {
	db   *database.DB
	opts Options

	mu       sync.Mutex
	degraded map[string]bool       // 持久化降级中的会话
	rings    map[string]*eventRing // 会话 → 内存环
	writes   int                   // 自上次修剪以来的成功写次数
}

// NewStore 创建事件存储。
func NewStore(db *database.DB, opts Options) *Store {
	if opts.PerSessionCap <= 0 {
		opts = DefaultOptions()
	}
	return &Store{
		db:       db,
		opts:     opts,
		degraded: make(map[string]bool),
		rings:    make(map[string]*eventRing),
	}
}

// Append 追加一条事件。
//
// 互斥内分配 max(seq)+1; 若会话处于降级态, 先补写恢复标记。
// 持久化失败时记录只进内存环 (Seq=nil) 并标记降级。
func (s *Store) Append(ctx context.Context, sessionID, eventType, turnID string, payload any) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	preview := boundPayload(payload, s.opts.PreviewBytes)

	if s.degraded[sessionID] {
		marker := Event{
			SessionID: sessionID,
			EventType: RecoveredMarker,
			Payload:   boundPayload(map[string]any{"reason": "persistence_error"}, s.opts.PreviewBytes),
			CreatedAt: now,
		}
		if err := s.persistLocked(ctx, &marker); err != nil {
			// 仍未恢复, 本条继续走内存环
			ev := Event{SessionID: sessionID, EventType: eventType, TurnID: turnID, Payload: preview, CreatedAt: now}
			s.ring(sessionID).push(ev)
			return ev, apperrors.Wrap(err, "Events.Append", "still degraded")
		}
		s.ring(sessionID).push(marker)
		delete(s.degraded, sessionID)
		logger.Infow("event persistence recovered", logger.FieldSessionID, sessionID)
	}

	ev := Event{SessionID: sessionID, EventType: eventType, TurnID: turnID, Payload: preview, CreatedAt: now}
	if err := s.persistLocked(ctx, &ev); err != nil {
		s.degraded[sessionID] = true
		ev.Seq = nil
		s.ring(sessionID).push(ev)
		logger.Errorw("event persist failed, degrading to memory ring",
			logger.FieldSessionID, sessionID,
			logger.FieldEventType, eventType,
			logger.FieldError, err,
		)
		return ev, nil
	}
	s.ring(sessionID).push(ev)

	s.writes++
	if s.writes >= s.opts.PruneEveryN {
		s.writes = 0
		s.pruneLocked(ctx)
	}
	return ev, nil
}

// persistLocked 分配序号并写库。调用方持有 s.mu。
func (s *Store) persistLocked(ctx context.Context, ev *Event) error {
	var maxSeq int64
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`,
		ev.SessionID,
	).Scan(&maxSeq)
	if err != nil {
		return apperrors.Wrap(err, "Events.persist", "max seq")
	}
	seq := maxSeq + 1

	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	_, err = s.db.Conn().ExecContext(ctx,
		`INSERT INTO session_events (session_id, seq, event_type, turn_id, payload, created_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)`,
		ev.SessionID, seq, ev.EventType, ev.TurnID, payload, ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperrors.Wrap(err, "Events.persist", "insert")
	}
	ev.Seq = &seq
	return nil
}

// GetEvents 游标回放。
//
// sinceSeq < 0 视为未提供 (返回最近 limit 条)。
// sinceSeq 早于 earliest-1 时标记 history_gap=retention 并从最早可用处开始。
// 会话处于降级态时标记 history_gap=persistence_error。
func (s *Store) GetEvents(ctx context.Context, sessionID string, sinceSeq int64, limit int) (Page, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	degraded := s.degraded[sessionID]
	s.mu.Unlock()

	var earliest, latest int64
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`,
		sessionID,
	).Scan(&earliest, &latest)
	if err != nil {
		return Page{}, apperrors.Wrap(err, "Events.GetEvents", "seq bounds")
	}

	page := Page{EarliestSeq: earliest, LatestSeq: latest}
	if degraded {
		page.HistoryGap = true
		page.GapReason = "persistence_error"
	}
	if latest == 0 {
		page.NextSeq = sinceSeq
		if sinceSeq < 0 {
			page.NextSeq = 0
		}
		page.Events = []Event{}
		return page, nil
	}

	var rows []Event
	if sinceSeq < 0 {
		// 未提供游标: 最近 limit 条
		rows, err = s.queryEvents(ctx,
			`SELECT session_id, seq, event_type, COALESCE(turn_id, ''), COALESCE(payload, ''), created_at
			 FROM session_events WHERE session_id = ?
			 ORDER BY seq DESC LIMIT ?`, sessionID, limit)
		reverse(rows)
	} else {
		from := sinceSeq + 1
		if sinceSeq < earliest-1 {
			page.HistoryGap = true
			if page.GapReason == "" {
				page.GapReason = "retention"
			}
			from = earliest
		}
		rows, err = s.queryEvents(ctx,
			`SELECT session_id, seq, event_type, COALESCE(turn_id, ''), COALESCE(payload, ''), created_at
			 FROM session_events WHERE session_id = ? AND seq >= ?
			 ORDER BY seq ASC LIMIT ?`, sessionID, from, limit)
	}
	if err != nil {
		return Page{}, err
	}

	page.Events = rows
	page.NextSeq = sinceSeq
	if n := len(rows); n > 0 {
		page.NextSeq = *rows[n-1].Seq
	} else if sinceSeq < 0 {
		page.NextSeq = latest
	}
	return page, nil
}

// GetRingEvents 返回内存环中最近的事件 (含未持久化的降级记录)。
func (s *Store) GetRingEvents(sessionID string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[sessionID]
	if !ok {
		return nil
	}
	return r.tail(limit)
}

// Degraded 返回会话是否处于持久化降级态。
func (s *Store) Degraded(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded[sessionID]
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "Events.query", "select")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var seq int64
		var payload, createdAt string
		if err := rows.Scan(&ev.SessionID, &seq, &ev.EventType, &ev.TurnID, &payload, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, "Events.query", "scan")
		}
		ev.Seq = &seq
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// pruneLocked 双重修剪: 每会话条数上限 + 全局按天龄。调用方持有 s.mu。
func (s *Store) pruneLocked(ctx context.Context) {
	_, err := s.db.Conn().ExecContext(ctx, `
		DELETE FROM session_events
		WHERE id IN (
			SELECT e.id FROM session_events e
			WHERE (
				SELECT COUNT(*) FROM session_events x
				WHERE x.session_id = e.session_id AND x.seq > e.seq
			) >= ?
		)`, s.opts.PerSessionCap)
	if err != nil {
		logger.Warn("event prune by cap failed", logger.FieldError, err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.opts.RetentionDays).Format(time.RFC3339Nano)
	_, err = s.db.Conn().ExecContext(ctx,
		`DELETE FROM session_events WHERE created_at < ?`, cutoff)
	if err != nil {
		logger.Warn("event prune by age failed", logger.FieldError, err)
	}
}

// Prune 立即执行一次修剪 (外部触发)。
func (s *Store) Prune(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(ctx)
}

func (s *Store) ring(sessionID string) *eventRing {
	r, ok := s.rings[sessionID]
	if !ok {
		r = newEventRing(s.opts.RingSize)
		s.rings[sessionID] = r
	}
	return r
}

func reverse(evs []Event) {
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
}

// boundPayload 序列化 payload 并按字节上限截断。
// 超限时替换为 {truncated, preview, original_chars}。
func boundPayload(payload any, limit int) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"marshal_error": err.Error()})
		return data
	}
	if limit <= 0 || len(data) <= limit {
		return data
	}
	// 截断点退到 rune 边界, 避免 preview 带半个多字节序列
	cut := limit
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	truncated, _ := json.Marshal(map[string]any{
		"truncated":      true,
		"preview":        string(data[:cut]),
		"original_chars": len(data),
	})
	return truncated
}
