// Package obslog 工具/回合事件的可观测性记录: 结构化字段 + 有界原始预览,
// 按龄 + 每会话行数上限自动修剪。
package obslog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/multi-agent/go-session-v2/internal/database"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// SchemaVersion 当前记录模式版本。
const SchemaVersion = 1

// ProviderCodexFork codex-fork 提供方标签 (保留期更长)。
const ProviderCodexFork = "codex-fork"

// Migrations observability.db 的 DDL。
var Migrations = []database.Migration{
	{
		Version: "001_obslog",
		SQL: `
			CREATE TABLE IF NOT EXISTS tool_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				thread_id TEXT,
				turn_id TEXT,
				item_id TEXT,
				event_type TEXT NOT NULL,
				tool_name TEXT,
				command TEXT,
				file_path TEXT,
				exit_code INTEGER,
				latency_ms INTEGER,
				status TEXT,
				raw_preview TEXT,
				provider TEXT NOT NULL DEFAULT '',
				schema_version INTEGER NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_tool_events_session
				ON tool_events (session_id, id);
			CREATE INDEX IF NOT EXISTS idx_tool_events_created
				ON tool_events (created_at);

			CREATE TABLE IF NOT EXISTS turn_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				thread_id TEXT,
				turn_id TEXT,
				event_type TEXT NOT NULL,
				status TEXT,
				latency_ms INTEGER,
				raw_preview TEXT,
				provider TEXT NOT NULL DEFAULT '',
				schema_version INTEGER NOT NULL,
				created_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_turn_events_session
				ON turn_events (session_id, id);
			CREATE INDEX IF NOT EXISTS idx_turn_events_created
				ON turn_events (created_at);
		`,
	},
}

// ToolEvent 一条工具事件。
type ToolEvent struct {
	SessionID  string `json:"session_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	TurnID     string `json:"turn_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	EventType  string `json:"event_type"`
	ToolName   string `json:"tool_name,omitempty"`
	Command    string `json:"command,omitempty"`
	FilePath   string `json:"file_path,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	LatencyMS  *int64 `json:"latency_ms,omitempty"`
	Status     string `json:"status,omitempty"`
	RawPreview string `json:"raw_preview,omitempty"`
	Provider   string `json:"provider,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TurnEvent 一条回合事件。
type TurnEvent struct {
	SessionID  string `json:"session_id"`
	ThreadID   string `json:"thread_id,omitempty"`
	TurnID     string `json:"turn_id,omitempty"`
	EventType  string `json:"event_type"`
	Status     string `json:"status,omitempty"`
	LatencyMS  *int64 `json:"latency_ms,omitempty"`
	RawPreview string `json:"raw_preview,omitempty"`
	Provider   string `json:"provider,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Options 可观测性记录器参数。
type Options struct {
	RetentionDays     int // 普通提供方的保留天数
	ForkRetentionDays int // codex-fork 提供方的保留天数
	SessionRowCap     int // 每会话每表保留行数
	PreviewBytes      int // raw 预览字节上限
	PruneInterval     time.Duration
}

// DefaultOptions 默认参数。
func DefaultOptions() Options {
	return Options{
		RetentionDays:     7,
		ForkRetentionDays: 30,
		SessionRowCap:     5000,
		PreviewBytes:      2048,
		PruneInterval:     time.Hour,
	}
}

// Logger 可观测性记录器。
type Logger struct {
	db   *database.DB
	opts Options
	mu   sync.Mutex
}

// NewLogger 创建记录器。
func NewLogger(db *database.DB, opts Options) *Logger {
	if opts.SessionRowCap <= 0 {
		opts = DefaultOptions()
	}
	return &Logger{db: db, opts: opts}
}

// LogToolEvent 同步写入一条工具事件。
func (l *Logger) LogToolEvent(ctx context.Context, ev ToolEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Conn().ExecContext(ctx, `
		INSERT INTO tool_events
			(session_id, thread_id, turn_id, item_id, event_type, tool_name,
			 command, file_path, exit_code, latency_ms, status, raw_preview,
			 provider, schema_version, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''),
			NULLIF(?, ''), NULLIF(?, ''), ?, ?, NULLIF(?, ''), NULLIF(?, ''),
			?, ?, ?)`,
		ev.SessionID, ev.ThreadID, ev.TurnID, ev.ItemID, ev.EventType, ev.ToolName,
		ev.Command, ev.FilePath, ev.ExitCode, ev.LatencyMS, ev.Status,
		util.TruncateChars(ev.RawPreview, l.opts.PreviewBytes),
		ev.Provider, SchemaVersion, timestamp(ev.CreatedAt),
	)
	if err != nil {
		return apperrors.Wrap(err, "Obslog.LogToolEvent", "insert")
	}
	return nil
}

// LogTurnEvent 同步写入一条回合事件。
func (l *Logger) LogTurnEvent(ctx context.Context, ev TurnEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Conn().ExecContext(ctx, `
		INSERT INTO turn_events
			(session_id, thread_id, turn_id, event_type, status, latency_ms,
			 raw_preview, provider, schema_version, created_at)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?,
			NULLIF(?, ''), ?, ?, ?)`,
		ev.SessionID, ev.ThreadID, ev.TurnID, ev.EventType, ev.Status, ev.LatencyMS,
		util.TruncateChars(ev.RawPreview, l.opts.PreviewBytes),
		ev.Provider, SchemaVersion, timestamp(ev.CreatedAt),
	)
	if err != nil {
		return apperrors.Wrap(err, "Obslog.LogTurnEvent", "insert")
	}
	return nil
}

// FromRaw 把归一化的协程事件打成工具事件 (常见字段按 key 提取)。
func FromRaw(sessionID, threadID, provider, eventType, turnID, itemID string, raw json.RawMessage) ToolEvent {
	ev := ToolEvent{
		SessionID: sessionID,
		ThreadID:  threadID,
		TurnID:    turnID,
		ItemID:    itemID,
		EventType: eventType,
		Provider:  provider,
	}
	if len(raw) == 0 {
		return ev
	}
	ev.RawPreview = string(raw)

	var fields struct {
		Item struct {
			ItemType string `json:"itemType"`
			Command  string `json:"command"`
			Path     string `json:"path"`
			ExitCode *int   `json:"exitCode"`
			Status   string `json:"status"`
		} `json:"item"`
	}
	if err := json.Unmarshal(raw, &fields); err == nil {
		ev.ToolName = fields.Item.ItemType
		ev.Command = fields.Item.Command
		ev.FilePath = fields.Item.Path
		ev.ExitCode = fields.Item.ExitCode
		ev.Status = fields.Item.Status
	}
	return ev
}

// ListRecentToolEvents 尾部读取 (新→旧)。
func (l *Logger) ListRecentToolEvents(ctx context.Context, sessionID string, limit int) ([]ToolEvent, error) {
	limit = util.ClampInt(limit, 1, 500)
	rows, err := l.db.Conn().QueryContext(ctx, `
		SELECT session_id, COALESCE(thread_id, ''), COALESCE(turn_id, ''),
			COALESCE(item_id, ''), event_type, COALESCE(tool_name, ''),
			COALESCE(command, ''), COALESCE(file_path, ''), exit_code, latency_ms,
			COALESCE(status, ''), COALESCE(raw_preview, ''), provider, created_at
		FROM tool_events WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "Obslog.ListRecentToolEvents", "query")
	}
	defer rows.Close()

	var out []ToolEvent
	for rows.Next() {
		var ev ToolEvent
		var createdAt string
		if err := rows.Scan(&ev.SessionID, &ev.ThreadID, &ev.TurnID, &ev.ItemID,
			&ev.EventType, &ev.ToolName, &ev.Command, &ev.FilePath,
			&ev.ExitCode, &ev.LatencyMS, &ev.Status, &ev.RawPreview,
			&ev.Provider, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, "Obslog.ListRecentToolEvents", "scan")
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListRecentTurnEvents 尾部读取 (新→旧)。
func (l *Logger) ListRecentTurnEvents(ctx context.Context, sessionID string, limit int) ([]TurnEvent, error) {
	limit = util.ClampInt(limit, 1, 500)
	rows, err := l.db.Conn().QueryContext(ctx, `
		SELECT session_id, COALESCE(thread_id, ''), COALESCE(turn_id, ''),
			event_type, COALESCE(status, ''), latency_ms,
			COALESCE(raw_preview, ''), provider, created_at
		FROM turn_events WHERE session_id = ?
		ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "Obslog.ListRecentTurnEvents", "query")
	}
	defer rows.Close()

	var out []TurnEvent
	for rows.Next() {
		var ev TurnEvent
		var createdAt string
		if err := rows.Scan(&ev.SessionID, &ev.ThreadID, &ev.TurnID,
			&ev.EventType, &ev.Status, &ev.LatencyMS,
			&ev.RawPreview, &ev.Provider, &createdAt); err != nil {
			return nil, apperrors.Wrap(err, "Obslog.ListRecentTurnEvents", "scan")
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune 应用按龄保留 (codex-fork 单独上限) 与每会话行数上限, 保最新。
func (l *Logger) Prune(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	normalCutoff := now.AddDate(0, 0, -l.opts.RetentionDays).Format(time.RFC3339Nano)
	forkCutoff := now.AddDate(0, 0, -l.opts.ForkRetentionDays).Format(time.RFC3339Nano)

	for _, table := range []string{"tool_events", "turn_events"} {
		if _, err := l.db.Conn().ExecContext(ctx,
			`DELETE FROM `+table+` WHERE provider != ? AND created_at < ?`,
			ProviderCodexFork, normalCutoff); err != nil {
			logger.Warn("obslog age prune failed", logger.FieldError, err)
		}
		if _, err := l.db.Conn().ExecContext(ctx,
			`DELETE FROM `+table+` WHERE provider = ? AND created_at < ?`,
			ProviderCodexFork, forkCutoff); err != nil {
			logger.Warn("obslog fork age prune failed", logger.FieldError, err)
		}
		if _, err := l.db.Conn().ExecContext(ctx, `
			DELETE FROM `+table+` WHERE id IN (
				SELECT e.id FROM `+table+` e
				WHERE (
					SELECT COUNT(*) FROM `+table+` x
					WHERE x.session_id = e.session_id AND x.id > e.id
				) >= ?
			)`, l.opts.SessionRowCap); err != nil {
			logger.Warn("obslog cap prune failed", logger.FieldError, err)
		}
	}
}

// StartPeriodicPrune 在共享任务组上按固定间隔执行修剪。
func (l *Logger) StartPeriodicPrune(tg *util.TaskGroup) {
	interval := l.opts.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	tg.Go("obslog-prune", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Prune(ctx)
			}
		}
	})
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
