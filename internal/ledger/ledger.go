// Package ledger 待决结构化请求台账 (审批 / 用户输入)。
//
// 每行携带进程代号 (process generation); 进程重启后, 外代仍处于
// pending/expired 的行统一转 orphaned/server_restarted。
// 超时走策略兜底: pending → expired → 以 policy payload 解决,
// 等待方因此永不悬死。
package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/multi-agent/go-session-v2/internal/database"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// 请求状态。
const (
	StatusPending  = "pending"
	StatusExpired  = "expired"
	StatusResolved = "resolved"
	StatusOrphaned = "orphaned"
)

// 解决来源。
const (
	SourceAPI    = "api"
	SourcePolicy = "policy"
)

// Migrations ledger.db 的 DDL。
var Migrations = []database.Migration{
	{
		Version: "001_ledger",
		SQL: `
			CREATE TABLE IF NOT EXISTS pending_requests (
				request_id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				process_generation TEXT NOT NULL,
				rpc_request_id INTEGER,
				thread_id TEXT,
				turn_id TEXT,
				item_id TEXT,
				request_type TEXT NOT NULL,
				request_method TEXT NOT NULL,
				requested_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				status TEXT NOT NULL,
				request_payload TEXT,
				resolved_payload TEXT,
				resolution_source TEXT,
				error_code TEXT,
				error_message TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_pending_requests_session
				ON pending_requests (session_id, status);
			CREATE INDEX IF NOT EXISTS idx_pending_requests_generation
				ON pending_requests (process_generation, status);
		`,
	},
}

// Request 一行台账记录。
type Request struct {
	RequestID        string          `json:"request_id"`
	SessionID        string          `json:"session_id"`
	Generation       string          `json:"process_generation"`
	RPCRequestID     int64           `json:"rpc_request_id"`
	ThreadID         string          `json:"thread_id,omitempty"`
	TurnID           string          `json:"turn_id,omitempty"`
	ItemID           string          `json:"item_id,omitempty"`
	RequestType      string          `json:"request_type"`
	RequestMethod    string          `json:"request_method"`
	RequestedAt      time.Time       `json:"requested_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	Status           string          `json:"status"`
	RequestPayload   json.RawMessage `json:"request_payload,omitempty"`
	ResolvedPayload  json.RawMessage `json:"resolved_payload,omitempty"`
	ResolutionSource string          `json:"resolution_source,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// ResolveResult Resolve 的结果。
type ResolveResult struct {
	OK         bool     `json:"ok"`
	Idempotent bool     `json:"idempotent"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Request    *Request `json:"request,omitempty"`
}

// RegisterParams Register 入参。
type RegisterParams struct {
	SessionID     string
	RPCRequestID  int64
	ThreadID      string
	TurnID        string
	ItemID        string
	RequestType   string // approval | user_input
	RequestMethod string
	Payload       any
	TimeoutS      int
	PolicyPayload any // 超时策略应答
}

// waiter 完成 future。orphan 路径投 nil。
type waiter struct {
	ch   chan json.RawMessage
	once sync.Once
}

func (w *waiter) complete(payload json.RawMessage) {
	w.once.Do(func() {
		w.ch <- payload
		close(w.ch)
	})
}

// Ledger 请求台账。
type Ledger struct {
	db         *database.DB
	generation string

	mu      sync.Mutex
	waiters map[string]*waiter
	timers  map[string]*time.Timer
}

// NewLedger 创建台账并执行外代清扫。
func NewLedger(ctx context.Context, db *database.DB) (*Ledger, error) {
	l := &Ledger{
		db:         db,
		generation: newID(),
		waiters:    make(map[string]*waiter),
		timers:     make(map[string]*time.Timer),
	}
	if err := l.sweepForeignGenerations(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Generation 返回本进程代号。
func (l *Ledger) Generation() string { return l.generation }

// sweepForeignGenerations 启动时把外代 pending/expired 行转 orphaned。
func (l *Ledger) sweepForeignGenerations(ctx context.Context) error {
	res, err := l.db.Conn().ExecContext(ctx, `
		UPDATE pending_requests
		SET status = ?, error_code = ?
		WHERE process_generation != ? AND status IN (?, ?)`,
		StatusOrphaned, apperrors.CodeServerRestarted,
		l.generation, StatusPending, StatusExpired,
	)
	if err != nil {
		return apperrors.Wrap(err, "Ledger.sweep", "orphan foreign generations")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Infow("orphaned requests from previous process", logger.FieldCount, n)
	}
	return nil
}

// Register 登记一条待决请求并调度超时任务。
func (l *Ledger) Register(ctx context.Context, p RegisterParams) (*Request, error) {
	if p.SessionID == "" || p.RequestMethod == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Ledger.Register", "session_id and request_method are required")
	}
	if p.TimeoutS <= 0 {
		p.TimeoutS = 120
	}

	now := time.Now().UTC()
	req := &Request{
		RequestID:     newID(),
		SessionID:     p.SessionID,
		Generation:    l.generation,
		RPCRequestID:  p.RPCRequestID,
		ThreadID:      p.ThreadID,
		TurnID:        p.TurnID,
		ItemID:        p.ItemID,
		RequestType:   p.RequestType,
		RequestMethod: p.RequestMethod,
		RequestedAt:   now,
		ExpiresAt:     now.Add(time.Duration(p.TimeoutS) * time.Second),
		Status:        StatusPending,
	}
	if p.Payload != nil {
		req.RequestPayload, _ = json.Marshal(p.Payload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Conn().ExecContext(ctx, `
		INSERT INTO pending_requests
			(request_id, session_id, process_generation, rpc_request_id,
			 thread_id, turn_id, item_id, request_type, request_method,
			 requested_at, expires_at, status, request_payload)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.SessionID, req.Generation, req.RPCRequestID,
		req.ThreadID, req.TurnID, req.ItemID, req.RequestType, req.RequestMethod,
		req.RequestedAt.Format(time.RFC3339Nano), req.ExpiresAt.Format(time.RFC3339Nano),
		req.Status, nullable(req.RequestPayload),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, "Ledger.Register", "insert")
	}

	l.waiters[req.RequestID] = &waiter{ch: make(chan json.RawMessage, 1)}

	policyPayload, _ := json.Marshal(p.PolicyPayload)
	requestID := req.RequestID
	timeout := time.Duration(p.TimeoutS) * time.Second
	l.timers[requestID] = time.AfterFunc(timeout, func() {
		l.expireAndResolveByPolicy(requestID, policyPayload)
	})

	return req, nil
}

// expireAndResolveByPolicy 超时路径: pending→expired, 再按策略解决。
func (l *Ledger) expireAndResolveByPolicy(requestID string, policyPayload json.RawMessage) {
	ctx := context.Background()

	l.mu.Lock()
	_, err := l.db.Conn().ExecContext(ctx, `
		UPDATE pending_requests SET status = ?
		WHERE request_id = ? AND status = ?`,
		StatusExpired, requestID, StatusPending,
	)
	l.mu.Unlock()
	if err != nil {
		logger.Errorw("request expiry update failed",
			logger.FieldRequestID, requestID, logger.FieldError, err)
	}

	res, err := l.Resolve(ctx, requestID, policyPayload, SourcePolicy,
		apperrors.CodeRequestExpired, "request timed out, policy applied", true)
	if err != nil || !res.OK {
		logger.Warn("policy resolution failed",
			logger.FieldRequestID, requestID,
			logger.FieldError, err,
		)
	}
}

// Resolve 解决一条请求。台账互斥内判定:
//   - 行不存在 → request_not_found
//   - pending, 或 expired 且 allowExpired → 落库 + 完成 future, idempotent=false
//   - 已 resolved → 返回既有记录, idempotent=true (重放安全, 不改动)
//   - 其他状态 (orphaned 等) → request_unavailable
func (l *Ledger) Resolve(ctx context.Context, requestID string, payload json.RawMessage, source, errorCode, errorMessage string, allowExpired bool) (ResolveResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, err := l.getLocked(ctx, requestID)
	if err != nil {
		return ResolveResult{}, err
	}
	if req == nil {
		return ResolveResult{OK: false, ErrorCode: apperrors.CodeRequestNotFound}, nil
	}

	switch {
	case req.Status == StatusPending || (req.Status == StatusExpired && allowExpired):
		_, err := l.db.Conn().ExecContext(ctx, `
			UPDATE pending_requests
			SET status = ?, resolved_payload = ?, resolution_source = ?,
			    error_code = NULLIF(?, ''), error_message = NULLIF(?, '')
			WHERE request_id = ?`,
			StatusResolved, nullable(payload), source, errorCode, errorMessage, requestID,
		)
		if err != nil {
			return ResolveResult{}, apperrors.Wrap(err, "Ledger.Resolve", "update")
		}
		req.Status = StatusResolved
		req.ResolvedPayload = payload
		req.ResolutionSource = source
		req.ErrorCode = errorCode
		req.ErrorMessage = errorMessage

		if w, ok := l.waiters[requestID]; ok {
			w.complete(payload)
			delete(l.waiters, requestID)
		}
		l.cancelTimerLocked(requestID)
		return ResolveResult{OK: true, Idempotent: false, Request: req}, nil

	case req.Status == StatusResolved:
		return ResolveResult{OK: true, Idempotent: true, Request: req}, nil

	default:
		return ResolveResult{OK: false, ErrorCode: apperrors.CodeRequestUnavailable, Request: req}, nil
	}
}

// WaitForResolution 阻塞到请求被解决; orphan 返回 nil。
// 策略超时路径保证等待不会超过 timeout + 小量延迟。
func (l *Ledger) WaitForResolution(ctx context.Context, requestID string) (json.RawMessage, error) {
	l.mu.Lock()
	w, ok := l.waiters[requestID]
	if !ok {
		// 已解决或不存在: 直接读库
		req, err := l.getLocked(ctx, requestID)
		l.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, apperrors.NewCode("Ledger.Wait", apperrors.CodeRequestNotFound, "unknown request id")
		}
		return req.ResolvedPayload, nil
	}
	l.mu.Unlock()

	select {
	case payload := <-w.ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OrphanPendingForSession 会话关闭/适配器死亡时孤置其全部待决行,
// 等待方以 nil 解锁。
func (l *Ledger) OrphanPendingForSession(ctx context.Context, sessionID, errorCode string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Conn().QueryContext(ctx, `
		SELECT request_id FROM pending_requests
		WHERE session_id = ? AND status IN (?, ?)`,
		sessionID, StatusPending, StatusExpired,
	)
	if err != nil {
		return apperrors.Wrap(err, "Ledger.Orphan", "select")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return apperrors.Wrap(err, "Ledger.Orphan", "scan")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return apperrors.Wrap(err, "Ledger.Orphan", "rows")
	}

	_, err = l.db.Conn().ExecContext(ctx, `
		UPDATE pending_requests SET status = ?, error_code = ?
		WHERE session_id = ? AND status IN (?, ?)`,
		StatusOrphaned, errorCode, sessionID, StatusPending, StatusExpired,
	)
	if err != nil {
		return apperrors.Wrap(err, "Ledger.Orphan", "update")
	}

	for _, id := range ids {
		if w, ok := l.waiters[id]; ok {
			w.complete(nil)
			delete(l.waiters, id)
		}
		l.cancelTimerLocked(id)
	}
	if len(ids) > 0 {
		logger.Infow("requests orphaned",
			logger.FieldSessionID, sessionID,
			logger.FieldCount, len(ids),
		)
	}
	return nil
}

// Get 按 id 读取一行。
func (l *Ledger) Get(ctx context.Context, requestID string) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLocked(ctx, requestID)
}

// ListForSession 列出会话的全部请求 (新→旧), limit 有界。
func (l *Ledger) ListForSession(ctx context.Context, sessionID string, limit int) ([]Request, error) {
	limit = util.ClampInt(limit, 1, 200)
	rows, err := l.db.Conn().QueryContext(ctx,
		selectColumns+` FROM pending_requests WHERE session_id = ?
		ORDER BY requested_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, "Ledger.List", "query")
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT request_id, session_id, process_generation, COALESCE(rpc_request_id, 0),
		COALESCE(thread_id, ''), COALESCE(turn_id, ''), COALESCE(item_id, ''),
		request_type, request_method, requested_at, expires_at, status,
		COALESCE(request_payload, ''), COALESCE(resolved_payload, ''),
		COALESCE(resolution_source, ''), COALESCE(error_code, ''),
		COALESCE(error_message, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var requestedAt, expiresAt, reqPayload, resPayload string
	err := row.Scan(&req.RequestID, &req.SessionID, &req.Generation, &req.RPCRequestID,
		&req.ThreadID, &req.TurnID, &req.ItemID,
		&req.RequestType, &req.RequestMethod, &requestedAt, &expiresAt, &req.Status,
		&reqPayload, &resPayload, &req.ResolutionSource, &req.ErrorCode, &req.ErrorMessage)
	if err != nil {
		return nil, err
	}
	req.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
	req.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if reqPayload != "" {
		req.RequestPayload = json.RawMessage(reqPayload)
	}
	if resPayload != "" {
		req.ResolvedPayload = json.RawMessage(resPayload)
	}
	return &req, nil
}

func (l *Ledger) getLocked(ctx context.Context, requestID string) (*Request, error) {
	row := l.db.Conn().QueryRowContext(ctx,
		selectColumns+` FROM pending_requests WHERE request_id = ?`, requestID)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "Ledger.get", "scan")
	}
	return req, nil
}

func (l *Ledger) cancelTimerLocked(requestID string) {
	if t, ok := l.timers[requestID]; ok {
		t.Stop()
		delete(l.timers, requestID)
	}
}

// Close 停掉所有超时任务。
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// newID 16 位随机 hex。
func newID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().UTC().Format("150405.000")))[:16]
	}
	return hex.EncodeToString(b)
}
