// callbacks.go — codex 协程回调粘合: 事件落库、可观测性、空闲标记、审批台账。
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/multi-agent/go-session-v2/internal/codex"
	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/ledger"
	"github.com/multi-agent/go-session-v2/internal/obslog"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

const rpcProvider = "codex"

// codexCallbacks 为一个 rpc-kind 会话构造协程回调集。
// 回调在客户端读循环里触发, 重活一律丢给 SafeGo。
func (m *Manager) codexCallbacks(sessionID string) codex.Callbacks {
	return codex.Callbacks{
		OnEvent: func(ev codex.Event) {
			m.onCodexEvent(sessionID, ev)
		},
		OnTurnComplete: func(turnID, text, status string) {
			m.onTurnComplete(sessionID, turnID, text, status)
		},
		OnReviewComplete: func(text string) {
			m.onReviewComplete(sessionID, text)
		},
		OnServerRequest: func(req codex.ServerRequest) {
			util.SafeGo(func() {
				m.onServerRequest(sessionID, req.ID, req.Method, req.Params, req)
			})
		},
	}
}

// onCodexEvent 归一化事件进事件存储; item 级事件另记可观测性流水。
func (m *Manager) onCodexEvent(sessionID string, ev codex.Event) {
	ctx := context.Background()
	m.appendEvent(ctx, sessionID, ev.Type, ev.TurnID, json.RawMessage(ev.Raw))

	switch ev.Type {
	case "item_started", "item_completed":
		sess, ok := m.reg.Get(sessionID)
		if !ok {
			return
		}
		tool := obslog.FromRaw(sessionID, sess.ThreadID, rpcProvider, ev.Type, ev.TurnID, ev.ItemID, ev.Raw)
		if err := m.obs.LogToolEvent(ctx, tool); err != nil {
			logger.Debug("tool event log failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
		}
	case "turn_started":
		_ = m.reg.SetStatus(sessionID, "running")
		m.engine.MarkSessionActive(sessionID)
	}
}

// onTurnComplete turn 结束: 记流水, 标空闲 (触发排队投递), 镜像响应文本。
func (m *Manager) onTurnComplete(sessionID, turnID, text, status string) {
	ctx := context.Background()
	sess, ok := m.reg.Get(sessionID)
	if !ok {
		return
	}

	if err := m.obs.LogTurnEvent(ctx, obslog.TurnEvent{
		SessionID:  sessionID,
		ThreadID:   sess.ThreadID,
		TurnID:     turnID,
		EventType:  "turn_completed",
		Status:     status,
		RawPreview: util.TruncateChars(text, 2048),
		Provider:   rpcProvider,
		CreatedAt:  time.Now(),
	}); err != nil {
		logger.Debug("turn event log failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}

	// 空闲标记驱动下一批排队消息投递
	m.engine.MarkSessionIdle(sessionID, text, false)

	if m.mirror != nil && text != "" {
		m.mirror.MirrorResponse(sess, text)
	}
}

// onReviewComplete review 结束: 存结果, 通知父会话与聊天镜像。
func (m *Manager) onReviewComplete(sessionID, text string) {
	ctx := context.Background()
	sess, ok := m.reg.Get(sessionID)
	if !ok {
		return
	}
	m.appendEvent(ctx, sessionID, "review_completed", "", map[string]any{
		"text": util.TruncateChars(text, 4096),
	})

	if sess.ParentID != "" && m.reg.Exists(sess.ParentID) {
		relay := fmt.Sprintf("[review] %s finished a review:\n%s",
			sess.DisplayName(), util.TruncateChars(text, 4000))
		if _, err := m.engine.QueueMessage(ctx, delivery.QueueParams{
			TargetID:   sess.ParentID,
			SenderID:   sessionID,
			SenderName: sess.DisplayName(),
			Text:       relay,
			Mode:       delivery.ModeImportant,
			Category:   "review_result",
		}); err != nil {
			logger.Warn("review result relay failed",
				logger.FieldSessionID, sessionID, logger.FieldError, err)
		}
	}
	if m.mirror != nil {
		m.mirror.NotifyEvent(sess, "review", text)
	}
}

// ========================================
// 结构化请求 (审批 / 用户输入)
// ========================================

// approvalParams 审批请求参数里我们关心的字段。
type approvalParams struct {
	Command   []string `json:"command"`
	Cwd       string   `json:"cwd"`
	Reason    string   `json:"reason"`
	Questions []struct {
		Question string   `json:"question"`
		Options  []string `json:"options"`
	} `json:"questions"`
	Prompt string `json:"prompt"`
}

// serverResponder 协程请求的应答面 (codex.ServerRequest 实现)。
type serverResponder interface {
	Respond(result any) error
	RespondError(code int, message string) error
}

// onServerRequest 协程的带 id 请求: 登台账, 推聊天许可提示,
// 阻塞等解决后把 payload 原样回给协程。
func (m *Manager) onServerRequest(sessionID string, rpcID int64, method string, params json.RawMessage, resp serverResponder) {
	ctx := context.Background()
	sess, _ := m.reg.Get(sessionID)
	threadID := ""
	if sess != nil {
		threadID = sess.ThreadID
	}

	reqType := "approval"
	if method == "item/tool/requestUserInput" {
		reqType = "user_input"
	}

	rec, err := m.ledger.Register(ctx, ledger.RegisterParams{
		SessionID:     sessionID,
		RPCRequestID:  rpcID,
		ThreadID:      threadID,
		RequestType:   reqType,
		RequestMethod: method,
		Payload:       params,
		TimeoutS:      m.cfg.RequestTimeoutSec,
		PolicyPayload: map[string]any{"decision": "denied"},
	})
	if err != nil {
		logger.Error("request register failed",
			logger.FieldSessionID, sessionID, logger.FieldMethod, method, logger.FieldError, err)
		_ = resp.RespondError(-32000, "request ledger unavailable")
		return
	}

	_ = m.reg.SetStatus(sessionID, "waiting_permission")
	m.promptForRequest(ctx, sessionID, rec.RequestID, params, reqType)

	payload, err := m.ledger.WaitForResolution(ctx, rec.RequestID)
	_ = m.reg.SetStatus(sessionID, "running")
	if err != nil {
		logger.Warn("request resolution failed",
			logger.FieldSessionID, sessionID, logger.FieldRequestID, rec.RequestID, logger.FieldError, err)
		_ = resp.RespondError(-32001, err.Error())
		return
	}
	if err := resp.Respond(payload); err != nil {
		logger.Warn("request respond failed",
			logger.FieldSessionID, sessionID, logger.FieldRequestID, rec.RequestID, logger.FieldError, err)
	}
}

// promptForRequest 把结构化请求转成聊天许可提示 (无镜像路由时只登台账)。
func (m *Manager) promptForRequest(ctx context.Context, sessionID, requestID string, raw json.RawMessage, reqType string) {
	if m.mirror == nil {
		return
	}
	sess, ok := m.reg.Get(sessionID)
	if !ok {
		return
	}

	var p approvalParams
	_ = json.Unmarshal(raw, &p)

	question := p.Reason
	options := []string{"Approve", "Deny"}
	switch {
	case reqType == "user_input" && len(p.Questions) > 0:
		question = p.Questions[0].Question
		if len(p.Questions[0].Options) > 0 {
			options = p.Questions[0].Options
		}
	case len(p.Command) > 0:
		question = fmt.Sprintf("run `%s`", joinCommand(p.Command))
	case p.Prompt != "":
		question = p.Prompt
	}
	if question == "" {
		question = "approval requested"
	}

	if err := m.mirror.PromptPermission(ctx, sess, requestID, question, options); err != nil {
		logger.Debug("permission prompt skipped",
			logger.FieldSessionID, sessionID, logger.FieldRequestID, requestID, logger.FieldError, err)
	}
}

func joinCommand(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return util.TruncateChars(out, 200)
}
