// mirror.go — 聊天镜像: 投递/生命周期事件扇出到聊天桥, 入站更新回流投递引擎。
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/registry"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

const (
	maxMirrorChars = 4000
	// callbackPrefix 内联键盘回调数据格式: req|<request_id>|<序号>
	callbackPrefix = "req"
)

// promptRef 已发出的许可提示。
type promptRef struct {
	sessionID string
	chatID    int64
	messageID int
	options   []string
	question  string
}

// Mirror 聊天镜像。实现 delivery.Notifier。
type Mirror struct {
	bridge Bridge
	reg    *registry.Registry
	engine *delivery.Engine

	mu          sync.Mutex
	lastRespMsg map[string]int        // session id → 最近一条响应消息 id (非论坛串联回复)
	prompts     map[string]*promptRef // request id → 许可提示
}

// NewMirror 创建聊天镜像。
func NewMirror(bridge Bridge, reg *registry.Registry, engine *delivery.Engine) *Mirror {
	return &Mirror{
		bridge:      bridge,
		reg:         reg,
		engine:      engine,
		lastRespMsg: make(map[string]int),
		prompts:     make(map[string]*promptRef),
	}
}

// route 解析会话的聊天路由。chat 未配置时返回 false。
func route(s *registry.Session) (chatID int64, topicID int, ok bool) {
	if s == nil || s.ChatID == 0 {
		return 0, 0, false
	}
	return s.ChatID, s.TopicID, true
}

// MirrorDelivery 投递成功后镜像消息正文 (markdown, ANSI 清洗)。
func (m *Mirror) MirrorDelivery(s *registry.Session, text string) {
	chatID, topicID, ok := route(s)
	if !ok {
		return
	}
	body := fmt.Sprintf("📨 *%s* received:\n%s", s.DisplayName(), mirrorText(text))
	if _, err := m.bridge.Send(context.Background(), SendParams{
		ChatID: chatID, TopicID: topicID, Text: body, Markdown: true,
	}); err != nil {
		logger.Warn("delivery mirror failed", logger.FieldSessionID, s.ID, logger.FieldError, err)
	}
}

// MirrorResponse 镜像 agent 响应正文并记住消息 id, 供后续空闲事件串联回复。
func (m *Mirror) MirrorResponse(s *registry.Session, text string) {
	chatID, topicID, ok := route(s)
	if !ok {
		return
	}
	msgID, err := m.bridge.Send(context.Background(), SendParams{
		ChatID: chatID, TopicID: topicID, Text: mirrorText(text), Markdown: true,
	})
	if err != nil {
		logger.Warn("response mirror failed", logger.FieldSessionID, s.ID, logger.FieldError, err)
		return
	}
	m.mu.Lock()
	m.lastRespMsg[s.ID] = msgID
	m.mu.Unlock()
}

// NotifyEvent 生命周期事件, 纯文本。非论坛聊天里的空闲事件回复到最近响应。
func (m *Mirror) NotifyEvent(s *registry.Session, event, text string) {
	chatID, topicID, ok := route(s)
	if !ok {
		return
	}
	body := eventLine(s, event, text)

	replyTo := 0
	if event == "idle" && topicID == 0 {
		m.mu.Lock()
		replyTo = m.lastRespMsg[s.ID]
		m.mu.Unlock()
	}
	if _, err := m.bridge.Send(context.Background(), SendParams{
		ChatID: chatID, TopicID: topicID, Text: body, ReplyTo: replyTo,
	}); err != nil {
		logger.Warn("event notify failed",
			logger.FieldSessionID, s.ID, logger.FieldEventType, event, logger.FieldError, err)
	}
}

// eventLine 事件的单行文本。
func eventLine(s *registry.Session, event, text string) string {
	name := s.DisplayName()
	var body string
	switch event {
	case "idle":
		body = fmt.Sprintf("💤 %s is idle", name)
	case "stop":
		body = fmt.Sprintf("🛑 %s stopped", name)
	case "review":
		body = fmt.Sprintf("🔍 %s review: %s", name, text)
		text = ""
	default:
		body = fmt.Sprintf("• %s %s", name, event)
	}
	if text != "" {
		body += "\n" + util.TruncateChars(util.StripANSI(text), 500)
	}
	return body
}

// ========================================
// 许可提示与入站更新
// ========================================

// PromptPermission 发出带编号键盘的许可提示。回调编号作为旁路输入回送会话。
func (m *Mirror) PromptPermission(ctx context.Context, s *registry.Session, requestID, question string, options []string) error {
	const op = "Mirror.PromptPermission"
	chatID, topicID, ok := route(s)
	if !ok {
		return apperrors.Newf(op, "session %s has no chat route", s.ID)
	}

	var rows [][]InlineButton
	var lines []string
	for i, opt := range options {
		n := i + 1
		rows = append(rows, []InlineButton{{
			Text:         fmt.Sprintf("%d. %s", n, opt),
			CallbackData: fmt.Sprintf("%s|%s|%d", callbackPrefix, requestID, n),
		}})
		lines = append(lines, fmt.Sprintf("%d. %s", n, opt))
	}
	body := fmt.Sprintf("🔐 *%s* needs permission:\n%s\n\n%s",
		s.DisplayName(), mirrorText(question), strings.Join(lines, "\n"))

	msgID, err := m.bridge.Send(ctx, SendParams{
		ChatID: chatID, TopicID: topicID, Text: body, Markdown: true, Keyboard: rows,
	})
	if err != nil {
		return apperrors.Wrap(err, op, "send prompt")
	}
	m.mu.Lock()
	m.prompts[requestID] = &promptRef{
		sessionID: s.ID, chatID: chatID, messageID: msgID,
		options: options, question: question,
	}
	m.mu.Unlock()
	return nil
}

// HandleUpdate 入站更新: 键盘回调回送编号, 话题消息作为排队输入。
func (m *Mirror) HandleUpdate(u Update) {
	switch {
	case u.CallbackQuery != nil:
		m.handleCallback(u.CallbackQuery)
	case u.Message != nil && u.Message.Text != "":
		m.handleInbound(u.Message)
	}
}

func (m *Mirror) handleCallback(cb *CallbackQuery) {
	parts := strings.Split(cb.Data, "|")
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return
	}
	requestID := parts[1]
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 1 {
		return
	}

	m.mu.Lock()
	ref, ok := m.prompts[requestID]
	if ok {
		delete(m.prompts, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	// 编号作为旁路输入直达会话
	if _, err := m.engine.QueueMessage(context.Background(), delivery.QueueParams{
		TargetID: ref.sessionID,
		Text:     strconv.Itoa(n),
		Mode:     delivery.ModeUrgent,
		Category: "permission_reply",
	}); err != nil {
		logger.Warn("permission reply failed",
			logger.FieldSessionID, ref.sessionID, logger.FieldRequestID, requestID, logger.FieldError, err)
		return
	}

	chosen := strconv.Itoa(n)
	if n <= len(ref.options) {
		chosen = fmt.Sprintf("%d. %s", n, ref.options[n-1])
	}
	if err := m.bridge.Edit(context.Background(), ref.chatID, ref.messageID,
		fmt.Sprintf("🔐 %s\n\n✅ chose %s", ref.question, chosen), false); err != nil {
		logger.Debug("prompt edit failed", logger.FieldError, err)
	}
}

// handleInbound 话题里的普通消息 → 对应会话的顺序输入。
func (m *Mirror) handleInbound(msg *Message) {
	sess := m.sessionByRoute(msg.Chat.ID, msg.ThreadID)
	if sess == nil {
		return
	}
	if _, err := m.engine.QueueMessage(context.Background(), delivery.QueueParams{
		TargetID:   sess.ID,
		SenderName: "operator",
		Text:       msg.Text,
		Mode:       delivery.ModeSequential,
	}); err != nil {
		logger.Warn("inbound chat message failed",
			logger.FieldSessionID, sess.ID, logger.FieldError, err)
	}
}

func (m *Mirror) sessionByRoute(chatID int64, topicID int) *registry.Session {
	for _, s := range m.reg.List() {
		if s.ChatID == chatID && s.TopicID == topicID {
			return s
		}
	}
	return nil
}

// ========================================
// 话题生命周期
// ========================================

// EnsureTopic 为带 chat 路由的会话建话题 (已有则不动)。
func (m *Mirror) EnsureTopic(ctx context.Context, sessionID string) {
	sess, ok := m.reg.Get(sessionID)
	if !ok || sess.ChatID == 0 || sess.TopicID != 0 {
		return
	}
	topicID, err := m.bridge.CreateTopic(ctx, sess.ChatID, topicName(sess.DisplayName(), sess.ID))
	if err != nil {
		logger.Warn("topic create failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
		return
	}
	if err := m.reg.Update(sessionID, func(s *registry.Session) { s.TopicID = topicID }); err != nil {
		logger.Warn("topic record failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}
}

// NoteStoppedTopics 给孤儿话题发 "session stopped" 提示。
// 话题本身不删, 话题生命周期归聊天宿主管。
func (m *Mirror) NoteStoppedTopics(ctx context.Context, topics []registry.OrphanedTopic) {
	for _, t := range topics {
		if _, err := m.bridge.Send(ctx, SendParams{
			ChatID: t.ChatID, TopicID: t.TopicID,
			Text: fmt.Sprintf("🛑 session %s stopped (not found after restart)", t.SessionID),
		}); err != nil {
			logger.Warn("stopped-topic note failed",
				logger.FieldSessionID, t.SessionID, logger.FieldError, err)
		}
	}
}

// mirrorText ANSI 清洗 + 中段截断。
func mirrorText(text string) string {
	return truncateMiddle(util.StripANSI(text), maxMirrorChars)
}

// truncateMiddle 保留头尾, 截掉中段。
func truncateMiddle(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	half := maxLen/2 - 20
	if half < 0 {
		half = 0
	}
	return string(runes[:half]) + "\n\n... (truncated) ...\n\n" + string(runes[len(runes)-half:])
}

var _ delivery.Notifier = (*Mirror)(nil)
