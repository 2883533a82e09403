// Package telegram 聊天桥: Bot HTTP API 上的发送/编辑/话题操作与长轮询收件。
// Bridge 是可替换接口, 测试与无 token 部署用假实现。
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// InlineButton 内联键盘按钮。
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// SendParams 发送参数。TopicID 为 0 表示非论坛直发。
type SendParams struct {
	ChatID   int64
	TopicID  int
	Text     string
	Markdown bool
	ReplyTo  int
	Keyboard [][]InlineButton
}

// Bridge 聊天桥接口。
type Bridge interface {
	Send(ctx context.Context, p SendParams) (messageID int, err error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	CreateTopic(ctx context.Context, chatID int64, name string) (topicID int, err error)
	RenameTopic(ctx context.Context, chatID int64, topicID int, name string) error
}

// ========================================
// 入站更新
// ========================================

// Update 长轮询拉到的一条更新。
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message 入站消息。
type Message struct {
	MessageID int    `json:"message_id"`
	ThreadID  int    `json:"message_thread_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From struct {
		ID       int64  `json:"id"`
		Username string `json:"username,omitempty"`
	} `json:"from"`
	ReplyTo *Message `json:"reply_to_message,omitempty"`
}

// CallbackQuery 内联键盘回调。
type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data,omitempty"`
	Message *Message `json:"message,omitempty"`
	From    struct {
		ID int64 `json:"id"`
	} `json:"from"`
}

// UpdateHandler 入站更新处理器。
type UpdateHandler func(u Update)

// ========================================
// Bot API 实现
// ========================================

const pollTimeoutS = 50

// BotAPI api.telegram.org 上的 Bridge 实现。
type BotAPI struct {
	token   string
	baseURL string
	client  *http.Client
	offset  int64
}

// NewBotAPI 创建 Bot API 桥。token 为空时所有操作为 no-op。
func NewBotAPI(token string) *BotAPI {
	return &BotAPI{
		token:   token,
		baseURL: "https://api.telegram.org/bot" + token,
		client:  &http.Client{Timeout: (pollTimeoutS + 10) * time.Second},
	}
}

// Enabled 是否配置了 token。
func (b *BotAPI) Enabled() bool { return b.token != "" }

// apiResponse Bot API 响应封套。
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
}

// call 调用 Bot API 方法, result 可为 nil。
func (b *BotAPI) call(ctx context.Context, method string, payload any, result any) error {
	op := "Telegram." + method
	if !b.Enabled() {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(err, op, "marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, op, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, op, "http")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperrors.Wrap(err, op, "read body")
	}
	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return apperrors.Wrapf(err, op, "decode body (status %d)", resp.StatusCode)
	}
	if !envelope.OK {
		return apperrors.Newf(op, "api error: %s", envelope.Description)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return apperrors.Wrap(err, op, "decode result")
		}
	}
	return nil
}

// Send 发送消息, 返回 message id。
func (b *BotAPI) Send(ctx context.Context, p SendParams) (int, error) {
	payload := map[string]any{
		"chat_id": p.ChatID,
		"text":    p.Text,
	}
	if p.TopicID != 0 {
		payload["message_thread_id"] = p.TopicID
	}
	if p.Markdown {
		payload["parse_mode"] = "Markdown"
	}
	if p.ReplyTo != 0 {
		payload["reply_to_message_id"] = p.ReplyTo
	}
	if len(p.Keyboard) > 0 {
		payload["reply_markup"] = map[string]any{"inline_keyboard": p.Keyboard}
	}
	var msg struct {
		MessageID int `json:"message_id"`
	}
	if err := b.call(ctx, "sendMessage", payload, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// Edit 编辑已发消息的正文。
func (b *BotAPI) Edit(ctx context.Context, chatID int64, messageID int, text string, markdown bool) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if markdown {
		payload["parse_mode"] = "Markdown"
	}
	return b.call(ctx, "editMessageText", payload, nil)
}

// Delete 删除消息。
func (b *BotAPI) Delete(ctx context.Context, chatID int64, messageID int) error {
	return b.call(ctx, "deleteMessage", map[string]any{
		"chat_id": chatID, "message_id": messageID,
	}, nil)
}

// CreateTopic 在论坛群里建话题, 返回 thread id。
func (b *BotAPI) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	var topic struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	err := b.call(ctx, "createForumTopic", map[string]any{
		"chat_id": chatID, "name": name,
	}, &topic)
	if err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// RenameTopic 改话题名。
func (b *BotAPI) RenameTopic(ctx context.Context, chatID int64, topicID int, name string) error {
	return b.call(ctx, "editForumTopic", map[string]any{
		"chat_id": chatID, "message_thread_id": topicID, "name": name,
	}, nil)
}

// answerCallback 应答内联键盘回调 (停掉客户端的 loading 态)。
func (b *BotAPI) answerCallback(ctx context.Context, callbackID string) {
	if err := b.call(ctx, "answerCallbackQuery", map[string]any{
		"callback_query_id": callbackID,
	}, nil); err != nil {
		logger.Debug("answer callback failed", logger.FieldError, err)
	}
}

// StartPolling 长轮询入站更新, 逐条交给 handler。
func (b *BotAPI) StartPolling(tg *util.TaskGroup, handler UpdateHandler) {
	if !b.Enabled() {
		logger.Info("chat bridge disabled, no bot token")
		return
	}
	tg.Go("telegram-poll", func(ctx context.Context) {
		for ctx.Err() == nil {
			updates, err := b.getUpdates(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("poll failed", logger.FieldError, err)
				util.Sleep(ctx, 3*time.Second)
				continue
			}
			for _, u := range updates {
				b.offset = u.UpdateID + 1
				if u.CallbackQuery != nil {
					b.answerCallback(ctx, u.CallbackQuery.ID)
				}
				handler(u)
			}
		}
	})
}

func (b *BotAPI) getUpdates(ctx context.Context) ([]Update, error) {
	var updates []Update
	err := b.call(ctx, "getUpdates", map[string]any{
		"offset":          b.offset,
		"timeout":         pollTimeoutS,
		"allowed_updates": []string{"message", "callback_query"},
	}, &updates)
	return updates, err
}

var _ Bridge = (*BotAPI)(nil)

// topicName 会话的话题名。
func topicName(name, id string) string {
	return fmt.Sprintf("%s (%s)", name, id)
}
