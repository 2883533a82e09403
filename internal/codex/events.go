// events.go — 入站通知/请求分发: 增量缓冲、turn 完成拼接、review 检测。
package codex

import (
	"encoding/json"
	"strings"

	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// Event 归一化后的入站通知 (事件存储 / 可观测性消费)。
type Event struct {
	Method   string          // 原始 JSON-RPC method
	Type     string          // 归一化类型, 如 turn_started / item_completed
	TurnID   string
	ItemID   string
	ItemType string
	Raw      json.RawMessage // 原始 params
}

// ServerRequest 协程发起的带 id 请求 (审批 / 用户输入)。
// 处理方必须通过 Respond 或 RespondError 回一次 response。
type ServerRequest struct {
	ID     int64
	Method string
	Params json.RawMessage

	client *Client
}

// Respond 回成功响应。
func (r ServerRequest) Respond(result any) error {
	return r.client.respond(r.ID, result)
}

// RespondError 回错误响应。
func (r ServerRequest) RespondError(code int, message string) error {
	return r.client.RespondError(r.ID, code, message)
}

// notificationParams 通知参数的公共字段 (按需解析)。
type notificationParams struct {
	TurnID string `json:"turnId"`
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
	Turn   struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"turn"`
	Item struct {
		ID       string `json:"id"`
		ItemType string `json:"itemType"`
		Type     string `json:"type"`
		Text     string `json:"text"`
	} `json:"item"`
}

func (p notificationParams) turnID() string {
	if p.TurnID != "" {
		return p.TurnID
	}
	return p.Turn.ID
}

func (p notificationParams) itemType() string {
	if p.Item.ItemType != "" {
		return p.Item.ItemType
	}
	return p.Item.Type
}

// dispatchInbound 处理非响应消息: 带 id 的是 server request, 否则是通知。
func (c *Client) dispatchInbound(msg jsonRPCMessage) {
	if msg.ID != nil {
		c.dispatchServerRequest(msg)
		return
	}
	if msg.Method == "" {
		logger.Debug("codex: inbound message without method dropped",
			logger.FieldSessionID, c.params.SessionID)
		return
	}
	c.dispatchNotification(msg)
}

// dispatchServerRequest 交给上层处理; 未注册处理器时回 -32601,
// 避免协程在等待审批响应时永久挂起。
func (c *Client) dispatchServerRequest(msg jsonRPCMessage) {
	cb := c.callbacks()
	req := ServerRequest{ID: *msg.ID, Method: msg.Method, Params: msg.Params, client: c}
	if cb.OnServerRequest == nil {
		logger.Warn("codex: unhandled server request",
			logger.FieldSessionID, c.params.SessionID,
			logger.FieldMethod, msg.Method,
			logger.FieldID, req.ID,
		)
		_ = c.RespondError(req.ID, methodNotFound, "method not handled: "+msg.Method)
		return
	}
	cb.OnServerRequest(req)
}

// dispatchNotification 按 method 分发通知。
func (c *Client) dispatchNotification(msg jsonRPCMessage) {
	var p notificationParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			logger.Debug("codex: notification params unparseable",
				logger.FieldSessionID, c.params.SessionID,
				logger.FieldMethod, msg.Method,
			)
		}
	}

	switch msg.Method {
	case "turn/started":
		c.stateMu.Lock()
		if id := p.turnID(); id != "" {
			c.currentTurnID = id
			if _, ok := c.deltaBufs[id]; !ok {
				c.deltaBufs[id] = nil
			}
		}
		c.stateMu.Unlock()
		c.emitEvent(msg, p, "turn_started")

	case "item/agentMessage/delta", "thread/item/agentMessage/delta":
		c.appendDelta(p)

	case "turn/completed":
		c.finishTurn(p)
		c.emitEvent(msg, p, "turn_completed")

	case "turn/failed":
		c.finishTurn(p)
		c.emitEvent(msg, p, "turn_failed")

	case "item/started", "thread/item/started":
		if p.itemType() == "enteredReviewMode" {
			c.inReview.Store(true)
		}
		c.emitEvent(msg, p, "item_started")

	case "item/completed", "thread/item/completed":
		if p.itemType() == "exitedReviewMode" {
			c.inReview.Store(false)
			cb := c.callbacks()
			if cb.OnReviewComplete != nil {
				cb.OnReviewComplete(p.Item.Text)
			}
		}
		c.emitEvent(msg, p, "item_completed")

	default:
		c.emitEvent(msg, p, normalizeMethod(msg.Method))
	}
}

// appendDelta 把增量追加到所属 turn 的缓冲。
// turn id 缺失时归入当前 turn。
func (c *Client) appendDelta(p notificationParams) {
	c.stateMu.Lock()
	id := p.turnID()
	if id == "" {
		id = c.currentTurnID
	}
	if id != "" {
		c.deltaBufs[id] = append(c.deltaBufs[id], p.Delta...)
	}
	c.stateMu.Unlock()
}

// finishTurn 取出缓冲文本并触发 OnTurnComplete。
func (c *Client) finishTurn(p notificationParams) {
	c.stateMu.Lock()
	id := p.turnID()
	if id == "" {
		id = c.currentTurnID
	}
	text := string(c.deltaBufs[id])
	delete(c.deltaBufs, id)
	if c.currentTurnID == id {
		c.currentTurnID = ""
	}
	c.stateMu.Unlock()

	status := p.Turn.Status
	if status == "" {
		status = "completed"
	}
	cb := c.callbacks()
	if cb.OnTurnComplete != nil {
		cb.OnTurnComplete(id, text, status)
	}
}

// emitEvent 推送归一化事件。
func (c *Client) emitEvent(msg jsonRPCMessage, p notificationParams, typ string) {
	cb := c.callbacks()
	if cb.OnEvent == nil {
		return
	}
	itemID := p.ItemID
	if itemID == "" {
		itemID = p.Item.ID
	}
	cb.OnEvent(Event{
		Method:   msg.Method,
		Type:     typ,
		TurnID:   p.turnID(),
		ItemID:   itemID,
		ItemType: p.itemType(),
		Raw:      msg.Params,
	})
}

// normalizeMethod "thread/item/started" → "item_started" 风格的类型名。
func normalizeMethod(method string) string {
	method = strings.TrimPrefix(method, "thread/")
	return strings.ReplaceAll(strings.ReplaceAll(method, "/", "_"), ".", "_")
}
