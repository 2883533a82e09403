// transport.go — stdio 传输层: 换行分隔 JSON-RPC 读写、请求跟踪。
package codex

import (
	"bufio"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// ========================================
// JSON-RPC 2.0 信封
// ========================================

// jsonRPCRequest JSON-RPC 2.0 请求。
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCNotification JSON-RPC 2.0 通知 (无 id)。
type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCMessage JSON-RPC 通用消息 (用于读取解析)。
type jsonRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"` // nil = 通知
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// jsonRPCError JSON-RPC 错误。
type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// jsonRPCResponse JSON-RPC 2.0 响应 (用于回复 server request)。
type jsonRPCResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Result  any    `json:"result,omitempty"`
}

// methodNotFound 未注册 server request 处理器时的标准错误码。
const methodNotFound = -32601

// pendingCall 等待响应的 JSON-RPC 调用。
type pendingCall struct {
	result json.RawMessage
	err    error
	once   sync.Once
	done   chan struct{}
}

// complete 收口一次调用。响应路径 (读循环) 与故障路径 (Close/读循环退出)
// 可能并发到达, once 保证只有先到者生效且 done 只关一次。
func (pc *pendingCall) complete(result json.RawMessage, err error) {
	pc.once.Do(func() {
		pc.result = result
		pc.err = err
		close(pc.done)
	})
}

// ========================================
// 写路径
// ========================================

// writeLine 序列化并写一行 JSON (stdin 写互斥)。
func (c *Client) writeLine(v any) error {
	if c.stopped.Load() {
		return apperrors.Wrap(apperrors.ErrAdapterDead, "Codex.writeLine", "client closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(err, "Codex.writeLine", "marshal")
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return apperrors.Wrap(err, "Codex.writeLine", "stdin write")
	}
	return nil
}

// call 发送 JSON-RPC 请求并等待响应 (caller 指定超时)。
func (c *Client) call(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	pc := &pendingCall{done: make(chan struct{})}
	c.pending.Store(id, pc)
	defer c.pending.Delete(id)

	if err := c.writeLine(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-timer.C:
		return nil, apperrors.Wrapf(apperrors.ErrRPCTimeout, "Codex.call", "%s after %s", method, timeout)
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// notify 发送 JSON-RPC 通知 (无需响应)。
func (c *Client) notify(method string, params any) error {
	return c.writeLine(jsonRPCNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// respond 发送 JSON-RPC 响应 (回复 server request)。
func (c *Client) respond(id int64, result any) error {
	return c.writeLine(jsonRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// RespondError 向协程发送 JSON-RPC 错误响应。
//
// 协程发带 id 的 server request (审批/用户输入) 时必须收到 response;
// 处理失败也要回 error response, 否则协程 turn 会永久挂起。
func (c *Client) RespondError(id int64, code int, message string) error {
	resp := struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      int64         `json:"id"`
		Error   *jsonRPCError `json:"error"`
	}{JSONRPC: "2.0", ID: id, Error: &jsonRPCError{Code: code, Message: message}}
	return c.writeLine(resp)
}

// ========================================
// 读路径
// ========================================

// readLoop 逐行读 stdout 并分发: 响应 → pending, 通知/请求 → 事件层。
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg jsonRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Warn("codex: unparseable line dropped",
				logger.FieldSessionID, c.params.SessionID,
				logger.FieldRaw, previewBytes(line, 200),
				logger.FieldError, err,
			)
			continue
		}
		if c.handleRPCResponse(msg) {
			continue
		}
		c.dispatchInbound(msg)
	}

	err := scanner.Err()
	if c.stopped.Load() {
		logger.Debug("codex: read loop ended after close", logger.FieldSessionID, c.params.SessionID)
	} else {
		logger.Warn("codex: co-process stdout closed",
			logger.FieldSessionID, c.params.SessionID,
			logger.FieldError, err,
		)
	}
	c.failPendingCalls(apperrors.Wrap(apperrors.ErrAdapterDead, "Codex.readLoop", "stdout closed"))
}

// handleRPCResponse 将带 id 且无 method 的消息交给等待的调用方。
func (c *Client) handleRPCResponse(msg jsonRPCMessage) bool {
	if msg.ID == nil || msg.Method != "" {
		return false
	}
	v, ok := c.pending.Load(*msg.ID)
	if !ok {
		logger.Debug("codex: response for unknown id dropped",
			logger.FieldSessionID, c.params.SessionID, logger.FieldID, *msg.ID)
		return true
	}
	pc := v.(*pendingCall)
	if msg.Error != nil {
		pc.complete(nil, apperrors.Newf("Codex.call", "rpc error %d: %s", msg.Error.Code, msg.Error.Message))
	} else {
		pc.complete(msg.Result, nil)
	}
	return true
}

// failPendingCalls 传输层故障时唤醒所有等待者。
func (c *Client) failPendingCalls(err error) {
	c.pending.Range(func(key, value any) bool {
		value.(*pendingCall).complete(nil, err)
		c.pending.Delete(key)
		return true
	})
}

// previewBytes 截断字节串用于日志展示。
func previewBytes(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
