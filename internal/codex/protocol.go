// protocol.go — 出站协议方法: 握手、thread/turn/review 生命周期。
package codex

import (
	"encoding/json"
	"time"

	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// Start 拉起协程并完成握手: initialize + initialized →
// thread/start (新) 或 thread/resume (携带 threadID)。
// 返回分配到的 thread id。
func (c *Client) Start(threadID string) (string, error) {
	if err := c.spawn(); err != nil {
		return "", err
	}

	if _, err := c.call("initialize", map[string]any{
		"clientInfo": map[string]any{
			"name":    "go-session-v2",
			"version": "1.0",
		},
	}, 10*time.Second); err != nil {
		return "", apperrors.Wrap(err, "Codex.Start", "initialize")
	}
	if err := c.notify("initialized", nil); err != nil {
		return "", apperrors.Wrap(err, "Codex.Start", "initialized")
	}

	method := "thread/start"
	params := map[string]any{"cwd": c.params.Cwd}
	if c.params.Model != "" {
		params["model"] = c.params.Model
	}
	if c.params.ApprovalPolicy != "" {
		params["approvalPolicy"] = c.params.ApprovalPolicy
	}
	if c.params.Sandbox != "" {
		params["sandbox"] = c.params.Sandbox
	}
	if threadID != "" {
		method = "thread/resume"
		params["threadId"] = threadID
	}

	result, err := c.call(method, params, 30*time.Second)
	if err != nil {
		return "", apperrors.Wrapf(err, "Codex.Start", "%s", method)
	}

	id := extractThreadID(result)
	if id == "" {
		logger.Error("codex: thread start returned no thread id",
			logger.FieldSessionID, c.params.SessionID,
			logger.FieldRaw, previewBytes(result, 300),
		)
		return "", apperrors.Wrapf(apperrors.ErrRPCStartupFailed, "Codex.Start", "%s returned no thread id", method)
	}

	c.stateMu.Lock()
	c.threadID = id
	c.stateMu.Unlock()
	logger.Infow("codex: thread ready",
		logger.FieldSessionID, c.params.SessionID,
		logger.FieldThreadID, id,
		logger.FieldMethod, method,
	)
	return id, nil
}

// extractThreadID 兼容 {thread:{id}} 与 {threadId} 两种响应形态。
func extractThreadID(raw json.RawMessage) string {
	var resp struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ""
	}
	if resp.Thread.ID != "" {
		return resp.Thread.ID
	}
	return resp.ThreadID
}

// SendUserTurn 发送用户 prompt (turn/start), 返回 turn id。
// 同时创建该 turn 的空增量缓冲。
func (c *Client) SendUserTurn(text, model string) (string, error) {
	c.stateMu.Lock()
	threadID := c.threadID
	c.stateMu.Unlock()
	if threadID == "" {
		return "", apperrors.New("Codex.SendUserTurn", "no active thread")
	}

	params := map[string]any{
		"threadId": threadID,
		"input":    []map[string]any{{"type": "text", "text": text}},
	}
	if model != "" {
		params["model"] = model
	}

	result, err := c.call("turn/start", params, c.callTimeout)
	if err != nil {
		return "", apperrors.Wrap(err, "Codex.SendUserTurn", "turn/start")
	}

	var resp struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
		TurnID string `json:"turnId"`
	}
	_ = json.Unmarshal(result, &resp)
	turnID := resp.Turn.ID
	if turnID == "" {
		turnID = resp.TurnID
	}

	c.stateMu.Lock()
	c.currentTurnID = turnID
	if turnID != "" {
		c.deltaBufs[turnID] = nil
	}
	c.stateMu.Unlock()
	return turnID, nil
}

// InterruptTurn 打断当前 turn。无活跃 turn 时为 no-op。
func (c *Client) InterruptTurn() error {
	c.stateMu.Lock()
	threadID, turnID := c.threadID, c.currentTurnID
	c.stateMu.Unlock()
	if turnID == "" {
		return nil
	}
	_, err := c.call("turn/interrupt", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	}, 10*time.Second)
	if err != nil {
		return apperrors.Wrap(err, "Codex.InterruptTurn", "turn/interrupt")
	}
	return nil
}

// StartNewThread 开新 thread (rpc 会话的 clear 语义)。
// 当前 turn 的增量缓冲被丢弃。
func (c *Client) StartNewThread(model string) (string, error) {
	params := map[string]any{"cwd": c.params.Cwd}
	if model == "" {
		model = c.params.Model
	}
	if model != "" {
		params["model"] = model
	}

	result, err := c.call("thread/start", params, 30*time.Second)
	if err != nil {
		return "", apperrors.Wrap(err, "Codex.StartNewThread", "thread/start")
	}
	id := extractThreadID(result)
	if id == "" {
		return "", apperrors.Wrap(apperrors.ErrRPCStartupFailed, "Codex.StartNewThread", "no thread id")
	}

	c.stateMu.Lock()
	c.threadID = id
	c.currentTurnID = ""
	c.deltaBufs = make(map[string][]byte)
	c.stateMu.Unlock()
	return id, nil
}

// ReviewStart 启动 review。
//
// delivery ∈ {inline, detached}; mode 决定 target 结构:
//   - branch:      {type:"branch", baseBranch}
//   - uncommitted: {type:"uncommitted"}
//   - commit:      {type:"commit", commitSha} (缺 sha 快速失败)
//   - custom:      {type:"custom", prompt}
//   - pr:          {type:"pr"}
func (c *Client) ReviewStart(mode, baseBranch, commitSha, customPrompt, delivery string) (map[string]any, error) {
	target := map[string]any{"type": mode}
	switch mode {
	case "branch":
		if baseBranch != "" {
			target["baseBranch"] = baseBranch
		}
	case "uncommitted":
	case "commit":
		if commitSha == "" {
			return nil, apperrors.Wrap(apperrors.ErrCommitShaRequired, "Codex.ReviewStart", "commit mode")
		}
		target["commitSha"] = commitSha
	case "custom":
		target["prompt"] = customPrompt
	case "pr":
	default:
		return nil, apperrors.Wrapf(apperrors.ErrUnknownReviewMode, "Codex.ReviewStart", "mode %q", mode)
	}

	c.stateMu.Lock()
	threadID := c.threadID
	c.stateMu.Unlock()

	params := map[string]any{
		"threadId": threadID,
		"target":   target,
	}
	if delivery != "" {
		params["delivery"] = delivery
	}

	result, err := c.call("review/start", params, c.callTimeout)
	if err != nil {
		return nil, apperrors.Wrap(err, "Codex.ReviewStart", "review/start")
	}

	resp := map[string]any{}
	_ = json.Unmarshal(result, &resp)
	return resp, nil
}
