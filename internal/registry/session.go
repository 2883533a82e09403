// session.go — 会话数据模型与适配器接口。
package registry

import (
	"time"
)

// AdapterKind 适配器类型。
type AdapterKind string

const (
	// KindTerminal tmux 托管的终端 CLI 会话。
	KindTerminal AdapterKind = "terminal"
	// KindRPC JSON-RPC 协程会话。
	KindRPC AdapterKind = "rpc"
)

// Status 会话状态。
type Status string

const (
	// StatusRunning 会话正在执行任务。
	StatusRunning Status = "running"
	// StatusIdle 会话空闲, 等待输入。
	StatusIdle Status = "idle"
	// StatusWaitingPermission 会话等待审批。
	StatusWaitingPermission Status = "waiting_permission"
	// StatusStopped 会话已停止。
	StatusStopped Status = "stopped"
	// StatusError 会话遇到错误。
	StatusError Status = "error"
)

// ReviewMode review 模式。
type ReviewMode string

const (
	ReviewModeBranch      ReviewMode = "branch"
	ReviewModeUncommitted ReviewMode = "uncommitted"
	ReviewModeCommit      ReviewMode = "commit"
	ReviewModeCustom      ReviewMode = "custom"
	ReviewModePR          ReviewMode = "pr"
)

// ReviewConfig review 配置。
type ReviewConfig struct {
	Mode           ReviewMode `json:"mode"`
	BaseBranch     string     `json:"base_branch,omitempty"`
	CommitSha      string     `json:"commit_sha,omitempty"`
	CustomPrompt   string     `json:"custom_prompt,omitempty"`
	SteerText      string     `json:"steer_text,omitempty"`
	SteerDelivered bool       `json:"steer_delivered,omitempty"`
	PRRepo         string     `json:"pr_repo,omitempty"`
	PRNumber       int        `json:"pr_number,omitempty"`
	PRCommentID    int64      `json:"pr_comment_id,omitempty"`
}

// ========================================
// 适配器接口 (terminal / codex 包结构化实现, 不回依赖本包)
// ========================================

// TerminalAgent 终端适配器句柄 (tmux pty 会话)。
type TerminalAgent interface {
	SendText(text string) error
	PasteOnly(text string) error
	SendKey(key string) error
	SendCtrlU() error
	CaptureOutput(tailLines int) (string, error)
	WaitForIdlePrompt(timeout time.Duration) bool
	Interrupt() error
	Alive() bool
	Kill() error
	Target() string
}

// RPCAgent JSON-RPC 协程句柄。
type RPCAgent interface {
	SendUserTurn(text, model string) (string, error)
	InterruptTurn() error
	StartNewThread(model string) (string, error)
	ReviewStart(mode, baseBranch, commitSha, customPrompt, delivery string) (map[string]any, error)
	ThreadID() string
	Running() bool
	Close() error
}

// ========================================
// Session
// ========================================

// Session 会话记录。
//
// 可持久化字段带 json tag; 适配器句柄仅存在于内存。
// 所有字段的读写都必须经过 Registry 的锁 (Get 快照 / Update 变更)。
type Session struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	FriendlyName string      `json:"friendly_name,omitempty"`
	WorkingDir   string      `json:"working_dir"`
	Kind         AdapterKind `json:"kind"`
	Status       Status      `json:"status"`

	LastActivityAt time.Time `json:"last_activity_at"`
	ParentID       string    `json:"parent_id,omitempty"`
	Role           string    `json:"role,omitempty"`
	IsEM           bool      `json:"is_em,omitempty"`

	// 聊天桥路由
	ChatID  int64 `json:"chat_id,omitempty"`
	TopicID int   `json:"topic_id,omitempty"`

	Review *ReviewConfig `json:"review,omitempty"`

	RecoveryCount   int    `json:"recovery_count"`
	LastHandoffPath string `json:"last_handoff_path,omitempty"`

	// Agent 自报状态
	AgentStatus   string    `json:"agent_status,omitempty"`
	AgentStatusAt time.Time `json:"agent_status_at,omitempty"`
	Compacting    bool      `json:"compacting,omitempty"`

	// 上下文监控
	CtxWarningSent  bool `json:"ctx_warning_sent,omitempty"`
	CtxCriticalSent bool `json:"ctx_critical_sent,omitempty"`

	// terminal-kind
	TmuxTarget     string   `json:"tmux_target,omitempty"`
	CLICommand     string   `json:"cli_command,omitempty"`
	CLIArgs        []string `json:"cli_args,omitempty"`
	TranscriptPath string   `json:"transcript_path,omitempty"`
	WorktreePath   string   `json:"worktree_path,omitempty"`
	GitRemoteURL   string   `json:"git_remote_url,omitempty"`

	// rpc-kind
	ThreadID string `json:"thread_id,omitempty"`

	// 钩子观测
	LastToolName   string    `json:"last_tool_name,omitempty"`
	LastToolCallAt time.Time `json:"last_tool_call_at,omitempty"`

	// 适配器句柄 (不持久化; 种类与 Kind 一致, 且恰好一个非空)
	Terminal TerminalAgent `json:"-"`
	RPC      RPCAgent      `json:"-"`
}

// IsTerminal 返回会话是否为 terminal-kind。
func (s *Session) IsTerminal() bool { return s.Kind == KindTerminal }

// IsRPC 返回会话是否为 rpc-kind。
func (s *Session) IsRPC() bool { return s.Kind == KindRPC }

// DisplayName 优先返回用户起的别名。
func (s *Session) DisplayName() string {
	if s.FriendlyName != "" {
		return s.FriendlyName
	}
	return s.Name
}

// clone 复制一份会话快照 (句柄浅拷贝)。
func (s *Session) clone() *Session {
	cp := *s
	if s.Review != nil {
		rc := *s.Review
		cp.Review = &rc
	}
	if len(s.CLIArgs) > 0 {
		cp.CLIArgs = append([]string(nil), s.CLIArgs...)
	}
	return &cp
}
