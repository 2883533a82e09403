// Package hooks 终端 agent 的钩子入口: PreToolUse / PostToolUse / Stop。
// 钩子以 session_manager_id 定位会话, 驱动投递状态机与审计日志。
package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/obslog"
	"github.com/multi-agent/go-session-v2/internal/registry"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// fileMutatingTools 需要 workspace 锁的工具。
var fileMutatingTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// RemindResetter 周期提醒重置入口 (scheduler 实现)。
type RemindResetter interface {
	ResetRemind(target string)
}

// ToolEventParams 工具钩子载荷。
type ToolEventParams struct {
	SessionManagerID string         `json:"session_manager_id"`
	ToolName         string         `json:"tool_name"`
	ToolInput        map[string]any `json:"tool_input,omitempty"`
	TranscriptPath   string         `json:"transcript_path,omitempty"`
}

// StopParams Stop 钩子载荷。
type StopParams struct {
	SessionManagerID string `json:"session_manager_id"`
	LastOutput       string `json:"last_output,omitempty"`
}

// StatusParams 状态自报载荷。compacting 仅由本钩子写入。
type StatusParams struct {
	SessionManagerID string `json:"session_manager_id"`
	Status           string `json:"status,omitempty"`
	Compacting       *bool  `json:"compacting,omitempty"`
}

// Decision PreToolUse 的放行判定。
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Ingestor 钩子处理器。
type Ingestor struct {
	reg     *registry.Registry
	engine  *delivery.Engine
	obs     *obslog.Logger
	reminds RemindResetter

	// git 探测的可替换缝 (测试注入)
	gitStatus func(dir string) (string, error)
	gitBranch func(dir string) (string, error)
	now       func() time.Time

	mu             sync.Mutex
	promptedHashes map[string]string // session id → 上次已提示的脏状态 hash
}

// New 创建钩子处理器。reminds 可为 nil (无周期提醒重置)。
func New(reg *registry.Registry, engine *delivery.Engine, obs *obslog.Logger, reminds RemindResetter) *Ingestor {
	return &Ingestor{
		reg:            reg,
		engine:         engine,
		obs:            obs,
		reminds:        reminds,
		gitStatus:      gitStatusPorcelain,
		gitBranch:      gitCurrentBranch,
		now:            time.Now,
		promptedHashes: make(map[string]string),
	}
}

// PreToolUse 工具调用前置钩子: 标记活跃, 文件写入类工具先过 workspace 锁。
func (in *Ingestor) PreToolUse(ctx context.Context, p ToolEventParams) (Decision, error) {
	const op = "Hooks.PreToolUse"
	sess, ok := in.reg.Get(p.SessionManagerID)
	if !ok {
		return Decision{Allow: true}, apperrors.Wrapf(apperrors.ErrNotFound, op, "session %s", p.SessionManagerID)
	}

	in.engine.MarkSessionActive(sess.ID)
	if p.TranscriptPath != "" && p.TranscriptPath != sess.TranscriptPath {
		_ = in.reg.Update(sess.ID, func(s *registry.Session) { s.TranscriptPath = p.TranscriptPath })
	}

	in.audit(ctx, sess, "pre_tool_use", p)

	if p.ToolName == "Bash" {
		if wt := parseWorktreeAdd(stringInput(p.ToolInput, "command")); wt != "" {
			_ = in.reg.Update(sess.ID, func(s *registry.Session) { s.WorktreePath = wt })
			logger.Infow("worktree recorded", logger.FieldSessionID, sess.ID, logger.FieldPath, wt)
		}
	}

	if fileMutatingTools[p.ToolName] {
		if owner, held := in.acquireLock(sess); held {
			ownerName := owner
			if o, ok := in.reg.Get(owner); ok {
				ownerName = o.DisplayName()
			}
			return Decision{
				Allow: false,
				Reason: fmt.Sprintf("workspace is locked by session %s (%s); wait for it to finish or coordinate before editing files",
					ownerName, owner),
			}, nil
		}
	}
	return Decision{Allow: true}, nil
}

// PostToolUse 工具调用后置钩子: 审计 + 会话的最近工具字段。
func (in *Ingestor) PostToolUse(ctx context.Context, p ToolEventParams) error {
	const op = "Hooks.PostToolUse"
	sess, ok := in.reg.Get(p.SessionManagerID)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "session %s", p.SessionManagerID)
	}
	in.audit(ctx, sess, "post_tool_use", p)
	return in.reg.Update(sess.ID, func(s *registry.Session) {
		s.LastToolName = p.ToolName
		s.LastToolCallAt = in.now()
	})
}

// Stop 停止钩子: 释放锁, 脏 worktree 提示, 最后标记空闲驱动投递。
func (in *Ingestor) Stop(ctx context.Context, p StopParams) error {
	const op = "Hooks.Stop"
	sess, ok := in.reg.Get(p.SessionManagerID)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "session %s", p.SessionManagerID)
	}

	in.releaseLock(sess)
	in.promptDirtyWorktree(ctx, sess)

	in.engine.MarkSessionIdle(sess.ID, p.LastOutput, true)
	return nil
}

// AgentStatus 状态自报: 更新自报字段, 重置周期提醒。
func (in *Ingestor) AgentStatus(p StatusParams) error {
	const op = "Hooks.AgentStatus"
	sess, ok := in.reg.Get(p.SessionManagerID)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "session %s", p.SessionManagerID)
	}
	err := in.reg.Update(sess.ID, func(s *registry.Session) {
		if p.Status != "" {
			s.AgentStatus = p.Status
			s.AgentStatusAt = in.now()
		}
		if p.Compacting != nil {
			s.Compacting = *p.Compacting
		}
	})
	if err != nil {
		return apperrors.Wrap(err, op, "update session")
	}
	if p.Status != "" && in.reminds != nil {
		in.reminds.ResetRemind(sess.ID)
	}
	return nil
}

// audit 工具审计落盘。失败只记日志, 不阻断钩子。
func (in *Ingestor) audit(ctx context.Context, sess *registry.Session, eventType string, p ToolEventParams) {
	if in.obs == nil {
		return
	}
	ev := obslog.ToolEvent{
		SessionID: sess.ID,
		EventType: eventType,
		ToolName:  p.ToolName,
		Command:   stringInput(p.ToolInput, "command"),
		FilePath:  stringInput(p.ToolInput, "file_path"),
		Provider:  "terminal",
	}
	if err := in.obs.LogToolEvent(ctx, ev); err != nil {
		logger.Warn("tool audit failed",
			logger.FieldSessionID, sess.ID, logger.FieldToolName, p.ToolName, logger.FieldError, err)
	}
}

// promptDirtyWorktree worktree 有未提交变更时给会话排队清理提示。
// 相同脏状态只提示一次 (hash 去重)。
func (in *Ingestor) promptDirtyWorktree(ctx context.Context, sess *registry.Session) {
	if sess.WorktreePath == "" {
		return
	}
	status, err := in.gitStatus(sess.WorktreePath)
	if err != nil || strings.TrimSpace(status) == "" {
		return
	}
	sum := sha256.Sum256([]byte(status))
	hash := hex.EncodeToString(sum[:8])

	in.mu.Lock()
	seen := in.promptedHashes[sess.ID] == hash
	if !seen {
		in.promptedHashes[sess.ID] = hash
	}
	in.mu.Unlock()
	if seen {
		return
	}

	_, err = in.engine.QueueMessage(ctx, delivery.QueueParams{
		TargetID: sess.ID,
		Text: fmt.Sprintf("your worktree %s has uncommitted changes. Commit, stash, or clean them up before finishing.",
			sess.WorktreePath),
		Mode:     delivery.ModeImportant,
		Category: "worktree_cleanup",
	})
	if err != nil {
		logger.Warn("worktree cleanup prompt failed",
			logger.FieldSessionID, sess.ID, logger.FieldError, err)
	}
}

func stringInput(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}

// parseWorktreeAdd 从 bash 命令里提取 `git worktree add <path>` 的路径。
func parseWorktreeAdd(command string) string {
	idx := strings.Index(command, "git worktree add")
	if idx < 0 {
		return ""
	}
	rest := strings.Fields(command[idx+len("git worktree add"):])
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		if strings.HasPrefix(tok, "-") {
			// -b/-B 带分支名参数
			if tok == "-b" || tok == "-B" {
				i++
			}
			continue
		}
		return tok
	}
	return ""
}

func gitStatusPorcelain(dir string) (string, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	return string(out), err
}

func gitCurrentBranch(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	return strings.TrimSpace(string(out)), err
}
