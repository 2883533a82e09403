// Package terminal 管理 tmux 托管的终端 CLI 会话 (pty 适配器)。
//
// 所有 tmux 调用经由 Runner 接口 (测试注入假实现)。
// 空闲判定以 capture-pane 文本为准 — 不解析终端流,
// pane 快照即 ground truth。
package terminal

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// Runner 执行一次 tmux 命令并返回 stdout。
type Runner interface {
	Run(args ...string) (string, error)
}

// ExecRunner 真实 tmux 执行器。
type ExecRunner struct {
	// MaxOutputBytes 限制单次命令输出 (capture-pane 防爆)。
	MaxOutputBytes int
}

// Run 执行 tmux 命令, 输出超限部分静默丢弃。
func (e *ExecRunner) Run(args ...string) (string, error) {
	limit := e.MaxOutputBytes
	if limit <= 0 {
		limit = 256 * 1024
	}
	cmd := exec.Command("tmux", args...)
	var buf strings.Builder
	cmd.Stdout = util.NewCappedWriter(&buf, limit)
	cmd.Stderr = util.NewCappedWriter(&buf, limit)
	if err := cmd.Run(); err != nil {
		return buf.String(), apperrors.Wrapf(err, "Terminal.Run", "tmux %s", strings.Join(args, " "))
	}
	return buf.String(), nil
}

// Options 终端适配器可调参数。
type Options struct {
	InterKeyDelay time.Duration // 粘贴与回车之间的间隔 (绕过 CLI 粘贴检测)
	InitialSettle time.Duration // 初始 prompt 粘贴前的稳定等待
	CaptureLines  int           // capture-pane 默认尾行数
	PromptPoll    time.Duration // WaitForIdlePrompt 轮询间隔
}

// DefaultOptions 默认参数。
func DefaultOptions() Options {
	return Options{
		InterKeyDelay: 300 * time.Millisecond,
		InitialSettle: time.Second,
		CaptureLines:  50,
		PromptPoll:    200 * time.Millisecond,
	}
}

// Session 一个 tmux 托管的终端会话。
type Session struct {
	target string
	runner Runner
	opts   Options
}

// SpawnParams 拉起终端会话的参数。
type SpawnParams struct {
	SessionID     string
	WorkingDir    string
	Command       string
	Args          []string
	Env           map[string]string
	InitialPrompt string
}

// Spawn 创建 tmux 会话并启动 CLI。
//
// 启动顺序: new-session → 注入 SM_SESSION_ID 与兼容环境变量 → 拉起 CLI →
// (可选) 等 settle 后粘贴初始 prompt + Enter。
func Spawn(runner Runner, p SpawnParams, opts Options) (*Session, error) {
	if p.WorkingDir == "" || p.Command == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Terminal.Spawn", "working_dir and command are required")
	}

	target := "sm-" + p.SessionID
	if _, err := runner.Run("new-session", "-d", "-s", target, "-c", p.WorkingDir); err != nil {
		return nil, apperrors.Wrap(err, "Terminal.Spawn", "tmux new-session")
	}

	s := &Session{target: target, runner: runner, opts: opts}

	launch := buildLaunchLine(p)
	if _, err := runner.Run("send-keys", "-t", target, launch, "Enter"); err != nil {
		_ = s.Kill()
		return nil, apperrors.Wrap(err, "Terminal.Spawn", "launch cli")
	}
	logger.Infow("terminal spawned",
		logger.FieldSessionID, p.SessionID,
		logger.FieldTarget, target,
		logger.FieldCwd, p.WorkingDir,
	)

	if p.InitialPrompt != "" {
		time.Sleep(opts.InitialSettle)
		if err := s.SendText(p.InitialPrompt); err != nil {
			logger.Warn("initial prompt paste failed", logger.FieldTarget, target, logger.FieldError, err)
		}
	}
	return s, nil
}

// Attach 复原一个既存 tmux 目标的句柄 (注册表加载路径)。
func Attach(runner Runner, target string, opts Options) *Session {
	return &Session{target: target, runner: runner, opts: opts}
}

// buildLaunchLine 组装 "ENV=V ... cli args" 启动行。
func buildLaunchLine(p SpawnParams) string {
	parts := make([]string, 0, len(p.Env)+len(p.Args)+2)
	parts = append(parts, fmt.Sprintf("SM_SESSION_ID=%s", p.SessionID))
	for k, v := range p.Env {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	parts = append(parts, p.Command)
	parts = append(parts, p.Args...)
	return strings.Join(parts, " ")
}

// Target 返回 tmux 目标名。
func (s *Session) Target() string { return s.target }

// SendText 粘贴文本, 等待 inter-key 间隔后发送 Enter。
//
// 粘贴走 set-buffer + paste-buffer, 避免 send-keys 对特殊字符转义;
// 间隔用于击穿 CLI 的 bracketed-paste 检测。
func (s *Session) SendText(text string) error {
	if _, err := s.runner.Run("set-buffer", "-b", "sm-paste", text); err != nil {
		return apperrors.Wrap(err, "Terminal.SendText", "set-buffer")
	}
	if _, err := s.runner.Run("paste-buffer", "-d", "-b", "sm-paste", "-t", s.target); err != nil {
		return apperrors.Wrap(err, "Terminal.SendText", "paste-buffer")
	}
	time.Sleep(s.opts.InterKeyDelay)
	if _, err := s.runner.Run("send-keys", "-t", s.target, "Enter"); err != nil {
		return apperrors.Wrap(err, "Terminal.SendText", "enter")
	}
	return nil
}

// PasteOnly 仅粘贴文本, 不发送 Enter (恢复被保存的用户输入)。
func (s *Session) PasteOnly(text string) error {
	if _, err := s.runner.Run("set-buffer", "-b", "sm-paste", text); err != nil {
		return apperrors.Wrap(err, "Terminal.PasteOnly", "set-buffer")
	}
	if _, err := s.runner.Run("paste-buffer", "-d", "-b", "sm-paste", "-t", s.target); err != nil {
		return apperrors.Wrap(err, "Terminal.PasteOnly", "paste-buffer")
	}
	return nil
}

// SendKey 发送单个按键 (tmux key 名, 如 "Escape" / "Enter" / "C-c")。
func (s *Session) SendKey(key string) error {
	if _, err := s.runner.Run("send-keys", "-t", s.target, key); err != nil {
		return apperrors.Wrapf(err, "Terminal.SendKey", "key %s", key)
	}
	return nil
}

// SendCtrlU 清空当前输入行。
func (s *Session) SendCtrlU() error { return s.SendKey("C-u") }

// Interrupt 发送 Escape 打断流式输出。
func (s *Session) Interrupt() error { return s.SendKey("Escape") }

// CaptureOutput 采集 pane 尾部 tailLines 行。
func (s *Session) CaptureOutput(tailLines int) (string, error) {
	if tailLines <= 0 {
		tailLines = s.opts.CaptureLines
	}
	out, err := s.runner.Run("capture-pane", "-p", "-t", s.target, "-S", "-"+strconv.Itoa(tailLines))
	if err != nil {
		return "", apperrors.Wrap(err, "Terminal.CaptureOutput", "capture-pane")
	}
	return out, nil
}

// WaitForIdlePrompt 轮询 pane 直到出现空闲提示符, 超时返回 false。
func (s *Session) WaitForIdlePrompt(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		out, err := s.CaptureOutput(0)
		if err == nil && IsIdlePrompt(out) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(s.opts.PromptPoll)
	}
}

// Alive 返回 tmux 目标是否仍存在。
func (s *Session) Alive() bool {
	_, err := s.runner.Run("has-session", "-t", s.target)
	return err == nil
}

// Kill 终止 tmux 会话。
func (s *Session) Kill() error {
	if _, err := s.runner.Run("kill-session", "-t", s.target); err != nil {
		return apperrors.Wrap(err, "Terminal.Kill", "kill-session")
	}
	return nil
}

// ========================================
// pane 文本判定 (纯函数)
// ========================================

// IsIdlePrompt 判断 pane 快照是否处于空闲提示符:
// 最后一个非空行是裸 ">" (后面没有用户已输入文本)。
func IsIdlePrompt(capture string) bool {
	return util.LastNonEmptyLine(capture) == ">"
}

// PendingUserInput 提取提示符上已输入但未提交的文本。
// 无输入或不在提示符状态时返回空串。
func PendingUserInput(capture string) string {
	line := util.LastNonEmptyLine(capture)
	if line == ">" || !strings.HasPrefix(line, "> ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "> "))
}
