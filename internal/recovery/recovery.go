// Package recovery 终端会话崩溃恢复: 关停残留 harness, 解析 resume id,
// 原地重启 CLI。恢复期间暂停投递, 无论成败最终恢复投递。
package recovery

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/registry"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// resumeUUIDRe 匹配 CLI 退出语 "To resume this conversation ... --resume <uuid>"。
var resumeUUIDRe = regexp.MustCompile(`--resume\s+([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)

// Options 恢复流程参数。
type Options struct {
	ShutdownWait     time.Duration // 关停指令后的等待
	SttyWait         time.Duration // stty sane 后的等待
	RelaunchWait     time.Duration // 重启指令后的等待
	PaneCaptureLines int
}

// DefaultOptions 默认参数。
func DefaultOptions() Options {
	return Options{
		ShutdownWait:     3 * time.Second,
		SttyWait:         500 * time.Millisecond,
		RelaunchWait:     2 * time.Second,
		PaneCaptureLines: 200,
	}
}

// Controller 恢复控制器。
type Controller struct {
	reg    *registry.Registry
	engine *delivery.Engine
	opts   Options
}

// New 创建恢复控制器。
func New(reg *registry.Registry, engine *delivery.Engine, opts Options) *Controller {
	if opts.ShutdownWait <= 0 {
		opts = DefaultOptions()
	}
	return &Controller{reg: reg, engine: engine, opts: opts}
}

// RecoverAsync 异步恢复。
func (c *Controller) RecoverAsync(sessionID string, graceful bool) {
	util.SafeGo(func() {
		if err := c.Recover(sessionID, graceful); err != nil {
			logger.Errorw("session recovery failed",
				logger.FieldSessionID, sessionID, logger.FieldError, err)
		}
	})
}

// Recover 恢复终端会话。
//
// 全程暂停该会话的投递; defer 保证任何失败路径都解除暂停,
// 恢复失败不能卡死队列。
func (c *Controller) Recover(sessionID string, graceful bool) error {
	const op = "Recovery.Recover"
	sess, ok := c.reg.Get(sessionID)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "session %s", sessionID)
	}
	if !sess.IsTerminal() || sess.Terminal == nil {
		return apperrors.New(op, "only terminal sessions are recoverable")
	}
	term := sess.Terminal

	c.engine.PauseSession(sessionID)
	defer c.engine.UnpauseSession(sessionID)

	logger.Infow("session recovery started",
		logger.FieldSessionID, sessionID, "graceful", graceful)

	// 关停残留 harness
	if graceful {
		if err := term.SendText("/exit"); err != nil {
			return apperrors.Wrap(err, op, "send /exit")
		}
	} else {
		for i := 0; i < 2; i++ {
			if err := term.SendKey("C-c"); err != nil {
				return apperrors.Wrap(err, op, "send ctrl-c")
			}
		}
	}
	time.Sleep(c.opts.ShutdownWait)

	resumeID := c.parseResumeID(sess, term)
	if resumeID == "" {
		return apperrors.New(op, "no resume id in pane or transcript path")
	}

	// 强杀后的 pty 可能处于 raw 模式
	if !graceful {
		if err := term.SendText("stty sane"); err != nil {
			return apperrors.Wrap(err, op, "send stty sane")
		}
		time.Sleep(c.opts.SttyWait)
	}

	launch := relaunchLine(sess, resumeID)
	if err := term.SendText(launch); err != nil {
		return apperrors.Wrap(err, op, "relaunch")
	}
	time.Sleep(c.opts.RelaunchWait)

	if err := c.reg.Update(sessionID, func(s *registry.Session) {
		s.RecoveryCount++
		s.Status = registry.StatusIdle
		s.LastActivityAt = time.Now()
	}); err != nil {
		return apperrors.Wrap(err, op, "update session")
	}
	logger.Infow("session recovered",
		logger.FieldSessionID, sessionID, logger.FieldCount, sess.RecoveryCount+1)
	return nil
}

// parseResumeID 从 pane 退出语解析 resume id, 失败时退回 transcript 文件名。
func (c *Controller) parseResumeID(sess *registry.Session, term registry.TerminalAgent) string {
	if out, err := term.CaptureOutput(c.opts.PaneCaptureLines); err == nil {
		if m := resumeUUIDRe.FindStringSubmatch(util.StripANSI(out)); m != nil {
			return m[1]
		}
	}
	if sess.TranscriptPath != "" {
		stem := filepath.Base(sess.TranscriptPath)
		stem = strings.TrimSuffix(stem, filepath.Ext(stem))
		if stem != "" {
			return stem
		}
	}
	return ""
}

// relaunchLine 组装重启命令: <cli> <args...> --resume <uuid>。
func relaunchLine(sess *registry.Session, resumeID string) string {
	parts := []string{sess.CLICommand}
	parts = append(parts, sess.CLIArgs...)
	parts = append(parts, "--resume", resumeID)
	return strings.Join(parts, " ")
}
