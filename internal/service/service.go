// Package service 会话编排层: 适配器拉起、生命周期操作、子系统间的粘合。
package service

import (
	"context"
	"strings"
	"time"

	"github.com/multi-agent/go-session-v2/internal/codex"
	"github.com/multi-agent/go-session-v2/internal/config"
	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/events"
	"github.com/multi-agent/go-session-v2/internal/ledger"
	"github.com/multi-agent/go-session-v2/internal/obslog"
	"github.com/multi-agent/go-session-v2/internal/recovery"
	"github.com/multi-agent/go-session-v2/internal/registry"
	"github.com/multi-agent/go-session-v2/internal/scheduler"
	"github.com/multi-agent/go-session-v2/internal/terminal"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// ChatMirror 聊天镜像面 (telegram.Mirror 实现; 可为 nil)。
type ChatMirror interface {
	NotifyEvent(s *registry.Session, event, text string)
	MirrorResponse(s *registry.Session, text string)
	PromptPermission(ctx context.Context, s *registry.Session, requestID, question string, options []string) error
	EnsureTopic(ctx context.Context, sessionID string)
}

// EventFeed 实时事件广播面 (apiserver 的 ws hub 实现; 可为 nil)。
type EventFeed interface {
	Broadcast(eventType string, data any)
}

// RPCClient 协程客户端面 (codex.Client 实现; 测试注入假客户端)。
type RPCClient interface {
	registry.RPCAgent
	Start(threadID string) (string, error)
	SetCallbacks(cb codex.Callbacks)
}

// Manager 会话编排器。
type Manager struct {
	cfg      *config.Config
	reg      *registry.Registry
	engine   *delivery.Engine
	queue    *delivery.Queue
	sched    *scheduler.Scheduler
	ledger   *ledger.Ledger
	events   *events.Store
	obs      *obslog.Logger
	mirror   ChatMirror
	recovery *recovery.Controller

	runner   terminal.Runner
	termOpts terminal.Options
	feed     EventFeed

	// newRPC 协程工厂 (测试注入假客户端)
	newRPC func(p codex.SpawnParams) RPCClient
}

// SetRPCFactory 替换协程客户端工厂 (测试注入)。
func (m *Manager) SetRPCFactory(fn func(p codex.SpawnParams) RPCClient) { m.newRPC = fn }

// SetEventFeed 接入实时事件广播 (事件落库后镜像推送)。
func (m *Manager) SetEventFeed(f EventFeed) { m.feed = f }

// Deps Manager 依赖注入。
type Deps struct {
	Cfg      *config.Config
	Registry *registry.Registry
	Engine   *delivery.Engine
	Queue    *delivery.Queue
	Sched    *scheduler.Scheduler
	Ledger   *ledger.Ledger
	Events   *events.Store
	Obs      *obslog.Logger
	Mirror   ChatMirror
	Recovery *recovery.Controller
	Runner   terminal.Runner
	TermOpts terminal.Options
}

// New 创建编排器。
func New(d Deps) *Manager {
	m := &Manager{
		cfg:      d.Cfg,
		reg:      d.Registry,
		engine:   d.Engine,
		queue:    d.Queue,
		sched:    d.Sched,
		ledger:   d.Ledger,
		events:   d.Events,
		obs:      d.Obs,
		mirror:   d.Mirror,
		recovery: d.Recovery,
		runner:   d.Runner,
		termOpts: d.TermOpts,
	}
	m.newRPC = func(p codex.SpawnParams) RPCClient {
		return codex.NewClient(p,
			time.Duration(d.Cfg.RPCCallTimeoutSec)*time.Second,
			time.Duration(d.Cfg.RPCCloseGraceSec)*time.Second)
	}
	return m
}

// ========================================
// 会话生命周期
// ========================================

// CreateSessionParams 建会话入参。
type CreateSessionParams struct {
	WorkingDir    string `json:"working_dir"`
	Name          string `json:"name,omitempty"`
	Kind          string `json:"kind"`
	ChatID        int64  `json:"chat_id,omitempty"`
	ParentID      string `json:"parent_id,omitempty"`
	Role          string `json:"role,omitempty"`
	IsEM          bool   `json:"is_em,omitempty"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
	ResumeThread  string `json:"resume_thread,omitempty"` // rpc-kind: 恢复既有 thread
}

// CreateSession 建会话并拉起适配器。适配器失败时回滚注册。
func (m *Manager) CreateSession(ctx context.Context, p CreateSessionParams) (*registry.Session, error) {
	const op = "Service.Create"
	kind := registry.AdapterKind(p.Kind)
	sess, err := m.reg.Create(registry.CreateParams{
		Name:       p.Name,
		WorkingDir: p.WorkingDir,
		Kind:       kind,
		ParentID:   p.ParentID,
		Role:       p.Role,
		IsEM:       p.IsEM,
		ChatID:     p.ChatID,
		CLICommand: m.cfg.TerminalCLI,
		CLIArgs:    splitArgs(m.cfg.TerminalCLIArgs),
	})
	if err != nil {
		return nil, err
	}

	switch kind {
	case registry.KindTerminal:
		term, err := terminal.Spawn(m.runner, terminal.SpawnParams{
			SessionID:     sess.ID,
			WorkingDir:    p.WorkingDir,
			Command:       m.cfg.TerminalCLI,
			Args:          splitArgs(m.cfg.TerminalCLIArgs),
			InitialPrompt: p.InitialPrompt,
		}, m.termOpts)
		if err != nil {
			_ = m.reg.Delete(sess.ID)
			return nil, apperrors.Wrap(err, op, "spawn terminal")
		}
		err = m.reg.Update(sess.ID, func(s *registry.Session) {
			s.Terminal = term
			s.TmuxTarget = term.Target()
		})
		if err != nil {
			return nil, err
		}

	case registry.KindRPC:
		client := m.newRPC(codex.SpawnParams{
			SessionID: sess.ID,
			Cwd:       p.WorkingDir,
			Command:   m.cfg.CodexCommand,
			Model:     m.cfg.RPCModel,
		})
		client.SetCallbacks(m.codexCallbacks(sess.ID))
		threadID, err := client.Start(p.ResumeThread)
		if err != nil {
			_ = client.Close()
			_ = m.reg.Delete(sess.ID)
			return nil, apperrors.Wrap(err, op, "start co-process")
		}
		err = m.reg.Update(sess.ID, func(s *registry.Session) {
			s.RPC = client
			s.ThreadID = threadID
		})
		if err != nil {
			return nil, err
		}
		if p.InitialPrompt != "" {
			if _, err := client.SendUserTurn(p.InitialPrompt, m.cfg.RPCModel); err != nil {
				logger.Warn("initial turn failed", logger.FieldSessionID, sess.ID, logger.FieldError, err)
			}
		}
	}

	m.reg.DetectGitRemoteAsync(sess.ID, p.WorkingDir)
	if m.mirror != nil {
		m.mirror.EnsureTopic(ctx, sess.ID)
	}
	m.appendEvent(ctx, sess.ID, "session_created", "", map[string]any{
		"kind": string(kind), "working_dir": p.WorkingDir,
	})

	created, _ := m.reg.Get(sess.ID)
	return created, nil
}

// KillSession 终止会话: 取消调度任务, 孤置待决请求, 杀适配器, 清队列。
func (m *Manager) KillSession(ctx context.Context, sessionID string) error {
	sess, ok := m.reg.Get(sessionID)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "Service.Kill", "session %s", sessionID)
	}

	m.sched.CancelForSession(sessionID)
	if err := m.ledger.OrphanPendingForSession(ctx, sessionID, apperrors.CodeSessionClosed); err != nil {
		logger.Warn("orphan pending requests failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}
	if err := m.reg.Kill(sessionID); err != nil {
		return err
	}
	if err := m.queue.DeleteForTarget(ctx, sessionID); err != nil {
		logger.Warn("queue cleanup failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}
	m.engine.DropSession(sessionID)

	m.appendEvent(ctx, sessionID, "session_stopped", "", nil)
	if m.mirror != nil {
		m.mirror.NotifyEvent(sess, "stop", "")
	}
	return nil
}

// ClearSession 清空上下文。terminal 走 /clear (预臂 skip 栅栏),
// rpc 开新 thread 并丢弃在途增量。
func (m *Manager) ClearSession(ctx context.Context, sessionID, newPrompt string) error {
	const op = "Service.Clear"
	sess, ok := m.reg.Get(sessionID)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "session %s", sessionID)
	}

	switch {
	case sess.IsTerminal():
		term, ok := m.reg.Terminal(sessionID)
		if !ok {
			return apperrors.Wrap(apperrors.ErrAdapterDead, op, "no terminal handle")
		}
		m.engine.ArmSkipFence(sessionID)
		if err := term.SendText("/clear"); err != nil {
			return apperrors.Wrap(err, op, "send /clear")
		}
		if newPrompt != "" {
			term.WaitForIdlePrompt(time.Duration(m.cfg.HandoffClearSec) * time.Second)
			if err := term.SendText(newPrompt); err != nil {
				return apperrors.Wrap(err, op, "send prompt")
			}
		}

	case sess.IsRPC():
		rpc, ok := m.reg.RPC(sessionID)
		if !ok {
			return apperrors.Wrap(apperrors.ErrAdapterDead, op, "no rpc handle")
		}
		threadID, err := rpc.StartNewThread(m.cfg.RPCModel)
		if err != nil {
			return apperrors.Wrap(err, op, "new thread")
		}
		if err := m.reg.Update(sessionID, func(s *registry.Session) { s.ThreadID = threadID }); err != nil {
			return err
		}
		if newPrompt != "" {
			if _, err := rpc.SendUserTurn(newPrompt, m.cfg.RPCModel); err != nil {
				return apperrors.Wrap(err, op, "first turn")
			}
		}
	}

	m.appendEvent(ctx, sessionID, "context_cleared", "", nil)
	return nil
}

// RecoverSession 终端崩溃恢复 (异步)。
func (m *Manager) RecoverSession(sessionID string, graceful bool) {
	m.recovery.RecoverAsync(sessionID, graceful)
}

// ========================================
// 输入与 review
// ========================================

// InputParams 输入投递入参。
type InputParams struct {
	Text             string `json:"text"`
	SenderID         string `json:"sender_id,omitempty"`
	SenderName       string `json:"sender_name,omitempty"`
	DeliveryMode     string `json:"delivery_mode,omitempty"`
	BypassQueue      bool   `json:"bypass_queue,omitempty"`
	Category         string `json:"category,omitempty"`
	NotifyOnDelivery bool   `json:"notify_on_delivery,omitempty"`
	NotifyAfterS     int    `json:"notify_after_seconds,omitempty"`
	NotifyOnStop     bool   `json:"notify_on_stop,omitempty"`
	RemindSoftS      int    `json:"remind_soft_seconds,omitempty"`
	RemindHardS      int    `json:"remind_hard_seconds,omitempty"`
}

// InputResult 输入投递结果。
type InputResult struct {
	Status        string `json:"status"` // delivered | queued
	MessageID     string `json:"message_id,omitempty"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

// Input 把文本投给目标会话。bypass_queue 走 urgent 路径。
func (m *Manager) Input(ctx context.Context, sessionID string, p InputParams) (InputResult, error) {
	mode := p.DeliveryMode
	if p.BypassQueue {
		mode = delivery.ModeUrgent
	}
	msg, err := m.engine.QueueMessage(ctx, delivery.QueueParams{
		TargetID:         sessionID,
		SenderID:         p.SenderID,
		SenderName:       p.SenderName,
		Text:             p.Text,
		Mode:             mode,
		Category:         p.Category,
		NotifyOnDelivery: p.NotifyOnDelivery,
		NotifyAfterS:     p.NotifyAfterS,
		NotifyOnStop:     p.NotifyOnStop,
		RemindSoftS:      p.RemindSoftS,
		RemindHardS:      p.RemindHardS,
	})
	if err != nil {
		return InputResult{}, err
	}
	if p.RemindSoftS > 0 {
		m.sched.RegisterPeriodicRemind(sessionID, p.RemindSoftS, p.RemindHardS)
	}

	res := InputResult{MessageID: msg.ID}
	switch {
	case msg.Mode == delivery.ModeSteer:
		res.Status = "delivered"
	case msg.Mode == delivery.ModeUrgent && !m.engine.State(sessionID).Paused:
		res.Status = "delivered"
	default:
		res.Status = "queued"
		if pending, err := m.queue.LoadPending(ctx, sessionID, false); err == nil {
			res.QueuePosition = len(pending)
		}
	}
	return res, nil
}

// StartReview 启动 review。rpc 走 review/start, terminal 走 /review 斜杠命令。
func (m *Manager) StartReview(ctx context.Context, sessionID string, cfg registry.ReviewConfig) error {
	const op = "Service.Review"
	sess, ok := m.reg.Get(sessionID)
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "session %s", sessionID)
	}

	switch {
	case sess.IsRPC():
		rpc, ok := m.reg.RPC(sessionID)
		if !ok {
			return apperrors.Wrap(apperrors.ErrAdapterDead, op, "no rpc handle")
		}
		if _, err := rpc.ReviewStart(string(cfg.Mode), cfg.BaseBranch, cfg.CommitSha, cfg.CustomPrompt, ""); err != nil {
			return err
		}
	case sess.IsTerminal():
		term, ok := m.reg.Terminal(sessionID)
		if !ok {
			return apperrors.Wrap(apperrors.ErrAdapterDead, op, "no terminal handle")
		}
		if err := term.SendText(reviewCommand(cfg)); err != nil {
			return apperrors.Wrap(err, op, "send /review")
		}
	}

	if err := m.reg.Update(sessionID, func(s *registry.Session) {
		rc := cfg
		s.Review = &rc
		s.Status = registry.StatusRunning
	}); err != nil {
		return err
	}
	m.appendEvent(ctx, sessionID, "review_started", "", map[string]any{"mode": string(cfg.Mode)})
	return nil
}

// ArmHandoff 为下一次 stop 预臂交接 (handoff 文档路径)。
func (m *Manager) ArmHandoff(sessionID, path string) error {
	if !m.reg.Exists(sessionID) {
		return apperrors.Wrapf(apperrors.ErrNotFound, "Service.Handoff", "session %s", sessionID)
	}
	if path == "" {
		return apperrors.New("Service.Handoff", "handoff path required")
	}
	m.engine.SetPendingHandoff(sessionID, path)
	return nil
}

// ListSessions 全部会话快照。
func (m *Manager) ListSessions() []*registry.Session { return m.reg.List() }

// GetSession 单个会话快照。
func (m *Manager) GetSession(id string) (*registry.Session, bool) { return m.reg.Get(id) }

// ResolveRequest 解决一条待决结构化请求 (API 来源)。
func (m *Manager) ResolveRequest(ctx context.Context, requestID string, payload []byte) (ledger.ResolveResult, error) {
	return m.ledger.Resolve(ctx, requestID, payload, ledger.SourceAPI, "", "", false)
}

// reviewCommand 组装 terminal 的 /review 斜杠命令。
func reviewCommand(cfg registry.ReviewConfig) string {
	switch cfg.Mode {
	case registry.ReviewModeBranch:
		if cfg.BaseBranch != "" {
			return "/review branch " + cfg.BaseBranch
		}
		return "/review branch"
	case registry.ReviewModeCommit:
		return "/review commit " + cfg.CommitSha
	case registry.ReviewModeCustom:
		return "/review " + cfg.CustomPrompt
	default:
		return "/review"
	}
}

// appendEvent 事件存储落一条并镜像到实时流, 失败只记日志。
func (m *Manager) appendEvent(ctx context.Context, sessionID, eventType, turnID string, payload any) {
	if m.events == nil {
		return
	}
	ev, err := m.events.Append(ctx, sessionID, eventType, turnID, payload)
	if err != nil {
		logger.Warn("event append failed",
			logger.FieldSessionID, sessionID, logger.FieldEventType, eventType, logger.FieldError, err)
		return
	}
	if m.feed != nil {
		m.feed.Broadcast(eventType, ev)
	}
}

// splitArgs 空白拆分 CLI 参数串。
func splitArgs(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
