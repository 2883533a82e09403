// Package delivery 投递引擎: 每会话投递状态机 + 持久队列 + 批量注入。
//
// 两台状态机: 每会话 idle/skip 状态 (内存) 与每消息生命周期 (持久队列)。
// 同一目标的所有投递都在该目标的投递互斥内串行; urgent 与 sequential
// 路径之间没有其他同步点。
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/multi-agent/go-session-v2/internal/registry"
	"github.com/multi-agent/go-session-v2/internal/terminal"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// Notifier 聊天镜像回调 (telegram 实现; 可为 nil)。
type Notifier interface {
	// MirrorDelivery 投递成功后镜像消息正文。
	MirrorDelivery(s *registry.Session, text string)
	// NotifyEvent 生命周期事件 (idle / stop / review)。
	NotifyEvent(s *registry.Session, event, text string)
}

// RemindRegistrar 调度器注册面 (scheduler 实现; 投递副作用挂接点)。
type RemindRegistrar interface {
	RegisterPeriodicRemind(target string, softS, hardS int)
	RegisterParentWake(child, parent string, periodS int)
	CancelRemind(target string)
}

// Options 引擎可调参数。
type Options struct {
	SkipFenceWindow   time.Duration // skip 栅栏有效窗口
	SuppressionWindow time.Duration // 自通知抑制窗口
	MaxBatchSize      int           // 单次批量上限
	IdlePromptWait    time.Duration // urgent 打断后的空闲提示等待
	HandoffClearWait  time.Duration // /clear 后的扩展等待
	StaleInputTimeout time.Duration // 用户输入滞留判定
	StaleInputPoll    time.Duration // 滞留轮询间隔
	PaneCaptureLines  int
	NotifyPreviewLen  int // stop 通知附带输出的截断长度
	RPCModel          string
}

// DefaultOptions 默认参数。
func DefaultOptions() Options {
	return Options{
		SkipFenceWindow:   8 * time.Second,
		SuppressionWindow: 30 * time.Second,
		MaxBatchSize:      10,
		IdlePromptWait:    3 * time.Second,
		HandoffClearWait:  5 * time.Second,
		StaleInputTimeout: 120 * time.Second,
		StaleInputPoll:    5 * time.Second,
		PaneCaptureLines:  50,
		NotifyPreviewLen:  500,
	}
}

// Engine 投递引擎。
type Engine struct {
	reg   *registry.Registry
	queue *Queue
	opts  Options

	states *stateMap

	// 构造后经 setter 挂接 (调度器与镜像都依赖引擎, 反向走接口)
	notifier Notifier
	reminds  RemindRegistrar
}

// NewEngine 创建引擎。
func NewEngine(reg *registry.Registry, queue *Queue, opts Options) *Engine {
	if opts.MaxBatchSize <= 0 {
		opts = DefaultOptions()
	}
	return &Engine{
		reg:    reg,
		queue:  queue,
		opts:   opts,
		states: newStateMap(),
	}
}

// SetNotifier 挂接聊天镜像。
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// SetRemindRegistrar 挂接调度器。
func (e *Engine) SetRemindRegistrar(r RemindRegistrar) { e.reminds = r }

// State 返回会话投递状态快照。
func (e *Engine) State(sessionID string) StateSnapshot {
	return e.states.state(sessionID).snapshot()
}

// DropSession 会话删除时清理状态。
func (e *Engine) DropSession(sessionID string) { e.states.drop(sessionID) }

// ========================================
// 队列操作
// ========================================

// QueueParams QueueMessage 入参。
type QueueParams struct {
	TargetID   string
	SenderID   string
	SenderName string
	Text       string
	Mode       string // sequential | important | urgent | steer
	Category   string

	NotifyOnDelivery bool
	NotifyAfterS     int
	NotifyOnStop     bool

	RemindSoftS  int
	RemindHardS  int
	ParentWakeID string
}

// QueueMessage 入队并按模式/适配器类型派发投递。
func (e *Engine) QueueMessage(ctx context.Context, p QueueParams) (*Message, error) {
	sess, ok := e.reg.Get(p.TargetID)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "Delivery.Queue", "target %s", p.TargetID)
	}
	if p.Text == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Delivery.Queue", "text is required")
	}
	switch p.Mode {
	case ModeSequential, ModeImportant, ModeUrgent, ModeSteer:
	case "":
		p.Mode = ModeSequential
	default:
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "Delivery.Queue", "unknown mode %q", p.Mode)
	}

	// 定向 stop 通知闸: 仅 em 类发送方可用, 发送方未知时保守关闭
	if p.NotifyOnStop && !e.senderIsEM(p.SenderID) {
		p.NotifyOnStop = false
	}

	msg := &Message{
		TargetID:         p.TargetID,
		SenderID:         p.SenderID,
		SenderName:       p.SenderName,
		Text:             p.Text,
		Mode:             p.Mode,
		Category:         p.Category,
		NotifyOnDelivery: p.NotifyOnDelivery,
		NotifyAfterS:     p.NotifyAfterS,
		NotifyOnStop:     p.NotifyOnStop,
		RemindSoftS:      p.RemindSoftS,
		RemindHardS:      p.RemindHardS,
		ParentWakeID:     p.ParentWakeID,
	}

	// steer 旁路队列: 直接注入, 无通知副作用
	if p.Mode == ModeSteer {
		msg.ID = newMessageID()
		msg.QueuedAt = time.Now().UTC()
		util.SafeGo(func() { e.steer(p.TargetID, p.Text) })
		e.recordOutgoingSend(p.SenderID, p.TargetID)
		return msg, nil
	}

	if err := e.queue.Insert(ctx, msg); err != nil {
		return nil, err
	}
	e.recordOutgoingSend(p.SenderID, p.TargetID)

	targetID := p.TargetID
	switch {
	case p.Mode == ModeUrgent:
		st := e.states.state(targetID)
		st.mu.Lock()
		paused := st.paused
		if !paused {
			st.isIdle = false
		}
		st.mu.Unlock()
		if !paused {
			m := *msg
			util.SafeGo(func() { e.deliverUrgent(&m) })
		}
	case sess.Kind == registry.KindRPC:
		// rpc 无 stop hook: 入队即视为可投递
		st := e.states.state(targetID)
		st.mu.Lock()
		st.isIdle = true
		st.mu.Unlock()
		util.SafeGo(func() { e.tryDeliver(targetID, false) })
	default:
		importantOnly := p.Mode == ModeImportant
		util.SafeGo(func() { e.tryDeliver(targetID, importantOnly) })
	}
	return msg, nil
}

// CancelCategory 作废某发送方某类别的未投递消息。
func (e *Engine) CancelCategory(ctx context.Context, senderID, category string) (int64, error) {
	return e.queue.CancelCategory(ctx, senderID, category)
}

// senderIsEM 发送方是否为 em 类会话; 未知 → false。
func (e *Engine) senderIsEM(senderID string) bool {
	if senderID == "" {
		return false
	}
	s, ok := e.reg.Get(senderID)
	return ok && s.IsEM
}

// recordOutgoingSend 在发送方状态上记录外发目标 (自通知抑制依据)。
func (e *Engine) recordOutgoingSend(senderID, targetID string) {
	if senderID == "" {
		return
	}
	st := e.states.state(senderID)
	st.mu.Lock()
	st.lastOutgoingTarget = targetID
	st.lastOutgoingAt = time.Now()
	st.mu.Unlock()
}

// ========================================
// 空闲 / skip 状态机
// ========================================

// MarkSessionActive post-tool-use 信号: 代理已恢复工作。
func (e *Engine) MarkSessionActive(sessionID string) {
	st := e.states.state(sessionID)
	st.mu.Lock()
	st.isIdle = false
	st.mu.Unlock()

	e.reg.Touch(sessionID)
	if s, ok := e.reg.Get(sessionID); ok && s.Status != registry.StatusRunning && s.Status != registry.StatusStopped {
		_ = e.reg.SetStatus(sessionID, registry.StatusRunning)
	}
}

// MarkSessionIdle stop 信号驱动的空闲转换。
//
// 顺序: 交接触发 → skip 栅栏 (时效窗内吸收 / 过期重置) → 置空闲 →
// 自通知抑制 → stop 通知发射 → 粘贴缓冲晋升 → 保存输入回填 → 尝试投递。
func (e *Engine) MarkSessionIdle(sessionID, lastOutput string, fromStopHook bool) {
	st := e.states.state(sessionID)
	st.mu.Lock()

	if st.pendingHandoffPath != "" {
		path := st.pendingHandoffPath
		st.pendingHandoffPath = ""
		st.isIdle = false
		st.mu.Unlock()
		util.SafeGo(func() { e.executeHandoff(sessionID, path) })
		return
	}

	if st.skipCount > 0 {
		if time.Since(st.skipArmedAt) <= e.opts.SkipFenceWindow {
			st.skipCount--
			if st.skipCount == 0 {
				st.skipArmedAt = time.Time{}
			}
			st.mu.Unlock()
			logger.Debug("stop absorbed by skip fence", logger.FieldSessionID, sessionID)
			// 不置 is_idle: 代理可能已在处理新任务
			util.SafeGo(func() { e.tryDeliver(sessionID, false) })
			return
		}
		// 过期的栅栏不得吞掉真实 stop
		st.skipCount = 0
		st.skipArmedAt = time.Time{}
	}

	st.isIdle = true
	st.lastIdleAt = time.Now()

	if st.stopNotifySenderID != "" &&
		st.stopNotifySenderID == st.lastOutgoingTarget &&
		time.Since(st.lastOutgoingAt) <= e.opts.SuppressionWindow {
		logger.Debug("stop notification suppressed (self-echo)",
			logger.FieldSessionID, sessionID,
			logger.FieldSenderID, st.stopNotifySenderID,
		)
		st.stopNotifySenderID = ""
		st.stopNotifySenderName = ""
	}

	notifyID := st.stopNotifySenderID
	st.stopNotifySenderID = ""
	st.stopNotifySenderName = ""

	if st.pasteBufferedSenderID != "" {
		st.stopNotifySenderID = st.pasteBufferedSenderID
		st.stopNotifySenderName = st.pasteBufferedSenderName
		st.pasteBufferedSenderID = ""
		st.pasteBufferedSenderName = ""
	}

	saved := st.savedUserInput
	st.savedUserInput = ""
	st.mu.Unlock()

	if saved != "" {
		if term, ok := e.reg.Terminal(sessionID); ok {
			if err := term.PasteOnly(saved); err != nil {
				logger.Warn("saved input restore failed",
					logger.FieldSessionID, sessionID, logger.FieldError, err)
			}
		}
	}

	if notifyID != "" {
		e.sendStopNotification(sessionID, notifyID, lastOutput)
	}

	_ = e.reg.SetStatus(sessionID, registry.StatusIdle)
	if e.notifier != nil {
		if s, ok := e.reg.Get(sessionID); ok {
			e.notifier.NotifyEvent(s, "idle", "")
		}
	}

	util.SafeGo(func() { e.tryDeliver(sessionID, false) })
}

// sendStopNotification 把 stop 通知作为顺序消息投给订阅方。
func (e *Engine) sendStopNotification(sessionID, senderID, lastOutput string) {
	sess, ok := e.reg.Get(sessionID)
	if !ok {
		return
	}
	st := e.states.state(sessionID)
	st.mu.Lock()
	st.lastStopNotifyTo = senderID
	st.lastStopNotifyAt = time.Now()
	st.mu.Unlock()
	name := util.FirstNonEmpty(sess.FriendlyName, sess.Name, sessionID)
	text := fmt.Sprintf("[%s (%s)] finished its task and is now idle.", name, sessionID)
	if lastOutput != "" {
		text += "\nLast output:\n" + util.TruncateChars(util.StripANSI(lastOutput), e.opts.NotifyPreviewLen)
	}
	if _, err := e.QueueMessage(context.Background(), QueueParams{
		TargetID: senderID,
		SenderID: sessionID,
		Text:     text,
		Mode:     ModeSequential,
	}); err != nil {
		logger.Warn("stop notification queue failed",
			logger.FieldSessionID, sessionID,
			logger.FieldSenderID, senderID,
			logger.FieldError, err,
		)
	}
}

// ArmSkipFence 预臂 skip 栅栏 (程序性 /clear 前调用)。
func (e *Engine) ArmSkipFence(sessionID string) {
	st := e.states.state(sessionID)
	st.mu.Lock()
	st.skipCount++
	st.skipArmedAt = time.Now()
	st.mu.Unlock()
}

// SetPendingHandoff 为下一次 stop 预臂交接。
func (e *Engine) SetPendingHandoff(sessionID, path string) {
	st := e.states.state(sessionID)
	st.mu.Lock()
	st.pendingHandoffPath = path
	st.mu.Unlock()
}

// PauseSession 恢复流程开始时暂停投递。消息不丢, 投递尝试立即返回。
func (e *Engine) PauseSession(sessionID string) {
	st := e.states.state(sessionID)
	st.mu.Lock()
	st.paused = true
	st.mu.Unlock()
}

// UnpauseSession 恢复投递并尝试清空积压。
func (e *Engine) UnpauseSession(sessionID string) {
	st := e.states.state(sessionID)
	st.mu.Lock()
	st.paused = false
	st.mu.Unlock()
	util.SafeGo(func() { e.tryDeliver(sessionID, false) })
}

// ========================================
// 投递路径
// ========================================

// tryDeliver 顺序/重要消息投递。每会话投递互斥内执行。
func (e *Engine) tryDeliver(sessionID string, importantOnly bool) {
	lock := e.states.deliveryLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st := e.states.state(sessionID)
	st.mu.Lock()
	paused := st.paused
	st.mu.Unlock()
	if paused {
		return
	}

	sess, ok := e.reg.Get(sessionID)
	if !ok || sess.Status == registry.StatusStopped {
		return
	}

	ctx := context.Background()
	msgs, err := e.queue.LoadPending(ctx, sessionID, importantOnly)
	if err != nil {
		logger.Errorw("queue load failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	// 用户正在输入时让路 (已有保存输入则照常投递, 输入已被 Ctrl-U 收起)
	if sess.Kind == registry.KindTerminal {
		if term, ok := e.reg.Terminal(sessionID); ok {
			if capture, err := term.CaptureOutput(e.opts.PaneCaptureLines); err == nil {
				pending := terminal.PendingUserInput(capture)
				st.mu.Lock()
				hasSaved := st.savedUserInput != ""
				st.mu.Unlock()
				if pending != "" && !hasSaved {
					logger.Debug("delivery deferred, user is typing", logger.FieldSessionID, sessionID)
					return
				}
			}
		}
	}

	batch := msgs
	if len(batch) > e.opts.MaxBatchSize {
		batch = batch[:e.opts.MaxBatchSize]
	}
	text := joinBatch(batch)

	st.mu.Lock()
	wasIdle := st.isIdle
	st.mu.Unlock()

	if err := e.inject(sessionID, sess, text); err != nil {
		logger.Errorw("delivery failed",
			logger.FieldSessionID, sessionID,
			logger.FieldCount, len(batch),
			logger.FieldError, err,
		)
		return
	}

	e.afterDelivery(ctx, sessionID, sess, batch, wasIdle)
}

// deliverUrgent 紧急投递: 同一互斥, Enter 唤醒 + Escape 打断 + 等待提示符。
func (e *Engine) deliverUrgent(msg *Message) {
	sessionID := msg.TargetID
	lock := e.states.deliveryLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st := e.states.state(sessionID)
	st.mu.Lock()
	paused := st.paused
	st.mu.Unlock()
	if paused {
		return
	}

	sess, ok := e.reg.Get(sessionID)
	if !ok || sess.Status == registry.StatusStopped {
		return
	}

	if sess.Kind == registry.KindTerminal {
		if term, ok := e.reg.Terminal(sessionID); ok {
			if sess.AgentStatus == "completed" {
				// 已收尾的 CLI 可能在结束画面, Enter 唤醒
				_ = term.SendKey("Enter")
				term.WaitForIdlePrompt(e.opts.IdlePromptWait)
			}
			_ = term.Interrupt()
			term.WaitForIdlePrompt(e.opts.IdlePromptWait)
		}
	}

	st.mu.Lock()
	wasIdle := st.isIdle
	st.mu.Unlock()

	if err := e.inject(sessionID, sess, msg.Text); err != nil {
		logger.Errorw("urgent delivery failed",
			logger.FieldSessionID, sessionID,
			logger.FieldMessageID, msg.ID,
			logger.FieldError, err,
		)
		return
	}

	e.afterDelivery(context.Background(), sessionID, sess, []Message{*msg}, wasIdle)
}

// steer 旁路注入 (Codex CLI 终端变体): 直接送文本, 无任何通知副作用。
func (e *Engine) steer(sessionID, text string) {
	lock := e.states.deliveryLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := e.reg.Get(sessionID)
	if !ok {
		return
	}
	if err := e.inject(sessionID, sess, text); err != nil {
		logger.Warn("steer failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}
}

// inject 经适配器注入文本。
func (e *Engine) inject(sessionID string, sess *registry.Session, text string) error {
	switch sess.Kind {
	case registry.KindTerminal:
		term, ok := e.reg.Terminal(sessionID)
		if !ok {
			return apperrors.Wrap(apperrors.ErrAdapterDead, "Delivery.inject", "no terminal handle")
		}
		return term.SendText(text)
	case registry.KindRPC:
		rpc, ok := e.reg.RPC(sessionID)
		if !ok {
			return apperrors.Wrap(apperrors.ErrAdapterDead, "Delivery.inject", "no rpc handle")
		}
		_, err := rpc.SendUserTurn(text, e.opts.RPCModel)
		return err
	default:
		return apperrors.Newf("Delivery.inject", "unknown kind %q", sess.Kind)
	}
}

// afterDelivery 投递成功后的统一副作用。
func (e *Engine) afterDelivery(ctx context.Context, sessionID string, sess *registry.Session, batch []Message, wasIdle bool) {
	st := e.states.state(sessionID)

	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	if err := e.queue.MarkDelivered(ctx, ids...); err != nil {
		logger.Errorw("mark delivered failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}

	for i := range batch {
		m := batch[i]
		if e.notifier != nil {
			e.notifier.MirrorDelivery(sess, m.Text)
		}
		if m.NotifyOnDelivery && m.SenderID != "" {
			sender := m.SenderID
			text := fmt.Sprintf("message %s delivered to %s", m.ID, sessionID)
			util.SafeGo(func() {
				_, _ = e.QueueMessage(context.Background(), QueueParams{
					TargetID: sender, SenderID: sessionID, Text: text, Mode: ModeSequential,
				})
			})
		}
		if m.NotifyAfterS > 0 && m.SenderID != "" {
			sender, msgID := m.SenderID, m.ID
			delay := time.Duration(m.NotifyAfterS) * time.Second
			time.AfterFunc(delay, func() {
				text := fmt.Sprintf("follow-up: message %s to %s was delivered %s ago", msgID, sessionID, delay)
				_, _ = e.QueueMessage(context.Background(), QueueParams{
					TargetID: sender, SenderID: sessionID, Text: text, Mode: ModeImportant,
				})
			})
		}
		if m.NotifyOnStop && m.SenderID != "" {
			st.mu.Lock()
			if wasIdle {
				st.stopNotifySenderID = m.SenderID
				st.stopNotifySenderName = m.SenderName
			} else {
				// mid-turn 粘入: 缓冲到下一次空闲转换, 当前 turn 的 stop 不触发
				st.pasteBufferedSenderID = m.SenderID
				st.pasteBufferedSenderName = m.SenderName
			}
			st.mu.Unlock()
		}
		if m.RemindSoftS > 0 && e.reminds != nil {
			e.reminds.RegisterPeriodicRemind(sessionID, m.RemindSoftS, m.RemindHardS)
		}
		if m.ParentWakeID != "" && e.reminds != nil {
			e.reminds.RegisterParentWake(sessionID, m.ParentWakeID, 0)
		}
	}

	// 投递即活动
	st.mu.Lock()
	st.isIdle = false
	st.mu.Unlock()
	e.reg.Touch(sessionID)

	logger.Infow("messages delivered",
		logger.FieldSessionID, sessionID,
		logger.FieldCount, len(batch),
		logger.FieldMode, batch[0].Mode,
	)
}

// joinBatch 批内文本以空行拼接。
func joinBatch(batch []Message) string {
	if len(batch) == 1 {
		return batch[0].Text
	}
	parts := make([]string, len(batch))
	for i, m := range batch {
		parts[i] = m.Text
	}
	return strings.Join(parts, "\n\n")
}

// HasPendingWithPrefix 目标是否已有以 prefix 开头的未投递消息。
func (e *Engine) HasPendingWithPrefix(ctx context.Context, targetID, prefix string) bool {
	ok, err := e.queue.HasUndeliveredWithPrefix(ctx, targetID, prefix)
	if err != nil {
		return false
	}
	return ok
}

// HasPendingMessages 目标是否有未投递消息。
func (e *Engine) HasPendingMessages(ctx context.Context, targetID string) bool {
	msgs, err := e.queue.LoadPending(ctx, targetID, false)
	return err == nil && len(msgs) > 0
}

// StopNotifiedRecently 目标最近是否已向 watcher 发射过 stop 通知。
func (e *Engine) StopNotifiedRecently(targetID, watcherID string, window time.Duration) bool {
	st := e.states.state(targetID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastStopNotifyTo == watcherID && time.Since(st.lastStopNotifyAt) <= window
}

// ========================================
// 启动恢复
// ========================================

// RecoverQueue 启动扫描: 死亡会话的消息删除, 幸存目标置空闲并尝试投递。
func (e *Engine) RecoverQueue(ctx context.Context) error {
	targets, err := e.queue.PendingTargets(ctx)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if !e.reg.Exists(target) {
			if err := e.queue.DeleteForTarget(ctx, target); err != nil {
				logger.Warn("dead target queue cleanup failed",
					logger.FieldSessionID, target, logger.FieldError, err)
			}
			continue
		}
		st := e.states.state(target)
		st.mu.Lock()
		st.isIdle = true
		st.lastIdleAt = time.Now()
		st.mu.Unlock()
		t := target
		util.SafeGo(func() { e.tryDeliver(t, false) })
	}
	return nil
}
