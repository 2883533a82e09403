// handoff.go — 交接执行器: 投递互斥内的脚本化 /clear + 续作序列。
package delivery

import (
	"time"

	"github.com/multi-agent/go-session-v2/internal/registry"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// handoffPrompt 交接续作提示。
func handoffPrompt(path string) string {
	return "Read " + path + " and continue from where you left off."
}

// executeHandoff 在目标的投递互斥内执行交接。
//
// 任何一步失败都恢复 is_idle=true 并调度常规投递 —
// 会话绝不因交接失败而永久卡死。
func (e *Engine) executeHandoff(sessionID, path string) {
	lock := e.states.deliveryLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := e.reg.Get(sessionID)
	if !ok {
		return
	}

	logger.Infow("handoff started",
		logger.FieldSessionID, sessionID,
		logger.FieldPath, path,
	)

	// 预臂栅栏: /clear 自身的 stop hook 会在窗内被吸收。
	// 同时清掉过期的通知槽与输入缓存, 新上下文不背旧债。
	st := e.states.state(sessionID)
	st.mu.Lock()
	st.skipCount++
	st.skipArmedAt = time.Now()
	st.stopNotifySenderID = ""
	st.stopNotifySenderName = ""
	st.pasteBufferedSenderID = ""
	st.pasteBufferedSenderName = ""
	st.pendingUserInput = ""
	st.pendingUserInputSeenAt = time.Time{}
	st.mu.Unlock()

	var err error
	switch sess.Kind {
	case registry.KindTerminal:
		err = e.handoffTerminal(sessionID, path)
	case registry.KindRPC:
		err = e.handoffRPC(sessionID, path)
	default:
		err = apperrors.Newf("Delivery.Handoff", "unknown kind %q", sess.Kind)
	}

	if err != nil {
		logger.Errorw("handoff failed, restoring idle",
			logger.FieldSessionID, sessionID,
			logger.FieldPath, path,
			logger.FieldError, err,
		)
		st.mu.Lock()
		st.isIdle = true
		st.lastIdleAt = time.Now()
		st.mu.Unlock()
		util.SafeGo(func() { e.tryDeliver(sessionID, false) })
		return
	}

	st.mu.Lock()
	st.isIdle = false
	st.mu.Unlock()
	_ = e.reg.Update(sessionID, func(s *registry.Session) {
		s.LastHandoffPath = path
		s.Status = registry.StatusRunning
		s.LastActivityAt = time.Now()
		s.CtxWarningSent = false
		s.CtxCriticalSent = false
	})
	logger.Infow("handoff completed", logger.FieldSessionID, sessionID, logger.FieldPath, path)
}

// handoffTerminal Escape → /clear → 扩展等待 → 续作提示。
func (e *Engine) handoffTerminal(sessionID, path string) error {
	term, ok := e.reg.Terminal(sessionID)
	if !ok {
		return apperrors.Wrap(apperrors.ErrAdapterDead, "Delivery.Handoff", "no terminal handle")
	}

	if err := term.Interrupt(); err != nil {
		return apperrors.Wrap(err, "Delivery.Handoff", "interrupt")
	}
	term.WaitForIdlePrompt(e.opts.IdlePromptWait)

	if err := term.SendText("/clear"); err != nil {
		return apperrors.Wrap(err, "Delivery.Handoff", "send /clear")
	}
	// /clear 重绘全屏, 等待用扩展超时
	term.WaitForIdlePrompt(e.opts.HandoffClearWait)

	if err := term.SendText(handoffPrompt(path)); err != nil {
		return apperrors.Wrap(err, "Delivery.Handoff", "send resume prompt")
	}
	return nil
}

// handoffRPC 新 thread 即 clear 语义, 续作提示走常规 turn。
func (e *Engine) handoffRPC(sessionID, path string) error {
	rpc, ok := e.reg.RPC(sessionID)
	if !ok {
		return apperrors.Wrap(apperrors.ErrAdapterDead, "Delivery.Handoff", "no rpc handle")
	}
	threadID, err := rpc.StartNewThread("")
	if err != nil {
		return apperrors.Wrap(err, "Delivery.Handoff", "start new thread")
	}
	_ = e.reg.Update(sessionID, func(s *registry.Session) { s.ThreadID = threadID })

	if _, err := rpc.SendUserTurn(handoffPrompt(path), e.opts.RPCModel); err != nil {
		return apperrors.Wrap(err, "Delivery.Handoff", "send resume prompt")
	}
	return nil
}
