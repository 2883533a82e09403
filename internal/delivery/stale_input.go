// stale_input.go — 提示符滞留输入巡检: 保存 + Ctrl-U 收起 + 下次 stop 回填。
package delivery

import (
	"context"
	"time"

	"github.com/multi-agent/go-session-v2/internal/registry"
	"github.com/multi-agent/go-session-v2/internal/terminal"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// StartStaleInputWatch 在共享任务组上启动滞留输入巡检。
//
// 每个轮询周期扫描全部 terminal-kind 会话: 提示符上的输入连续滞留超过
// StaleInputTimeout 时, 保存该输入, Ctrl-U 清行, 随即尝试投递积压。
// 保存的输入在会话下一次 stop 时原样回填 (不带 Enter)。
func (e *Engine) StartStaleInputWatch(tg *util.TaskGroup) {
	tg.Go("stale-input-watch", func(ctx context.Context) {
		ticker := time.NewTicker(e.opts.StaleInputPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweepStaleInput()
			}
		}
	})
}

// sweepStaleInput 单轮巡检。
func (e *Engine) sweepStaleInput() {
	for _, sess := range e.reg.List() {
		if sess.Kind != registry.KindTerminal || sess.Status == registry.StatusStopped {
			continue
		}
		e.checkStaleInput(sess.ID)
	}
}

// checkStaleInput 检查单个会话的提示符输入。
func (e *Engine) checkStaleInput(sessionID string) {
	term, ok := e.reg.Terminal(sessionID)
	if !ok {
		return
	}
	capture, err := term.CaptureOutput(e.opts.PaneCaptureLines)
	if err != nil {
		return
	}
	pending := terminal.PendingUserInput(capture)

	st := e.states.state(sessionID)
	st.mu.Lock()
	switch {
	case pending == "":
		st.pendingUserInput = ""
		st.pendingUserInputSeenAt = time.Time{}
		st.mu.Unlock()
		return

	case pending != st.pendingUserInput:
		// 输入有变化: 重新计时
		st.pendingUserInput = pending
		st.pendingUserInputSeenAt = time.Now()
		st.mu.Unlock()
		return
	}

	// 未变化: 判定滞留
	stale := !st.pendingUserInputSeenAt.IsZero() &&
		time.Since(st.pendingUserInputSeenAt) >= e.opts.StaleInputTimeout &&
		st.savedUserInput == ""
	if !stale {
		st.mu.Unlock()
		return
	}
	st.savedUserInput = pending
	st.pendingUserInput = ""
	st.pendingUserInputSeenAt = time.Time{}
	st.mu.Unlock()

	logger.Infow("stale user input saved",
		logger.FieldSessionID, sessionID,
		logger.FieldLen, len(pending),
	)
	if err := term.SendCtrlU(); err != nil {
		logger.Warn("ctrl-u failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
	}
	util.SafeGo(func() { e.tryDeliver(sessionID, false) })
}
