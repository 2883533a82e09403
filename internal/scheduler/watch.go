// watch.go — 会话观察: 轮询目标直至空闲或超时, 通知观察方。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/registry"
	"github.com/multi-agent/go-session-v2/internal/terminal"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// WatchSession 观察目标会话, 空闲或超时后给观察方投递 important 通知。
// 同 (target, watcher) 重复注册时替换前一个观察任务。
func (s *Scheduler) WatchSession(target, watcher string, timeoutS int) error {
	if !s.reg.Exists(target) {
		return apperrors.Wrapf(apperrors.ErrNotFound, "Scheduler.Watch", "target %s", target)
	}
	if !s.reg.Exists(watcher) {
		return apperrors.Wrapf(apperrors.ErrNotFound, "Scheduler.Watch", "watcher %s", watcher)
	}
	if timeoutS <= 0 {
		timeoutS = 600
	}

	key := target + "|" + watcher
	// 替换前 join 前任观察任务
	s.mu.Lock()
	old := s.watchTasks[key]
	delete(s.watchTasks, key)
	s.mu.Unlock()
	old.stop()

	t := s.spawn("watch-"+key, func(ctx context.Context) {
		defer func() {
			s.mu.Lock()
			delete(s.watchTasks, key)
			s.mu.Unlock()
		}()
		s.watchLoop(ctx, target, watcher, time.Duration(timeoutS)*time.Second)
	})
	s.mu.Lock()
	s.watchTasks[key] = t
	s.mu.Unlock()
	logger.Infow("session watch started",
		logger.FieldSessionID, watcher, logger.FieldTarget, target, "timeout_s", timeoutS)
	return nil
}

// watchLoop 四相空闲级联:
//
//	1. 投递状态 is_idle — 权威内存信号
//	2. 提示符探测 (连续两次命中) — stop hook 丢失时的兜底
//	3. registry 状态 == idle — 弱回退
//	4. 队列非空时只认连续两次提示符命中 (粘贴途中防误判)
func (s *Scheduler) watchLoop(ctx context.Context, target, watcher string, timeout time.Duration) {
	start := time.Now()
	promptStreak := 0

	for {
		if time.Since(start) >= timeout {
			s.notifyWatcher(ctx, target, watcher,
				fmt.Sprintf("timeout: %s still active", target))
			return
		}
		if !util.Sleep(ctx, s.opts.WatchPoll) {
			return
		}

		sess, ok := s.reg.Get(target)
		if !ok || sess.Status == registry.StatusStopped {
			s.notifyWatcher(ctx, target, watcher,
				fmt.Sprintf("%s has stopped", target))
			return
		}

		promptIdle := s.probePrompt(sess)
		if promptIdle {
			promptStreak++
		} else {
			promptStreak = 0
		}

		idle := false
		if s.engine.HasPendingMessages(ctx, target) {
			// 相 4: 有待投消息时内存位不可信 (可能正粘贴), 只认提示符
			idle = promptStreak >= 2
		} else {
			switch {
			case s.engine.State(target).IsIdle:
				idle = true
			case promptStreak >= 2:
				idle = true
			case sess.Status == registry.StatusIdle:
				idle = true
			}
		}
		if !idle {
			continue
		}

		waited := int(time.Since(start).Seconds())
		if s.engine.StopNotifiedRecently(target, watcher, s.opts.StopNotifyWindow) {
			// 刚发过 stop 通知, 再报一次空闲是冗余
			logger.Debug("watch idle suppressed by recent stop notification",
				logger.FieldSessionID, watcher, logger.FieldTarget, target)
			return
		}
		s.notifyWatcher(ctx, target, watcher,
			fmt.Sprintf("%s is now idle (waited %ds)", target, waited))
		return
	}
}

// probePrompt 终端提示符探测。rpc 会话无终端, 恒为否。
func (s *Scheduler) probePrompt(sess *registry.Session) bool {
	if sess.Terminal == nil {
		return false
	}
	out, err := sess.Terminal.CaptureOutput(s.opts.PaneCaptureLines)
	if err != nil {
		return false
	}
	return terminal.IsIdlePrompt(out)
}

func (s *Scheduler) notifyWatcher(ctx context.Context, target, watcher, text string) {
	_, err := s.engine.QueueMessage(ctx, delivery.QueueParams{
		TargetID: watcher,
		Text:     text,
		Mode:     delivery.ModeImportant,
		Category: "session_watch",
	})
	if err != nil {
		logger.Warn("watch notification failed",
			logger.FieldSessionID, watcher, logger.FieldTarget, target, logger.FieldError, err)
	}
}
