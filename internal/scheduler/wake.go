// wake.go — 父会话周期唤醒: 定期向父会话推送子会话进展摘要。
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/registry"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// RegisterParentWake 注册父唤醒, 替换同子会话的既有注册。
// periodS <= 0 时取默认周期。
func (s *Scheduler) RegisterParentWake(childID, parentID string, periodS int) {
	period := time.Duration(periodS) * time.Second
	if period <= 0 {
		period = s.opts.DefaultWakePeriod
	}

	// 替换前 join 前任, 避免两个唤醒循环短暂并存
	s.mu.Lock()
	old := s.wakeTasks[childID]
	delete(s.wakeTasks, childID)
	s.mu.Unlock()
	old.stop()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Conn().ExecContext(s.ctx, `
		INSERT INTO parent_wakes (child_id, parent_id, period_s, registered_at, escalated, is_active)
		VALUES (?, ?, ?, ?, 0, 1)
		ON CONFLICT (child_id) DO UPDATE SET
			parent_id = excluded.parent_id,
			period_s = excluded.period_s,
			registered_at = excluded.registered_at,
			escalated = 0, is_active = 1`,
		childID, parentID, int(period/time.Second), now)
	if err != nil {
		logger.Errorw("parent wake persist failed",
			logger.FieldSessionID, childID, logger.FieldError, err)
		return
	}

	t := s.spawn("wake-"+childID, func(ctx context.Context) {
		s.wakeLoop(ctx, childID, parentID, period)
	})
	s.mu.Lock()
	s.wakeTasks[childID] = t
	s.mu.Unlock()
	logger.Infow("parent wake registered",
		logger.FieldSessionID, childID, logger.FieldTarget, parentID, "period_s", int(period/time.Second))
}

// CancelParentWake 取消子会话的父唤醒。
func (s *Scheduler) CancelParentWake(childID string) {
	s.mu.Lock()
	if t, ok := s.wakeTasks[childID]; ok {
		t.cancel()
		delete(s.wakeTasks, childID)
	}
	s.mu.Unlock()
	_, _ = s.db.Conn().ExecContext(context.Background(),
		`UPDATE parent_wakes SET is_active = 0 WHERE child_id = ?`, childID)
}

// wakeLoop 按周期发摘要。检测到无进展后永久降到升级周期。
func (s *Scheduler) wakeLoop(ctx context.Context, childID, parentID string, period time.Duration) {
	registeredAt := time.Now()
	var prevStatusAt time.Time
	escalated := false

	for {
		wait := period
		if escalated && s.opts.EscalatedPeriod < period {
			wait = s.opts.EscalatedPeriod
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		child, ok := s.reg.Get(childID)
		if !ok || child.Status == registry.StatusStopped {
			s.CancelParentWake(childID)
			return
		}
		if !s.reg.Exists(parentID) {
			s.CancelParentWake(childID)
			return
		}

		// 无进展: 子会话自报状态的时间戳与上一次唤醒时相同
		noProgress := !prevStatusAt.IsZero() && child.AgentStatusAt.Equal(prevStatusAt)
		if noProgress && !escalated {
			escalated = true
			_, _ = s.db.Conn().ExecContext(ctx,
				`UPDATE parent_wakes SET escalated = 1 WHERE child_id = ?`, childID)
			logger.Infow("parent wake escalated",
				logger.FieldSessionID, childID, logger.FieldTarget, parentID)
		}
		prevStatusAt = child.AgentStatusAt

		digest := s.buildWakeDigest(ctx, child, registeredAt, noProgress)
		_, err := s.engine.QueueMessage(ctx, delivery.QueueParams{
			TargetID:     parentID,
			Text:         digest,
			Mode:         delivery.ModeImportant,
			Category:     "parent_wake",
			ParentWakeID: childID,
		})
		if err != nil {
			logger.Warn("parent wake delivery failed",
				logger.FieldSessionID, childID, logger.FieldTarget, parentID, logger.FieldError, err)
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, _ = s.db.Conn().ExecContext(ctx, `
			UPDATE parent_wakes SET last_wake_at = ?, last_status_at_prev_wake = ?
			WHERE child_id = ?`,
			now, child.AgentStatusAt.UTC().Format(time.RFC3339Nano), childID)
	}
}

// buildWakeDigest 汇总子会话状态: 身份、耗时、自报状态、最近工具事件。
func (s *Scheduler) buildWakeDigest(ctx context.Context, child *registry.Session, registeredAt time.Time, noProgress bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[wake] child %s (%s) running for %d min.",
		child.DisplayName(), child.ID, int(time.Since(registeredAt).Minutes()))
	if child.AgentStatus != "" {
		age := "unknown"
		if !child.AgentStatusAt.IsZero() {
			age = fmt.Sprintf("%d min ago", int(time.Since(child.AgentStatusAt).Minutes()))
		}
		fmt.Fprintf(&b, "\nlast status (%s): %s", age, child.AgentStatus)
	} else {
		b.WriteString("\nno status reported yet.")
	}
	if noProgress {
		b.WriteString("\nWARNING: no status change since the previous wake. Consider checking on it.")
	}

	if s.obs != nil {
		events, err := s.obs.ListRecentToolEvents(ctx, child.ID, s.opts.WakeDigestEvents)
		if err == nil && len(events) > 0 {
			b.WriteString("\nrecent activity:")
			for _, ev := range events {
				line := ev.ToolName
				if line == "" {
					line = ev.EventType
				}
				if ev.Command != "" {
					line += ": " + ev.Command
				} else if ev.FilePath != "" {
					line += ": " + ev.FilePath
				}
				fmt.Fprintf(&b, "\n- %s", line)
			}
		}
	}
	return b.String()
}
