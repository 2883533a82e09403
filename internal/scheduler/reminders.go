// reminders.go — 一次性定时提醒: 持久化, 到点以 urgent 投递。
package scheduler

import (
	"context"
	"time"

	"github.com/multi-agent/go-session-v2/internal/delivery"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// ScheduleReminder 预约一次性提醒, 返回提醒 id。
// delay <= 0 立即触发 (仍走压缩等待)。
func (s *Scheduler) ScheduleReminder(ctx context.Context, target, message string, delay time.Duration) (int64, error) {
	if message == "" {
		return 0, apperrors.Wrap(apperrors.ErrInvalidInput, "Scheduler.Remind", "message is required")
	}
	if !s.reg.Exists(target) {
		return 0, apperrors.Wrapf(apperrors.ErrNotFound, "Scheduler.Remind", "target %s", target)
	}
	fireAt := time.Now().UTC().Add(delay)
	res, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO scheduled_reminders (target_id, message, fire_at, fired)
		VALUES (?, ?, ?, 0)`,
		target, message, fireAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, apperrors.Wrap(err, "Scheduler.Remind", "persist reminder")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(err, "Scheduler.Remind", "reminder id")
	}
	s.spawnOneShot(id, target, message, delay)
	logger.Infow("reminder scheduled",
		logger.FieldSessionID, target, logger.FieldID, id, "fire_at", fireAt.Format(time.RFC3339))
	return id, nil
}

// CancelReminder 取消未触发的提醒。
func (s *Scheduler) CancelReminder(id int64) {
	s.mu.Lock()
	if t, ok := s.oneShots[id]; ok {
		t.cancel()
		delete(s.oneShots, id)
	}
	s.mu.Unlock()
	_, _ = s.db.Conn().ExecContext(context.Background(),
		`UPDATE scheduled_reminders SET fired = 1 WHERE id = ?`, id)
}

// spawnOneShot 启动一次性提醒任务。delay 已过期时立即触发。
func (s *Scheduler) spawnOneShot(id int64, target, message string, delay time.Duration) {
	t := s.spawn("reminder", func(ctx context.Context) {
		defer func() {
			s.mu.Lock()
			delete(s.oneShots, id)
			s.mu.Unlock()
		}()
		if delay > 0 {
			if !util.Sleep(ctx, delay) {
				return
			}
		}
		s.fireReminder(ctx, id, target, message)
	})
	s.mu.Lock()
	s.oneShots[id] = t
	s.mu.Unlock()
}

// fireReminder 触发提醒。目标压缩中时等待, 超出上限后照常投递。
func (s *Scheduler) fireReminder(ctx context.Context, id int64, target, message string) {
	deadline := time.Now().Add(s.opts.CompactWaitMax)
	for {
		sess, ok := s.reg.Get(target)
		if !ok {
			// 目标已消失, 标记已触发避免重启后复活
			_, _ = s.db.Conn().ExecContext(ctx,
				`UPDATE scheduled_reminders SET fired = 1 WHERE id = ?`, id)
			return
		}
		if !sess.Compacting || time.Now().After(deadline) {
			break
		}
		if !util.Sleep(ctx, s.opts.CompactPoll) {
			return
		}
	}

	_, err := s.engine.QueueMessage(ctx, delivery.QueueParams{
		TargetID: target,
		Text:     message,
		Mode:     delivery.ModeUrgent,
		Category: "scheduled_reminder",
	})
	if err != nil {
		logger.Warn("reminder delivery failed",
			logger.FieldSessionID, target, logger.FieldID, id, logger.FieldError, err)
	}
	_, _ = s.db.Conn().ExecContext(ctx,
		`UPDATE scheduled_reminders SET fired = 1 WHERE id = ?`, id)
}
