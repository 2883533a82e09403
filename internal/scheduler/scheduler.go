// Package scheduler 定时任务: 周期提醒、父会话唤醒、一次性提醒、会话观察。
//
// 不变式: 同一目标任一时刻至多一个周期提醒任务与一个父唤醒任务
// (one-active-per-target); 重注册先取消前任再落新任务句柄。
// 注册行持久化在 queue.db, 重启后恢复活跃注册。
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/multi-agent/go-session-v2/internal/database"
	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/obslog"
	"github.com/multi-agent/go-session-v2/internal/registry"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// RemindPrefix 周期提醒文本前缀 (去重依据)。
const RemindPrefix = "[reminder]"

// Migrations 调度器在 queue.db 中的表。
var Migrations = []database.Migration{
	{
		Version: "002_scheduler",
		SQL: `
			CREATE TABLE IF NOT EXISTS periodic_reminds (
				target_id TEXT PRIMARY KEY,
				soft_threshold_s INTEGER NOT NULL,
				hard_threshold_s INTEGER NOT NULL,
				registered_at TEXT NOT NULL,
				last_reset_at TEXT NOT NULL,
				soft_fired INTEGER NOT NULL DEFAULT 0,
				is_active INTEGER NOT NULL DEFAULT 1
			);

			CREATE TABLE IF NOT EXISTS parent_wakes (
				child_id TEXT PRIMARY KEY,
				parent_id TEXT NOT NULL,
				period_s INTEGER NOT NULL,
				registered_at TEXT NOT NULL,
				last_wake_at TEXT,
				last_status_at_prev_wake TEXT,
				escalated INTEGER NOT NULL DEFAULT 0,
				is_active INTEGER NOT NULL DEFAULT 1
			);

			CREATE TABLE IF NOT EXISTS scheduled_reminders (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				target_id TEXT NOT NULL,
				message TEXT NOT NULL,
				fire_at TEXT NOT NULL,
				fired INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_scheduled_reminders_target
				ON scheduled_reminders (target_id, fired);
		`,
	},
}

// Options 调度器可调参数。
type Options struct {
	Tick              time.Duration // 周期提醒轮询
	DefaultWakePeriod time.Duration // 父唤醒默认周期
	EscalatedPeriod   time.Duration // 无进展升级后的周期
	CompactWaitMax    time.Duration // 一次性提醒的压缩等待上限
	CompactPoll       time.Duration
	WatchPoll         time.Duration
	StopNotifyWindow  time.Duration // watch 冗余抑制窗口
	PaneCaptureLines  int
	WakeDigestEvents  int // 唤醒摘要携带的工具事件条数
}

// DefaultOptions 默认参数。
func DefaultOptions() Options {
	return Options{
		Tick:              5 * time.Second,
		DefaultWakePeriod: 600 * time.Second,
		EscalatedPeriod:   300 * time.Second,
		CompactWaitMax:    300 * time.Second,
		CompactPoll:       5 * time.Second,
		WatchPoll:         5 * time.Second,
		StopNotifyWindow:  60 * time.Second,
		PaneCaptureLines:  50,
		WakeDigestEvents:  5,
	}
}

// Scheduler 调度器。实现 delivery.RemindRegistrar。
type Scheduler struct {
	db     *database.DB
	reg    *registry.Registry
	engine *delivery.Engine
	obs    *obslog.Logger
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	remindTasks map[string]*task // target → 任务句柄
	wakeTasks   map[string]*task // child → 任务句柄
	watchTasks  map[string]*task // target|watcher → 任务句柄
	oneShots    map[int64]*task  // reminder id → 任务句柄
}

// task 受监督子任务句柄。done 在 goroutine 退出后关闭,
// 重注册时先 join 前任, 保证 one-active-per-target 无重叠窗口。
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop 取消任务并等待其退出。nil 安全。
func (t *task) stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// New 创建调度器。
func New(db *database.DB, reg *registry.Registry, engine *delivery.Engine, obs *obslog.Logger, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts = DefaultOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:          db,
		reg:         reg,
		engine:      engine,
		obs:         obs,
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
		remindTasks: make(map[string]*task),
		wakeTasks:   make(map[string]*task),
		watchTasks:  make(map[string]*task),
		oneShots:    make(map[int64]*task),
	}
}

// LoadPersisted 重启后恢复活跃注册与未触发的一次性提醒。
func (s *Scheduler) LoadPersisted(ctx context.Context) error {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT target_id, soft_threshold_s, hard_threshold_s
		FROM periodic_reminds WHERE is_active = 1`)
	if err != nil {
		return apperrors.Wrap(err, "Scheduler.Load", "periodic reminds")
	}
	type remindRow struct {
		target     string
		soft, hard int
	}
	var reminds []remindRow
	for rows.Next() {
		var r remindRow
		if err := rows.Scan(&r.target, &r.soft, &r.hard); err != nil {
			rows.Close()
			return apperrors.Wrap(err, "Scheduler.Load", "scan remind")
		}
		reminds = append(reminds, r)
	}
	rows.Close()
	for _, r := range reminds {
		if s.reg.Exists(r.target) {
			s.RegisterPeriodicRemind(r.target, r.soft, r.hard)
		}
	}

	rows, err = s.db.Conn().QueryContext(ctx, `
		SELECT child_id, parent_id, period_s FROM parent_wakes WHERE is_active = 1`)
	if err != nil {
		return apperrors.Wrap(err, "Scheduler.Load", "parent wakes")
	}
	type wakeRow struct {
		child, parent string
		period        int
	}
	var wakes []wakeRow
	for rows.Next() {
		var w wakeRow
		if err := rows.Scan(&w.child, &w.parent, &w.period); err != nil {
			rows.Close()
			return apperrors.Wrap(err, "Scheduler.Load", "scan wake")
		}
		wakes = append(wakes, w)
	}
	rows.Close()
	for _, w := range wakes {
		if s.reg.Exists(w.child) && s.reg.Exists(w.parent) {
			s.RegisterParentWake(w.child, w.parent, w.period)
		}
	}

	rows, err = s.db.Conn().QueryContext(ctx, `
		SELECT id, target_id, message, fire_at FROM scheduled_reminders WHERE fired = 0`)
	if err != nil {
		return apperrors.Wrap(err, "Scheduler.Load", "one-shot reminders")
	}
	type oneShotRow struct {
		id      int64
		target  string
		message string
		fireAt  time.Time
	}
	var shots []oneShotRow
	for rows.Next() {
		var o oneShotRow
		var fireAt string
		if err := rows.Scan(&o.id, &o.target, &o.message, &fireAt); err != nil {
			rows.Close()
			return apperrors.Wrap(err, "Scheduler.Load", "scan reminder")
		}
		o.fireAt, _ = time.Parse(time.RFC3339Nano, fireAt)
		shots = append(shots, o)
	}
	rows.Close()
	for _, o := range shots {
		if s.reg.Exists(o.target) {
			s.spawnOneShot(o.id, o.target, o.message, time.Until(o.fireAt))
		}
	}
	return nil
}

// Shutdown 取消全部任务并等待退出。
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logger.Warn("scheduler shutdown timed out")
		return false
	}
}

// spawn 启动一个受监督的子任务, 返回其句柄。
func (s *Scheduler) spawn(name string, fn func(ctx context.Context)) *task {
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.wg.Add(1)
	util.SafeGo(func() {
		defer s.wg.Done()
		defer close(t.done)
		logger.Debug("scheduler task started", logger.FieldName, name)
		fn(ctx)
	})
	return t
}

// CancelForSession 会话生命周期事件 (kill/clear/stop) 的统一取消入口。
func (s *Scheduler) CancelForSession(sessionID string) {
	s.CancelRemind(sessionID)
	s.CancelParentWake(sessionID)

	s.mu.Lock()
	for key, t := range s.watchTasks {
		if len(key) > len(sessionID) && key[:len(sessionID)] == sessionID && key[len(sessionID)] == '|' {
			t.cancel()
			delete(s.watchTasks, key)
		}
	}
	s.mu.Unlock()
}

// ========================================
// 周期提醒 (4.H.1)
// ========================================

// RegisterPeriodicRemind 注册周期提醒, 替换同目标既有注册。
func (s *Scheduler) RegisterPeriodicRemind(target string, softS, hardS int) {
	if softS <= 0 {
		return
	}
	if hardS <= softS {
		hardS = softS * 3
	}

	now := time.Now().UTC()
	// 替换前 join 前任, 避免新旧两个循环短暂并存双发提醒
	s.mu.Lock()
	old := s.remindTasks[target]
	delete(s.remindTasks, target)
	s.mu.Unlock()
	old.stop()

	_, err := s.db.Conn().ExecContext(s.ctx, `
		INSERT INTO periodic_reminds
			(target_id, soft_threshold_s, hard_threshold_s, registered_at, last_reset_at, soft_fired, is_active)
		VALUES (?, ?, ?, ?, ?, 0, 1)
		ON CONFLICT (target_id) DO UPDATE SET
			soft_threshold_s = excluded.soft_threshold_s,
			hard_threshold_s = excluded.hard_threshold_s,
			registered_at = excluded.registered_at,
			last_reset_at = excluded.last_reset_at,
			soft_fired = 0, is_active = 1`,
		target, softS, hardS,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		logger.Errorw("periodic remind persist failed",
			logger.FieldSessionID, target, logger.FieldError, err)
		return
	}

	t := s.spawn("remind-"+target, func(ctx context.Context) {
		s.remindLoop(ctx, target, time.Duration(softS)*time.Second, time.Duration(hardS)*time.Second)
	})
	s.mu.Lock()
	s.remindTasks[target] = t
	s.mu.Unlock()
	logger.Infow("periodic remind registered",
		logger.FieldSessionID, target, "soft_s", softS, "hard_s", hardS)
}

// remindLoop 每 tick 检查软/硬阈值。
func (s *Scheduler) remindLoop(ctx context.Context, target string, soft, hard time.Duration) {
	lastReset := time.Now()
	softFired := false

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, ok := s.reg.Get(target)
		if !ok || sess.Status == registry.StatusStopped {
			s.CancelRemind(target)
			return
		}
		// 压缩中的会话跳过本轮
		if sess.Compacting {
			continue
		}

		elapsed := time.Since(lastReset)
		switch {
		case elapsed >= hard:
			_, _ = s.engine.QueueMessage(ctx, delivery.QueueParams{
				TargetID: target,
				Text:     RemindPrefix + " URGENT: you have not reported status for a long time. Update your status now.",
				Mode:     delivery.ModeUrgent,
			})
			lastReset = time.Now()
			softFired = false
			s.persistRemindState(target, lastReset, softFired)

		case elapsed >= soft && !softFired:
			if s.engine.HasPendingWithPrefix(ctx, target, RemindPrefix) {
				softFired = true
				s.persistRemindState(target, lastReset, softFired)
				continue
			}
			_, _ = s.engine.QueueMessage(ctx, delivery.QueueParams{
				TargetID: target,
				Text:     RemindPrefix + " please update your status.",
				Mode:     delivery.ModeImportant,
			})
			softFired = true
			s.persistRemindState(target, lastReset, softFired)
		}
	}
}

func (s *Scheduler) persistRemindState(target string, lastReset time.Time, softFired bool) {
	_, err := s.db.Conn().ExecContext(context.Background(), `
		UPDATE periodic_reminds SET last_reset_at = ?, soft_fired = ? WHERE target_id = ?`,
		lastReset.UTC().Format(time.RFC3339Nano), boolInt(softFired), target)
	if err != nil {
		logger.Warn("remind state persist failed", logger.FieldSessionID, target, logger.FieldError, err)
	}
}

// ResetRemind 代理自报状态到达时重置周期。
//
// 实现为重注册: 读回阈值, 取消旧任务, 以新起点重新起任务。
func (s *Scheduler) ResetRemind(target string) {
	var softS, hardS int
	err := s.db.Conn().QueryRowContext(context.Background(), `
		SELECT soft_threshold_s, hard_threshold_s FROM periodic_reminds
		WHERE target_id = ? AND is_active = 1`, target).Scan(&softS, &hardS)
	if err != nil {
		return
	}
	s.RegisterPeriodicRemind(target, softS, hardS)
}

// CancelRemind 取消目标的周期提醒。
// 只取消不 join: remindLoop 自身的退出路径也走这里。
func (s *Scheduler) CancelRemind(target string) {
	s.mu.Lock()
	if t, ok := s.remindTasks[target]; ok {
		t.cancel()
		delete(s.remindTasks, target)
	}
	s.mu.Unlock()
	_, _ = s.db.Conn().ExecContext(context.Background(),
		`UPDATE periodic_reminds SET is_active = 0 WHERE target_id = ?`, target)
}

// HasActiveRemind 目标是否有活跃的周期提醒任务。
func (s *Scheduler) HasActiveRemind(target string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.remindTasks[target]
	return ok
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
