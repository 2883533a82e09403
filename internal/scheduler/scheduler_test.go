package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/multi-agent/go-session-v2/internal/database"
	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/registry"
)

// ========================================
// 假终端
// ========================================

type fakeTerminal struct {
	mu      sync.Mutex
	sent    []string
	pasted  []string
	keys    []string
	capture string
	idle    bool
}

func (f *fakeTerminal) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTerminal) PasteOnly(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pasted = append(f.pasted, text)
	return nil
}

func (f *fakeTerminal) SendKey(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeTerminal) SendCtrlU() error { return f.SendKey("C-u") }
func (f *fakeTerminal) Interrupt() error { return f.SendKey("Escape") }

func (f *fakeTerminal) CaptureOutput(int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capture, nil
}

func (f *fakeTerminal) WaitForIdlePrompt(time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeTerminal) Alive() bool    { return true }
func (f *fakeTerminal) Kill() error    { return nil }
func (f *fakeTerminal) Target() string { return "sm-fake" }

func (f *fakeTerminal) setCapture(s string) {
	f.mu.Lock()
	f.capture = s
	f.mu.Unlock()
}

func (f *fakeTerminal) injectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent) + len(f.pasted)
}

// ========================================
// 测试装配
// ========================================

type harness struct {
	db    *database.DB
	reg   *registry.Registry
	queue *delivery.Queue
	eng   *delivery.Engine
	sched *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	migrations := append(append([]database.Migration{}, delivery.Migrations...), Migrations...)
	if err := database.Migrate(context.Background(), db, migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := registry.New(filepath.Join(dir, "state.json"), func(string) bool { return true })
	queue := delivery.NewQueue(db)

	dopts := delivery.DefaultOptions()
	dopts.IdlePromptWait = 5 * time.Millisecond
	eng := delivery.NewEngine(reg, queue, dopts)

	opts := DefaultOptions()
	opts.Tick = 2 * time.Millisecond
	opts.DefaultWakePeriod = 10 * time.Millisecond
	opts.EscalatedPeriod = 4 * time.Millisecond
	opts.CompactWaitMax = 100 * time.Millisecond
	opts.CompactPoll = 2 * time.Millisecond
	opts.WatchPoll = 2 * time.Millisecond

	sched := New(db, reg, eng, nil, opts)
	t.Cleanup(func() { sched.Shutdown(time.Second) })
	eng.SetRemindRegistrar(sched)
	return &harness{db: db, reg: reg, queue: queue, eng: eng, sched: sched}
}

func (h *harness) terminalSession(t *testing.T, ft *fakeTerminal, isEM bool) string {
	t.Helper()
	s, err := h.reg.Create(registry.CreateParams{
		WorkingDir: "/tmp/w", Kind: registry.KindTerminal, IsEM: isEM,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.reg.Update(s.ID, func(sess *registry.Session) {
		sess.Terminal = ft
		sess.TmuxTarget = "sm-" + s.ID
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return s.ID
}

// targetTexts 目标队列里的全部消息文本 (含已投递)。
func (h *harness) targetTexts(t *testing.T, target string) []string {
	t.Helper()
	msgs, err := h.queue.ListForTarget(context.Background(), target, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	return texts
}

func (h *harness) hasText(t *testing.T, target, substr string) bool {
	for _, txt := range h.targetTexts(t, target) {
		if strings.Contains(txt, substr) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	waitForWithin(t, desc, 2*time.Second, cond)
}

func waitForWithin(t *testing.T, desc string, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// ========================================
// 周期提醒
// ========================================

func TestPeriodicRemindSoftFires(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{idle: true}
	target := h.terminalSession(t, ft, false)

	h.sched.RegisterPeriodicRemind(target, 1, 100)
	if !h.sched.HasActiveRemind(target) {
		t.Fatal("remind should be active after registration")
	}

	waitForWithin(t, "soft remind", 3*time.Second, func() bool {
		return h.hasText(t, target, RemindPrefix)
	})

	// 软提醒只发一次, 不重复
	time.Sleep(50 * time.Millisecond)
	count := 0
	for _, txt := range h.targetTexts(t, target) {
		if strings.Contains(txt, RemindPrefix) {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("soft remind fired %d times, want 1", count)
	}
}

func TestPeriodicRemindSoftDedupByPrefix(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{} // 不空闲: 消息滞留队列
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	// 队列里已有一条未投递的提醒 → 软提醒被吸收
	if err := h.queue.Insert(ctx, &delivery.Message{
		TargetID: target, Text: RemindPrefix + " earlier reminder", Mode: delivery.ModeImportant,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h.sched.RegisterPeriodicRemind(target, 1, 100)
	time.Sleep(1500 * time.Millisecond)

	count := 0
	for _, txt := range h.targetTexts(t, target) {
		if strings.Contains(txt, RemindPrefix) {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("want only the pre-existing reminder, got %d reminder rows", count)
	}
}

func TestPeriodicRemindHardEscalatesAndResets(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{idle: true}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	h.sched.RegisterPeriodicRemind(target, 1, 2)

	waitForWithin(t, "hard remind", 5*time.Second, func() bool {
		msgs, err := h.queue.ListForTarget(ctx, target, 100)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, m := range msgs {
			if m.Mode == delivery.ModeUrgent && strings.Contains(m.Text, "URGENT") {
				return true
			}
		}
		return false
	})
}

func TestRegisterPeriodicRemindReplacesExisting(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)

	h.sched.RegisterPeriodicRemind(target, 100, 300)
	h.sched.RegisterPeriodicRemind(target, 50, 150)

	var count, softS int
	err := h.db.Conn().QueryRow(
		`SELECT COUNT(*), MAX(soft_threshold_s) FROM periodic_reminds WHERE target_id = ?`, target,
	).Scan(&count, &softS)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("want single persisted registration, got %d", count)
	}
	if softS != 50 {
		t.Fatalf("soft threshold = %d, want 50 (replacement)", softS)
	}
	if !h.sched.HasActiveRemind(target) {
		t.Fatal("replacement should leave an active task")
	}
}

func TestReplaceRegistrationJoinsOldLoop(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	parent := h.terminalSession(t, &fakeTerminal{}, true)

	h.sched.RegisterPeriodicRemind(target, 100, 300)
	h.sched.mu.Lock()
	oldRemind := h.sched.remindTasks[target]
	h.sched.mu.Unlock()

	// 重注册返回时前任循环必须已退出, 否则存在双循环双发窗口
	h.sched.RegisterPeriodicRemind(target, 50, 150)
	select {
	case <-oldRemind.done:
	default:
		t.Fatal("old remind loop still running after re-registration")
	}
	if !h.sched.HasActiveRemind(target) {
		t.Fatal("replacement remind task missing")
	}

	h.sched.RegisterParentWake(target, parent, 100)
	h.sched.mu.Lock()
	oldWake := h.sched.wakeTasks[target]
	h.sched.mu.Unlock()

	h.sched.RegisterParentWake(target, parent, 50)
	select {
	case <-oldWake.done:
	default:
		t.Fatal("old wake loop still running after re-registration")
	}
	h.sched.mu.Lock()
	newWake := h.sched.wakeTasks[target]
	h.sched.mu.Unlock()
	if newWake == nil || newWake == oldWake {
		t.Fatal("replacement wake task missing")
	}
}

func TestCancelRemindDeactivates(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)

	h.sched.RegisterPeriodicRemind(target, 100, 300)
	h.sched.CancelRemind(target)

	if h.sched.HasActiveRemind(target) {
		t.Fatal("remind should be inactive after cancel")
	}
	var active int
	if err := h.db.Conn().QueryRow(
		`SELECT is_active FROM periodic_reminds WHERE target_id = ?`, target,
	).Scan(&active); err != nil {
		t.Fatalf("query: %v", err)
	}
	if active != 0 {
		t.Fatal("persisted row should be deactivated")
	}
}

// ========================================
// 父唤醒
// ========================================

func TestParentWakeDigest(t *testing.T) {
	h := newHarness(t)
	childFT := &fakeTerminal{}
	parentFT := &fakeTerminal{}
	child := h.terminalSession(t, childFT, false)
	parent := h.terminalSession(t, parentFT, true)

	if err := h.reg.Update(child, func(s *registry.Session) {
		s.AgentStatus = "implementing the parser"
		s.AgentStatusAt = time.Now()
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	h.sched.RegisterParentWake(child, parent, 0) // 0 → 测试用默认周期

	waitFor(t, "wake digest", func() bool {
		return h.hasText(t, parent, "[wake]")
	})
	if !h.hasText(t, parent, "implementing the parser") {
		t.Fatal("digest should carry the child's self-reported status")
	}
}

func TestParentWakeEscalatesOnNoProgress(t *testing.T) {
	h := newHarness(t)
	child := h.terminalSession(t, &fakeTerminal{}, false)
	parent := h.terminalSession(t, &fakeTerminal{}, true)

	statusAt := time.Now().Add(-time.Hour)
	if err := h.reg.Update(child, func(s *registry.Session) {
		s.AgentStatus = "stuck"
		s.AgentStatusAt = statusAt
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	h.sched.RegisterParentWake(child, parent, 0)

	// 状态时间戳不变 → 第二次唤醒起判定无进展
	waitFor(t, "no-progress warning", func() bool {
		return h.hasText(t, parent, "no status change")
	})
	waitFor(t, "persisted escalation", func() bool {
		var escalated int
		if err := h.db.Conn().QueryRow(
			`SELECT escalated FROM parent_wakes WHERE child_id = ?`, child,
		).Scan(&escalated); err != nil {
			return false
		}
		return escalated == 1
	})
}

func TestParentWakeStopsWhenChildGone(t *testing.T) {
	h := newHarness(t)
	child := h.terminalSession(t, &fakeTerminal{}, false)
	parent := h.terminalSession(t, &fakeTerminal{}, true)

	h.sched.RegisterParentWake(child, parent, 0)
	waitFor(t, "first wake", func() bool { return h.hasText(t, parent, "[wake]") })

	if err := h.reg.Delete(child); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "wake deactivated", func() bool {
		var active int
		if err := h.db.Conn().QueryRow(
			`SELECT is_active FROM parent_wakes WHERE child_id = ?`, child,
		).Scan(&active); err != nil {
			return false
		}
		return active == 0
	})
}

// ========================================
// 一次性提醒
// ========================================

func TestScheduleReminderFiresUrgent(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{idle: true}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	id, err := h.sched.ScheduleReminder(ctx, target, "check the deploy", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, "reminder fired", func() bool {
		msgs, err := h.queue.ListForTarget(ctx, target, 100)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Mode == delivery.ModeUrgent && m.Text == "check the deploy" {
				return true
			}
		}
		return false
	})
	waitFor(t, "fired flag", func() bool {
		var fired int
		if err := h.db.Conn().QueryRow(
			`SELECT fired FROM scheduled_reminders WHERE id = ?`, id,
		).Scan(&fired); err != nil {
			return false
		}
		return fired == 1
	})
}

func TestScheduleReminderWaitsForCompaction(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{idle: true}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	if err := h.reg.Update(target, func(s *registry.Session) { s.Compacting = true }); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := h.sched.ScheduleReminder(ctx, target, "after compaction", 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if h.hasText(t, target, "after compaction") {
		t.Fatal("reminder should wait while the target is compacting")
	}

	if err := h.reg.Update(target, func(s *registry.Session) { s.Compacting = false }); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, "reminder after compaction", func() bool {
		return h.hasText(t, target, "after compaction")
	})
}

func TestScheduleReminderRejectsUnknownTarget(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sched.ScheduleReminder(context.Background(), "nope", "msg", 0); err == nil {
		t.Fatal("want error for unknown target")
	}
}

// ========================================
// 会话观察
// ========================================

func TestWatchSessionIdleNotification(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{idle: true}
	target := h.terminalSession(t, ft, false)
	watcher := h.terminalSession(t, &fakeTerminal{}, false)

	h.eng.MarkSessionIdle(target, "", false)
	if err := h.sched.WatchSession(target, watcher, 60); err != nil {
		t.Fatalf("watch: %v", err)
	}

	waitFor(t, "idle notification", func() bool {
		return h.hasText(t, watcher, "is now idle")
	})
}

func TestWatchSessionTimeout(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{} // 始终忙碌, 无提示符
	target := h.terminalSession(t, ft, false)
	watcher := h.terminalSession(t, &fakeTerminal{}, false)

	if err := h.reg.SetStatus(target, registry.StatusRunning); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := h.sched.WatchSession(target, watcher, 1); err != nil {
		t.Fatalf("watch: %v", err)
	}

	waitForWithin(t, "timeout notification", 3*time.Second, func() bool {
		return h.hasText(t, watcher, "timeout:")
	})
}

func TestWatchPromptProbeRequiresTwoPositives(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	watcher := h.terminalSession(t, &fakeTerminal{}, false)

	// 内存位与 registry 状态都说忙; 只有 pane 提示符说空闲
	if err := h.reg.SetStatus(target, registry.StatusRunning); err != nil {
		t.Fatalf("status: %v", err)
	}
	ft.setCapture("some output\n> ")

	if err := h.sched.WatchSession(target, watcher, 60); err != nil {
		t.Fatalf("watch: %v", err)
	}
	waitFor(t, "idle via prompt probe", func() bool {
		return h.hasText(t, watcher, "is now idle")
	})
}

func TestWatchSuppressedByRecentStopNotify(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{idle: true}
	target := h.terminalSession(t, ft, false)
	emFT := &fakeTerminal{idle: true}
	em := h.terminalSession(t, emFT, true)
	ctx := context.Background()

	// em 发送带 notify_on_stop 的消息, 投递后 stop → 发射 stop 通知
	if _, err := h.eng.QueueMessage(ctx, delivery.QueueParams{
		TargetID: target, SenderID: em, Text: "do the thing",
		Mode: delivery.ModeSequential, NotifyOnStop: true,
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	h.eng.MarkSessionIdle(target, "", false)
	waitFor(t, "message delivered", func() bool { return ft.injectedCount() > 0 })
	time.Sleep(20 * time.Millisecond)
	h.eng.MarkSessionIdle(target, "task done", true)
	waitFor(t, "stop notification", func() bool { return h.hasText(t, em, "finished its task") })

	// 同一 (target, watcher) 的 watch 空闲通知被抑制
	if err := h.sched.WatchSession(target, em, 60); err != nil {
		t.Fatalf("watch: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if h.hasText(t, em, "is now idle") {
		t.Fatal("watch idle notification should be suppressed by the recent stop notification")
	}
}

func TestWatchNotifiesWhenTargetStops(t *testing.T) {
	h := newHarness(t)
	target := h.terminalSession(t, &fakeTerminal{}, false)
	watcher := h.terminalSession(t, &fakeTerminal{}, false)

	if err := h.reg.SetStatus(target, registry.StatusRunning); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := h.sched.WatchSession(target, watcher, 60); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := h.reg.SetStatus(target, registry.StatusStopped); err != nil {
		t.Fatalf("stop: %v", err)
	}

	waitFor(t, "stopped notification", func() bool {
		return h.hasText(t, watcher, "has stopped")
	})
}

// ========================================
// 生命周期与恢复
// ========================================

func TestCancelForSessionStopsAllTasks(t *testing.T) {
	h := newHarness(t)
	target := h.terminalSession(t, &fakeTerminal{}, false)
	parent := h.terminalSession(t, &fakeTerminal{}, true)

	h.sched.RegisterPeriodicRemind(target, 100, 300)
	h.sched.RegisterParentWake(target, parent, 600)
	if err := h.sched.WatchSession(target, parent, 600); err != nil {
		t.Fatalf("watch: %v", err)
	}

	h.sched.CancelForSession(target)

	if h.sched.HasActiveRemind(target) {
		t.Fatal("remind should be cancelled")
	}
	h.sched.mu.Lock()
	_, wakeActive := h.sched.wakeTasks[target]
	watchCount := len(h.sched.watchTasks)
	h.sched.mu.Unlock()
	if wakeActive {
		t.Fatal("wake should be cancelled")
	}
	if watchCount != 0 {
		t.Fatalf("watch tasks remaining: %d", watchCount)
	}
}

func TestLoadPersistedReschedulesActiveTasks(t *testing.T) {
	h := newHarness(t)
	target := h.terminalSession(t, &fakeTerminal{}, false)
	parent := h.terminalSession(t, &fakeTerminal{}, true)
	ctx := context.Background()

	h.sched.RegisterPeriodicRemind(target, 100, 300)
	h.sched.RegisterParentWake(target, parent, 600)
	if _, err := h.sched.ScheduleReminder(ctx, target, "later", time.Hour); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.sched.Shutdown(time.Second)

	fresh := New(h.db, h.reg, h.eng, nil, h.sched.opts)
	t.Cleanup(func() { fresh.Shutdown(time.Second) })
	if err := fresh.LoadPersisted(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	if !fresh.HasActiveRemind(target) {
		t.Fatal("remind should be restored")
	}
	fresh.mu.Lock()
	_, wakeActive := fresh.wakeTasks[target]
	oneShotCount := len(fresh.oneShots)
	fresh.mu.Unlock()
	if !wakeActive {
		t.Fatal("parent wake should be restored")
	}
	if oneShotCount != 1 {
		t.Fatalf("one-shot reminders restored: %d, want 1", oneShotCount)
	}
}
