package delivery

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/multi-agent/go-session-v2/internal/database"
	"github.com/multi-agent/go-session-v2/internal/registry"
)

// ========================================
// 假适配器
// ========================================

type fakeTerminal struct {
	mu      sync.Mutex
	sent    []string
	pasted  []string
	keys    []string
	capture string
	idle    bool
	fail    bool
}

func (f *fakeTerminal) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFake
	}
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

func (f *fakeTerminal) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTerminal) sentKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *fakeTerminal) setCapture(s string) {
	f.mu.Lock()
	f.capture = s
	f.mu.Unlock()
}

type fakeRPC struct {
	mu      sync.Mutex
	turns   []string
	threads int
}

func (f *fakeRPC) SendUserTurn(text, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, text)
	return "turn-1", nil
}

func (f *fakeRPC) InterruptTurn() error { return nil }

func (f *fakeRPC) StartNewThread(string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return "th-new", nil
}

func (f *fakeRPC) ReviewStart(_, _, _, _, _ string) (map[string]any, error) { return nil, nil }
func (f *fakeRPC) ThreadID() string                                         { return "th-1" }
func (f *fakeRPC) Running() bool                                            { return true }
func (f *fakeRPC) Close() error                                             { return nil }

var errFake = &fakeError{}

type fakeError struct{}

func (*fakeError) Error() string { return "fake adapter failure" }

// ========================================
// 测试装配
// ========================================

type harness struct {
	reg    *registry.Registry
	queue  *Queue
	engine *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db, Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := registry.New(filepath.Join(dir, "state.json"), func(string) bool { return true })
	queue := NewQueue(db)

	opts := DefaultOptions()
	opts.IdlePromptWait = 5 * time.Millisecond
	opts.HandoffClearWait = 5 * time.Millisecond
	opts.StaleInputTimeout = 5 * time.Millisecond
	return &harness{reg: reg, queue: queue, engine: NewEngine(reg, queue, opts)}
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

func (h *harness) rpcSession(t *testing.T, fr *fakeRPC) string {
	t.Helper()
	s, err := h.reg.Create(registry.CreateParams{
		WorkingDir: "/tmp/w", Kind: registry.KindRPC,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.reg.Update(s.ID, func(sess *registry.Session) {
		sess.RPC = fr
		sess.ThreadID = "th-1"
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	return s.ID
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func settle() { time.Sleep(50 * time.Millisecond) }

// ========================================
// 投递路径
// ========================================

func TestRapidDuplicateStopsSingleDelivery(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	if err := h.queue.Insert(ctx, &Message{TargetID: target, Text: "work item", Mode: ModeSequential}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h.engine.MarkSessionIdle(target, "", true)
	h.engine.MarkSessionIdle(target, "", true)
	h.engine.MarkSessionIdle(target, "", true)

	waitFor(t, "delivery", func() bool { return len(ft.sentTexts()) >= 1 })
	settle()

	if got := len(ft.sentTexts()); got != 1 {
		t.Fatalf("pastes = %d, want exactly 1", got)
	}
	pending, _ := h.queue.LoadPending(ctx, target, false)
	if len(pending) != 0 {
		t.Errorf("queue should be drained: %+v", pending)
	}
}

func TestUrgentPreemptsSequential(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{idle: true}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	h.engine.MarkSessionIdle(target, "", true)
	settle()
	ft.mu.Lock()
	ft.sent = nil
	ft.mu.Unlock()

	msgA := &Message{TargetID: target, Text: "A", Mode: ModeSequential}
	if err := h.queue.Insert(ctx, msgA); err != nil {
		t.Fatalf("insert: %v", err)
	}
	msgB := &Message{TargetID: target, Text: "B", Mode: ModeUrgent}
	if err := h.queue.Insert(ctx, msgB); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h.engine.deliverUrgent(msgB)
	h.engine.tryDeliver(target, false)

	sent := ft.sentTexts()
	if len(sent) != 2 || sent[0] != "B" || sent[1] != "A" {
		t.Fatalf("sent = %v, want [B A]", sent)
	}
	keys := ft.sentKeys()
	var sawEscape bool
	for _, k := range keys {
		if k == "Escape" {
			sawEscape = true
		}
	}
	if !sawEscape {
		t.Error("urgent path should interrupt with Escape")
	}

	for _, m := range []*Message{msgA, msgB} {
		got, err := h.queue.Get(ctx, m.ID)
		if err != nil || got == nil || got.DeliveredAt == nil {
			t.Errorf("message %s should be delivered: %+v err=%v", m.ID, got, err)
		}
	}
}

func TestPasteBufferedStopNotify(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	sender := h.terminalSession(t, &fakeTerminal{}, true)
	ctx := context.Background()

	// 目标运行中 (非空闲), 投递 mid-turn 发生
	if err := h.queue.Insert(ctx, &Message{
		TargetID: target, SenderID: sender, SenderName: "em",
		Text: "hi", Mode: ModeSequential, NotifyOnStop: true,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	h.engine.tryDeliver(target, false)

	if len(ft.sentTexts()) != 1 {
		t.Fatal("message should be pasted mid-turn")
	}
	snap := h.engine.State(target)
	if snap.StopNotifySenderID != "" {
		t.Error("notify slot should be buffered, not active, after mid-turn paste")
	}

	// Task-X 结束: 本次 stop 不通知 (缓冲晋升)
	h.engine.MarkSessionIdle(target, "", true)
	settle()
	all, _ := h.queue.ListForTarget(ctx, sender, 50)
	for _, m := range all {
		if strings.Contains(m.Text, "idle") {
			t.Errorf("first stop must not notify: %q", m.Text)
		}
	}

	// Task-Y 结束: 恰好一次通知
	h.engine.MarkSessionIdle(target, "", true)
	waitFor(t, "stop notification", func() bool {
		msgs, _ := h.queue.ListForTarget(context.Background(), sender, 50)
		for _, m := range msgs {
			if strings.Contains(m.Text, target) && strings.Contains(m.Text, "idle") {
				return true
			}
		}
		return false
	})
}

func TestSkipFenceAbsorbsStopWithinWindow(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)

	h.engine.ArmSkipFence(target)
	h.engine.MarkSessionIdle(target, "", true)

	snap := h.engine.State(target)
	if snap.IsIdle {
		t.Error("absorbed stop must not set is_idle")
	}
	if snap.SkipCount != 0 {
		t.Errorf("skip count = %d, want 0 after absorption", snap.SkipCount)
	}
}

func TestStaleSkipFenceDoesNotSwallowStop(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)

	st := h.engine.states.state(target)
	st.mu.Lock()
	st.skipCount = 1
	st.skipArmedAt = time.Now().Add(-time.Minute) // 远超 8s 窗口
	st.mu.Unlock()

	h.engine.MarkSessionIdle(target, "", true)

	snap := h.engine.State(target)
	if !snap.IsIdle {
		t.Error("stale fence must not swallow a genuine stop")
	}
	if snap.SkipCount != 0 {
		t.Error("stale fence should be reset")
	}
}

func TestSelfNotificationSuppression(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	sender := h.terminalSession(t, &fakeTerminal{}, true)
	ctx := context.Background()

	st := h.engine.states.state(target)
	st.mu.Lock()
	st.stopNotifySenderID = sender
	st.lastOutgoingTarget = sender
	st.lastOutgoingAt = time.Now() // 刚刚向 sender 发过消息
	st.mu.Unlock()

	h.engine.MarkSessionIdle(target, "", true)
	settle()

	msgs, _ := h.queue.ListForTarget(ctx, sender, 50)
	for _, m := range msgs {
		if strings.Contains(m.Text, "idle") {
			t.Errorf("suppressed notification leaked: %q", m.Text)
		}
	}
}

func TestNotifyOnStopRequiresEMSender(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	regular := h.terminalSession(t, &fakeTerminal{}, false)
	ctx := context.Background()

	// 非 em 发送方: 旗标被压制
	msg, err := h.engine.QueueMessage(ctx, QueueParams{
		TargetID: target, SenderID: regular, Text: "x", Mode: ModeSequential, NotifyOnStop: true,
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if msg.NotifyOnStop {
		t.Error("notify_on_stop from non-em sender must be suppressed")
	}

	// 未知发送方: 保守关闭
	msg, err = h.engine.QueueMessage(ctx, QueueParams{
		TargetID: target, SenderID: "ghost123", Text: "x", Mode: ModeSequential, NotifyOnStop: true,
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if msg.NotifyOnStop {
		t.Error("notify_on_stop from unknown sender must fail closed")
	}
}

func TestDeliveryDefersWhileUserTyping(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	ft.setCapture("output\n> half-typed command\n")
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	if err := h.queue.Insert(ctx, &Message{TargetID: target, Text: "msg", Mode: ModeSequential}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h.engine.tryDeliver(target, false)
	if len(ft.sentTexts()) != 0 {
		t.Fatal("delivery must defer while the user is typing")
	}

	ft.setCapture("output\n> \n")
	h.engine.tryDeliver(target, false)
	if len(ft.sentTexts()) != 1 {
		t.Fatal("delivery should proceed once the prompt is clear")
	}
}

func TestImportantOnlyFilter(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	if err := h.queue.Insert(ctx, &Message{TargetID: target, Text: "seq", Mode: ModeSequential}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := h.queue.Insert(ctx, &Message{TargetID: target, Text: "imp", Mode: ModeImportant}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h.engine.tryDeliver(target, true)
	sent := ft.sentTexts()
	if len(sent) != 1 || sent[0] != "imp" {
		t.Fatalf("sent = %v, want only the important message", sent)
	}

	pending, _ := h.queue.LoadPending(ctx, target, false)
	if len(pending) != 1 || pending[0].Text != "seq" {
		t.Errorf("pending = %+v, sequential message should remain", pending)
	}
}

func TestBatchJoinAndCap(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if err := h.queue.Insert(ctx, &Message{
			TargetID: target, Text: string(rune('a' + i)), Mode: ModeSequential,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		time.Sleep(time.Millisecond) // queued_at 区分顺序
	}

	h.engine.tryDeliver(target, false)
	sent := ft.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("sent = %v, want single batched paste", sent)
	}
	parts := strings.Split(sent[0], "\n\n")
	if len(parts) != 10 || parts[0] != "a" || parts[9] != "j" {
		t.Fatalf("batch = %v, want first 10 in FIFO order", parts)
	}

	h.engine.tryDeliver(target, false)
	sent = ft.sentTexts()
	if len(sent) != 2 || sent[1] != "k\n\nl" {
		t.Fatalf("second batch = %v, want remaining 2", sent)
	}
}

func TestRPCQueuePromotesIdleAndDelivers(t *testing.T) {
	h := newHarness(t)
	fr := &fakeRPC{}
	target := h.rpcSession(t, fr)

	if _, err := h.engine.QueueMessage(context.Background(), QueueParams{
		TargetID: target, Text: "do work", Mode: ModeSequential,
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	waitFor(t, "rpc delivery", func() bool {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		return len(fr.turns) == 1 && fr.turns[0] == "do work"
	})
}

func TestSteerBypassesQueue(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	if _, err := h.engine.QueueMessage(ctx, QueueParams{
		TargetID: target, Text: "steer text", Mode: ModeSteer,
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}

	waitFor(t, "steer injection", func() bool { return len(ft.sentTexts()) == 1 })

	pending, _ := h.queue.LoadPending(ctx, target, false)
	if len(pending) != 0 {
		t.Errorf("steer must not persist to the queue: %+v", pending)
	}
}

func TestCancelCategory(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	sender := h.terminalSession(t, &fakeTerminal{}, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.queue.Insert(ctx, &Message{
			TargetID: target, SenderID: sender, Text: "ctx warning",
			Mode: ModeSequential, Category: "context_monitor",
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := h.queue.Insert(ctx, &Message{
		TargetID: target, SenderID: sender, Text: "keep", Mode: ModeSequential,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := h.engine.CancelCategory(ctx, sender, "context_monitor")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled = %d, want 3", n)
	}
	pending, _ := h.queue.LoadPending(ctx, target, false)
	if len(pending) != 1 || pending[0].Text != "keep" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestPauseBlocksDeliveryWithoutDroppingMessages(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	if err := h.queue.Insert(ctx, &Message{TargetID: target, Text: "m", Mode: ModeSequential}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h.engine.PauseSession(target)
	h.engine.tryDeliver(target, false)
	if len(ft.sentTexts()) != 0 {
		t.Fatal("paused session must not receive deliveries")
	}
	pending, _ := h.queue.LoadPending(ctx, target, false)
	if len(pending) != 1 {
		t.Fatal("pause must not drop messages")
	}

	h.engine.UnpauseSession(target)
	waitFor(t, "post-unpause delivery", func() bool { return len(ft.sentTexts()) == 1 })
}

func TestRecoverQueueCleansDeadTargets(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	target := h.terminalSession(t, ft, false)
	ctx := context.Background()

	if err := h.queue.Insert(ctx, &Message{TargetID: target, Text: "live", Mode: ModeSequential}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := h.queue.Insert(ctx, &Message{TargetID: "deadbeef", Text: "dead", Mode: ModeSequential}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := h.engine.RecoverQueue(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	waitFor(t, "survivor delivery", func() bool { return len(ft.sentTexts()) == 1 })
	dead, _ := h.queue.LoadPending(ctx, "deadbeef", false)
	if len(dead) != 0 {
		t.Errorf("dead target messages should be purged: %+v", dead)
	}
}

// ========================================
// 交接
// ========================================

func TestHandoffHappyPath(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{idle: true}
	target := h.terminalSession(t, ft, false)

	h.engine.SetPendingHandoff(target, "/tmp/handoff.md")
	h.engine.MarkSessionIdle(target, "", true)

	waitFor(t, "handoff sequence", func() bool {
		sent := ft.sentTexts()
		return len(sent) == 2 && sent[0] == "/clear" &&
			sent[1] == "Read /tmp/handoff.md and continue from where you left off."
	})

	keys := ft.sentKeys()
	if len(keys) == 0 || keys[0] != "Escape" {
		t.Errorf("keys = %v, want Escape first", keys)
	}

	snap := h.engine.State(target)
	if snap.IsIdle {
		t.Error("session should be active after handoff")
	}
	if snap.SkipCount != 1 {
		t.Errorf("skip count = %d, want armed fence for the /clear stop", snap.SkipCount)
	}
	if snap.PendingHandoffPath != "" {
		t.Error("pending handoff path should be consumed")
	}

	sess, _ := h.reg.Get(target)
	if sess.LastHandoffPath != "/tmp/handoff.md" {
		t.Errorf("last_handoff_path = %q", sess.LastHandoffPath)
	}

	// /clear 自身的 stop 在窗内被栅栏吸收
	h.engine.MarkSessionIdle(target, "", true)
	snap = h.engine.State(target)
	if snap.IsIdle {
		t.Error("the /clear-induced stop must be absorbed by the fence")
	}
}

func TestHandoffFailureRestoresIdle(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{fail: true}
	target := h.terminalSession(t, ft, false)

	h.engine.SetPendingHandoff(target, "/tmp/h.md")
	h.engine.MarkSessionIdle(target, "", true)

	waitFor(t, "idle restore", func() bool { return h.engine.State(target).IsIdle })
}

// ========================================
// 滞留输入
// ========================================

func TestStaleInputSavedClearedAndRestored(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	ft.setCapture("out\n> fix the bug\n")
	target := h.terminalSession(t, ft, false)

	h.engine.checkStaleInput(target) // 首见, 记时
	time.Sleep(10 * time.Millisecond)
	h.engine.checkStaleInput(target) // 超时, 保存 + Ctrl-U

	snap := h.engine.State(target)
	if snap.SavedUserInput != "fix the bug" {
		t.Fatalf("saved = %q", snap.SavedUserInput)
	}
	keys := ft.sentKeys()
	if len(keys) == 0 || keys[len(keys)-1] != "C-u" {
		t.Errorf("keys = %v, want trailing C-u", keys)
	}

	// 下一次 stop 回填 (仅粘贴, 不回车)
	ft.setCapture("out\n> \n")
	h.engine.MarkSessionIdle(target, "", true)
	waitFor(t, "input restore", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.pasted) == 1 && ft.pasted[0] == "fix the bug"
	})
	if h.engine.State(target).SavedUserInput != "" {
		t.Error("saved input slot should clear after restore")
	}
}

func TestStaleInputChangedResetsClock(t *testing.T) {
	h := newHarness(t)
	ft := &fakeTerminal{}
	ft.setCapture("out\n> draft one\n")
	target := h.terminalSession(t, ft, false)

	h.engine.checkStaleInput(target)
	time.Sleep(10 * time.Millisecond)
	ft.setCapture("out\n> draft two\n") // 用户还在改
	h.engine.checkStaleInput(target)

	if h.engine.State(target).SavedUserInput != "" {
		t.Error("changing input must reset the stale clock, not save")
	}
}
