package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/multi-agent/go-session-v2/internal/codex"
	"github.com/multi-agent/go-session-v2/internal/config"
	"github.com/multi-agent/go-session-v2/internal/database"
	"github.com/multi-agent/go-session-v2/internal/delivery"
	"github.com/multi-agent/go-session-v2/internal/events"
	"github.com/multi-agent/go-session-v2/internal/hooks"
	"github.com/multi-agent/go-session-v2/internal/ledger"
	"github.com/multi-agent/go-session-v2/internal/obslog"
	"github.com/multi-agent/go-session-v2/internal/recovery"
	"github.com/multi-agent/go-session-v2/internal/registry"
	"github.com/multi-agent/go-session-v2/internal/scheduler"
	"github.com/multi-agent/go-session-v2/internal/service"
	"github.com/multi-agent/go-session-v2/internal/terminal"
)

// fakeRunner tmux 假 runner, 恒 idle prompt。
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeRunner) Run(args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if args[0] == "capture-pane" {
		return "> ", nil
	}
	return "", nil
}

// fakeRPC 假协程客户端。
type fakeRPC struct {
	mu    sync.Mutex
	cb    codex.Callbacks
	turns []string
}

func (f *fakeRPC) SetCallbacks(cb codex.Callbacks) { f.mu.Lock(); f.cb = cb; f.mu.Unlock() }
func (f *fakeRPC) Start(string) (string, error)   { return "thread-1", nil }
func (f *fakeRPC) SendUserTurn(text, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, text)
	return "turn-1", nil
}
func (f *fakeRPC) InterruptTurn() error             { return nil }
func (f *fakeRPC) StartNewThread(string) (string, error) { return "thread-2", nil }
func (f *fakeRPC) ReviewStart(string, string, string, string, string) (map[string]any, error) {
	return map[string]any{}, nil
}
func (f *fakeRPC) ThreadID() string { return "thread-1" }
func (f *fakeRPC) Running() bool    { return true }
func (f *fakeRPC) Close() error     { return nil }

type env struct {
	srv    *Server
	mgr    *service.Manager
	reg    *registry.Registry
	eng    *delivery.Engine
	ledger *ledger.Ledger
	sched  *scheduler.Scheduler
	events *events.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	openDB := func(name string, migrations []database.Migration) *database.DB {
		db, err := database.Open(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		t.Cleanup(func() { _ = db.Close() })
		if err := database.Migrate(ctx, db, migrations); err != nil {
			t.Fatalf("migrate %s: %v", name, err)
		}
		return db
	}

	queueDB := openDB("queue.db", append(append([]database.Migration{}, delivery.Migrations...), scheduler.Migrations...))
	eventsDB := openDB("events.db", events.Migrations)
	obsDB := openDB("observability.db", obslog.Migrations)
	ledgerDB := openDB("ledger.db", ledger.Migrations)

	reg := registry.New(filepath.Join(dir, "state.json"), func(string) bool { return true })
	queue := delivery.NewQueue(queueDB)
	eng := delivery.NewEngine(reg, queue, delivery.DefaultOptions())
	led, err := ledger.NewLedger(ctx, ledgerDB)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(led.Close)
	store := events.NewStore(eventsDB, events.DefaultOptions())
	obs := obslog.NewLogger(obsDB, obslog.DefaultOptions())

	schedOpts := scheduler.DefaultOptions()
	schedOpts.Tick = time.Millisecond
	sched := scheduler.New(queueDB, reg, eng, obs, schedOpts)
	t.Cleanup(func() { sched.Shutdown(time.Second) })
	eng.SetRemindRegistrar(sched)

	cfg := &config.Config{
		TerminalCLI: "claude", TerminalCLIArgs: "--dangerously-skip-permissions",
		CodexCommand: "codex", RPCCallTimeoutSec: 1, RPCCloseGraceSec: 1,
		RequestTimeoutSec: 5, HandoffClearSec: 1,
	}
	termOpts := terminal.DefaultOptions()
	termOpts.InterKeyDelay = time.Millisecond
	termOpts.InitialSettle = time.Millisecond
	termOpts.PromptPoll = time.Millisecond

	mgr := service.New(service.Deps{
		Cfg: cfg, Registry: reg, Engine: eng, Queue: queue, Sched: sched,
		Ledger: led, Events: store, Obs: obs,
		Recovery: recovery.New(reg, eng, recovery.DefaultOptions()),
		Runner:   &fakeRunner{}, TermOpts: termOpts,
	})
	mgr.SetRPCFactory(func(codex.SpawnParams) service.RPCClient { return &fakeRPC{} })

	ing := hooks.New(reg, eng, obs, sched)
	srv := New(Deps{Manager: mgr, Hooks: ing, Scheduler: sched, Events: store})

	return &env{srv: srv, mgr: mgr, reg: reg, eng: eng, ledger: led, sched: sched, events: store}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Engine().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return envelope.Data
}

func (e *env) createSession(t *testing.T, kind string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/sessions", map[string]any{
		"working_dir": t.TempDir(), "kind": kind,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatalf("no session id in %v", data)
	}
	return id
}

// ========================================
// 会话路由
// ========================================

func TestHealthAndSessionLifecycle(t *testing.T) {
	e := newEnv(t)

	if w := e.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}

	id := e.createSession(t, "terminal")

	w := e.do(t, http.MethodGet, "/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/sessions", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), id) {
		t.Fatalf("list missing session: %s", w.Body.String())
	}

	w = e.do(t, http.MethodDelete, "/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("kill = %d: %s", w.Code, w.Body.String())
	}
	got, _ := e.reg.Get(id)
	if got.Status != registry.StatusStopped {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/sessions", map[string]any{"kind": "terminal"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing working_dir = %d", w.Code)
	}
	w = e.do(t, http.MethodPost, "/sessions", map[string]any{
		"working_dir": t.TempDir(), "kind": "carrier-pigeon",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad kind = %d", w.Code)
	}
}

func TestKillUnknownSessionReturns404(t *testing.T) {
	e := newEnv(t)
	if w := e.do(t, http.MethodDelete, "/sessions/ghost", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestInputQueuedWithPosition(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t, "terminal")
	e.eng.MarkSessionActive(id)

	w := e.do(t, http.MethodPost, "/sessions/"+id+"/input", map[string]any{"text": "do the thing"})
	if w.Code != http.StatusOK {
		t.Fatalf("input = %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if data["status"] != "queued" {
		t.Fatalf("status = %v", data["status"])
	}
	if pos, _ := data["queue_position"].(float64); pos != 1 {
		t.Fatalf("queue_position = %v", data["queue_position"])
	}

	// 空文本拒绝
	w = e.do(t, http.MethodPost, "/sessions/"+id+"/input", map[string]any{"text": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty text = %d", w.Code)
	}
}

func TestClearAndReviewRoutes(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t, "rpc")

	if w := e.do(t, http.MethodPost, "/sessions/"+id+"/clear", map[string]any{}); w.Code != http.StatusOK {
		t.Fatalf("clear = %d: %s", w.Code, w.Body.String())
	}
	got, _ := e.reg.Get(id)
	if got.ThreadID != "thread-2" {
		t.Fatalf("thread not rotated: %q", got.ThreadID)
	}

	w := e.do(t, http.MethodPost, "/sessions/"+id+"/review", map[string]any{"mode": "branch", "base_branch": "main"})
	if w.Code != http.StatusOK {
		t.Fatalf("review = %d: %s", w.Code, w.Body.String())
	}
	got, _ = e.reg.Get(id)
	if got.Review == nil || got.Review.Mode != registry.ReviewModeBranch {
		t.Fatal("review config not stored")
	}
}

func TestHandoffRoute(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t, "terminal")

	w := e.do(t, http.MethodPost, "/sessions/"+id+"/handoff", map[string]any{"path": "/tmp/handoff.md"})
	if w.Code != http.StatusOK {
		t.Fatalf("handoff = %d: %s", w.Code, w.Body.String())
	}
	if e.eng.State(id).PendingHandoffPath != "/tmp/handoff.md" {
		t.Fatal("handoff not armed")
	}

	if w := e.do(t, http.MethodPost, "/sessions/"+id+"/handoff", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty path = %d", w.Code)
	}
}

// ========================================
// 提醒 / 观察 / 请求解决
// ========================================

func TestRemindersRoutes(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t, "terminal")

	w := e.do(t, http.MethodPost, "/sessions/"+id+"/reminders", map[string]any{"soft_seconds": 300, "hard_seconds": 900})
	if w.Code != http.StatusOK {
		t.Fatalf("periodic = %d: %s", w.Code, w.Body.String())
	}
	if !e.sched.HasActiveRemind(id) {
		t.Fatal("periodic remind not registered")
	}

	w = e.do(t, http.MethodPost, "/sessions/"+id+"/reminders", map[string]any{"message": "check CI", "delay_seconds": 300})
	if w.Code != http.StatusCreated {
		t.Fatalf("one-shot = %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if _, ok := data["reminder_id"].(float64); !ok {
		t.Fatalf("no reminder id: %v", data)
	}

	w = e.do(t, http.MethodPost, "/sessions/"+id+"/reminders", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty body = %d", w.Code)
	}
}

func TestWatchRoute(t *testing.T) {
	e := newEnv(t)
	target := e.createSession(t, "terminal")
	watcher := e.createSession(t, "terminal")

	w := e.do(t, http.MethodPost, "/sessions/"+target+"/watch", map[string]any{"watcher_id": watcher, "timeout_seconds": 60})
	if w.Code != http.StatusOK {
		t.Fatalf("watch = %d: %s", w.Code, w.Body.String())
	}
	w = e.do(t, http.MethodPost, "/sessions/"+target+"/watch", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing watcher = %d", w.Code)
	}
}

func TestResolveRoute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.createSession(t, "rpc")

	rec, err := e.ledger.Register(ctx, ledger.RegisterParams{
		SessionID: id, RPCRequestID: 3, RequestType: "approval",
		RequestMethod: "item/commandExecution/requestApproval", TimeoutS: 60,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	w := e.do(t, http.MethodPost, "/requests/"+rec.RequestID+"/resolve", map[string]any{"decision": "approved"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve = %d: %s", w.Code, w.Body.String())
	}
	// 重放幂等
	w = e.do(t, http.MethodPost, "/requests/"+rec.RequestID+"/resolve", map[string]any{"decision": "approved"})
	if w.Code != http.StatusOK {
		t.Fatalf("replay = %d", w.Code)
	}
	// 未知请求 404
	w = e.do(t, http.MethodPost, "/requests/nope/resolve", map[string]any{"decision": "approved"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown = %d", w.Code)
	}
}

// ========================================
// 钩子
// ========================================

func TestHookRoutesDriveDeliveryState(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t, "terminal")

	w := e.do(t, http.MethodPost, "/hooks/pre-tool-use", map[string]any{
		"session_manager_id": id, "tool_name": "Read",
		"tool_input": map[string]any{"file_path": "/tmp/a.go"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("pre = %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if allow, _ := data["allow"].(bool); !allow {
		t.Fatalf("read must be allowed: %v", data)
	}
	if e.eng.State(id).IsIdle {
		t.Fatal("pre-tool-use must mark active")
	}

	w = e.do(t, http.MethodPost, "/hooks/stop", map[string]any{
		"session_manager_id": id, "last_output": "done",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("stop = %d: %s", w.Code, w.Body.String())
	}
	if !e.eng.State(id).IsIdle {
		t.Fatal("stop must mark idle")
	}

	w = e.do(t, http.MethodPost, "/hooks/status", map[string]any{
		"session_manager_id": id, "status": "working on auth",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	got, _ := e.reg.Get(id)
	if got.AgentStatus != "working on auth" {
		t.Fatalf("agent status = %q", got.AgentStatus)
	}

	// 未知会话
	w = e.do(t, http.MethodPost, "/hooks/stop", map[string]any{"session_manager_id": "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("ghost stop = %d", w.Code)
	}
}

// ========================================
// 事件回放与 WebSocket
// ========================================

func TestEventsRoutePaginates(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t, "terminal")

	w := e.do(t, http.MethodGet, "/sessions/"+id+"/events?since_seq=0&limit=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "session_created") {
		t.Fatalf("creation event missing: %s", w.Body.String())
	}
}

func TestEventsRouteWithoutCursorReturnsTail(t *testing.T) {
	e := newEnv(t)
	id := e.createSession(t, "terminal")

	ctx := context.Background()
	for _, typ := range []string{"turn_started", "item_completed", "turn_completed"} {
		if _, err := e.events.Append(ctx, id, typ, "t1", nil); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}

	// since_seq 缺省 → 最近 limit 条, 不是从头回放
	w := e.do(t, http.MethodGet, "/sessions/"+id+"/events?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events = %d: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	evs, _ := data["events"].([]any)
	if len(evs) != 1 {
		t.Fatalf("events len = %d, want 1: %v", len(evs), data)
	}
	last, _ := evs[0].(map[string]any)
	if last["event_type"] != "turn_completed" {
		t.Fatalf("tail event = %v, want turn_completed", last["event_type"])
	}
	if data["next_seq"] != data["latest_seq"] {
		t.Fatalf("next_seq = %v, latest_seq = %v", data["next_seq"], data["latest_seq"])
	}

	// 不可解析的游标同样按未提供处理
	w = e.do(t, http.MethodGet, "/sessions/"+id+"/events?since_seq=garbage&limit=1", nil)
	data = decodeData(t, w)
	evs, _ = data["events"].([]any)
	if len(evs) != 1 {
		t.Fatalf("garbage cursor events len = %d, want 1", len(evs))
	}
	last, _ = evs[0].(map[string]any)
	if last["event_type"] != "turn_completed" {
		t.Fatalf("garbage cursor tail = %v, want turn_completed", last["event_type"])
	}

	// 显式 since_seq=0 仍是从头回放
	w = e.do(t, http.MethodGet, "/sessions/"+id+"/events?since_seq=0&limit=1", nil)
	data = decodeData(t, w)
	evs, _ = data["events"].([]any)
	if len(evs) != 1 {
		t.Fatalf("zero cursor events len = %d, want 1", len(evs))
	}
	first, _ := evs[0].(map[string]any)
	if first["event_type"] != "session_created" {
		t.Fatalf("zero cursor head = %v, want session_created", first["event_type"])
	}
}

func TestWebSocketReceivesBroadcasts(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(e.srv.Engine())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.srv.Hub().subscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	e.srv.Hub().Broadcast("session_idle", map[string]any{"session_id": "s1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev WSEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "session_idle" {
		t.Fatalf("event type = %q", ev.Type)
	}
}
