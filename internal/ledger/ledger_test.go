package ledger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/multi-agent/go-session-v2/internal/database"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db, Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := NewLedger(context.Background(), testDB(t))
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func TestRegisterAndResolveViaAPI(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	req, err := l.Register(ctx, RegisterParams{
		SessionID:     "s1",
		RPCRequestID:  42,
		RequestType:   "approval",
		RequestMethod: "approval/request",
		Payload:       map[string]any{"command": "rm"},
		TimeoutS:      60,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if req.Status != StatusPending || req.RequestID == "" {
		t.Fatalf("req = %+v", req)
	}
	if !req.ExpiresAt.After(req.RequestedAt) {
		t.Error("expires_at should be after requested_at")
	}

	done := make(chan json.RawMessage, 1)
	util.SafeGo(func() {
		payload, err := l.WaitForResolution(ctx, req.RequestID)
		if err != nil {
			t.Errorf("WaitForResolution: %v", err)
		}
		done <- payload
	})
	time.Sleep(20 * time.Millisecond)

	res, err := l.Resolve(ctx, req.RequestID, json.RawMessage(`{"decision":"accept"}`), SourceAPI, "", "", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.OK || res.Idempotent {
		t.Errorf("res = %+v, want ok non-idempotent", res)
	}

	select {
	case payload := <-done:
		if string(payload) != `{"decision":"accept"}` {
			t.Errorf("waiter payload = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestExpiryThenIdempotentResolve(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	req, err := l.Register(ctx, RegisterParams{
		SessionID:     "s1",
		RequestType:   "approval",
		RequestMethod: "approval/request",
		TimeoutS:      1,
		PolicyPayload: map[string]any{"decision": "decline"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// 缩短超时: 直接触发策略路径, 不等真实计时器
	l.mu.Lock()
	timer := l.timers[req.RequestID]
	l.mu.Unlock()
	timer.Stop()
	policy, _ := json.Marshal(map[string]any{"decision": "decline"})
	l.expireAndResolveByPolicy(req.RequestID, policy)

	got, err := l.Get(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusResolved || got.ResolutionSource != SourcePolicy {
		t.Errorf("row = %+v, want resolved via policy", got)
	}
	if got.ErrorCode != apperrors.CodeRequestExpired {
		t.Errorf("error_code = %q", got.ErrorCode)
	}

	// 事后显式 resolve: 幂等返回既有记录, 不改动
	res, err := l.Resolve(ctx, req.RequestID, json.RawMessage(`{"decision":"accept"}`), SourceAPI, "", "", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.OK || !res.Idempotent {
		t.Errorf("res = %+v, want ok idempotent", res)
	}
	var stored map[string]string
	if err := json.Unmarshal(res.Request.ResolvedPayload, &stored); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if stored["decision"] != "decline" {
		t.Errorf("stored decision = %q, want decline (policy wins)", stored["decision"])
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	l := testLedger(t)

	res, err := l.Resolve(context.Background(), "nope", nil, SourceAPI, "", "", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.OK || res.ErrorCode != apperrors.CodeRequestNotFound {
		t.Errorf("res = %+v, want request_not_found", res)
	}
}

func TestOrphanPendingForSession(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	req, err := l.Register(ctx, RegisterParams{
		SessionID: "s1", RequestType: "approval", RequestMethod: "m", TimeoutS: 600,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := make(chan json.RawMessage, 1)
	util.SafeGo(func() {
		payload, _ := l.WaitForResolution(ctx, req.RequestID)
		done <- payload
	})
	time.Sleep(20 * time.Millisecond)

	if err := l.OrphanPendingForSession(ctx, "s1", apperrors.CodeSessionClosed); err != nil {
		t.Fatalf("Orphan: %v", err)
	}

	select {
	case payload := <-done:
		if payload != nil {
			t.Errorf("orphaned waiter got %s, want nil", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned waiter not released")
	}

	got, _ := l.Get(ctx, req.RequestID)
	if got.Status != StatusOrphaned || got.ErrorCode != apperrors.CodeSessionClosed {
		t.Errorf("row = %+v", got)
	}

	// 孤置后的 resolve 不可用
	res, err := l.Resolve(ctx, req.RequestID, nil, SourceAPI, "", "", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.OK || res.ErrorCode != apperrors.CodeRequestUnavailable {
		t.Errorf("res = %+v, want request_unavailable", res)
	}
}

func TestForeignGenerationSweep(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	l1, err := NewLedger(ctx, db)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	req, err := l1.Register(ctx, RegisterParams{
		SessionID: "s1", RequestType: "approval", RequestMethod: "m", TimeoutS: 600,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	l1.Close()

	// 第二个实例模拟进程重启
	l2, err := NewLedger(ctx, db)
	if err != nil {
		t.Fatalf("NewLedger restart: %v", err)
	}
	defer l2.Close()
	if l2.Generation() == l1.Generation() {
		t.Fatal("generations should differ")
	}

	got, err := l2.Get(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusOrphaned || got.ErrorCode != apperrors.CodeServerRestarted {
		t.Errorf("row after restart = %+v, want orphaned/server_restarted", got)
	}
}

func TestListForSession(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Register(ctx, RegisterParams{
			SessionID: "s1", RequestType: "approval", RequestMethod: "m", TimeoutS: 600,
		}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if _, err := l.Register(ctx, RegisterParams{
		SessionID: "other", RequestType: "approval", RequestMethod: "m", TimeoutS: 600,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := l.ListForSession(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
}
