package obslog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/multi-agent/go-session-v2/internal/database"
)

func testLogger(t *testing.T, opts Options) *Logger {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "observability.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db, Migrations); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewLogger(db, opts)
}

func TestLogAndListToolEvents(t *testing.T) {
	l := testLogger(t, DefaultOptions())
	ctx := context.Background()

	exit := 0
	if err := l.LogToolEvent(ctx, ToolEvent{
		SessionID: "s1",
		EventType: "item_completed",
		ToolName:  "commandExecution",
		Command:   "go vet ./...",
		ExitCode:  &exit,
		Status:    "completed",
		Provider:  "codex",
	}); err != nil {
		t.Fatalf("LogToolEvent: %v", err)
	}
	if err := l.LogToolEvent(ctx, ToolEvent{
		SessionID: "s1", EventType: "item_started", ToolName: "fileChange",
	}); err != nil {
		t.Fatalf("LogToolEvent: %v", err)
	}

	got, err := l.ListRecentToolEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d", len(got))
	}
	// 新→旧
	if got[0].ToolName != "fileChange" || got[1].Command != "go vet ./..." {
		t.Errorf("ordering/fields wrong: %+v", got)
	}
	if got[1].ExitCode == nil || *got[1].ExitCode != 0 {
		t.Errorf("exit code = %v", got[1].ExitCode)
	}
}

func TestLogAndListTurnEvents(t *testing.T) {
	l := testLogger(t, DefaultOptions())
	ctx := context.Background()

	latency := int64(4200)
	if err := l.LogTurnEvent(ctx, TurnEvent{
		SessionID: "s1", ThreadID: "th1", TurnID: "t1",
		EventType: "turn_completed", Status: "completed", LatencyMS: &latency,
	}); err != nil {
		t.Fatalf("LogTurnEvent: %v", err)
	}

	got, err := l.ListRecentTurnEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].TurnID != "t1" || *got[0].LatencyMS != 4200 {
		t.Errorf("turn events = %+v", got)
	}
}

func TestRawPreviewBounded(t *testing.T) {
	opts := DefaultOptions()
	opts.PreviewBytes = 10
	l := testLogger(t, opts)
	ctx := context.Background()

	long := "0123456789abcdefghij"
	if err := l.LogToolEvent(ctx, ToolEvent{
		SessionID: "s1", EventType: "item_completed", RawPreview: long,
	}); err != nil {
		t.Fatalf("log: %v", err)
	}
	got, err := l.ListRecentToolEvents(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got[0].RawPreview) >= len(long) {
		t.Errorf("preview %q not truncated", got[0].RawPreview)
	}
}

func TestPruneSessionRowCap(t *testing.T) {
	opts := DefaultOptions()
	opts.SessionRowCap = 3
	l := testLogger(t, opts)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := l.LogToolEvent(ctx, ToolEvent{SessionID: "s1", EventType: "e"}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	l.Prune(ctx)

	got, err := l.ListRecentToolEvents(ctx, "s1", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("after cap prune len = %d, want 3", len(got))
	}
}

func TestPruneAgeRespectsForkProvider(t *testing.T) {
	opts := DefaultOptions()
	opts.RetentionDays = 7
	opts.ForkRetentionDays = 30
	l := testLogger(t, opts)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -10)
	if err := l.LogToolEvent(ctx, ToolEvent{
		SessionID: "s1", EventType: "e", Provider: "codex", CreatedAt: old,
	}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.LogToolEvent(ctx, ToolEvent{
		SessionID: "s1", EventType: "e", Provider: ProviderCodexFork, CreatedAt: old,
	}); err != nil {
		t.Fatalf("log: %v", err)
	}

	l.Prune(ctx)

	got, err := l.ListRecentToolEvents(ctx, "s1", 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// 10 天前: 普通提供方已过 7 天上限被删, fork 仍在 30 天内保留
	if len(got) != 1 || got[0].Provider != ProviderCodexFork {
		t.Errorf("after age prune = %+v, want only %s row", got, ProviderCodexFork)
	}
}

func TestFromRawExtractsStructuredFields(t *testing.T) {
	raw := json.RawMessage(`{"item":{"itemType":"commandExecution","command":"ls","exitCode":1,"status":"failed"}}`)
	ev := FromRaw("s1", "th1", "codex", "item_completed", "t1", "i1", raw)

	if ev.ToolName != "commandExecution" || ev.Command != "ls" || ev.Status != "failed" {
		t.Errorf("ev = %+v", ev)
	}
	if ev.ExitCode == nil || *ev.ExitCode != 1 {
		t.Errorf("exit code = %v", ev.ExitCode)
	}
	if ev.RawPreview == "" {
		t.Error("raw preview should carry the original payload")
	}
}
