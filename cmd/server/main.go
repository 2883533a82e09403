// cmd/server — 会话编排器主入口。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/multi-agent/go-session-v2/internal/apiserver"
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
	"github.com/multi-agent/go-session-v2/internal/telegram"
	"github.com/multi-agent/go-session-v2/internal/terminal"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Init(cfg.Env)
		logger.Fatal("data dir unavailable", logger.FieldPath, cfg.DataDir, logger.FieldError, err)
	}
	if err := logger.InitWithFile(cfg.LogDir()); err != nil {
		logger.Init(cfg.Env)
		logger.Warn("file logging unavailable, stderr only", logger.FieldError, err)
	}

	// 四个独立 WAL 库: 队列+调度 / 事件 / 可观测性 / 台账
	queueDB := mustOpen(ctx, cfg.QueueDBPath(),
		append(append([]database.Migration{}, delivery.Migrations...), scheduler.Migrations...))
	defer queueDB.Close()
	eventsDB := mustOpen(ctx, cfg.EventsDBPath(), events.Migrations)
	defer eventsDB.Close()
	obsDB := mustOpen(ctx, cfg.ObsDBPath(), obslog.Migrations)
	defer obsDB.Close()
	ledgerDB := mustOpen(ctx, cfg.LedgerDBPath(), ledger.Migrations)
	defer ledgerDB.Close()

	tg := util.NewTaskGroup(ctx)

	// 注册表: 加载持久态, 重挂仍存活的 tmux 目标
	reg := registry.New(cfg.StateFilePath(), nil)
	orphaned, err := reg.Load()
	if err != nil {
		logger.Warn("state load failed, starting empty", logger.FieldError, err)
	}
	runner := &terminal.ExecRunner{}
	termOpts := terminalOptions(cfg)
	for _, sess := range reg.List() {
		if sess.IsTerminal() && sess.TmuxTarget != "" && sess.Status != registry.StatusStopped {
			handle := terminal.Attach(runner, sess.TmuxTarget, termOpts)
			_ = reg.Update(sess.ID, func(s *registry.Session) { s.Terminal = handle })
		}
	}

	queue := delivery.NewQueue(queueDB)
	eng := delivery.NewEngine(reg, queue, engineOptions(cfg))

	led, err := ledger.NewLedger(ctx, ledgerDB)
	if err != nil {
		logger.Fatal("ledger init failed", logger.FieldError, err)
	}
	defer led.Close()

	store := events.NewStore(eventsDB, eventsOptions(cfg))
	obs := obslog.NewLogger(obsDB, obslogOptions(cfg))
	obs.StartPeriodicPrune(tg)

	sched := scheduler.New(queueDB, reg, eng, obs, schedulerOptions(cfg))
	eng.SetRemindRegistrar(sched)
	if err := sched.LoadPersisted(ctx); err != nil {
		logger.Warn("scheduler reload failed", logger.FieldError, err)
	}

	// 聊天桥 (token 未配置时为 no-op)
	bridge := telegram.NewBotAPI(cfg.TGBotToken)
	mirror := telegram.NewMirror(bridge, reg, eng)
	eng.SetNotifier(mirror)
	if bridge.Enabled() {
		bridge.StartPolling(tg, mirror.HandleUpdate)
		mirror.NoteStoppedTopics(ctx, orphaned)
	}

	recov := recovery.New(reg, eng, recoveryOptions(cfg))

	mgr := service.New(service.Deps{
		Cfg: cfg, Registry: reg, Engine: eng, Queue: queue, Sched: sched,
		Ledger: led, Events: store, Obs: obs, Mirror: mirror,
		Recovery: recov, Runner: runner, TermOpts: termOpts,
	})

	// 重启后: 恢复队列投递状态, 启动滞留输入巡检
	if err := eng.RecoverQueue(ctx); err != nil {
		logger.Warn("queue recovery failed", logger.FieldError, err)
	}
	eng.StartStaleInputWatch(tg)

	ing := hooks.New(reg, eng, obs, sched)
	srv := apiserver.New(apiserver.Deps{
		Manager: mgr, Hooks: ing, Scheduler: sched, Events: store,
	})
	mgr.SetEventFeed(srv.Hub())

	logger.Info("session manager started",
		logger.FieldPath, cfg.DataDir, logger.FieldCount, len(reg.List()))
	if err := srv.Run(ctx, cfg.HTTPListen); err != nil {
		logger.Error("api server exited", logger.FieldError, err)
	}

	// 优雅收尾: 后台任务 → 调度器 → 注册表落盘
	if !tg.Shutdown(5 * time.Second) {
		logger.Warn("background tasks did not stop in time")
	}
	if !sched.Shutdown(5 * time.Second) {
		logger.Warn("scheduler tasks did not stop in time")
	}
	if err := reg.Save(); err != nil {
		logger.Error("state save failed", logger.FieldError, err)
	}
	logger.Info("session manager stopped")
}

func mustOpen(ctx context.Context, path string, migrations []database.Migration) *database.DB {
	db, err := database.Open(path)
	if err != nil {
		logger.Fatal("database open failed", logger.FieldPath, path, logger.FieldError, err)
	}
	if err := database.Migrate(ctx, db, migrations); err != nil {
		logger.Fatal("migration failed", logger.FieldPath, path, logger.FieldError, err)
	}
	return db
}

func terminalOptions(cfg *config.Config) terminal.Options {
	o := terminal.DefaultOptions()
	o.InterKeyDelay = time.Duration(cfg.InterKeyDelayMS) * time.Millisecond
	o.InitialSettle = time.Duration(cfg.InitialSettleMS) * time.Millisecond
	o.CaptureLines = cfg.PaneCaptureLines
	return o
}

func engineOptions(cfg *config.Config) delivery.Options {
	o := delivery.DefaultOptions()
	o.SkipFenceWindow = time.Duration(cfg.SkipFenceWindowSec) * time.Second
	o.SuppressionWindow = time.Duration(cfg.SuppressionWindowSec) * time.Second
	o.MaxBatchSize = cfg.MaxBatchSize
	o.IdlePromptWait = time.Duration(cfg.IdlePromptWaitSec) * time.Second
	o.HandoffClearWait = time.Duration(cfg.HandoffClearSec) * time.Second
	o.StaleInputTimeout = time.Duration(cfg.StaleInputTimeoutSec) * time.Second
	o.StaleInputPoll = time.Duration(cfg.StaleInputPollSec) * time.Second
	o.PaneCaptureLines = cfg.PaneCaptureLines
	o.RPCModel = cfg.RPCModel
	return o
}

func eventsOptions(cfg *config.Config) events.Options {
	o := events.DefaultOptions()
	o.PerSessionCap = cfg.EventsPerSessionCap
	o.RetentionDays = cfg.EventRetentionDays
	o.PreviewBytes = cfg.PayloadPreviewBytes
	o.PruneEveryN = cfg.EventPruneEveryN
	o.RingSize = cfg.EventRingSize
	return o
}

func obslogOptions(cfg *config.Config) obslog.Options {
	o := obslog.DefaultOptions()
	o.RetentionDays = cfg.ObsRetentionDays
	o.ForkRetentionDays = cfg.ObsForkRetentionDays
	o.SessionRowCap = cfg.ObsSessionRowCap
	o.PruneInterval = time.Duration(cfg.ObsPruneIntervalSec) * time.Second
	return o
}

func schedulerOptions(cfg *config.Config) scheduler.Options {
	o := scheduler.DefaultOptions()
	o.Tick = time.Duration(cfg.RemindTickSec) * time.Second
	o.DefaultWakePeriod = time.Duration(cfg.ParentWakePeriodSec) * time.Second
	o.EscalatedPeriod = time.Duration(cfg.ParentWakeEscalateSec) * time.Second
	o.CompactWaitMax = time.Duration(cfg.CompactWaitMaxSec) * time.Second
	o.WatchPoll = time.Duration(cfg.WatchPollSec) * time.Second
	o.PaneCaptureLines = cfg.PaneCaptureLines
	return o
}

func recoveryOptions(cfg *config.Config) recovery.Options {
	o := recovery.DefaultOptions()
	o.ShutdownWait = time.Duration(cfg.RecoveryShutdownWaitSec) * time.Second
	o.PaneCaptureLines = cfg.PaneCaptureLines
	return o
}
