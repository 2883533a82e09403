// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"path/filepath"

	"github.com/multi-agent/go-session-v2/pkg/util"
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 运行时
	Env        string `env:"SM_ENV" default:"production"`
	DataDir    string `env:"SM_DATA_DIR" default:".session-manager"`
	HTTPListen string `env:"SM_HTTP_LISTEN" default:"127.0.0.1:8737"`

	// Telegram 桥
	TGBotToken string `env:"TG_BOT_TOKEN"`
	TGChatID   int    `env:"TG_CHAT_ID"`
	TGPollSec  int    `env:"TG_POLL_SEC" default:"30" min:"1"`

	// 投递引擎
	SkipFenceWindowSec   int `env:"SM_SKIP_FENCE_WINDOW_SEC" default:"8" min:"1"`
	SuppressionWindowSec int `env:"SM_SUPPRESSION_WINDOW_SEC" default:"30" min:"1"`
	StaleInputTimeoutSec int `env:"SM_STALE_INPUT_TIMEOUT_SEC" default:"120" min:"5"`
	StaleInputPollSec    int `env:"SM_STALE_INPUT_POLL_SEC" default:"5" min:"1"`
	MaxBatchSize         int `env:"SM_MAX_BATCH_SIZE" default:"10" min:"1"`

	// 终端适配器
	InterKeyDelayMS    int `env:"SM_INTER_KEY_DELAY_MS" default:"300" min:"0"`
	InitialSettleMS    int `env:"SM_INITIAL_SETTLE_MS" default:"1000" min:"0"`
	IdlePromptWaitSec  int `env:"SM_IDLE_PROMPT_WAIT_SEC" default:"3" min:"1"`
	HandoffClearSec    int `env:"SM_HANDOFF_CLEAR_SEC" default:"5" min:"1"`
	PaneCaptureLines   int `env:"SM_PANE_CAPTURE_LINES" default:"50" min:"5"`
	PaneCaptureMaxKB   int `env:"SM_PANE_CAPTURE_MAX_KB" default:"256" min:"16"`

	// 调度器
	RemindTickSec         int `env:"SM_REMIND_TICK_SEC" default:"5" min:"1"`
	ParentWakePeriodSec   int `env:"SM_PARENT_WAKE_PERIOD_SEC" default:"600" min:"10"`
	ParentWakeEscalateSec int `env:"SM_PARENT_WAKE_ESCALATE_SEC" default:"300" min:"10"`
	CompactWaitMaxSec     int `env:"SM_COMPACT_WAIT_MAX_SEC" default:"300" min:"5"`
	WatchPollSec          int `env:"SM_WATCH_POLL_SEC" default:"5" min:"1"`

	// 事件存储
	EventsPerSessionCap int `env:"SM_EVENTS_PER_SESSION_CAP" default:"2000" min:"10"`
	EventRetentionDays  int `env:"SM_EVENT_RETENTION_DAYS" default:"14" min:"1"`
	PayloadPreviewBytes int `env:"SM_PAYLOAD_PREVIEW_BYTES" default:"2048" min:"64"`
	EventPruneEveryN    int `env:"SM_EVENT_PRUNE_EVERY_N" default:"100" min:"1"`
	EventRingSize       int `env:"SM_EVENT_RING_SIZE" default:"200" min:"10"`

	// 可观测性日志
	ObsRetentionDays     int `env:"SM_OBS_RETENTION_DAYS" default:"7" min:"1"`
	ObsForkRetentionDays int `env:"SM_OBS_FORK_RETENTION_DAYS" default:"30" min:"1"`
	ObsSessionRowCap     int `env:"SM_OBS_SESSION_ROW_CAP" default:"5000" min:"100"`
	ObsPruneIntervalSec  int `env:"SM_OBS_PRUNE_INTERVAL_SEC" default:"3600" min:"60"`

	// 请求台账
	RequestTimeoutSec int `env:"SM_REQUEST_TIMEOUT_SEC" default:"120" min:"1"`

	// RPC 适配器
	RPCCallTimeoutSec int    `env:"SM_RPC_CALL_TIMEOUT_SEC" default:"30" min:"1"`
	RPCCloseGraceSec  int    `env:"SM_RPC_CLOSE_GRACE_SEC" default:"5" min:"1"`
	RPCModel          string `env:"SM_RPC_MODEL"`
	CodexCommand      string `env:"SM_CODEX_COMMAND" default:"codex"`

	// 终端 CLI
	TerminalCLI     string `env:"SM_TERMINAL_CLI" default:"claude"`
	TerminalCLIArgs string `env:"SM_TERMINAL_CLI_ARGS" default:"--dangerously-skip-permissions"`

	// 钩子 / 工作区锁
	WorkspaceLockStaleMin int `env:"SM_WORKSPACE_LOCK_STALE_MIN" default:"30" min:"1"`

	// 恢复
	RecoveryShutdownWaitSec int `env:"SM_RECOVERY_SHUTDOWN_WAIT_SEC" default:"3" min:"1"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// QueueDBPath 消息队列数据库路径。
func (c *Config) QueueDBPath() string { return filepath.Join(c.DataDir, "queue.db") }

// EventsDBPath 事件存储数据库路径。
func (c *Config) EventsDBPath() string { return filepath.Join(c.DataDir, "events.db") }

// ObsDBPath 可观测性日志数据库路径。
func (c *Config) ObsDBPath() string { return filepath.Join(c.DataDir, "observability.db") }

// LedgerDBPath 请求台账数据库路径。
func (c *Config) LedgerDBPath() string { return filepath.Join(c.DataDir, "ledger.db") }

// StateFilePath 会话注册表状态文件路径。
func (c *Config) StateFilePath() string { return filepath.Join(c.DataDir, "sessions.json") }

// LogDir 会话日志目录。
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }
