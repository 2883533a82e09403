// Package codex 封装 codex app-server JSON-RPC 协程客户端。
//
// 协程以子进程方式运行, 通过 stdio 讲换行分隔的 JSON-RPC 2.0:
//   - Client → Server: {jsonrpc,id,method,params} (请求) 或 {jsonrpc,method,params} (通知)
//   - Server → Client: {jsonrpc,id,result} (响应) 或 {jsonrpc,method,params} (通知)
//   - Server → Client 带 id 的请求 (审批/用户输入) 需要我方回 response
//
// 关键方法:
//   - initialize + initialized → 握手
//   - thread/start | thread/resume → 建立 thread
//   - turn/start → 发送 prompt
//   - turn/interrupt → 打断当前 turn
//   - review/start → 启动 review
package codex

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// SpawnParams 协程启动参数。
type SpawnParams struct {
	SessionID      string
	Cwd            string
	Command        string   // 默认 "codex"
	Args           []string // 默认 ["app-server"]
	Model          string
	ApprovalPolicy string
	Sandbox        string
}

// Callbacks 上层回调 (service 层注入)。
type Callbacks struct {
	// OnTurnComplete turn 结束时携带拼好的完整文本。
	OnTurnComplete func(turnID, text, status string)
	// OnReviewComplete review 退出时携带 review 文本。
	OnReviewComplete func(text string)
	// OnEvent 每个入站通知的归一化事件 (事件存储 / 可观测性)。
	OnEvent func(ev Event)
	// OnServerRequest 协程发起的结构化请求 (审批 / 用户输入)。
	// 未设置时统一回 -32601。
	OnServerRequest func(req ServerRequest)
}

// Client codex 协程 JSON-RPC 客户端。
type Client struct {
	params SpawnParams

	cmd             *exec.Cmd
	stdin           io.WriteCloser
	stdout          io.ReadCloser
	stderrCollector *logger.StderrCollector

	// writeMu 串行化 stdin 写; cbMu 保护 callbacks。两者独立, 无嵌套。
	writeMu sync.Mutex
	cbMu    sync.RWMutex
	cb      Callbacks

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	// JSON-RPC request tracking
	nextID  atomic.Int64
	pending sync.Map // id → *pendingCall

	// thread / turn 状态
	stateMu       sync.Mutex
	threadID      string
	currentTurnID string
	deltaBufs     map[string][]byte // turn id → 增量缓冲
	inReview      atomic.Bool

	callTimeout time.Duration
	closeGrace  time.Duration
}

// NewClient 创建客户端 (进程在 Start 时拉起)。
func NewClient(params SpawnParams, callTimeout, closeGrace time.Duration) *Client {
	if params.Command == "" {
		params.Command = "codex"
	}
	if len(params.Args) == 0 {
		params.Args = []string{"app-server"}
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	if closeGrace <= 0 {
		closeGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		params:      params,
		ctx:         ctx,
		cancel:      cancel,
		deltaBufs:   make(map[string][]byte),
		callTimeout: callTimeout,
		closeGrace:  closeGrace,
	}
}

// SetCallbacks 注册上层回调。
func (c *Client) SetCallbacks(cb Callbacks) {
	c.cbMu.Lock()
	c.cb = cb
	c.cbMu.Unlock()
}

func (c *Client) callbacks() Callbacks {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.cb
}

// ThreadID 返回当前 thread id。
func (c *Client) ThreadID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.threadID
}

// Running 返回子进程是否存活。
func (c *Client) Running() bool {
	if c.stopped.Load() || c.cmd == nil || c.cmd.Process == nil {
		return false
	}
	// signal 0 探活
	return c.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// spawn 拉起子进程并接好 stdio 管道 + 读循环。
//
// 使用 exec.Command 而非 exec.CommandContext — 协程生命周期由
// Close()/kill 显式管理, 不随调用方 ctx 终止。
func (c *Client) spawn() error {
	cmd := exec.Command(c.params.Command, c.params.Args...)
	cmd.Dir = c.params.Cwd
	cmd.Env = append(os.Environ(), "SM_SESSION_ID="+c.params.SessionID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.Wrap(err, "Codex.Spawn", "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Wrap(err, "Codex.Spawn", "stdout pipe")
	}
	c.stderrCollector = logger.NewStderrCollector(c.params.SessionID)
	cmd.Stderr = c.stderrCollector

	if err := cmd.Start(); err != nil {
		return apperrors.Wrap(err, "Codex.Spawn", "start co-process")
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	logger.Infow("codex: co-process spawned",
		logger.FieldSessionID, c.params.SessionID,
		logger.FieldPID, cmd.Process.Pid,
		logger.FieldCwd, c.params.Cwd,
	)

	util.SafeGo(func() { c.readLoop() })
	return nil
}

// Close 优雅关闭: 关 stdin 等待退出, 超时后杀进程组。
func (c *Client) Close() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.cancel()
	c.failPendingCalls(apperrors.Wrap(apperrors.ErrAdapterDead, "Codex.Close", "client closed"))

	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	util.SafeGo(func() { done <- c.cmd.Wait() })
	select {
	case <-done:
	case <-time.After(c.closeGrace):
		logger.Warn("codex: graceful close timed out, killing",
			logger.FieldSessionID, c.params.SessionID,
			logger.FieldPID, c.cmd.Process.Pid,
		)
		// 负 pid 杀整个进程组
		_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
	if c.stderrCollector != nil {
		_ = c.stderrCollector.Close()
	}
	logger.Infow("codex: co-process closed", logger.FieldSessionID, c.params.SessionID)
	return nil
}
