// safego.go — 安全 goroutine 启动器与后台任务监督。
package util

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// SafeGo 在新 goroutine 中安全执行 fn，捕获 panic 并记录日志 + 堆栈。
func SafeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					logger.FieldError, r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

// TaskGroup 受监督的后台任务组。
//
// fire-and-forget 任务 (聊天镜像、延时通知等) 必须通过 Go() 启动,
// Shutdown() 统一取消并等待, 不留孤儿 goroutine。
type TaskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTaskGroup 创建任务组, parent 取消时组内任务同步取消。
func NewTaskGroup(parent context.Context) *TaskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &TaskGroup{ctx: ctx, cancel: cancel}
}

// Context 返回任务组上下文 (组内任务应监听其取消)。
func (g *TaskGroup) Context() context.Context { return g.ctx }

// Go 启动一个受监督任务, panic 被捕获, name 用于日志定位。
func (g *TaskGroup) Go(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("supervised task panicked",
					logger.FieldName, name,
					logger.FieldError, r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn(g.ctx)
	}()
}

// Shutdown 取消所有任务并等待退出, 超时返回 false。
func (g *TaskGroup) Shutdown(timeout time.Duration) bool {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		logger.Warn("task group shutdown timed out", logger.FieldDurationMS, timeout.Milliseconds())
		return false
	}
}

// Sleep 可取消睡眠: 正常到时返回 true, ctx 取消返回 false。
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
