// Package errors 提供统一错误类型与哨兵错误，遵循 wjboot-v2 三层错误体系。
//
// 本包为 go-session-v2 精简版:
//   - L1 哨兵错误: ErrNotFound / ErrRPCTimeout / ErrUnknownReviewMode 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
//
// Code 取值与请求生命周期错误码一一对应 (Code* 常量),
// 由 HTTP 层直接透传给调用方。
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrRPCTimeout 出站 JSON-RPC 调用超时
	ErrRPCTimeout = errors.New("rpc timeout")

	// ErrRPCStartupFailed 协程进程握手成功但未返回 thread id
	ErrRPCStartupFailed = errors.New("rpc startup failed")

	// ErrUnknownReviewMode review/start 收到未知模式
	ErrUnknownReviewMode = errors.New("unknown review mode")

	// ErrCommitShaRequired commit 模式 review 缺少 commit sha
	ErrCommitShaRequired = errors.New("commit sha required")

	// ErrSessionPaused 会话处于恢复暂停期, 投递被拒绝
	ErrSessionPaused = errors.New("session paused")

	// ErrAdapterDead 适配器底层进程已死亡 (pty 消失 / 协程退出)
	ErrAdapterDead = errors.New("adapter dead")
)

// ========================================
// 请求生命周期错误码 (Request Ledger / HTTP 透传)
// ========================================

const (
	// CodeRequestNotFound 结构化请求不存在
	CodeRequestNotFound = "request_not_found"
	// CodeRequestUnavailable 请求已处于不可解决状态 (orphaned 等)
	CodeRequestUnavailable = "request_unavailable"
	// CodeRequestExpired 请求超时, 走策略兜底
	CodeRequestExpired = "request_expired"
	// CodeSessionClosed 会话关闭导致请求作废
	CodeSessionClosed = "session_closed"
	// CodeServerRestarted 进程重启, 上一代请求全部作废
	CodeServerRestarted = "server_restarted"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Ledger.Resolve"
	Code    string // 错误码，如 "request_not_found"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// NewCode 创建带错误码的应用错误。
func NewCode(op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf 提取错误链中最近的 AppError.Code, 无则返回空串。
func CodeOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return ""
}
