package util

import "io"

// CappedWriter 给子进程输出封顶的 io.Writer。
//
// tmux capture-pane 之类的命令输出不可控, 采集时只保留前 cap 字节,
// 之后的写入静默丢弃: 返回 len(p) 而非 (0, ErrShortWrite), 让
// exec.Cmd 继续排空管道而不是误判写端断裂。
type CappedWriter struct {
	w       io.Writer
	cap     int
	written int
}

// NewCappedWriter 包一层封顶写入器。
func NewCappedWriter(w io.Writer, cap int) *CappedWriter {
	return &CappedWriter{w: w, cap: cap}
}

// Write 写入 p 中仍在上限内的前缀, 其余丢弃。
func (cw *CappedWriter) Write(p []byte) (int, error) {
	remain := cw.cap - cw.written
	if remain <= 0 {
		return len(p), nil
	}
	if len(p) > remain {
		p = p[:remain]
	}
	n, err := cw.w.Write(p)
	cw.written += n
	return n, err
}

// Truncated 返回输出是否已被封顶截断。
func (cw *CappedWriter) Truncated() bool { return cw.written >= cw.cap }

// Written 返回实际落入底层 writer 的字节数。
func (cw *CappedWriter) Written() int { return cw.written }
