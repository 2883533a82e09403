// locks.go — 每仓库 workspace 锁: .claude/workspace.lock, key=value 文本。
package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/multi-agent/go-session-v2/internal/registry"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// lockStaleAfter 超过该时长的锁视为陈旧, 可被抢占。
const lockStaleAfter = 30 * time.Minute

// workspaceLock 锁文件内容。
type workspaceLock struct {
	Session string
	Task    string
	Branch  string
	Started time.Time
}

// lockRoot 会话的锁目录根: 优先 worktree, 其次工作目录。
func lockRoot(sess *registry.Session) string {
	if sess.WorktreePath != "" {
		return sess.WorktreePath
	}
	return sess.WorkingDir
}

func lockPath(sess *registry.Session) string {
	return filepath.Join(lockRoot(sess), ".claude", "workspace.lock")
}

// acquireLock 尝试为会话取得 workspace 锁。
// 返回 (持有者, true) 表示锁被他人占用且未过期。
func (in *Ingestor) acquireLock(sess *registry.Session) (owner string, held bool) {
	path := lockPath(sess)

	if existing, err := readLock(path); err == nil {
		switch {
		case existing.Session == sess.ID:
			return "", false // 自己持有, 直接放行
		case in.now().Sub(existing.Started) < lockStaleAfter:
			return existing.Session, true
		default:
			logger.Infow("stale workspace lock reclaimed",
				logger.FieldSessionID, sess.ID, logger.FieldPath, path, "stale_owner", existing.Session)
		}
	}

	branch := ""
	if b, err := in.gitBranch(lockRoot(sess)); err == nil {
		branch = b
	}
	lock := workspaceLock{
		Session: sess.ID,
		Task:    sess.Role,
		Branch:  branch,
		Started: in.now(),
	}
	if err := writeLock(path, lock); err != nil {
		// 锁写不进去不拦工具调用
		logger.Warn("workspace lock write failed",
			logger.FieldSessionID, sess.ID, logger.FieldPath, path, logger.FieldError, err)
	}
	return "", false
}

// releaseLock 释放本会话持有的 workspace 锁。他人的锁不动。
func (in *Ingestor) releaseLock(sess *registry.Session) {
	path := lockPath(sess)
	lock, err := readLock(path)
	if err != nil || lock.Session != sess.ID {
		return
	}
	if err := os.Remove(path); err != nil {
		logger.Warn("workspace lock release failed",
			logger.FieldSessionID, sess.ID, logger.FieldPath, path, logger.FieldError, err)
	}
}

func readLock(path string) (workspaceLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workspaceLock{}, err
	}
	var lock workspaceLock
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "session":
			lock.Session = value
		case "task":
			lock.Task = value
		case "branch":
			lock.Branch = value
		case "started":
			lock.Started, _ = time.Parse(time.RFC3339, value)
		}
	}
	return lock, nil
}

func writeLock(path string, lock workspaceLock) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("session=%s\ntask=%s\nbranch=%s\nstarted=%s\n",
		lock.Session, lock.Task, lock.Branch, lock.Started.UTC().Format(time.RFC3339))
	return os.WriteFile(path, []byte(content), 0o644)
}
