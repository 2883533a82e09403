// Package registry 维护会话注册表: id → 会话记录 + 原子持久化。
//
// 持久化: 单一 JSON 状态文件, temp-file + rename (POSIX 原子替换)。
// 启动加载时做对账: 丢弃无法复原的历史记录 (rpc 无 thread id /
// terminal 的 tmux 目标已消失), 收集被丢弃会话的聊天话题供镜像清理。
package registry

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
	"github.com/multi-agent/go-session-v2/pkg/util"
)

// TargetProber 探测 tmux 目标是否仍然存在 (测试注入假实现)。
type TargetProber func(target string) bool

// OrphanedTopic 对账时发现的孤儿聊天话题。
type OrphanedTopic struct {
	SessionID string
	ChatID    int64
	TopicID   int
}

// Registry 会话注册表。
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	statePath string
	prober    TargetProber
}

// New 创建注册表。statePath 为状态文件路径。
func New(statePath string, prober TargetProber) *Registry {
	if prober == nil {
		prober = defaultTmuxProber
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		statePath: statePath,
		prober:    prober,
	}
}

// defaultTmuxProber 用 tmux has-session 验证目标存活。
func defaultTmuxProber(target string) bool {
	if target == "" {
		return false
	}
	return exec.Command("tmux", "has-session", "-t", target).Run() == nil
}

// NewSessionID 生成 8 位十六进制会话 id。
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ========================================
// 增删查改
// ========================================

// CreateParams 创建会话的参数。
type CreateParams struct {
	Name         string
	FriendlyName string
	WorkingDir   string
	Kind         AdapterKind
	ParentID     string
	Role         string
	IsEM         bool
	ChatID       int64
	TopicID      int
	CLICommand   string
	CLIArgs      []string
}

// Create 分配 id 并登记会话, 立即持久化。
// 适配器句柄由 service 层随后通过 Update 挂载 (创建与进程拉起解耦)。
func (r *Registry) Create(p CreateParams) (*Session, error) {
	if p.WorkingDir == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "Registry.Create", "working_dir is required")
	}
	if p.Kind != KindTerminal && p.Kind != KindRPC {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "Registry.Create", "unknown kind %q", p.Kind)
	}

	s := &Session{
		ID:             NewSessionID(),
		Name:           util.FirstNonEmpty(p.Name, filepath.Base(p.WorkingDir)),
		FriendlyName:   p.FriendlyName,
		WorkingDir:     p.WorkingDir,
		Kind:           p.Kind,
		Status:         StatusRunning,
		LastActivityAt: time.Now(),
		ParentID:       p.ParentID,
		Role:           p.Role,
		IsEM:           p.IsEM,
		ChatID:         p.ChatID,
		TopicID:        p.TopicID,
		CLICommand:     p.CLICommand,
		CLIArgs:        append([]string(nil), p.CLIArgs...),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if err := r.Save(); err != nil {
		return nil, err
	}
	logger.Infow("session created",
		logger.FieldSessionID, s.ID,
		logger.FieldName, s.Name,
		"kind", string(s.Kind),
		logger.FieldCwd, s.WorkingDir,
	)
	return s.clone(), nil
}

// Get 返回会话快照, 不存在时返回 (nil, false)。
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Terminal 返回会话的终端句柄 (快照不携带锁, 句柄本身线程安全)。
func (r *Registry) Terminal(id string) (TerminalAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.Terminal == nil {
		return nil, false
	}
	return s.Terminal, true
}

// RPC 返回会话的协程句柄。
func (r *Registry) RPC(id string) (RPCAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.RPC == nil {
		return nil, false
	}
	return s.RPC, true
}

// List 返回全部会话快照。
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Exists 返回会话是否存在。
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

// Update 在注册表锁内变更会话并持久化。不存在返回 ErrNotFound。
func (r *Registry) Update(id string, fn func(*Session)) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.Wrapf(apperrors.ErrNotFound, "Registry.Update", "session %s", id)
	}
	fn(s)
	r.mu.Unlock()
	return r.Save()
}

// Touch 更新最后活动时间戳 (高频路径, 不触发持久化)。
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivityAt = time.Now()
	}
	r.mu.Unlock()
}

// SetStatus 更新会话状态并持久化。
func (r *Registry) SetStatus(id string, status Status) error {
	return r.Update(id, func(s *Session) {
		s.Status = status
		s.LastActivityAt = time.Now()
	})
}

// Kill 终止适配器并标记 stopped, 保留记录供查询。
func (r *Registry) Kill(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return apperrors.Wrapf(apperrors.ErrNotFound, "Registry.Kill", "session %s", id)
	}
	term, rpc := s.Terminal, s.RPC
	s.Status = StatusStopped
	s.Terminal = nil
	s.RPC = nil
	r.mu.Unlock()

	if term != nil {
		if err := term.Kill(); err != nil {
			logger.Warn("terminal kill failed", logger.FieldSessionID, id, logger.FieldError, err)
		}
	}
	if rpc != nil {
		if err := rpc.Close(); err != nil {
			logger.Warn("rpc close failed", logger.FieldSessionID, id, logger.FieldError, err)
		}
	}
	logger.Infow("session killed", logger.FieldSessionID, id)
	return r.Save()
}

// Delete 从注册表彻底移除会话 (操作员显式删除历史)。
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return apperrors.Wrapf(apperrors.ErrNotFound, "Registry.Delete", "session %s", id)
	}
	return r.Save()
}

// ========================================
// 持久化
// ========================================

type stateFile struct {
	Sessions []*Session `json:"sessions"`
	SavedAt  time.Time  `json:"saved_at"`
}

// Save 原子写出状态文件 (temp + rename)。
func (r *Registry) Save() error {
	r.mu.RLock()
	snapshot := stateFile{SavedAt: time.Now()}
	for _, s := range r.sessions {
		snapshot.Sessions = append(snapshot.Sessions, s.clone())
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, "Registry.Save", "marshal state")
	}

	if err := os.MkdirAll(filepath.Dir(r.statePath), 0o755); err != nil {
		return apperrors.Wrap(err, "Registry.Save", "create state dir")
	}
	tmp := r.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(err, "Registry.Save", "write temp state")
	}
	if err := os.Rename(tmp, r.statePath); err != nil {
		return apperrors.Wrap(err, "Registry.Save", "rename state")
	}
	return nil
}

// Load 读入状态文件并对账。
//
// 规则:
//   - rpc-kind 且无 thread id: 无法复原 → 丢弃
//   - terminal-kind 且 tmux 目标已消失: 丢弃, 话题进入孤儿列表
//   - 文件缺失视为空状态
//
// 返回被丢弃会话的孤儿话题 (供聊天镜像发 "session stopped" 提示)。
func (r *Registry) Load() ([]OrphanedTopic, error) {
	data, err := os.ReadFile(r.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "Registry.Load", "read state file")
	}

	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, apperrors.Wrap(err, "Registry.Load", "unmarshal state")
	}

	var orphaned []OrphanedTopic
	kept := make(map[string]*Session)
	for _, s := range st.Sessions {
		switch {
		case s.Kind == KindRPC && s.ThreadID == "":
			logger.Warn("dropping rpc session without thread id", logger.FieldSessionID, s.ID)
			orphaned = appendOrphan(orphaned, s)
		case s.Kind == KindTerminal && !r.prober(s.TmuxTarget):
			logger.Warn("dropping terminal session, tmux target gone",
				logger.FieldSessionID, s.ID, logger.FieldTarget, s.TmuxTarget)
			orphaned = appendOrphan(orphaned, s)
		default:
			kept[s.ID] = s
		}
	}

	r.mu.Lock()
	r.sessions = kept
	r.mu.Unlock()

	logger.Infow("registry loaded",
		logger.FieldCount, len(kept),
		"dropped", len(st.Sessions)-len(kept),
	)
	return orphaned, nil
}

func appendOrphan(list []OrphanedTopic, s *Session) []OrphanedTopic {
	if s.ChatID == 0 {
		return list
	}
	return append(list, OrphanedTopic{SessionID: s.ID, ChatID: s.ChatID, TopicID: s.TopicID})
}

// ========================================
// Git remote 探测 (异步, 不阻塞创建)
// ========================================

// DetectGitRemoteAsync 后台探测工作目录的 git remote URL 并写回会话。
func (r *Registry) DetectGitRemoteAsync(id, workingDir string) {
	util.SafeGo(func() {
		out, err := exec.Command("git", "-C", workingDir, "remote", "get-url", "origin").Output()
		if err != nil {
			return
		}
		url := strings.TrimSpace(string(out))
		if url == "" {
			return
		}
		_ = r.Update(id, func(s *Session) { s.GitRemoteURL = url })
	})
}
