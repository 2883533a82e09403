// state.go — 每会话内存投递状态: 空闲位、skip 栅栏、stop 通知槽。
package delivery

import (
	"sync"
	"time"
)

// DeliveryState 每会话的投递状态。首次引用时惰性创建, 会话存续期内不销毁。
// 字段由 mu 保护; 跨会话无共享。
type DeliveryState struct {
	mu sync.Mutex

	isIdle     bool
	lastIdleAt time.Time

	// 提示符上已输入未提交的文本 + 首见时间 (stale input 检测)
	pendingUserInput        string
	pendingUserInputSeenAt  time.Time
	savedUserInput          string // 注入前保存的用户输入, 下一次 stop 时回填

	// stop 通知槽
	stopNotifySenderID   string
	stopNotifySenderName string

	// 粘贴缓冲槽: 消息在 mid-turn 粘入时暂存, 下一次空闲转换时晋升
	pasteBufferedSenderID   string
	pasteBufferedSenderName string

	// 自通知抑制
	lastOutgoingTarget string
	lastOutgoingAt     time.Time

	// skip 栅栏: 吸收程序性 /clear 诱发的 stop hook
	skipCount   int
	skipArmedAt time.Time

	// 下一次空闲转换触发交接
	pendingHandoffPath string

	// 最近一次已发射的 stop 通知 (watch 冗余抑制依据)
	lastStopNotifyTo string
	lastStopNotifyAt time.Time

	// 恢复期间拒绝注入
	paused bool
}

// stateMap 会话 id → 投递状态 + 每会话投递互斥。
type stateMap struct {
	mu     sync.Mutex
	states map[string]*DeliveryState
	locks  map[string]*sync.Mutex
}

func newStateMap() *stateMap {
	return &stateMap{
		states: make(map[string]*DeliveryState),
		locks:  make(map[string]*sync.Mutex),
	}
}

// state 取会话状态, 不存在则惰性创建。
func (m *stateMap) state(sessionID string) *DeliveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	if !ok {
		st = &DeliveryState{}
		m.states[sessionID] = st
	}
	return st
}

// deliveryLock 取会话的投递互斥 (urgent 与 sequential 的唯一同步点)。
func (m *stateMap) deliveryLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// drop 会话删除时移除状态。
func (m *stateMap) drop(sessionID string) {
	m.mu.Lock()
	delete(m.states, sessionID)
	delete(m.locks, sessionID)
	m.mu.Unlock()
}

// ========================================
// 状态快照 (只读视图, API 查询用)
// ========================================

// StateSnapshot 投递状态快照。
type StateSnapshot struct {
	IsIdle             bool      `json:"is_idle"`
	LastIdleAt         time.Time `json:"last_idle_at,omitzero"`
	PendingUserInput   string    `json:"pending_user_input,omitempty"`
	SavedUserInput     string    `json:"saved_user_input,omitempty"`
	StopNotifySenderID string    `json:"stop_notify_sender_id,omitempty"`
	SkipCount          int       `json:"skip_count"`
	PendingHandoffPath string    `json:"pending_handoff_path,omitempty"`
	Paused             bool      `json:"paused"`
}

func (s *DeliveryState) snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		IsIdle:             s.isIdle,
		LastIdleAt:         s.lastIdleAt,
		PendingUserInput:   s.pendingUserInput,
		SavedUserInput:     s.savedUserInput,
		StopNotifySenderID: s.stopNotifySenderID,
		SkipCount:          s.skipCount,
		PendingHandoffPath: s.pendingHandoffPath,
		Paused:             s.paused,
	}
}
