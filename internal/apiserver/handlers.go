// handlers.go — 路由 handler: 会话操作、调度、台账解决、钩子回调、事件回放。
package apiserver

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/go-session-v2/internal/hooks"
	"github.com/multi-agent/go-session-v2/internal/registry"
	"github.com/multi-agent/go-session-v2/internal/service"
	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
)

// ========================================
// 会话生命周期
// ========================================

func (s *Server) handleListSessions(c *gin.Context) {
	success(c, gin.H{"sessions": s.mgr.ListSessions()})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.mgr.GetSession(c.Param("id"))
	if !ok {
		notFound(c, "session not found")
		return
	}
	success(c, sess)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var p service.CreateSessionParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if p.WorkingDir == "" {
		badRequest(c, "invalid_input", "working_dir is required")
		return
	}
	switch p.Kind {
	case string(registry.KindTerminal), string(registry.KindRPC):
	case "":
		p.Kind = string(registry.KindTerminal)
	default:
		badRequest(c, "invalid_input", "kind must be terminal or rpc")
		return
	}

	sess, err := s.mgr.CreateSession(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	s.hub.broadcast("session_created", gin.H{"session_id": sess.ID, "kind": sess.Kind})
	created(c, sess)
}

func (s *Server) handleKillSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.mgr.KillSession(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	s.hub.broadcast("session_stopped", gin.H{"session_id": id})
	success(c, gin.H{"session_id": id, "status": "stopped"})
}

// ========================================
// 输入 / clear / review / handoff / recover
// ========================================

func (s *Server) handleInput(c *gin.Context) {
	var p service.InputParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if p.Text == "" {
		badRequest(c, "invalid_input", "text is required")
		return
	}
	res, err := s.mgr.Input(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, res)
}

func (s *Server) handleClear(c *gin.Context) {
	var body struct {
		NewPrompt string `json:"new_prompt,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if err := s.mgr.ClearSession(c.Request.Context(), c.Param("id"), body.NewPrompt); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"status": "cleared"})
}

func (s *Server) handleReview(c *gin.Context) {
	var cfg registry.ReviewConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if cfg.Mode == "" {
		cfg.Mode = registry.ReviewModeUncommitted
	}
	if err := s.mgr.StartReview(c.Request.Context(), c.Param("id"), cfg); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"status": "review_started", "mode": cfg.Mode})
}

func (s *Server) handleHandoff(c *gin.Context) {
	var body struct {
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if err := s.mgr.ArmHandoff(c.Param("id"), body.Path); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"status": "handoff_armed", "path": body.Path})
}

func (s *Server) handleRecover(c *gin.Context) {
	var body struct {
		Graceful *bool `json:"graceful,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	id := c.Param("id")
	if _, ok := s.mgr.GetSession(id); !ok {
		notFound(c, "session not found")
		return
	}
	graceful := true
	if body.Graceful != nil {
		graceful = *body.Graceful
	}
	s.mgr.RecoverSession(id, graceful)
	success(c, gin.H{"status": "recovery_started"})
}

// ========================================
// 调度: 提醒与观察
// ========================================

// handleReminders 一次性提醒 (message + delay) 或周期性提醒 (soft/hard)。
func (s *Server) handleReminders(c *gin.Context) {
	var body struct {
		Message      string `json:"message,omitempty"`
		DelaySeconds int    `json:"delay_seconds,omitempty"`
		SoftSeconds  int    `json:"soft_seconds,omitempty"`
		HardSeconds  int    `json:"hard_seconds,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	id := c.Param("id")

	switch {
	case body.SoftSeconds > 0:
		if _, ok := s.mgr.GetSession(id); !ok {
			notFound(c, "session not found")
			return
		}
		s.sched.RegisterPeriodicRemind(id, body.SoftSeconds, body.HardSeconds)
		success(c, gin.H{"status": "periodic_remind_registered"})
	case body.Message != "" && body.DelaySeconds > 0:
		reminderID, err := s.sched.ScheduleReminder(c.Request.Context(), id,
			body.Message, time.Duration(body.DelaySeconds)*time.Second)
		if err != nil {
			respondError(c, err)
			return
		}
		created(c, gin.H{"reminder_id": reminderID})
	default:
		badRequest(c, "invalid_input", "either soft_seconds or message+delay_seconds required")
	}
}

func (s *Server) handleWatch(c *gin.Context) {
	var body struct {
		WatcherID      string `json:"watcher_id"`
		TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if body.WatcherID == "" {
		badRequest(c, "invalid_input", "watcher_id is required")
		return
	}
	if err := s.sched.WatchSession(c.Param("id"), body.WatcherID, body.TimeoutSeconds); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"status": "watching"})
}

// ========================================
// 结构化请求解决
// ========================================

func (s *Server) handleResolve(c *gin.Context) {
	var payload json.RawMessage
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	res, err := s.mgr.ResolveRequest(c.Request.Context(), c.Param("request_id"), payload)
	if err != nil {
		respondError(c, err)
		return
	}
	if !res.OK {
		switch res.ErrorCode {
		case apperrors.CodeRequestNotFound:
			notFound(c, "request not found")
		default:
			conflict(c, res.ErrorCode, "request cannot be resolved")
		}
		return
	}
	success(c, res)
}

// ========================================
// 钩子回调
// ========================================

func (s *Server) handlePreToolUse(c *gin.Context) {
	var p hooks.ToolEventParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	decision, err := s.hooks.PreToolUse(c.Request.Context(), p)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, decision)
}

func (s *Server) handlePostToolUse(c *gin.Context) {
	var p hooks.ToolEventParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if err := s.hooks.PostToolUse(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"status": "recorded"})
}

func (s *Server) handleStop(c *gin.Context) {
	var p hooks.StopParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if err := s.hooks.Stop(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	s.hub.broadcast("session_idle", gin.H{"session_id": p.SessionManagerID})
	success(c, gin.H{"status": "recorded"})
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	var p hooks.StatusParams
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	if err := s.hooks.AgentStatus(p); err != nil {
		respondError(c, err)
		return
	}
	success(c, gin.H{"status": "recorded"})
}

// ========================================
// 事件回放
// ========================================

func (s *Server) handleEvents(c *gin.Context) {
	// since_seq 缺省 (或不可解析) 视为未提供游标: 回放最近 limit 条,
	// 与 0 (从头回放) 语义不同
	sinceSeq := int64(-1)
	if raw, ok := c.GetQuery("since_seq"); ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceSeq = v
		}
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		limit = 100
	}
	page, err := s.events.GetEvents(c.Request.Context(), c.Param("id"), sinceSeq, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	success(c, page)
}
