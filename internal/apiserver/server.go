// Package apiserver 本地 HTTP 控制面: 会话生命周期、输入投递、钩子回调、
// 结构化请求解决、事件回放与 WebSocket 实时事件流。
package apiserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/go-session-v2/internal/events"
	"github.com/multi-agent/go-session-v2/internal/hooks"
	"github.com/multi-agent/go-session-v2/internal/scheduler"
	"github.com/multi-agent/go-session-v2/internal/service"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// Server 控制面 HTTP 服务。
type Server struct {
	router *gin.Engine
	mgr    *service.Manager
	hooks  *hooks.Ingestor
	sched  *scheduler.Scheduler
	events *events.Store
	hub    *Hub
}

// Deps 服务器依赖注入。
type Deps struct {
	Manager   *service.Manager
	Hooks     *hooks.Ingestor
	Scheduler *scheduler.Scheduler
	Events    *events.Store
}

// New 创建服务器并注册路由。
func New(d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{
		router: r,
		mgr:    d.Manager,
		hooks:  d.Hooks,
		sched:  d.Scheduler,
		events: d.Events,
		hub:    newWSHub(),
	}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎 (测试直接打 ServeHTTP)。
func (s *Server) Engine() *gin.Engine { return s.router }

// Hub 返回事件广播器 (service 层回调接入)。
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWS)

	s.router.GET("/sessions", s.handleListSessions)
	s.router.POST("/sessions", s.handleCreateSession)
	s.router.GET("/sessions/:id", s.handleGetSession)
	s.router.DELETE("/sessions/:id", s.handleKillSession)
	s.router.POST("/sessions/:id/input", s.handleInput)
	s.router.POST("/sessions/:id/clear", s.handleClear)
	s.router.POST("/sessions/:id/review", s.handleReview)
	s.router.POST("/sessions/:id/handoff", s.handleHandoff)
	s.router.POST("/sessions/:id/recover", s.handleRecover)
	s.router.POST("/sessions/:id/reminders", s.handleReminders)
	s.router.POST("/sessions/:id/watch", s.handleWatch)
	s.router.GET("/sessions/:id/events", s.handleEvents)

	s.router.POST("/requests/:request_id/resolve", s.handleResolve)

	hooksGroup := s.router.Group("/hooks")
	{
		hooksGroup.POST("/pre-tool-use", s.handlePreToolUse)
		hooksGroup.POST("/post-tool-use", s.handlePostToolUse)
		hooksGroup.POST("/stop", s.handleStop)
		hooksGroup.POST("/status", s.handleAgentStatus)
	}
}

// Run 阻塞运行直到 ctx 取消, 然后优雅关闭。
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("api server listening", logger.FieldPath, addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		return srv.Shutdown(shutCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	success(c, gin.H{"status": "ok", "sessions": len(s.mgr.ListSessions())})
}
