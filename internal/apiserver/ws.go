// ws.go — WebSocket 实时事件流: 广播 hub + /ws 升级 handler。
package apiserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/multi-agent/go-session-v2/pkg/logger"
)

const wsWriteWait = 10 * time.Second

// WSEvent 推给订阅端的事件封套。
type WSEvent struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Hub 订阅端集合。慢消费者丢事件, 不阻塞广播方。
type Hub struct {
	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	ch     chan WSEvent
	closed chan struct{}
}

func newWSHub() *Hub {
	return &Hub{conns: make(map[*wsConn]struct{})}
}

// broadcast 向所有订阅端推一条事件。
func (h *Hub) broadcast(eventType string, data any) {
	ev := WSEvent{Type: eventType, Data: data, At: time.Now().UTC()}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		select {
		case conn.ch <- ev:
		default:
		}
	}
}

// Broadcast 导出的广播入口 (service 层事件接入)。
func (h *Hub) Broadcast(eventType string, data any) { h.broadcast(eventType, data) }

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// closeAll 服务关闭时断开所有订阅端。
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		close(conn.closed)
		delete(h.conns, conn)
	}
}

// subscriberCount 当前订阅端数 (测试用)。
func (h *Hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

var upgrader = websocket.Upgrader{
	// 仅本机监听, 来源不做限制
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS 升级连接并转发广播事件。入站消息只用于探活, 内容忽略。
func (s *Server) handleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("ws upgrade failed", logger.FieldError, err)
		return
	}
	conn := &wsConn{ch: make(chan WSEvent, 64), closed: make(chan struct{})}
	s.hub.add(conn)
	defer func() {
		s.hub.remove(conn)
		_ = ws.Close()
	}()

	// 读循环只为感知断开
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-conn.ch:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				return
			}
		case <-readDone:
			return
		case <-conn.closed:
			_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			return
		}
	}
}
