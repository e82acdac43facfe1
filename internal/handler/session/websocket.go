package session

import (
	"context"
	"log"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/tavern-relay/internal/transport"
)

// ConnServer runs one relay session on an established connection.
type ConnServer interface {
	ServeConn(ctx context.Context, conn net.Conn, transport string)
}

// WebSocketHandler 把浏览器的 WebSocket 连接交给中继会话
type WebSocketHandler struct {
	relay    ConnServer
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(relay ConnServer) *WebSocketHandler {
	return &WebSocketHandler{
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// handleWebSocket 升级连接后阻塞到会话结束
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[admin] websocket upgrade failed: %v", err)
		return
	}

	log.Printf("[admin] websocket session from %s", r.RemoteAddr)
	h.relay.ServeConn(r.Context(), transport.NewWSConn(ws), "websocket")
}
