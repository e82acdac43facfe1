package session

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-relay/internal/inference"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	chatService "github.com/zhouzirui/tavern-relay/internal/service/chat"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// Handler 实时会话的HTTP处理器
type Handler struct {
	registry *chatService.Registry
	gates    []*inference.Gate
}

// New 创建会话处理器
func New(registry *chatService.Registry, gates ...*inference.Gate) *Handler {
	return &Handler{registry: registry, gates: gates}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
}

type sessionsResponse struct {
	Sessions []chat.Session    `json:"sessions"`
	Gates    []inference.Stats `json:"gates"`
}

// handleListSessions 列出在线会话以及推理闸门的占用情况
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionsResponse{
		Sessions: h.registry.List(r.Context()),
		Gates:    make([]inference.Stats, 0, len(h.gates)),
	}
	for _, g := range h.gates {
		if g != nil {
			resp.Gates = append(resp.Gates, g.Stats())
		}
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.registry.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, chatService.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, s)
}
