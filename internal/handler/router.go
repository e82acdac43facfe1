package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/tavern-relay/internal/handler/persona"
	"github.com/zhouzirui/tavern-relay/internal/handler/session"
	"github.com/zhouzirui/tavern-relay/internal/inference"
	personaModel "github.com/zhouzirui/tavern-relay/internal/model/persona"
	chatService "github.com/zhouzirui/tavern-relay/internal/service/chat"
	"github.com/zhouzirui/tavern-relay/pkg/utils"
)

// Deps 是管理接口依赖的服务。
type Deps struct {
	Active   personaModel.Persona
	Personas personaModel.Store
	Registry *chatService.Registry
	Relay    session.ConnServer
	Gates    []*inference.Gate
}

// NewRouter wires the admin HTTP routes.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	started := time.Now()
	personaHandler := persona.New(deps.Personas, deps.Active)
	sessionHandler := session.New(deps.Registry, deps.Gates...)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":   "ok",
				"persona":  deps.Active.ID,
				"sessions": len(deps.Registry.List(r.Context())),
				"uptime":   time.Since(started).Round(time.Second).String(),
			})
		})

		personaHandler.RegisterRoutes(api)
		sessionHandler.RegisterRoutes(api)
	})

	if deps.Relay != nil {
		session.NewWebSocketHandler(deps.Relay).RegisterRoutes(r)
	}

	return r
}
