package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/agenthub"
	"github.com/irgordon/rulesync/api/internal/core/domain"
	"github.com/irgordon/rulesync/api/internal/core/services"
)

// Agents connect from arbitrary hosts and are not browsers. Authentication
// happens on the bearer token before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type AgentHandler struct {
	Hub    *agenthub.Hub
	Logger *zap.Logger
}

func NewAgentHandler(hub *agenthub.Hub, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{Hub: hub, Logger: logger}
}

// Connect handles GET /api/v1/agents/connect?app=&ip=&port=
// The caller needs read access to the app whose rules it will receive.
func (h *AgentHandler) Connect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	app, ip := strings.TrimSpace(q.Get("app")), strings.TrimSpace(q.Get("ip"))

	port, err := optionalInt(q.Get("port"), "port")
	if err != nil {
		HandleError(w, r, err)
		return
	}
	if err := services.ValidateIdentity(app, ip, port); err != nil {
		HandleError(w, r, err)
		return
	}

	principal, err := domain.PrincipalFromContext(r.Context())
	if err != nil {
		HandleError(w, r, err)
		return
	}
	if err := principal.Authorize(app, domain.ActionRead); err != nil {
		h.Logger.Warn("Agent connection rejected",
			zap.String("subject", principal.Subject()),
			zap.String("app", app),
			zap.String("remote_addr", r.RemoteAddr))
		HandleError(w, r, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade agent connection", zap.String("app", app), zap.Error(err))
		return
	}

	// Blocks until the agent disconnects.
	h.Hub.Serve(ws, domain.MachineIdentity{App: app, IP: ip, Port: *port})
}
