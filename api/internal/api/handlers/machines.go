package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/irgordon/rulesync/api/internal/agenthub"
	"github.com/irgordon/rulesync/api/internal/core/domain"
	"github.com/irgordon/rulesync/api/internal/core/services"
	"github.com/irgordon/rulesync/api/internal/discovery"
)

// MachineView is a registered machine plus whether its agent is online.
type MachineView struct {
	discovery.MachineInfo
	AgentConnected bool `json:"agentConnected"`
}

type MachineHandler struct {
	Registry *discovery.Registry
	Hub      *agenthub.Hub // nil unless agents push over WebSocket
}

func NewMachineHandler(registry *discovery.Registry, hub *agenthub.Hub) *MachineHandler {
	return &MachineHandler{Registry: registry, Hub: hub}
}

// Heartbeat handles POST /registry/machine. Clients send form fields
// app, ip, port, hostname and version.
func (h *MachineHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		Fail(w, http.StatusBadRequest, CodeBadRequest, "Invalid form payload")
		return
	}

	app := strings.TrimSpace(r.Form.Get("app"))
	ip := strings.TrimSpace(r.Form.Get("ip"))
	port, err := optionalInt(r.Form.Get("port"), "port")
	if err != nil {
		HandleError(w, r, err)
		return
	}
	if err := services.ValidateIdentity(app, ip, port); err != nil {
		HandleError(w, r, err)
		return
	}

	info := h.Registry.Heartbeat(discovery.MachineInfo{
		App:      app,
		IP:       ip,
		Port:     *port,
		Hostname: r.Form.Get("hostname"),
		Version:  r.Form.Get("version"),
	})
	OK(w, http.StatusOK, info)
}

// List handles GET /api/v1/apps/{app}/machines
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	app := chi.URLParam(r, "app")

	principal, err := domain.PrincipalFromContext(r.Context())
	if err != nil {
		HandleError(w, r, err)
		return
	}
	if err := principal.Authorize(app, domain.ActionRead); err != nil {
		HandleError(w, r, err)
		return
	}

	online := make(map[domain.MachineIdentity]bool)
	if h.Hub != nil {
		for _, a := range h.Hub.Connected() {
			online[a.Machine] = true
		}
	}

	machines := h.Registry.Machines(app)
	views := make([]MachineView, 0, len(machines))
	for _, m := range machines {
		views = append(views, MachineView{MachineInfo: m, AgentConnected: online[m.Identity()]})
	}
	OK(w, http.StatusOK, views)
}

// Remove handles DELETE /api/v1/apps/{app}/machines/{ip}/{port}. A machine
// that is still running reappears with its next heartbeat.
func (h *MachineHandler) Remove(w http.ResponseWriter, r *http.Request) {
	app, ip := chi.URLParam(r, "app"), chi.URLParam(r, "ip")
	port, err := optionalInt(chi.URLParam(r, "port"), "port")
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
	if err := principal.Authorize(app, domain.ActionDelete); err != nil {
		HandleError(w, r, err)
		return
	}

	machine := domain.MachineIdentity{App: app, IP: ip, Port: *port}
	if _, ok := h.Registry.Lookup(machine); !ok {
		HandleError(w, r, fmt.Errorf("machine %s: %w", machine, domain.ErrNotFound))
		return
	}
	h.Registry.Remove(machine)
	OK(w, http.StatusOK, machine)
}
