package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// RuleService is the slice of the rule engine the HTTP layer drives.
type RuleService interface {
	ListRules(ctx context.Context, app, ip string, port *int) ([]domain.SystemRule, error)
	AddRule(ctx context.Context, app, ip string, port *int, t domain.Thresholds) (*domain.SystemRule, error)
	UpdateRule(ctx context.Context, id int64, u domain.RuleUpdate) (*domain.SystemRule, error)
	DeleteRule(ctx context.Context, id int64) (int64, error)
}

// ==============================================================================
// 1. Request Payloads
// ==============================================================================

// AddRuleRequest is the body of POST /api/v1/system/rules.
type AddRuleRequest struct {
	App  string `json:"app"`
	IP   string `json:"ip"`
	Port *int   `json:"port"`
	domain.Thresholds
}

// ==============================================================================
// 2. The Handler Struct (Dependency Injection)
// ==============================================================================

type SystemRuleHandler struct {
	Service RuleService
}

func NewSystemRuleHandler(service RuleService) *SystemRuleHandler {
	return &SystemRuleHandler{Service: service}
}

// ==============================================================================
// 3. HTTP Methods
// ==============================================================================

// List handles GET /api/v1/system/rules?app=&ip=&port=
func (h *SystemRuleHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	port, err := optionalInt(q.Get("port"), "port")
	if err != nil {
		HandleError(w, r, err)
		return
	}

	rules, err := h.Service.ListRules(r.Context(), q.Get("app"), q.Get("ip"), port)
	if err != nil {
		HandleError(w, r, err)
		return
	}
	OK(w, http.StatusOK, rules)
}

// Create handles POST /api/v1/system/rules
func (h *SystemRuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req AddRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Fail(w, http.StatusBadRequest, CodeBadRequest, "Invalid JSON payload")
		return
	}

	rule, err := h.Service.AddRule(r.Context(), req.App, req.IP, req.Port, req.Thresholds)
	if err != nil {
		HandleError(w, r, err)
		return
	}
	OK(w, http.StatusCreated, rule)
}

// Update handles PUT /api/v1/system/rules/{id}
func (h *SystemRuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		HandleError(w, r, err)
		return
	}

	var req domain.RuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Fail(w, http.StatusBadRequest, CodeBadRequest, "Invalid JSON payload")
		return
	}

	rule, err := h.Service.UpdateRule(r.Context(), id, req)
	if err != nil {
		HandleError(w, r, err)
		return
	}
	OK(w, http.StatusOK, rule)
}

// Delete handles DELETE /api/v1/system/rules/{id}
func (h *SystemRuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := ruleID(r)
	if err != nil {
		HandleError(w, r, err)
		return
	}

	deleted, err := h.Service.DeleteRule(r.Context(), id)
	if err != nil {
		HandleError(w, r, err)
		return
	}
	OK(w, http.StatusOK, deleted)
}

func ruleID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		return 0, domain.NewFieldError(domain.ErrMissingField, "id", "can't be null")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, domain.NewFieldError(domain.ErrOutOfRange, "id", "must be a non-negative integer")
	}
	return id, nil
}

func optionalInt(raw, field string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, domain.NewFieldError(domain.ErrOutOfRange, field, "must be an integer")
	}
	return &v, nil
}
