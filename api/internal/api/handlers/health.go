package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

type HealthHandler struct {
	checker domain.HealthChecker // nil for the in-memory repository
	logger  *zap.Logger
}

func NewHealthHandler(checker domain.HealthChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, logger: logger}
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	if h.checker != nil {
		// 🛡️ SLA: Use a tight timeout for health checks
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.checker.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			Fail(w, http.StatusServiceUnavailable, http.StatusServiceUnavailable, "unhealthy: rule repository unreachable")
			return
		}
	}
	OK(w, http.StatusOK, map[string]string{"status": "healthy"})
}
