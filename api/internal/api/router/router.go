package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/irgordon/rulesync/api/internal/api/handlers"
	auth_middleware "github.com/irgordon/rulesync/api/internal/api/middleware"
)

// RouterConfig defines the dependencies required to build the API routing tree.
// AgentHandler is nil unless agents connect over WebSocket.
type RouterConfig struct {
	AllowedOrigins []string
	RuleHandler    *handlers.SystemRuleHandler
	MachineHandler *handlers.MachineHandler
	AgentHandler   *handlers.AgentHandler
	HealthHandler  *handlers.HealthHandler
	AuthMiddleware *auth_middleware.AuthMiddleware
	Metrics        http.Handler
	Logger         *zap.Logger
}

// NewRouter constructs the Chi multiplexer, attaches global middleware, and wires all endpoints.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// =========================================================================
	// 1. Global Gateway Middleware Pipeline
	// =========================================================================

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(auth_middleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// 🛡️ Limit all incoming JSON requests to 1 Megabyte max (OOM Protection)
	r.Use(auth_middleware.MaxBytes(1_048_576))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	// =========================================================================
	// 2. Probes & Scraping
	// =========================================================================

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})
	if cfg.HealthHandler != nil {
		r.Get("/health", cfg.HealthHandler.Check)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	// Sentinel clients heartbeat without credentials.
	r.With(cfg.AuthMiddleware.RateLimit).
		Post("/registry/machine", cfg.MachineHandler.Heartbeat)

	// =========================================================================
	// 3. API v1 Routing Tree (Requires a Valid Token)
	// =========================================================================

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cfg.AuthMiddleware.RateLimit)
		r.Use(cfg.AuthMiddleware.RequireAuthentication)

		// Long-lived agent connections stay outside the request timeout.
		if cfg.AgentHandler != nil {
			r.Get("/agents/connect", cfg.AgentHandler.Connect)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/system/rules", func(r chi.Router) {
				r.Get("/", cfg.RuleHandler.List)
				r.Post("/", cfg.RuleHandler.Create)
				r.Put("/{id}", cfg.RuleHandler.Update)
				r.Delete("/{id}", cfg.RuleHandler.Delete)
			})

			r.Get("/apps/{app}/machines", cfg.MachineHandler.List)
			r.Delete("/apps/{app}/machines/{ip}/{port}", cfg.MachineHandler.Remove)
		})
	})

	return r
}
