package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/irgordon/rulesync/api/internal/api/handlers"
	"github.com/irgordon/rulesync/api/internal/core/domain"
)

// TokenVerifier turns a bearer token into the operator it names.
type TokenVerifier interface {
	VerifyOperatorToken(token string) (*domain.Operator, error)
}

type visitor struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

type AuthMiddleware struct {
	Tokens TokenVerifier
	Logger *zap.Logger

	rps      rate.Limit
	burst    int
	visitors sync.Map
	stop     chan struct{}
	stopOnce sync.Once
}

// NewAuthMiddleware starts the visitor cleanup loop; call Close to stop it.
func NewAuthMiddleware(tokens TokenVerifier, logger *zap.Logger) *AuthMiddleware {
	m := &AuthMiddleware{
		Tokens: tokens,
		Logger: logger,
		rps:    rate.Limit(10),
		burst:  30,
		stop:   make(chan struct{}),
	}
	go m.cleanupVisitors()
	return m
}

func (m *AuthMiddleware) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// ==============================================================================
// 1. Identity
// ==============================================================================

// RequireAuthentication resolves the bearer token into a principal on the
// request context. A missing or invalid token never reaches the handlers.
func (m *AuthMiddleware) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractToken(r)
		if tokenString == "" {
			handlers.Fail(w, http.StatusUnauthorized, handlers.CodeUnauthenticated, "Unauthorized")
			return
		}

		op, err := m.Tokens.VerifyOperatorToken(tokenString)
		if err != nil {
			m.Logger.Warn("Rejected operator token",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Error(err))
			handlers.Fail(w, http.StatusUnauthorized, handlers.CodeUnauthenticated, "Invalid token")
			return
		}

		ctx := domain.WithPrincipal(r.Context(), op)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ==============================================================================
// 2. Performance & DoS Protection
// ==============================================================================

// RateLimit applies a per-client token bucket.
func (m *AuthMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// RealIP has already rewritten RemoteAddr behind a proxy.
		ip := r.RemoteAddr

		v, _ := m.visitors.LoadOrStore(ip, &visitor{
			limiter:  rate.NewLimiter(m.rps, m.burst),
			lastSeen: time.Now(),
		})

		vis := v.(*visitor)
		vis.mu.Lock()
		vis.lastSeen = time.Now()
		vis.mu.Unlock()

		if !vis.limiter.Allow() {
			handlers.Fail(w, http.StatusTooManyRequests, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) cleanupVisitors() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.visitors.Range(func(key, value interface{}) bool {
				vis := value.(*visitor)
				vis.mu.Lock()
				idle := time.Since(vis.lastSeen)
				vis.mu.Unlock()
				if idle > 3*time.Minute {
					m.visitors.Delete(key)
				}
				return true
			})
		}
	}
}

// MaxBytes caps request bodies.
func MaxBytes(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// ==============================================================================
// 3. Request Logging
// ==============================================================================

// StructuredLogger logs one line per request.
func StructuredLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote_addr", r.RemoteAddr),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}
