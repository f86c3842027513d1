package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// RouterDeps agrupa lo que necesita NewRouter.
type RouterDeps struct {
	Logger         *zap.Logger
	Auth           *AuthHandler
	Sessions       *SessionHandler
	Health         *HealthHandler
	Authenticator  Authenticator
	RefreshLimiter *IPRateLimiter
	// Metrics es opcional; sin handler no se expone /metrics.
	Metrics http.Handler
}

// NewRouter configura el router de Gin con middlewares y rutas.
func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(zapLoggerMiddleware(d.Logger), gin.Recovery())

	if d.Health != nil {
		r.GET("/healthz", d.Health.Healthz)
	}
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	requireSession := SessionAuthMiddleware(d.Authenticator, d.Logger)

	auth := r.Group("/auth", jsonContentTypeMiddleware())
	auth.POST("/login", d.Auth.Login)
	auth.POST("/refresh", RateLimitMiddleware(d.RefreshLimiter), d.Auth.Refresh)
	auth.POST("/logout", requireSession, d.Auth.Logout)
	auth.POST("/logout-all", requireSession, d.Auth.LogoutAll)

	sessions := r.Group("/sessions", jsonContentTypeMiddleware(), requireSession)
	sessions.GET("", d.Sessions.List)
	sessions.DELETE("", d.Sessions.RevokeOthers)
	sessions.DELETE("/:id", d.Sessions.Revoke)

	return r
}

// WithCORS envuelve el handler con rs/cors. Expone X-Auth-Error al navegador.
func WithCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Auth-Error"},
		AllowCredentials: true,
	}).Handler(h)
}

// zapLoggerMiddleware crea un middleware simple de logging con zap.
func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// jsonContentTypeMiddleware fuerza Content-Type: application/json en responses.
func jsonContentTypeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Next()
	}
}
