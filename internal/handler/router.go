package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-session-api/internal/middleware"
	"github.com/noah-isme/auth-session-api/internal/service"
	"github.com/noah-isme/auth-session-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/auth-session-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/auth-session-api/pkg/middleware/requestid"
)

// RouterConfig gathers what the HTTP surface needs.
type RouterConfig struct {
	APIPrefix      string
	AllowedOrigins []string
	Logger         *zap.Logger
	Auth           *AuthHandler
	AuthService    *service.AuthService
	Metrics        *service.MetricsService
	Readiness      map[string]ReadinessCheck
}

// NewRouter builds the gin engine with middleware and all routes registered.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(cfg.Logger, "/health", "/ready", "/metrics"))
	r.Use(corsmiddleware.New(cfg.AllowedOrigins))
	r.Use(middleware.Metrics(cfg.Metrics))

	metrics := NewMetricsHandler(cfg.Metrics, cfg.Readiness)
	r.GET("/health", metrics.Health)
	r.GET("/ready", metrics.Ready)
	r.GET("/metrics", metrics.Prometheus)

	api := r.Group(cfg.APIPrefix)
	requireAuth := middleware.JWT(cfg.AuthService)

	auth := api.Group("/auth")
	auth.POST("/register", cfg.Auth.Register)
	auth.POST("/login", cfg.Auth.Login)
	auth.POST("/refresh", cfg.Auth.Refresh)
	auth.POST("/logout", cfg.Auth.Logout)
	auth.GET("/me", requireAuth, cfg.Auth.Me)

	users := api.Group("/users")
	users.DELETE("/:id", requireAuth, middleware.SelfOnly("id"), cfg.Auth.DeleteUser)

	return r
}
