package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/auth-session-api/api/swagger"
	"github.com/noah-isme/auth-session-api/internal/handler"
	"github.com/noah-isme/auth-session-api/internal/repository"
	"github.com/noah-isme/auth-session-api/internal/service"
	"github.com/noah-isme/auth-session-api/pkg/cache"
	"github.com/noah-isme/auth-session-api/pkg/config"
	"github.com/noah-isme/auth-session-api/pkg/database"
	"github.com/noah-isme/auth-session-api/pkg/jobs"
	"github.com/noah-isme/auth-session-api/pkg/logger"
)

// @title Auth Session API
// @version 1.0.0
// @description Login sessions with rotating refresh tokens
// @BasePath /api/v1
// @schemes http https

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	users := repository.NewUserRepository(db)
	sqlSessions := repository.NewSessionRepository(db)

	var sessions service.SessionStore = sqlSessions
	readiness := map[string]handler.ReadinessCheck{"postgres": db.PingContext}
	if cfg.Session.Store == config.StoreRedis {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer client.Close()
		sessions = repository.NewRedisSessionRepository(client, "auth", cfg.Token.RefreshExpiration)
		readiness["redis"] = cache.Check(client)
	}
	logr.Info("session store selected", zap.String("store", cfg.Session.Store))

	metrics := service.NewMetricsService()
	tokens := service.NewTokenService(service.TokenConfig{
		Issuer:        cfg.Token.Issuer,
		AccessSecret:  cfg.Token.AccessSecret,
		AccessExpiry:  cfg.Token.AccessExpiration,
		RefreshSecret: cfg.Token.RefreshSecret,
		RefreshExpiry: cfg.Token.RefreshExpiration,
	})
	authSvc := service.NewAuthService(users, sessions, tokens, validator.New(), logr.Named("auth"), service.AuthConfig{BcryptCost: cfg.Password.BcryptCost})
	refreshSvc := service.NewRefreshService(users, sessions, tokens, cfg.Token.GraceWindow, logr.Named("refresh"), metrics)
	coalescer := service.NewRefreshCoalescer(refreshSvc, tokens, cfg.Token.IdempotencyWindow, metrics)

	if cfg.Purge.Enabled && cfg.Session.Store == config.StorePostgres {
		purge := service.NewSessionPurgeService(sqlSessions, service.SessionPurgeConfig{
			Interval:  cfg.Purge.Interval,
			Retention: cfg.Purge.Retention,
		}, logr.Named("purge"), metrics)
		queue := jobs.NewQueue("session-purge", purge.Handle, jobs.QueueConfig{Workers: 1, Logger: logr})
		queue.Start(ctx)
		defer queue.Stop()
		purge.Start(ctx, queue)
	}

	authHandler := handler.NewAuthHandler(authSvc, coalescer, refreshSvc, handler.CookieSettings{
		Name:   cfg.Cookie.Name,
		Path:   cfg.Cookie.Path,
		Secure: cfg.Cookie.Secure,
		MaxAge: cfg.Token.RefreshExpiration,
	}, logr.Named("http"))

	r := handler.NewRouter(handler.RouterConfig{
		APIPrefix:      cfg.APIPrefix,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logr,
		Auth:           authHandler,
		AuthService:    authSvc,
		Metrics:        metrics,
		Readiness:      readiness,
	})
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
