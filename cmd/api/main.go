package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence/internal/config"
	"presence/internal/handler"
	"presence/internal/httpmiddleware"
	"presence/internal/logging"
	"presence/internal/namecipher"
	"presence/internal/observability"
	"presence/internal/presence"
	"presence/internal/queue"
	"presence/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logg.Closer()

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, "presence-api")
	if err != nil {
		logg.Base.Warn("sentry init failed", zap.Error(err))
	}
	defer flush()

	if err := runHTTP(cfg, logg.Base); err != nil {
		logg.Base.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logg *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		logg.Warn("db not reachable", zap.Error(err))
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	if db != nil {
		if err := store.Migrate(db.Client); err != nil {
			logg.Warn("migrations failed, /init-db can retry", zap.Error(err))
		}
	}

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presence:events")
	}

	cipher, err := namecipher.New(cfg.NameCipherKey)
	if err != nil {
		return err
	}
	repo := presence.NewRepository(db.Client)
	svc := presence.NewService(repo, cipher)
	cache := presence.NewOccupancyCache(redisClient.Client)

	// Seed default spaces so a fresh database serves the kiosk immediately.
	if added, err := svc.SeedSpaces(context.Background()); err != nil {
		logg.Warn("seeding spaces failed", zap.Error(err))
	} else if added > 0 {
		logg.Info("seeded default spaces", zap.Int64("count", added))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginzap.Ginzap(logg, time.RFC3339, true))
	r.Use(httpmiddleware.RequestID())
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitPerMin).Middleware("/healthz", "/metrics"))

	h := handler.New(svc, q, cache, db, redisClient, logg, cfg)
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logg.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logg.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Warn("server forced shutdown", zap.Error(err))
	}

	logg.Info("server exited")
	return nil
}

// CORS middleware for browser requests from kiosk tablets.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
