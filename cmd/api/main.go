package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/app"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/config"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/middleware"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/worker"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}
	defer svc.Close()

	// The in-memory store is private to this process, so jobs have to run
	// here too.
	var pool *worker.Pool
	if cfg.Database.Driver == "memory" {
		slots := worker.NewSlots(worker.SlotCount(ctx, cfg.Transcoder.EncodeSlots))
		pool = svc.Pool(svc.Pipeline(slots, "api-embedded"))
		pool.Start()
		logger.Info("Running jobs in the API process")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	go limiter.Cleanup(ctx, time.Minute)

	monitor := svc.Monitor()
	go monitor.Run(ctx)

	api := NewAPI(svc.Tracker, svc.Resolver, monitor, svc.HealthChecks(), logger)
	router := setupRouter(api, cfg, limiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.WithField("addr", addr).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := svc.ShutdownContext()
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if pool != nil {
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Jobs still running at shutdown")
		}
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API, cfg *config.Config, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(api.logger))

	// Health check
	router.GET("/health", api.healthCheck)

	// Published trees and the files fallbacks point at.
	root := cfg.Storage.Root
	router.Static("/media", filepath.Join(root, "media"))
	router.Static("/files/uploads", filepath.Join(root, "uploads"))
	work := router.Group("/files/work", api.newestJobOnly)
	work.Static("/", filepath.Join(root, "work"))

	v1 := router.Group("/api/v1")

	playback := v1.Group("")
	if cfg.RateLimit.Enabled {
		playback.Use(middleware.RateLimit(limiter))
	}
	{
		playback.GET("/jobs/:id/playback", api.jobPlayback)
		playback.GET("/assets/:id/playback", api.assetPlayback)
	}

	control := v1.Group("")
	if cfg.Auth.Enabled {
		control.Use(middleware.ServiceAuth(cfg.Auth.Secret, cfg.Auth.Issuer))
	}
	{
		// Assets
		control.POST("/assets", api.registerAsset)
		control.GET("/assets", api.listAssets)
		control.GET("/assets/:id", api.getAsset)
		control.DELETE("/assets/:id", api.deleteAsset)
		control.POST("/assets/:id/process", api.processAsset)

		// Jobs
		control.GET("/jobs/:id", api.getJob)
		control.GET("/status", api.systemStatus)
		control.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	return router
}
