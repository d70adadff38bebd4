package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/app"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/config"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/ingest"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
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

	// Handle shutdown gracefully
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize services: %v", err)
	}
	defer svc.Close()

	workerID := "worker-" + uuid.New().String()[:8]
	logger = logger.WithWorkerID(workerID)

	slotCount := worker.SlotCount(ctx, cfg.Transcoder.EncodeSlots)
	slots := worker.NewSlots(slotCount)
	pool := svc.Pool(svc.Pipeline(slots, workerID))

	// The first sweep inside Start fails jobs a previous worker abandoned
	// and re-queues pending ones.
	pool.Start()
	logger.WithField("workers", cfg.Transcoder.Workers).
		WithField("encode_slots", slotCount).
		Info("Worker started, waiting for jobs...")

	if svc.Queue != nil {
		if err := svc.Queue.Consume(ctx, pool.Accept); err != nil {
			logger.Fatalf("Failed to consume jobs: %v", err)
		}
	}

	if cfg.Inbox.Enabled {
		watcher := ingest.NewWatcher(ingest.Config{
			Dir:        cfg.Inbox.Dir,
			Layout:     svc.Layout,
			Registrar:  svc.Tracker,
			Assets:     svc.Store,
			SettleTime: cfg.Inbox.SettleTime,
			Logger:     logger,
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Error("Inbox watcher stopped")
			}
		}()
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		go svc.Monitor().Run(ctx)

		metricsServer = metrics.NewServer(cfg.Metrics.Port, svc.HealthChecks())
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Wait for shutdown
	<-ctx.Done()
	logger.Info("Shutting down worker gracefully...")

	shutdownCtx, cancel := svc.ShutdownContext()
	defer cancel()

	// Jobs left in progress are recovered by the next worker's sweep.
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Jobs still running at shutdown")
	}
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("Worker stopped")
}
