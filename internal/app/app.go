// Package app wires the shared services behind the api, worker and
// reprocess commands.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/cache"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/config"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/database"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/queue"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/storage"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracing"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/worker"
)

// App holds the long-lived services of one process.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Layout   transcoder.Layout
	Store    tracker.Store
	Tracker  *tracker.Tracker
	Resolver *tracker.Resolver

	// Optional backends, nil when disabled.
	DB     *database.DB
	Cache  *cache.Cache
	Queue  *queue.Queue
	Mirror *storage.Storage

	closers []io.Closer
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	return logging.NewLogger(logging.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	})
}

// New connects every enabled backend and builds the tracker and resolver.
// Backends that are disabled in cfg are left nil.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
		Layout: transcoder.NewLayout(cfg.Storage.Root),
	}

	tracer, err := tracing.InitTracer(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, tracer)

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	tcfg := tracker.Config{
		Store:  a.Store,
		Layout: a.Layout,
		Logger: logger,
	}
	var descriptors tracker.DescriptorCache

	if cfg.Redis.Enabled {
		c, err := cache.NewCache(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CacheTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Cache = c
		a.closers = append(a.closers, closeFunc(c.Close))
		tcfg.Invalidator = c
		tcfg.Locker = cache.NewLocker(c.Client(), cfg.Redis.LockTTL)
		descriptors = c
		logger.WithField("addr", cfg.Redis.Addr()).Info("Connected to Redis")
	}

	if cfg.Storage.Mirror {
		s, err := storage.New(ctx, cfg.Storage)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Mirror = s
		tcfg.Mirror = s
		logger.WithField("bucket", cfg.Storage.BucketName).Info("Mirroring published media to object storage")
	}

	if cfg.Queue.Enabled {
		q, err := queue.New(cfg.Queue, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
		a.closers = append(a.closers, q)
		tcfg.Dispatcher = q
		logger.WithField("queue", cfg.Queue.Name).Info("Connected to RabbitMQ")
	}

	a.Tracker = tracker.New(tcfg)
	a.Resolver = tracker.NewResolver(a.Store, storage.PublicURLs{
		MediaBaseURL: cfg.Storage.MediaBaseURL,
		FilesBaseURL: cfg.Storage.FilesBaseURL,
	}, descriptors)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Database.Driver {
	case "memory":
		a.Logger.Warn("Using in-memory job store, state is lost on exit")
		a.Store = tracker.NewMemoryStore()
		return nil
	default:
		db, err := database.New(ctx, a.Config.Database)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, closeFunc(func() error {
			db.Close()
			return nil
		}))
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		a.DB = db
		a.Store = database.NewStore(db)
		return nil
	}
}

// HealthChecks returns a check per connected backend.
func (a *App) HealthChecks() map[string]metrics.HealthCheck {
	checks := make(map[string]metrics.HealthCheck)
	if a.DB != nil {
		checks["database"] = a.DB.Health
	}
	if a.Cache != nil {
		checks["redis"] = a.Cache.Ping
	}
	if a.Queue != nil {
		checks["queue"] = func(ctx context.Context) error {
			_, err := a.Queue.Depth()
			return err
		}
	}
	return checks
}

// Monitor builds the backlog monitor over the job store and queue.
func (a *App) Monitor() *monitoring.Monitor {
	cfg := monitoring.Config{
		Store:      a.Store,
		StaleAfter: a.Config.Recovery.StaleAfter,
		Logger:     a.Logger,
	}
	if a.Queue != nil {
		cfg.Queue = a.Queue
	}
	return monitoring.NewMonitor(cfg)
}

// Pipeline builds the transcoding stages around the shared encode slots.
func (a *App) Pipeline(slots transcoder.Limiter, workerID string) *pipeline.Pipeline {
	tc := a.Config.Transcoder
	ffmpeg := transcoder.NewFFmpeg(tc.FFmpegPath, tc.FFprobePath)
	budget := transcoder.Budget{Factor: tc.TimeoutFactor, Min: tc.TimeoutMin, Max: tc.TimeoutMax}

	return pipeline.New(pipeline.Config{
		Tracker:    a.Tracker,
		Validator:  transcoder.NewValidator(ffmpeg, tc.ProbeTimeout),
		Normalizer: transcoder.NewNormalizer(ffmpeg, budget, tc.Retries),
		Renditioner: transcoder.NewRenditioner(transcoder.RenditionerConfig{
			Encoder:         ffmpeg,
			Slots:           slots,
			Budget:          budget,
			Retries:         tc.Retries,
			KeyframeSeconds: tc.SegmentSeconds,
		}),
		Packager:  transcoder.NewPackager(ffmpeg, budget, tc.Retries, tc.SegmentSeconds),
		Tiers:     tc.Tiers,
		Heartbeat: tc.Heartbeat,
		WorkerID:  workerID,
		Logger:    a.Logger.WithWorkerID(workerID),
	})
}

// Pool builds the job worker pool for p. The pool becomes the tracker's
// dispatcher unless jobs are announced over RabbitMQ.
func (a *App) Pool(p worker.Processor) *worker.Pool {
	pool := worker.NewPool(worker.PoolConfig{
		Processor:     p,
		Store:         a.Store,
		Recoverer:     a.Tracker,
		Workers:       a.Config.Transcoder.Workers,
		QueueSize:     a.Config.Transcoder.QueueSize,
		StaleAfter:    a.Config.Recovery.StaleAfter,
		SweepInterval: a.Config.Recovery.SweepInterval,
		Logger:        a.Logger,
	})
	if a.Queue == nil {
		a.Tracker.SetDispatcher(pool)
	}
	return pool
}

// Close releases every backend in reverse order of opening.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	if first != nil {
		return fmt.Errorf("failed to close services: %w", first)
	}
	return nil
}

// ShutdownContext bounds graceful shutdown by the server timeout.
func (a *App) ShutdownContext() (context.Context, context.CancelFunc) {
	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
