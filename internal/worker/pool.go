package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// ErrQueueFull is returned by Dispatch when the local queue is saturated.
// The job stays pending and is picked up by the next sweep.
var ErrQueueFull = errors.New("job queue is full")

// Processor runs one job.
type Processor interface {
	Process(ctx context.Context, jobID string) error
}

// Recoverer fails and restarts jobs abandoned by a dead worker.
type Recoverer interface {
	Recover(ctx context.Context, staleAfter time.Duration) (tracker.RecoveryReport, error)
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Processor Processor
	Store     tracker.Store
	Recoverer Recoverer
	Workers   int
	QueueSize int
	// StaleAfter is how long an in-progress job may go without a heartbeat.
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Logger        *logging.Logger
}

const (
	defaultWorkers       = 2
	defaultQueueSize     = 64
	defaultStaleAfter    = 2 * time.Minute
	defaultSweepInterval = time.Minute
)

// Pool runs jobs on a fixed number of workers. It also implements
// tracker.Dispatcher.
type Pool struct {
	processor     Processor
	store         tracker.Store
	recoverer     Recoverer
	workers       int
	staleAfter    time.Duration
	sweepInterval time.Duration
	logger        *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

// NewPool creates a Pool. Call Start to run it.
func NewPool(cfg PoolConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		processor:     cfg.Processor,
		store:         cfg.Store,
		recoverer:     cfg.Recoverer,
		workers:       workers,
		staleAfter:    staleAfter,
		sweepInterval: sweepInterval,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		queue:         make(chan string, queueSize),
		inFlight:      make(map[string]struct{}),
	}
}

// Start launches the workers and the recovery sweep.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go p.sweepLoop()
}

// Shutdown stops accepting work and waits for running jobs to return.
// Running jobs see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch queues a job without blocking.
func (p *Pool) Dispatch(ctx context.Context, jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.New("empty job id")
	}
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
	}
	select {
	case p.queue <- jobID:
		metrics.JobsQueued.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Accept is Dispatch for queue consumers: a full local queue still counts
// as accepted because the job stays pending and the sweep picks it up.
func (p *Pool) Accept(ctx context.Context, jobID string) error {
	if err := p.Dispatch(ctx, jobID); err != nil && !errors.Is(err, ErrQueueFull) {
		return err
	}
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			metrics.JobsQueued.Dec()
			if !p.beginWork(id) {
				continue
			}
			p.run(id)
			p.finishWork(id)
		}
	}
}

func (p *Pool) run(id string) {
	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithJobID(id).WithField("panic", r).Error("Job processor panicked")
		}
	}()

	if err := p.processor.Process(p.ctx, id); err != nil {
		p.logger.WithJobID(id).WithError(err).Warn("Job did not complete")
	}
}

func (p *Pool) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

func (p *Pool) isInFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[id]
	return ok
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	p.Sweep(p.ctx)

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(p.ctx)
		}
	}
}

// Sweep recovers stale jobs and re-queues every pending job not already
// running here.
func (p *Pool) Sweep(ctx context.Context) {
	if p.recoverer != nil {
		report, err := p.recoverer.Recover(ctx, p.staleAfter)
		if err != nil {
			p.logger.WithError(err).Error("Recovery sweep failed")
		} else if report.Interrupted > 0 {
			p.logger.WithField("interrupted", report.Interrupted).
				WithField("restarted", report.Restarted).
				Warn("Recovered interrupted jobs")
		}
	}

	if p.store == nil {
		return
	}
	pending, err := p.store.ListJobsByStage(ctx, models.StagePending)
	if err != nil {
		p.logger.WithError(err).Error("Failed to list pending jobs")
		return
	}
	for _, job := range pending {
		if p.isInFlight(job.ID) {
			continue
		}
		if err := p.Dispatch(ctx, job.ID); errors.Is(err, ErrQueueFull) {
			p.logger.WithField("pending", len(pending)).Debug("Queue full, rest of pending jobs wait for next sweep")
			return
		}
	}
}
