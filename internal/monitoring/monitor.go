package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// Snapshot is the backlog as seen by the last collection.
type Snapshot struct {
	QueueDepth     int                  `json:"queue_depth"`
	JobsByStage    map[models.Stage]int `json:"jobs_by_stage"`
	StaleJobs      int                  `json:"stale_jobs"`
	Workers        []WorkerHealth       `json:"workers"`
	HealthyWorkers int                  `json:"healthy_workers"`
	LastUpdated    time.Time            `json:"last_updated"`
}

// WorkerHealth is derived from the heartbeats of the jobs a worker holds.
type WorkerHealth struct {
	WorkerID      string    `json:"worker_id"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CurrentJobs   []string  `json:"current_jobs"`
}

// QueueProvider reports the dispatch queue depth.
type QueueProvider interface {
	Depth() (int, error)
}

// Config configures a Monitor.
type Config struct {
	Store tracker.Store
	// Queue may be nil when jobs are dispatched in process.
	Queue QueueProvider
	// StaleAfter matches the recovery threshold.
	StaleAfter time.Duration
	Interval   time.Duration
	// PendingAlert is the pending backlog above which Alerts warns.
	PendingAlert int
	Logger       *logging.Logger
}

// Monitor periodically summarizes job backlog and worker liveness from the
// job store and exports it as gauges.
type Monitor struct {
	store        tracker.Store
	queue        QueueProvider
	staleAfter   time.Duration
	interval     time.Duration
	pendingAlert int
	logger       *logging.Logger
	now          func() time.Time

	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewMonitor creates a new monitoring service
func NewMonitor(cfg Config) *Monitor {
	m := &Monitor{
		store:        cfg.Store,
		queue:        cfg.Queue,
		staleAfter:   cfg.StaleAfter,
		interval:     cfg.Interval,
		pendingAlert: cfg.PendingAlert,
		logger:       cfg.Logger,
		now:          time.Now,
		snapshot:     &Snapshot{JobsByStage: map[models.Stage]int{}},
	}
	if m.staleAfter <= 0 {
		m.staleAfter = 2 * time.Minute
	}
	if m.interval <= 0 {
		m.interval = 10 * time.Second
	}
	if m.pendingAlert <= 0 {
		m.pendingAlert = 100
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	return m
}

// Run collects until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Collect(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithError(err).Warn("Failed to update backlog metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Collect refreshes the snapshot and the gauges.
func (m *Monitor) Collect(ctx context.Context) error {
	stages := append([]models.Stage{models.StagePending}, models.InProgressStages...)
	jobs, err := m.store.ListJobsByStage(ctx, stages...)
	if err != nil {
		return fmt.Errorf("failed to list active jobs: %w", err)
	}

	now := m.now()
	snap := &Snapshot{
		JobsByStage: make(map[models.Stage]int, len(stages)),
		LastUpdated: now,
	}
	for _, st := range stages {
		snap.JobsByStage[st] = 0
	}

	workers := make(map[string]*WorkerHealth)
	for _, job := range jobs {
		snap.JobsByStage[job.Stage]++
		if job.Stage == models.StagePending {
			continue
		}

		stale := now.Sub(job.UpdatedAt) > m.staleAfter
		if stale {
			snap.StaleJobs++
		}
		if job.WorkerID == "" {
			continue
		}
		w, ok := workers[job.WorkerID]
		if !ok {
			w = &WorkerHealth{WorkerID: job.WorkerID}
			workers[job.WorkerID] = w
		}
		w.CurrentJobs = append(w.CurrentJobs, job.ID)
		if job.UpdatedAt.After(w.LastHeartbeat) {
			w.LastHeartbeat = job.UpdatedAt
		}
	}

	for _, w := range workers {
		w.Status = "healthy"
		if now.Sub(w.LastHeartbeat) > m.staleAfter {
			w.Status = "unhealthy"
		} else {
			snap.HealthyWorkers++
		}
		snap.Workers = append(snap.Workers, *w)
	}

	if m.queue != nil {
		depth, err := m.queue.Depth()
		if err != nil {
			return fmt.Errorf("failed to get queue depth: %w", err)
		}
		snap.QueueDepth = depth
		metrics.QueueDepth.Set(float64(depth))
	}

	for st, n := range snap.JobsByStage {
		metrics.JobsByStage.WithLabelValues(string(st)).Set(float64(n))
	}
	metrics.StaleJobs.Set(float64(snap.StaleJobs))
	metrics.ActiveWorkers.Set(float64(snap.HealthyWorkers))

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the last collection.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := *m.snapshot
	snap.JobsByStage = make(map[models.Stage]int, len(m.snapshot.JobsByStage))
	for k, v := range m.snapshot.JobsByStage {
		snap.JobsByStage[k] = v
	}
	snap.Workers = append([]WorkerHealth(nil), m.snapshot.Workers...)
	return snap
}

// Alerts returns current backlog alerts
func (m *Monitor) Alerts() []string {
	snap := m.Snapshot()

	var alerts []string
	if n := snap.JobsByStage[models.StagePending]; n > m.pendingAlert {
		alerts = append(alerts, fmt.Sprintf("High pending backlog: %d jobs", n))
	}
	if snap.StaleJobs > 0 {
		alerts = append(alerts, fmt.Sprintf("Stale jobs awaiting recovery: %d", snap.StaleJobs))
	}
	if unhealthy := len(snap.Workers) - snap.HealthyWorkers; unhealthy > 0 {
		alerts = append(alerts, fmt.Sprintf("Unhealthy workers: %d/%d", unhealthy, len(snap.Workers)))
	}
	return alerts
}

// Health summarizes Alerts into healthy, warning or critical.
func (m *Monitor) Health() string {
	snap := m.Snapshot()
	switch {
	case len(snap.Workers) > 0 && snap.HealthyWorkers == 0:
		return "critical"
	case len(m.Alerts()) > 0:
		return "warning"
	default:
		return "healthy"
	}
}
