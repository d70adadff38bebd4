package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lecturevod_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_jobs_created_total",
			Help: "Total number of processing jobs created",
		},
		[]string{"trigger"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal stage",
		},
		[]string{"stage", "outcome"},
	)

	StageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_stage_transitions_total",
			Help: "Total number of job stage transitions",
		},
		[]string{"from", "to"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lecturevod_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~2 hours
		},
		[]string{"stage"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lecturevod_jobs_in_progress",
			Help: "Number of jobs currently being processed",
		},
	)

	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lecturevod_jobs_queued",
			Help: "Number of jobs waiting for a worker",
		},
	)

	JobsByStage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lecturevod_jobs_by_stage",
			Help: "Non-terminal jobs per stage across all workers",
		},
		[]string{"stage"},
	)

	StaleJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lecturevod_stale_jobs",
			Help: "In-progress jobs whose heartbeat is overdue",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lecturevod_active_workers",
			Help: "Workers holding a job with a recent heartbeat",
		},
	)

	// Tier Metrics
	TierResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_tier_results_total",
			Help: "Rendition and packaging outcomes per quality tier",
		},
		[]string{"stage", "tier", "outcome"},
	)

	RenditionSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lecturevod_rendition_size_bytes",
			Help:    "Size of produced renditions in bytes",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 14), // 1MB to 8GB
		},
		[]string{"tier"},
	)

	EncodeSlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lecturevod_encode_slots_in_use",
			Help: "Number of encode slots currently held",
		},
	)

	// Publication Metrics
	PublicationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_publications_total",
			Help: "Completed jobs by publication outcome",
		},
		[]string{"outcome"},
	)

	// Playback Metrics
	PlaybackResolvesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_playback_resolves_total",
			Help: "Playback resolutions by source",
		},
		[]string{"source"},
	)

	PlaybackCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_playback_cache_total",
			Help: "Playback descriptor cache lookups",
		},
		[]string{"result"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	// Queue Metrics
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lecturevod_queue_messages_total",
			Help: "Dispatch queue messages",
		},
		[]string{"direction", "status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lecturevod_queue_depth",
			Help: "Messages waiting in the dispatch queue",
		},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordJobCreated records a job creation
func RecordJobCreated(trigger string) {
	JobsCreatedTotal.WithLabelValues(trigger).Inc()
}

// RecordTransition records a stage transition. Terminal transitions also
// count as a finished job, labelled by the stage it failed in.
func RecordTransition(from, to string) {
	StageTransitionsTotal.WithLabelValues(from, to).Inc()
	switch to {
	case "completed":
		JobsFinishedTotal.WithLabelValues(from, "completed").Inc()
	case "failed":
		JobsFinishedTotal.WithLabelValues(from, "failed").Inc()
	}
}

// RecordStageDuration records time spent in a stage
func RecordStageDuration(stage string, seconds float64) {
	StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordTierResult records the outcome of one tier in a stage
func RecordTierResult(stage, tier string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	TierResultsTotal.WithLabelValues(stage, tier, outcome).Inc()
}

// RecordRendition records a successfully produced rendition
func RecordRendition(tier string, sizeBytes int64) {
	RenditionSizeBytes.WithLabelValues(tier).Observe(float64(sizeBytes))
}

// RecordPublication records whether a completed job was published or discarded
func RecordPublication(outcome string) {
	PublicationsTotal.WithLabelValues(outcome).Inc()
}

// RecordResolve records the source a playback request was served from
func RecordResolve(source string) {
	PlaybackResolvesTotal.WithLabelValues(source).Inc()
}

// RecordCacheLookup records a playback cache hit or miss
func RecordCacheLookup(hit bool) {
	if hit {
		PlaybackCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	PlaybackCacheTotal.WithLabelValues("miss").Inc()
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordQueueMessage records a published or consumed dispatch message
func RecordQueueMessage(direction string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	QueueMessagesTotal.WithLabelValues(direction, status).Inc()
}
