package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracing"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// ErrNoRenditions fails a job whose every quality tier failed to encode.
var ErrNoRenditions = errors.New("no renditions produced")

// Config wires a Pipeline.
type Config struct {
	Tracker     *tracker.Tracker
	Validator   *transcoder.Validator
	Normalizer  *transcoder.Normalizer
	Renditioner *transcoder.Renditioner
	Packager    *transcoder.Packager
	Tiers       []models.QualityTier
	// Heartbeat is how often a running job bumps its updated_at.
	Heartbeat time.Duration
	WorkerID  string
	Logger    *logging.Logger
}

// Pipeline drives one job through validation, normalization, rendering
// and packaging.
type Pipeline struct {
	tracker     *tracker.Tracker
	store       tracker.Store
	layout      transcoder.Layout
	validator   *transcoder.Validator
	normalizer  *transcoder.Normalizer
	renditioner *transcoder.Renditioner
	packager    *transcoder.Packager
	tiers       []models.QualityTier
	heartbeat   time.Duration
	workerID    string
	logger      *logging.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		tracker:     cfg.Tracker,
		store:       cfg.Tracker.Store(),
		layout:      cfg.Tracker.Layout(),
		validator:   cfg.Validator,
		normalizer:  cfg.Normalizer,
		renditioner: cfg.Renditioner,
		packager:    cfg.Packager,
		tiers:       cfg.Tiers,
		heartbeat:   cfg.Heartbeat,
		workerID:    cfg.WorkerID,
		logger:      cfg.Logger,
	}
	if len(p.tiers) == 0 {
		p.tiers = models.DefaultTiers()
	}
	if p.heartbeat <= 0 {
		p.heartbeat = 15 * time.Second
	}
	if p.workerID == "" {
		p.workerID = uuid.New().String()
	}
	if p.logger == nil {
		p.logger = logging.Nop()
	}
	return p
}

// errStop ends a run whose job was claimed, finished or deleted elsewhere.
var errStop = errors.New("job no longer owned by this worker")

// Process runs a pending job to a terminal stage. It returns nil when the
// job completed or was not ours to run, and the recorded failure otherwise.
func (p *Pipeline) Process(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			p.logger.WithJobID(jobID).Debug("Job vanished before it was claimed")
			return nil
		}
		return err
	}
	if job.Stage != models.StagePending {
		p.logger.WithJobID(jobID).WithField("stage", job.Stage).Debug("Job already claimed")
		return nil
	}

	logger := p.logger.WithJobID(job.ID).WithAssetID(job.AssetID).WithWorkerID(p.workerID)

	job.WorkerID = p.workerID
	if err := p.tracker.Advance(ctx, job, models.StageValidating); err != nil {
		if errors.Is(err, tracker.ErrStaleJob) {
			logger.Debug("Lost claim to another worker")
			return nil
		}
		return err
	}

	stopHeartbeat := p.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	span, ctx := tracing.StartSpan(ctx, "pipeline.process")
	tracing.SetTag(span, "job.id", job.ID)
	tracing.SetTag(span, "asset.id", job.AssetID)

	err = p.run(ctx, job)
	switch {
	case err == nil:
		logger.Info("Job finished")
	case errors.Is(err, errStop):
		logger.WithError(err).Info("Job stopped")
		err = nil
	default:
		logger.WithError(err).Warn("Job failed")
	}
	tracing.Finish(span, err)
	return err
}

func (p *Pipeline) run(ctx context.Context, job *models.ProcessingJob) error {
	asset, err := p.store.GetAsset(ctx, job.AssetID)
	if err != nil {
		return p.stop(ctx, job, err)
	}

	info, err := p.validate(ctx, job, asset)
	if err != nil {
		return p.fail(ctx, job, err)
	}
	job.Media = info
	if err := p.advance(ctx, job, models.StageNormalizing); err != nil {
		return err
	}

	if err := p.normalize(ctx, job, asset); err != nil {
		return p.fail(ctx, job, err)
	}
	if err := p.advance(ctx, job, models.StageRendering); err != nil {
		return err
	}

	renditions := p.render(ctx, job)
	if len(renditions) == 0 {
		return p.fail(ctx, job, ErrNoRenditions)
	}
	if err := p.advance(ctx, job, models.StagePackaging); err != nil {
		return err
	}

	manifest, err := p.pack(ctx, job, renditions)
	if err != nil {
		return p.fail(ctx, job, err)
	}

	if err := p.tracker.Complete(ctx, job, manifest); err != nil {
		if errors.Is(err, tracker.ErrDanglingManifest) {
			return p.fail(ctx, job, err)
		}
		return p.stop(ctx, job, err)
	}
	return nil
}

func (p *Pipeline) validate(ctx context.Context, job *models.ProcessingJob, asset *models.MediaAsset) (*models.MediaInfo, error) {
	defer p.timeStage(job)()
	span, ctx := tracing.StartStageSpan(ctx, string(models.StageValidating), job.ID)

	info, err := p.validator.Validate(ctx, p.layout.Abs(asset.StoragePath))
	tracing.Finish(span, err)
	return info, err
}

func (p *Pipeline) normalize(ctx context.Context, job *models.ProcessingJob, asset *models.MediaAsset) error {
	defer p.timeStage(job)()
	span, ctx := tracing.StartStageSpan(ctx, string(models.StageNormalizing), job.ID)

	dest := p.layout.CanonicalPath(job.OutputRoot)
	out, err := p.normalizer.Normalize(ctx, p.layout.Abs(asset.StoragePath), job.Media, p.layout.Abs(dest))
	tracing.Finish(span, err)
	if err != nil {
		return err
	}

	if out == p.layout.Abs(dest) {
		job.CanonicalPath = dest
	} else {
		job.CanonicalPath = asset.StoragePath
	}
	return nil
}

// render encodes every tier and records each rendition as it lands so the
// resolver can serve it before packaging finishes.
func (p *Pipeline) render(ctx context.Context, job *models.ProcessingJob) []*models.Rendition {
	defer p.timeStage(job)()
	span, ctx := tracing.StartStageSpan(ctx, string(models.StageRendering), job.ID)
	defer span.Finish()

	result := p.renditioner.RenderAll(ctx, transcoder.RenderRequest{
		CanonicalPath: p.layout.Abs(job.CanonicalPath),
		Info:          job.Media,
		Tiers:         p.tiers,
		OutputFor: func(tier models.QualityTier) string {
			return p.layout.Abs(p.layout.RenditionPath(job.OutputRoot, tier.Name))
		},
		OnResult: func(tier models.QualityTier, r *models.Rendition, err error) {
			p.recordTier(ctx, job, tier, r, err)
		},
	})

	var stored []*models.Rendition
	for _, r := range result.Renditions {
		if r.JobID == job.ID {
			stored = append(stored, r)
		}
	}
	tracing.SetTag(span, "renditions", len(stored))

	if len(result.Failures) > 0 {
		if err := p.tracker.Checkpoint(ctx, job); err != nil {
			p.logger.WithJobID(job.ID).WithError(err).Warn("Failed to persist tier errors")
		}
	}
	return stored
}

// recordTier runs serialized from RenderAll.
func (p *Pipeline) recordTier(ctx context.Context, job *models.ProcessingJob, tier models.QualityTier, r *models.Rendition, err error) {
	metrics.RecordTierResult(string(models.StageRendering), tier.Name, err)

	if err == nil {
		rec := *r
		rec.JobID = job.ID
		rec.AssetID = job.AssetID
		rec.Path, err = p.layout.Rel(r.Path)
		if err == nil {
			err = p.tracker.AddRendition(ctx, &rec)
		}
		if err == nil {
			r.JobID = job.ID
			r.AssetID = job.AssetID
			metrics.RecordRendition(tier.Name, r.SizeBytes)
			p.logger.LogTierResult(job.ID, string(models.StageRendering), tier.Name, r.SizeBytes, nil)
			return
		}
		err = fmt.Errorf("record rendition %s: %w", tier.Name, err)
	}

	p.tracker.RecordError(job, tier.Name, err)
	p.logger.LogTierResult(job.ID, string(models.StageRendering), tier.Name, 0, err)
}

func (p *Pipeline) pack(ctx context.Context, job *models.ProcessingJob, renditions []*models.Rendition) (*models.StreamManifest, error) {
	defer p.timeStage(job)()
	span, ctx := tracing.StartStageSpan(ctx, string(models.StagePackaging), job.ID)

	result, err := p.packager.Package(ctx, renditions, p.layout.Abs(p.layout.HLSDir(job.OutputRoot)), job.Media.DurationSeconds)
	if result != nil {
		for _, f := range result.Failures {
			metrics.RecordTierResult(string(models.StagePackaging), f.Tier, f)
			p.tracker.RecordError(job, f.Tier, f)
			p.logger.LogTierResult(job.ID, string(models.StagePackaging), f.Tier, 0, f)
		}
	}
	tracing.Finish(span, err)
	if err != nil {
		return nil, err
	}

	// Stored by Complete once every referenced file is verified.
	return &models.StreamManifest{
		ID:       uuid.New().String(),
		JobID:    job.ID,
		AssetID:  job.AssetID,
		Path:     p.layout.MasterPath(job.OutputRoot),
		Variants: result.Variants,
	}, nil
}

func (p *Pipeline) advance(ctx context.Context, job *models.ProcessingJob, to models.Stage) error {
	if err := p.tracker.Advance(ctx, job, to); err != nil {
		return p.stop(ctx, job, err)
	}
	return nil
}

// fail records cause and moves the job to failed.
func (p *Pipeline) fail(ctx context.Context, job *models.ProcessingJob, cause error) error {
	if err := p.tracker.Fail(ctx, job, cause); err != nil {
		return p.stop(ctx, job, err)
	}
	return fmt.Errorf("job %s failed in %s: %w", job.ID, job.Errors[len(job.Errors)-1].Stage, cause)
}

// stop handles a transition that lost to someone else: the asset was
// deleted or the job was failed by recovery.
func (p *Pipeline) stop(ctx context.Context, job *models.ProcessingJob, err error) error {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		p.tracker.Abandon(job)
		return fmt.Errorf("%w: asset or job deleted", errStop)
	case errors.Is(err, tracker.ErrStaleJob):
		return fmt.Errorf("%w: %v", errStop, err)
	default:
		return err
	}
}

func (p *Pipeline) timeStage(job *models.ProcessingJob) func() {
	stage := job.Stage
	start := time.Now()
	return func() {
		metrics.RecordStageDuration(string(stage), time.Since(start).Seconds())
	}
}

func (p *Pipeline) startHeartbeat(ctx context.Context, jobID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				if err := p.store.TouchJob(ctx, jobID, t); err != nil && ctx.Err() == nil {
					p.logger.WithJobID(jobID).WithError(err).Warn("Heartbeat failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
