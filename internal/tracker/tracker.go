package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// Dispatcher hands a pending job to whatever runs the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Locker serializes publication per asset, across processes when backed by
// Redis.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Mirror copies published trees to secondary storage.
type Mirror interface {
	SyncTree(ctx context.Context, localDir, prefix string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Invalidator drops cached playback state of an asset.
type Invalidator interface {
	InvalidateAsset(ctx context.Context, assetID string) error
}

// Config wires a Tracker.
type Config struct {
	Store       Store
	Layout      transcoder.Layout
	Dispatcher  Dispatcher
	Locker      Locker
	Mirror      Mirror
	Invalidator Invalidator
	Logger      *logging.Logger
}

// Tracker owns the job state machine: creating jobs, applying stage
// transitions, recording failures and publishing completed outputs.
type Tracker struct {
	store       Store
	layout      transcoder.Layout
	dispatcher  Dispatcher
	locker      Locker
	mirror      Mirror
	invalidator Invalidator
	logger      *logging.Logger
	now         func() time.Time
}

// New creates a Tracker. Locker defaults to an in-process lock.
func New(cfg Config) *Tracker {
	t := &Tracker{
		store:       cfg.Store,
		layout:      cfg.Layout,
		dispatcher:  cfg.Dispatcher,
		locker:      cfg.Locker,
		mirror:      cfg.Mirror,
		invalidator: cfg.Invalidator,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	if t.locker == nil {
		t.locker = NewLocalLocker()
	}
	if t.logger == nil {
		t.logger = logging.Nop()
	}
	return t
}

// Store returns the backing store.
func (t *Tracker) Store() Store {
	return t.store
}

// Layout returns the storage layout.
func (t *Tracker) Layout() transcoder.Layout {
	return t.layout
}

// SetDispatcher replaces the dispatcher. Used when the worker pool that
// dispatches to is built after the tracker.
func (t *Tracker) SetDispatcher(d Dispatcher) {
	t.dispatcher = d
}

func publishLockKey(assetID string) string {
	return "asset:" + assetID
}

// Register records an uploaded file as an asset, replacing any previous
// record of the same id. The stored path must live under the storage root.
func (t *Tracker) Register(ctx context.Context, asset *models.MediaAsset) error {
	if asset.ID == "" {
		asset.ID = uuid.New().String()
	}
	if err := models.ValidateID(asset.ID); err != nil {
		return fmt.Errorf("register asset: %w", err)
	}
	rel, err := t.layout.Rel(asset.StoragePath)
	if err != nil {
		return fmt.Errorf("register asset %s: %w", asset.ID, err)
	}
	asset.StoragePath = rel

	if err := t.store.SaveAsset(ctx, asset); err != nil {
		return fmt.Errorf("register asset %s: %w", asset.ID, err)
	}

	t.logger.WithAssetID(asset.ID).WithField("storage_path", rel).Info("Asset registered")
	return nil
}

// Start creates a new pending job for an asset and dispatches it. Existing
// jobs are left untouched; a running one becomes superseded.
func (t *Tracker) Start(ctx context.Context, assetID, trigger string) (*models.ProcessingJob, error) {
	if err := models.ValidateID(assetID); err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	if _, err := t.store.GetAsset(ctx, assetID); err != nil {
		return nil, err
	}

	job := &models.ProcessingJob{
		ID:      uuid.New().String(),
		AssetID: assetID,
		Stage:   models.StagePending,
	}
	job.OutputRoot = t.layout.WorkRoot(job.ID)

	unlock, err := t.locker.Lock(ctx, publishLockKey(assetID))
	if err != nil {
		return nil, fmt.Errorf("lock asset %s: %w", assetID, err)
	}
	err = t.store.CreateJob(ctx, job)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("create job for asset %s: %w", assetID, err)
	}

	metrics.RecordJobCreated(trigger)
	t.logger.LogStageTransition(job.ID, assetID, job.Sequence, "", string(job.Stage), map[string]interface{}{
		"trigger": trigger,
	})
	t.invalidate(ctx, assetID)

	if t.dispatcher != nil {
		if err := t.dispatcher.Dispatch(ctx, job.ID); err != nil {
			// The job is durable; the recovery sweep will pick it up.
			t.logger.WithJobID(job.ID).WithError(err).Warn("Dispatch failed, job left pending")
		}
	}

	return job, nil
}

// Advance moves job to the next stage with a compare-and-set on its current
// stage. On success job reflects the stored state.
func (t *Tracker) Advance(ctx context.Context, job *models.ProcessingJob, to models.Stage) error {
	from := job.Stage
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := t.now()
	next := job.Clone()
	next.Stage = to
	next.UpdatedAt = now
	if from == models.StagePending {
		next.StartedAt = &now
	}
	if to.IsTerminal() {
		next.FinishedAt = &now
	}

	if err := t.store.UpdateJob(ctx, next, from); err != nil {
		return fmt.Errorf("advance job %s to %s: %w", job.ID, to, err)
	}
	*job = *next

	metrics.RecordTransition(string(from), string(to))
	details := map[string]interface{}{}
	if to == models.StageFailed && len(job.Errors) > 0 {
		details["error"] = job.Errors[len(job.Errors)-1].String()
		details["errors"] = len(job.Errors)
	}
	t.logger.LogStageTransition(job.ID, job.AssetID, job.Sequence, string(from), string(to), details)
	t.invalidate(ctx, job.AssetID)

	return nil
}

// AddRendition records a finished rendition of a running job and drops
// cached descriptors so viewers move on to it.
func (t *Tracker) AddRendition(ctx context.Context, r *models.Rendition) error {
	if err := t.store.AddRendition(ctx, r); err != nil {
		return err
	}
	t.invalidate(ctx, r.AssetID)
	return nil
}

// Checkpoint persists job fields without changing its stage.
func (t *Tracker) Checkpoint(ctx context.Context, job *models.ProcessingJob) error {
	next := job.Clone()
	next.UpdatedAt = t.now()
	if err := t.store.UpdateJob(ctx, next, job.Stage); err != nil {
		return fmt.Errorf("checkpoint job %s: %w", job.ID, err)
	}
	*job = *next
	return nil
}

// RecordError appends a scoped failure to the job. It is persisted by the
// next Advance or Checkpoint.
func (t *Tracker) RecordError(job *models.ProcessingJob, tier string, err error) {
	job.Errors = append(job.Errors, models.StageError{
		Stage:   job.Stage,
		Tier:    tier,
		Kind:    transcoder.ErrorKind(err),
		Message: err.Error(),
		At:      t.now(),
	})
}

// Fail records err against the current stage and moves the job to failed.
// Earlier errors are kept.
// Outputs of a failed job that is no longer the newest are discarded.
func (t *Tracker) Fail(ctx context.Context, job *models.ProcessingJob, err error) error {
	t.RecordError(job, "", err)
	if err := t.Advance(ctx, job, models.StageFailed); err != nil {
		return err
	}

	latest, lerr := t.store.LatestJob(ctx, job.AssetID)
	if lerr == nil && latest.ID != job.ID {
		return t.discard(ctx, job, "failed after being superseded by "+latest.ID)
	}
	return nil
}

// Complete verifies the manifest against storage, stores it, marks the job
// completed and then publishes or discards its outputs. A manifest that
// references missing files is never stored; rendition records whose files
// are gone are dropped so the job can still be failed cleanly.
func (t *Tracker) Complete(ctx context.Context, job *models.ProcessingJob, manifest *models.StreamManifest) error {
	if _, err := t.store.GetJob(ctx, job.ID); err != nil {
		return err
	}
	if err := t.verifyManifest(ctx, job, manifest); err != nil {
		if errors.Is(err, ErrDanglingManifest) {
			if perr := t.pruneMissing(ctx, job); perr != nil {
				t.logger.WithJobID(job.ID).WithError(perr).Warn("Failed to drop dangling outputs")
			}
		}
		return err
	}
	if err := t.store.SaveManifest(ctx, manifest); err != nil {
		return fmt.Errorf("save manifest of job %s: %w", job.ID, err)
	}
	if err := t.Advance(ctx, job, models.StageCompleted); err != nil {
		return err
	}
	return t.publishOrDiscard(ctx, job)
}

func (t *Tracker) verifyManifest(ctx context.Context, job *models.ProcessingJob, manifest *models.StreamManifest) error {
	if manifest == nil || len(manifest.Variants) == 0 {
		return fmt.Errorf("%w: manifest has no variants", ErrDanglingManifest)
	}
	if err := fileExists(t.layout.Abs(manifest.Path)); err != nil {
		return fmt.Errorf("%w: %v", ErrDanglingManifest, err)
	}

	renditions, err := t.store.ListRenditions(ctx, job.ID)
	if err != nil {
		return err
	}
	byID := make(map[string]*models.Rendition, len(renditions))
	for _, r := range renditions {
		byID[r.ID] = r
	}

	for _, v := range manifest.Variants {
		r, ok := byID[v.RenditionID]
		if !ok {
			return fmt.Errorf("%w: variant %s has no rendition record", ErrDanglingManifest, v.Quality)
		}
		if err := fileExists(t.layout.Abs(r.Path)); err != nil {
			return fmt.Errorf("%w: rendition %s: %v", ErrDanglingManifest, v.Quality, err)
		}
		playlist := path.Join(path.Dir(manifest.Path), v.URI)
		if err := fileExists(t.layout.Abs(playlist)); err != nil {
			return fmt.Errorf("%w: variant %s: %v", ErrDanglingManifest, v.Quality, err)
		}
	}
	return nil
}

// pruneMissing drops the job's manifest and every rendition record whose
// file is no longer on storage.
func (t *Tracker) pruneMissing(ctx context.Context, job *models.ProcessingJob) error {
	if err := t.store.DeleteManifest(ctx, job.ID); err != nil {
		return err
	}
	renditions, err := t.store.ListRenditions(ctx, job.ID)
	if err != nil {
		return err
	}
	var missing []string
	for _, r := range renditions {
		if fileExists(t.layout.Abs(r.Path)) != nil {
			missing = append(missing, r.ID)
		}
	}
	if err := t.store.DeleteRenditions(ctx, job.ID, missing); err != nil {
		return err
	}
	t.invalidate(ctx, job.AssetID)
	return nil
}

func fileExists(p string) error {
	stat, err := os.Stat(p)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return fmt.Errorf("%s is a directory", p)
	}
	return nil
}

func (t *Tracker) publishOrDiscard(ctx context.Context, job *models.ProcessingJob) error {
	unlock, err := t.locker.Lock(ctx, publishLockKey(job.AssetID))
	if err != nil {
		return fmt.Errorf("lock asset %s: %w", job.AssetID, err)
	}
	defer unlock()

	latest, err := t.store.LatestJob(ctx, job.AssetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return t.discard(ctx, job, "asset deleted")
		}
		return err
	}
	if latest.ID != job.ID {
		return t.discard(ctx, job, "superseded by "+latest.ID)
	}

	err = t.publish(ctx, job)
	if errors.Is(err, ErrSuperseded) {
		return t.discard(ctx, job, "superseded during publish")
	}
	return err
}

// publish swaps the job's work tree in as the asset's media tree. The old
// media tree is parked in trash until the store has recorded the switch so
// either state can be restored.
func (t *Tracker) publish(ctx context.Context, job *models.ProcessingJob) error {
	oldRoot := job.OutputRoot
	newRoot := t.layout.MediaRoot(job.AssetID)
	for _, rel := range []string{oldRoot, newRoot, t.layout.TrashRoot(job.AssetID, job.ID)} {
		if err := t.layout.Inside(rel); err != nil {
			return fmt.Errorf("publish job %s: %w", job.ID, err)
		}
	}
	workDir := t.layout.Abs(oldRoot)
	mediaDir := t.layout.Abs(newRoot)
	trashDir := t.layout.Abs(t.layout.TrashRoot(job.AssetID, job.ID))

	parked := false
	if _, err := os.Stat(mediaDir); err == nil {
		if err := os.MkdirAll(filepath.Dir(trashDir), 0755); err != nil {
			return err
		}
		if err := os.Rename(mediaDir, trashDir); err != nil {
			return fmt.Errorf("park published tree: %w", err)
		}
		parked = true
	}

	restore := func() {
		if parked {
			os.Rename(trashDir, mediaDir)
		}
	}

	if err := os.MkdirAll(filepath.Dir(mediaDir), 0755); err != nil {
		restore()
		return err
	}
	if err := os.Rename(workDir, mediaDir); err != nil {
		restore()
		return fmt.Errorf("move work tree: %w", err)
	}

	err := t.store.Publish(ctx, PublishRequest{
		AssetID: job.AssetID,
		JobID:   job.ID,
		OldRoot: oldRoot,
		NewRoot: newRoot,
		At:      t.now(),
	})
	if err != nil {
		os.Rename(mediaDir, workDir)
		restore()
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}

	os.RemoveAll(trashDir)
	job.CanonicalPath = transcoder.Rebase(job.CanonicalPath, oldRoot, newRoot)
	job.OutputRoot = newRoot

	metrics.RecordPublication("published")
	t.logger.WithJobID(job.ID).WithAssetID(job.AssetID).WithField("root", newRoot).Info("Outputs published")

	if t.mirror != nil {
		err := t.mirror.SyncTree(ctx, mediaDir, newRoot)
		metrics.RecordStorageOperation("mirror", err)
		if err != nil {
			t.logger.WithJobID(job.ID).WithError(err).Error("Mirror sync failed")
		}
	}

	t.invalidate(ctx, job.AssetID)
	return nil
}

func (t *Tracker) discard(ctx context.Context, job *models.ProcessingJob, reason string) error {
	err := t.store.DiscardOutputs(ctx, job.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("discard outputs of job %s: %w", job.ID, err)
	}
	os.RemoveAll(t.layout.Abs(t.layout.WorkRoot(job.ID)))

	metrics.RecordPublication("superseded")
	t.logger.WithJobID(job.ID).WithAssetID(job.AssetID).WithField("reason", reason).Info("Outputs discarded")
	return nil
}

// Abandon removes the work tree of a job whose asset disappeared mid-run.
func (t *Tracker) Abandon(job *models.ProcessingJob) {
	os.RemoveAll(t.layout.Abs(t.layout.WorkRoot(job.ID)))
	t.logger.WithJobID(job.ID).WithAssetID(job.AssetID).Info("Job abandoned")
}

// DeleteAsset removes an asset, its jobs, outputs and published files.
// Running jobs notice at their next transition.
func (t *Tracker) DeleteAsset(ctx context.Context, assetID string) error {
	if err := models.ValidateID(assetID); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	unlock, err := t.locker.Lock(ctx, publishLockKey(assetID))
	if err != nil {
		return fmt.Errorf("lock asset %s: %w", assetID, err)
	}
	defer unlock()

	jobs, err := t.store.ListJobs(ctx, assetID)
	if err != nil {
		return err
	}
	if err := t.store.DeleteAsset(ctx, assetID); err != nil {
		return err
	}

	mediaRoot := t.layout.MediaRoot(assetID)
	if err := t.layout.Inside(mediaRoot); err == nil {
		os.RemoveAll(t.layout.Abs(mediaRoot))
	}
	for _, job := range jobs {
		if job.Stage.IsTerminal() {
			os.RemoveAll(t.layout.Abs(t.layout.WorkRoot(job.ID)))
		}
	}

	if t.mirror != nil {
		err := t.mirror.DeletePrefix(ctx, mediaRoot)
		metrics.RecordStorageOperation("delete", err)
		if err != nil {
			t.logger.WithAssetID(assetID).WithError(err).Error("Mirror delete failed")
		}
	}

	t.invalidate(ctx, assetID)
	t.logger.WithAssetID(assetID).WithField("jobs", len(jobs)).Info("Asset deleted")
	return nil
}

// RecoveryReport summarizes a recovery sweep.
type RecoveryReport struct {
	Interrupted int
	Restarted   int
}

// errInterrupted is recorded on jobs whose worker stopped heartbeating.
var errInterrupted = errors.New("interrupted: worker stopped before the stage finished")

// Recover fails in-progress jobs whose heartbeat is older than staleAfter
// and restarts the ones that are still the newest job of their asset.
func (t *Tracker) Recover(ctx context.Context, staleAfter time.Duration) (RecoveryReport, error) {
	var report RecoveryReport

	jobs, err := t.store.ListJobsByStage(ctx, models.InProgressStages...)
	if err != nil {
		return report, err
	}

	cutoff := t.now().Add(-staleAfter)
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}

		job.Errors = append(job.Errors, models.StageError{
			Stage:   job.Stage,
			Kind:    "interrupted",
			Message: errInterrupted.Error(),
			At:      t.now(),
		})
		if err := t.Advance(ctx, job, models.StageFailed); err != nil {
			if errors.Is(err, ErrStaleJob) || errors.Is(err, ErrNotFound) {
				continue
			}
			return report, err
		}
		report.Interrupted++

		latest, err := t.store.LatestJob(ctx, job.AssetID)
		if err != nil || latest.ID != job.ID {
			continue
		}
		if _, err := t.Start(ctx, job.AssetID, "recovery"); err != nil {
			t.logger.WithAssetID(job.AssetID).WithError(err).Error("Failed to restart interrupted job")
			continue
		}
		report.Restarted++
	}

	return report, nil
}

// JobStatus is the full view of a job.
type JobStatus struct {
	Job        *models.ProcessingJob  `json:"job"`
	Superseded bool                   `json:"superseded"`
	Published  bool                   `json:"published"`
	Renditions []*models.Rendition    `json:"renditions"`
	Manifest   *models.StreamManifest `json:"manifest,omitempty"`
}

// Status returns a job with its outputs.
func (t *Tracker) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{Job: job}

	if latest, err := t.store.LatestJob(ctx, job.AssetID); err == nil {
		status.Superseded = latest.Sequence > job.Sequence
	}
	if asset, err := t.store.GetAsset(ctx, job.AssetID); err == nil {
		status.Published = asset.PublishedJobID == job.ID
	}

	if status.Renditions, err = t.store.ListRenditions(ctx, jobID); err != nil {
		return nil, err
	}
	manifest, err := t.store.GetManifest(ctx, jobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	status.Manifest = manifest

	return status, nil
}

func (t *Tracker) invalidate(ctx context.Context, assetID string) {
	if t.invalidator == nil {
		return
	}
	if err := t.invalidator.InvalidateAsset(ctx, assetID); err != nil {
		t.logger.WithAssetID(assetID).WithError(err).Warn("Playback cache invalidation failed")
	}
}
