package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

var (
	// ErrNotFound is returned for unknown assets, jobs or manifests.
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned by the resolver when nothing playable exists.
	ErrNotReady = errors.New("not ready")
	// ErrStaleJob is returned when a compare-and-set on the job stage lost.
	ErrStaleJob = errors.New("job stage changed concurrently")
	// ErrSuperseded is returned when a newer job exists for the asset.
	ErrSuperseded = errors.New("job superseded by a newer job")
	// ErrInvalidTransition is returned for moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrDanglingManifest is returned when a manifest references missing files.
	ErrDanglingManifest = errors.New("manifest references missing files")
	// ErrInvalidID is returned for asset ids that are unsafe as a path
	// component.
	ErrInvalidID = models.ErrInvalidID
)

// Store persists assets, jobs and their outputs. Implementations must make
// UpdateJob a compare-and-set on the stored stage and Publish atomic.
type Store interface {
	// SaveAsset inserts or replaces an asset, keeping its publication.
	SaveAsset(ctx context.Context, asset *models.MediaAsset) error
	GetAsset(ctx context.Context, id string) (*models.MediaAsset, error)
	ListAssets(ctx context.Context) ([]*models.MediaAsset, error)
	// DeleteAsset removes the asset with all its jobs and outputs.
	DeleteAsset(ctx context.Context, id string) error

	// CreateJob stores a new job and assigns its Sequence.
	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	GetJob(ctx context.Context, id string) (*models.ProcessingJob, error)
	// LatestJob returns the job with the highest sequence for an asset.
	LatestJob(ctx context.Context, assetID string) (*models.ProcessingJob, error)
	// ListJobs returns an asset's jobs, newest first.
	ListJobs(ctx context.Context, assetID string) ([]*models.ProcessingJob, error)
	ListJobsByStage(ctx context.Context, stages ...models.Stage) ([]*models.ProcessingJob, error)
	// UpdateJob writes job if its stored stage still equals expected.
	UpdateJob(ctx context.Context, job *models.ProcessingJob, expected models.Stage) error
	// TouchJob bumps updated_at of a non-terminal job.
	TouchJob(ctx context.Context, id string, at time.Time) error

	AddRendition(ctx context.Context, rendition *models.Rendition) error
	ListRenditions(ctx context.Context, jobID string) ([]*models.Rendition, error)
	// DeleteRenditions drops the named renditions of a job.
	DeleteRenditions(ctx context.Context, jobID string, ids []string) error
	// SaveManifest replaces the manifest of a job.
	SaveManifest(ctx context.Context, manifest *models.StreamManifest) error
	GetManifest(ctx context.Context, jobID string) (*models.StreamManifest, error)
	// DeleteManifest drops the manifest of a job, if any.
	DeleteManifest(ctx context.Context, jobID string) error

	// Publish makes a job the published one for its asset.
	Publish(ctx context.Context, req PublishRequest) error
	// DiscardOutputs drops the rendition and manifest rows of a job and
	// clears a canonical path that pointed into its output root.
	DiscardOutputs(ctx context.Context, jobID string) error
}

// PublishRequest moves a job's outputs from OldRoot to NewRoot. The store
// must verify that JobID is still the newest job of AssetID (returning
// ErrSuperseded otherwise), rebase every stored path under OldRoot, drop
// outputs of the asset's other finished jobs and record the publication.
// Jobs still running keep their rows until they finish and discard them.
type PublishRequest struct {
	AssetID string
	JobID   string
	OldRoot string
	NewRoot string
	At      time.Time
}
