package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// URLBuilder turns a storage-relative path into a URL a player can fetch.
type URLBuilder interface {
	URL(path string) string
}

// DescriptorCache caches resolved descriptors per requested job.
// GetPlayback returns nil, nil on a miss.
type DescriptorCache interface {
	GetPlayback(ctx context.Context, jobID string) (*models.PlaybackDescriptor, error)
	SetPlayback(ctx context.Context, jobID string, d *models.PlaybackDescriptor) error
}

// Resolver picks the best playable output for a viewer request.
type Resolver struct {
	store Store
	urls  URLBuilder
	cache DescriptorCache
}

// NewResolver creates a Resolver. cache may be nil.
func NewResolver(store Store, urls URLBuilder, cache DescriptorCache) *Resolver {
	return &Resolver{store: store, urls: urls, cache: cache}
}

// Resolve returns the playback descriptor for a job. Resolution follows the
// newest job of the job's asset, falling back to the published job while a
// newer one is still running. Preference order: manifest, best rendition,
// canonical or original file once validated.
func (r *Resolver) Resolve(ctx context.Context, jobID string) (*models.PlaybackDescriptor, error) {
	if r.cache != nil {
		if d, err := r.cache.GetPlayback(ctx, jobID); err == nil && d != nil {
			metrics.RecordCacheLookup(true)
			return d, nil
		}
		metrics.RecordCacheLookup(false)
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}

	d, err := r.resolveAsset(ctx, job.AssetID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Stage, ErrNotReady)
	}

	metrics.RecordResolve(string(d.Source))
	if r.cache != nil {
		r.cache.SetPlayback(ctx, jobID, d)
	}
	return d, nil
}

// ResolveAsset resolves playback for the newest job of an asset.
func (r *Resolver) ResolveAsset(ctx context.Context, assetID string) (*models.PlaybackDescriptor, error) {
	latest, err := r.store.LatestJob(ctx, assetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
		}
		return nil, err
	}
	return r.Resolve(ctx, latest.ID)
}

func (r *Resolver) resolveAsset(ctx context.Context, assetID string) (*models.PlaybackDescriptor, error) {
	asset, err := r.store.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
		}
		return nil, err
	}

	latest, err := r.store.LatestJob(ctx, assetID)
	if err != nil {
		return nil, err
	}

	d, err := r.describe(ctx, asset, latest, true)
	if err != nil || d != nil {
		return d, err
	}

	if asset.PublishedJobID == "" || asset.PublishedJobID == latest.ID {
		return nil, nil
	}
	published, err := r.store.GetJob(ctx, asset.PublishedJobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.describe(ctx, asset, published, false)
}

// describe applies the preference order to one job. The original upload is
// only offered for the newest job, since that job validated it.
func (r *Resolver) describe(ctx context.Context, asset *models.MediaAsset, job *models.ProcessingJob, allowOriginal bool) (*models.PlaybackDescriptor, error) {
	d := &models.PlaybackDescriptor{
		JobID:   job.ID,
		AssetID: job.AssetID,
		Stage:   job.Stage,
	}

	manifest, err := r.store.GetManifest(ctx, job.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if manifest != nil && len(manifest.Variants) > 0 {
		d.URL = r.urls.URL(manifest.Path)
		d.StreamType = models.StreamTypeAdaptive
		d.Source = models.PlaybackSourceManifest
		d.Qualities = manifest.Qualities()
		return d, nil
	}

	renditions, err := r.store.ListRenditions(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if len(renditions) > 0 {
		models.SortByBandwidth(renditions)
		best := renditions[0]
		d.URL = r.urls.URL(best.Path)
		d.StreamType = models.StreamTypeSingleFile
		d.Source = models.PlaybackSourceRendition
		d.Qualities = []string{best.Quality}
		return d, nil
	}

	source := job.CanonicalPath
	if source == "" && allowOriginal && job.Validated() {
		source = asset.StoragePath
	}
	if source != "" {
		d.URL = r.urls.URL(source)
		d.StreamType = models.StreamTypeSingleFile
		d.Source = models.PlaybackSourceCanonical
		d.Qualities = []string{"source"}
		return d, nil
	}

	return nil, nil
}
