package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

type prefixURLs string

func (p prefixURLs) URL(rel string) string {
	return string(p) + "/" + rel
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]*models.PlaybackDescriptor
	gets int
}

func (c *mapCache) GetPlayback(ctx context.Context, jobID string) (*models.PlaybackDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.data[jobID], nil
}

func (c *mapCache) SetPlayback(ctx context.Context, jobID string, d *models.PlaybackDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]*models.PlaybackDescriptor)
	}
	c.data[jobID] = d
	return nil
}

func newResolver(f *fixture) *Resolver {
	return NewResolver(f.store, prefixURLs("http://cdn"), nil)
}

func TestResolveUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := newResolver(f).Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveNotReadyBeforeValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")
	ctx := context.Background()

	job, err := f.tracker.Start(ctx, "a1", "api")
	require.NoError(t, err)

	_, err = newResolver(f).Resolve(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotReady)

	// Validation failed: nothing to play.
	require.NoError(t, f.tracker.Advance(ctx, job, models.StageValidating))
	require.NoError(t, f.tracker.Fail(ctx, job, errors.New("corrupt media")))
	_, err = newResolver(f).Resolve(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestResolveOriginalAfterValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")
	ctx := context.Background()

	job, err := f.tracker.Start(ctx, "a1", "api")
	require.NoError(t, err)
	f.advanceTo(t, job, models.StageNormalizing)

	d, err := newResolver(f).Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamTypeSingleFile, d.StreamType)
	assert.Equal(t, models.PlaybackSourceCanonical, d.Source)
	assert.Equal(t, "http://cdn/uploads/a1/lecture.mp4", d.URL)
	assert.Equal(t, models.StageNormalizing, d.Stage)
}

func TestResolveCanonicalOnlyWhenRenditionsFailed(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")
	ctx := context.Background()

	job, err := f.tracker.Start(ctx, "a1", "api")
	require.NoError(t, err)
	f.advanceTo(t, job, models.StageRendering)
	job.CanonicalPath = f.layout.CanonicalPath(job.OutputRoot)
	require.NoError(t, f.tracker.Checkpoint(ctx, job))
	require.NoError(t, f.tracker.Fail(ctx, job, errors.New("no renditions produced")))

	d, err := newResolver(f).Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamTypeSingleFile, d.StreamType)
	assert.Equal(t, "http://cdn/work/"+job.ID+"/canonical.mp4", d.URL)
	assert.Equal(t, models.StageFailed, d.Stage)
}

func TestResolveBestRenditionWithoutManifest(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")
	ctx := context.Background()

	job, err := f.tracker.Start(ctx, "a1", "api")
	require.NoError(t, err)
	f.advanceTo(t, job, models.StageRendering)
	for _, tier := range models.DefaultTiers()[1:] {
		require.NoError(t, f.store.AddRendition(ctx, &models.Rendition{
			ID:           tier.Name,
			JobID:        job.ID,
			AssetID:      "a1",
			Quality:      tier.Name,
			Height:       tier.Height,
			VideoBitrate: tier.VideoBitrate,
			AudioBitrate: tier.AudioBitrate,
			Path:         f.layout.RenditionPath(job.OutputRoot, tier.Name),
		}))
	}

	d, err := newResolver(f).Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackSourceRendition, d.Source)
	assert.Equal(t, models.StreamTypeSingleFile, d.StreamType)
	assert.Equal(t, []string{"720p"}, d.Qualities)
}

func TestResolveAdaptiveAfterCompletion(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")
	ctx := context.Background()

	job, err := f.tracker.Start(ctx, "a1", "api")
	require.NoError(t, err)
	f.advanceTo(t, job, models.StagePackaging)
	require.NoError(t, f.tracker.Complete(ctx, job, f.writeOutputs(t, job, "1080p", "720p", "480p", "360p")))

	d, err := newResolver(f).Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamTypeAdaptive, d.StreamType)
	assert.Equal(t, models.PlaybackSourceManifest, d.Source)
	assert.Equal(t, "http://cdn/media/a1/hls/master.m3u8", d.URL)
	assert.Equal(t, []string{"1080p", "720p", "480p", "360p"}, d.Qualities)
}

func TestResolveFollowsNewestJob(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")
	ctx := context.Background()
	resolver := newResolver(f)

	first, err := f.tracker.Start(ctx, "a1", "api")
	require.NoError(t, err)
	f.advanceTo(t, first, models.StagePackaging)
	require.NoError(t, f.tracker.Complete(ctx, first, f.writeOutputs(t, first, "720p", "360p")))

	// A re-upload is pending: the published outputs keep playing.
	second, err := f.tracker.Start(ctx, "a1", "reupload")
	require.NoError(t, err)

	d, err := resolver.Resolve(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.JobID)
	assert.Equal(t, models.StreamTypeAdaptive, d.StreamType)

	f.advanceTo(t, second, models.StagePackaging)
	require.NoError(t, f.tracker.Complete(ctx, second, f.writeOutputs(t, second, "1080p")))

	for _, id := range []string{first.ID, second.ID} {
		d, err := resolver.Resolve(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, second.ID, d.JobID)
		assert.Equal(t, []string{"1080p"}, d.Qualities)
	}

	byAsset, err := resolver.ResolveAsset(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, byAsset.JobID)

	_, err = resolver.ResolveAsset(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveUsesCache(t *testing.T) {
	f := newFixture(t)
	f.register(t, "a1")
	ctx := context.Background()

	job, err := f.tracker.Start(ctx, "a1", "api")
	require.NoError(t, err)
	f.advanceTo(t, job, models.StageNormalizing)

	cache := &mapCache{}
	resolver := NewResolver(f.store, prefixURLs("http://cdn"), cache)

	first, err := resolver.Resolve(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cache.data[job.ID])

	// Served from cache even though the store moved on.
	require.NoError(t, f.store.DeleteAsset(ctx, "a1"))
	second, err := resolver.Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, cache.gets)
}
