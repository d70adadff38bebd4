package pipeline

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder/transcodertest"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

type harness struct {
	store    *tracker.MemoryStore
	layout   transcoder.Layout
	tracker  *tracker.Tracker
	prober   *transcodertest.Prober
	encoder  *transcodertest.Encoder
	pipeline *Pipeline
	resolver *tracker.Resolver
}

type relURLs struct{}

func (relURLs) URL(rel string) string { return "/" + rel }

func newHarness(t *testing.T, encoder transcoder.Encoder) *harness {
	t.Helper()
	return newCachingHarness(t, encoder, nil)
}

// newCachingHarness wires cache into both the tracker and the resolver.
func newCachingHarness(t *testing.T, encoder transcoder.Encoder, cache *descriptorCache) *harness {
	t.Helper()
	h := &harness{
		store:   tracker.NewMemoryStore(),
		layout:  transcoder.NewLayout(t.TempDir()),
		prober:  transcodertest.NewProber(),
		encoder: transcodertest.NewEncoder(),
	}
	if encoder == nil {
		encoder = h.encoder
	}
	var invalidator tracker.Invalidator
	var descriptors tracker.DescriptorCache
	if cache != nil {
		invalidator, descriptors = cache, cache
	}
	h.tracker = tracker.New(tracker.Config{Store: h.store, Layout: h.layout, Invalidator: invalidator})

	budget := transcoder.DefaultBudget()
	h.pipeline = New(Config{
		Tracker:    h.tracker,
		Validator:  transcoder.NewValidator(h.prober, time.Second),
		Normalizer: transcoder.NewNormalizer(encoder, budget, 1),
		Renditioner: transcoder.NewRenditioner(transcoder.RenditionerConfig{
			Encoder:         encoder,
			Slots:           semaphore.NewWeighted(2),
			Budget:          budget,
			Retries:         1,
			KeyframeSeconds: 10,
		}),
		Packager:  transcoder.NewPackager(encoder, budget, 1, 10),
		Heartbeat: 10 * time.Millisecond,
		WorkerID:  "worker-test",
	})
	h.resolver = tracker.NewResolver(h.store, relURLs{}, descriptors)
	return h
}

// upload stores a file for assetID, registers it and starts a job.
func (h *harness) upload(t *testing.T, assetID, name, content string, probe *transcoder.ProbeResult) *models.ProcessingJob {
	t.Helper()
	ctx := context.Background()

	abs := h.layout.Abs(path.Join("uploads", assetID, name))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	if probe != nil {
		h.prober.Set(name, probe)
	}

	require.NoError(t, h.tracker.Register(ctx, &models.MediaAsset{ID: assetID, StoragePath: abs}))
	job, err := h.tracker.Start(ctx, assetID, "test")
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id string) *models.ProcessingJob {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) masterEntries(t *testing.T, assetID string) []transcoder.MasterEntry {
	t.Helper()
	f, err := os.Open(h.layout.Abs(h.layout.MasterPath(h.layout.MediaRoot(assetID))))
	require.NoError(t, err)
	defer f.Close()
	entries, err := transcoder.ParseMasterPlaylist(f)
	require.NoError(t, err)
	return entries
}

func TestProcess120SecondMP4(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	job := h.upload(t, "lecture-1", "lecture.mp4", "moov", transcodertest.MP4("120.023000"))

	require.NoError(t, h.pipeline.Process(ctx, job.ID))

	done := h.job(t, job.ID)
	assert.Equal(t, models.StageCompleted, done.Stage)
	assert.Empty(t, done.Errors)
	require.NotNil(t, done.Media)
	assert.Equal(t, 120, done.Media.DurationSeconds)
	assert.Equal(t, "worker-test", done.WorkerID)
	assert.NotNil(t, done.FinishedAt)
	// Already canonical: the upload is used as-is.
	assert.Equal(t, "uploads/lecture-1/lecture.mp4", done.CanonicalPath)

	entries := h.masterEntries(t, "lecture-1")
	require.Len(t, entries, 4)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i-1].Bandwidth, entries[i].Bandwidth)
	}
	assert.Equal(t, "1920x1080", entries[0].Resolution)

	d, err := h.resolver.Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamTypeAdaptive, d.StreamType)
	assert.Equal(t, "/media/lecture-1/hls/master.m3u8", d.URL)
	assert.Equal(t, []string{"1080p", "720p", "480p", "360p"}, d.Qualities)

	assert.NoDirExists(t, h.layout.Abs(h.layout.WorkRoot(job.ID)))
}

func TestProcessTextRenamedToMP4(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	job := h.upload(t, "lecture-2", "notes.mp4", "week 3 reading list", nil)

	err := h.pipeline.Process(ctx, job.ID)
	assert.ErrorIs(t, err, transcoder.ErrCorruptMedia)

	failed := h.job(t, job.ID)
	assert.Equal(t, models.StageFailed, failed.Stage)
	require.Len(t, failed.Errors, 1)
	assert.Equal(t, models.StageValidating, failed.Errors[0].Stage)
	assert.Equal(t, "corrupt_media", failed.Errors[0].Kind)

	assert.Equal(t, 0, h.encoder.TranscodeCount())
	assert.Equal(t, 0, h.encoder.SegmentCount())
	assert.NoDirExists(t, h.layout.Abs(h.layout.WorkRoot(job.ID)))
	assert.NoDirExists(t, h.layout.Abs(h.layout.MediaRoot("lecture-2")))

	_, err = h.resolver.Resolve(ctx, job.ID)
	assert.ErrorIs(t, err, tracker.ErrNotReady)
}

func TestProcessUnsupportedFormatStopsAtValidation(t *testing.T) {
	h := newHarness(t, nil)
	job := h.upload(t, "lecture-3", "slides.pptx", "PK", nil)

	err := h.pipeline.Process(context.Background(), job.ID)
	assert.ErrorIs(t, err, transcoder.ErrUnsupportedFormat)

	failed := h.job(t, job.ID)
	assert.Equal(t, models.StageFailed, failed.Stage)
	assert.Equal(t, "unsupported_format", failed.Errors[0].Kind)
	assert.Nil(t, failed.Media)
	assert.Equal(t, 0, h.prober.Calls)
	assert.Equal(t, 0, h.encoder.TranscodeCount())
}

func TestProcessPartialRenditionSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.encoder.FailHeight(1080)
	h.encoder.FailHeight(480)
	ctx := context.Background()
	job := h.upload(t, "lecture-4", "lecture.mp4", "moov", transcodertest.MP4("60"))

	require.NoError(t, h.pipeline.Process(ctx, job.ID))

	done := h.job(t, job.ID)
	assert.Equal(t, models.StageCompleted, done.Stage)
	require.Len(t, done.Errors, 2)
	tiers := map[string]bool{}
	for _, e := range done.Errors {
		assert.Equal(t, models.StageRendering, e.Stage)
		assert.Equal(t, "transcode", e.Kind)
		tiers[e.Tier] = true
	}
	assert.True(t, tiers["1080p"])
	assert.True(t, tiers["480p"])

	entries := h.masterEntries(t, "lecture-4")
	require.Len(t, entries, 2)
	assert.Equal(t, "720p", entries[0].Name)
	assert.Equal(t, "360p", entries[1].Name)

	media := h.layout.Abs(h.layout.MediaRoot("lecture-4"))
	assert.FileExists(t, filepath.Join(media, "hls", "720p", transcoder.VariantPlaylistName))
	assert.FileExists(t, filepath.Join(media, "hls", "360p", transcoder.VariantPlaylistName))
	assert.NoDirExists(t, filepath.Join(media, "hls", "1080p"))
	assert.NoFileExists(t, filepath.Join(media, "renditions", "480p.mp4"))

	status, err := h.tracker.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, status.Renditions, 2)
	assert.Len(t, status.Manifest.Variants, 2)
}

func TestProcessZeroRenditionsFailsWithoutPackaging(t *testing.T) {
	h := newHarness(t, nil)
	for _, tier := range models.DefaultTiers() {
		h.encoder.FailHeight(tier.Height)
	}
	ctx := context.Background()
	job := h.upload(t, "lecture-5", "lecture.avi", "riff", transcodertest.Video("avi", "mpeg4", "30", 640, 480))

	err := h.pipeline.Process(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNoRenditions)

	failed := h.job(t, job.ID)
	assert.Equal(t, models.StageFailed, failed.Stage)
	// Four tier errors plus the job failure.
	require.Len(t, failed.Errors, 5)
	assert.Equal(t, ErrNoRenditions.Error(), failed.Errors[4].Message)
	assert.Equal(t, 0, h.encoder.SegmentCount())

	// The canonical file is still playable.
	assert.Equal(t, h.layout.CanonicalPath(job.OutputRoot), failed.CanonicalPath)
	d, err := h.resolver.Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamTypeSingleFile, d.StreamType)
	assert.Equal(t, models.PlaybackSourceCanonical, d.Source)
	assert.Equal(t, "/work/"+job.ID+"/canonical.mp4", d.URL)
}

func TestProcessPackagingDropsFailedVariant(t *testing.T) {
	h := newHarness(t, nil)
	h.encoder.FailSegment("1080p")
	ctx := context.Background()
	job := h.upload(t, "lecture-6", "lecture.mp4", "moov", transcodertest.MP4("45"))

	require.NoError(t, h.pipeline.Process(ctx, job.ID))

	done := h.job(t, job.ID)
	assert.Equal(t, models.StageCompleted, done.Stage)
	require.Len(t, done.Errors, 1)
	assert.Equal(t, "packaging", done.Errors[0].Kind)
	assert.Equal(t, "1080p", done.Errors[0].Tier)

	entries := h.masterEntries(t, "lecture-6")
	assert.Len(t, entries, 3)
}

func TestProcessReuploadSupersedesInFlightJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.upload(t, "lecture-7", "lecture.mp4", "moov v1", transcodertest.MP4("120"))
	second := h.upload(t, "lecture-7", "lecture-v2.mp4", "moov v2", transcodertest.MP4("90"))

	// The older job runs to the end after the newer one was created.
	require.NoError(t, h.pipeline.Process(ctx, first.ID))
	require.NoError(t, h.pipeline.Process(ctx, second.ID))

	assert.Equal(t, models.StageCompleted, h.job(t, first.ID).Stage)
	assert.Equal(t, models.StageCompleted, h.job(t, second.ID).Stage)

	asset, err := h.store.GetAsset(ctx, "lecture-7")
	require.NoError(t, err)
	assert.Equal(t, second.ID, asset.PublishedJobID)

	for _, id := range []string{first.ID, second.ID} {
		d, err := h.resolver.Resolve(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, second.ID, d.JobID)
		assert.Equal(t, models.StreamTypeAdaptive, d.StreamType)
	}

	oldStatus, err := h.tracker.Status(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, oldStatus.Superseded)
	assert.Empty(t, oldStatus.Renditions)
	assert.NoDirExists(t, h.layout.Abs(h.layout.WorkRoot(first.ID)))
}

func TestProcessReuploadAfterPublish(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.upload(t, "lecture-8", "lecture.mp4", "moov v1", transcodertest.MP4("120"))
	require.NoError(t, h.pipeline.Process(ctx, first.ID))

	second := h.upload(t, "lecture-8", "lecture-v2.mp4", "moov v2", transcodertest.MP4("90"))

	// Until the new job produces something, the published outputs play.
	d, err := h.resolver.Resolve(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, d.JobID)

	require.NoError(t, h.pipeline.Process(ctx, second.ID))

	d, err = h.resolver.Resolve(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, d.JobID)
	assert.Equal(t, 90, h.job(t, second.ID).Media.DurationSeconds)
}

func TestProcessSkipsClaimedJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	job := h.upload(t, "lecture-9", "lecture.mp4", "moov", transcodertest.MP4("10"))

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.pipeline.Process(ctx, job.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, models.StageCompleted, h.job(t, job.ID).Stage)
	// Only one worker encoded: one pass over four tiers.
	assert.Equal(t, 4, h.encoder.TranscodeCount())

	require.NoError(t, h.pipeline.Process(ctx, "unknown"))
}

// deletingEncoder deletes the asset as soon as rendering starts.
type deletingEncoder struct {
	*transcodertest.Encoder
	once    sync.Once
	trigger func()
}

func (e *deletingEncoder) Transcode(ctx context.Context, opts transcoder.TranscodeOptions) error {
	e.once.Do(e.trigger)
	return e.Encoder.Transcode(ctx, opts)
}

func TestProcessAssetDeletedMidJob(t *testing.T) {
	enc := &deletingEncoder{Encoder: transcodertest.NewEncoder()}
	h := newHarness(t, enc)
	ctx := context.Background()
	job := h.upload(t, "lecture-10", "lecture.mp4", "moov", transcodertest.MP4("30"))
	enc.trigger = func() {
		assert.NoError(t, h.tracker.DeleteAsset(ctx, "lecture-10"))
	}

	require.NoError(t, h.pipeline.Process(ctx, job.ID))

	_, err := h.store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, tracker.ErrNotFound)
	assert.NoDirExists(t, h.layout.Abs(h.layout.WorkRoot(job.ID)))
	assert.NoDirExists(t, h.layout.Abs(h.layout.MediaRoot("lecture-10")))
}

func TestHeartbeatTouchesJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	job := h.upload(t, "lecture-11", "lecture.mp4", "moov", transcodertest.MP4("10"))

	require.NoError(t, h.tracker.Advance(ctx, job, models.StageValidating))
	before := h.job(t, job.ID).UpdatedAt

	stop := h.pipeline.startHeartbeat(ctx, job.ID)
	assert.Eventually(t, func() bool {
		return h.job(t, job.ID).UpdatedAt.After(before)
	}, time.Second, 5*time.Millisecond)
	stop()
}

// descriptorCache is an in-memory playback cache keyed by job.
type descriptorCache struct {
	mu            sync.Mutex
	entries       map[string]*models.PlaybackDescriptor
	invalidations int
}

func newDescriptorCache() *descriptorCache {
	return &descriptorCache{entries: make(map[string]*models.PlaybackDescriptor)}
}

func (c *descriptorCache) GetPlayback(ctx context.Context, jobID string) (*models.PlaybackDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[jobID], nil
}

func (c *descriptorCache) SetPlayback(ctx context.Context, jobID string, d *models.PlaybackDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[jobID] = d
	return nil
}

func (c *descriptorCache) InvalidateAsset(ctx context.Context, assetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations++
	for id, d := range c.entries {
		if d.AssetID == assetID {
			delete(c.entries, id)
		}
	}
	return nil
}

func (c *descriptorCache) invalidationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidations
}

// gatedEncoder holds every encode until a token arrives on release.
type gatedEncoder struct {
	*transcodertest.Encoder
	started chan struct{}
	release chan struct{}
}

func (e *gatedEncoder) Transcode(ctx context.Context, opts transcoder.TranscodeOptions) error {
	select {
	case e.started <- struct{}{}:
	default:
	}
	select {
	case <-e.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.Encoder.Transcode(ctx, opts)
}

func TestProcessRenditionInvalidatesCachedPlayback(t *testing.T) {
	cache := newDescriptorCache()
	enc := &gatedEncoder{
		Encoder: transcodertest.NewEncoder(),
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	h := newCachingHarness(t, enc, cache)
	ctx := context.Background()
	job := h.upload(t, "lecture-12", "lecture.mp4", "moov", transcodertest.MP4("60"))

	done := make(chan error, 1)
	go func() { done <- h.pipeline.Process(ctx, job.ID) }()

	select {
	case <-enc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("rendering never started")
	}

	// Nothing rendered yet: the validated upload plays and is cached.
	d, err := h.resolver.Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackSourceCanonical, d.Source)
	assert.Equal(t, "/uploads/lecture-12/lecture.mp4", d.URL)
	cached, _ := cache.GetPlayback(ctx, job.ID)
	require.NotNil(t, cached)

	before := cache.invalidationCount()
	enc.release <- struct{}{}
	require.Eventually(t, func() bool {
		return cache.invalidationCount() > before
	}, 5*time.Second, 5*time.Millisecond)

	renditions, err := h.store.ListRenditions(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, renditions, 1)

	d, err = h.resolver.Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackSourceRendition, d.Source)
	assert.Equal(t, []string{renditions[0].Quality}, d.Qualities)
	assert.True(t, strings.HasPrefix(d.URL, "/work/"+job.ID+"/"), d.URL)

	close(enc.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	d, err = h.resolver.Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackSourceManifest, d.Source)
	assert.Equal(t, "/media/lecture-12/hls/master.m3u8", d.URL)
}

// vanishingEncoder loses one rendition file right after it is segmented.
type vanishingEncoder struct {
	*transcodertest.Encoder
	quality string
}

func (e *vanishingEncoder) SegmentHLS(ctx context.Context, opts transcoder.SegmentOptions) error {
	if err := e.Encoder.SegmentHLS(ctx, opts); err != nil {
		return err
	}
	if filepath.Base(opts.OutputDir) == e.quality {
		return os.Remove(opts.InputPath)
	}
	return nil
}

func TestProcessDanglingManifestIsNeverServed(t *testing.T) {
	enc := &vanishingEncoder{Encoder: transcodertest.NewEncoder(), quality: "1080p"}
	h := newHarness(t, enc)
	ctx := context.Background()
	job := h.upload(t, "lecture-13", "lecture.mp4", "moov", transcodertest.MP4("60"))

	err := h.pipeline.Process(ctx, job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrDanglingManifest)

	failed := h.job(t, job.ID)
	assert.Equal(t, models.StageFailed, failed.Stage)

	_, err = h.store.GetManifest(ctx, job.ID)
	assert.True(t, errors.Is(err, tracker.ErrNotFound), "manifest must not be stored: %v", err)

	renditions, err := h.store.ListRenditions(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, renditions, 3)
	for _, r := range renditions {
		assert.NotEqual(t, "1080p", r.Quality)
		assert.FileExists(t, h.layout.Abs(r.Path))
	}

	// The best rendition still on storage plays instead of the manifest.
	d, err := h.resolver.Resolve(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlaybackSourceRendition, d.Source)
	assert.Equal(t, []string{"720p"}, d.Qualities)
	assert.FileExists(t, h.layout.Abs(strings.TrimPrefix(d.URL, "/")))
	assert.NoDirExists(t, h.layout.Abs(h.layout.MediaRoot("lecture-13")))
}
