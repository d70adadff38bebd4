package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

func seedAsset(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	require.NoError(t, s.SaveAsset(context.Background(), &models.MediaAsset{
		ID:          id,
		StoragePath: "uploads/" + id + "/lecture.mp4",
	}))
}

func TestMemoryStoreSequenceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")
	seedAsset(t, s, "a2")

	var last int64
	for i, asset := range []string{"a1", "a2", "a1"} {
		job := &models.ProcessingJob{ID: string(rune('x' + i)), AssetID: asset, Stage: models.StagePending}
		require.NoError(t, s.CreateJob(ctx, job))
		assert.Greater(t, job.Sequence, last)
		last = job.Sequence
	}

	latest, err := s.LatestJob(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "z", latest.ID)

	jobs, err := s.ListJobs(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "z", jobs[0].ID)
}

func TestMemoryStoreCreateJobUnknownAsset(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreateJob(context.Background(), &models.ProcessingJob{ID: "j", AssetID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateJobCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")

	job := &models.ProcessingJob{ID: "j1", AssetID: "a1", Stage: models.StagePending}
	require.NoError(t, s.CreateJob(ctx, job))

	next := job.Clone()
	next.Stage = models.StageValidating
	require.NoError(t, s.UpdateJob(ctx, next, models.StagePending))

	// A second claimer still thinks the job is pending.
	again := job.Clone()
	again.Stage = models.StageValidating
	err := s.UpdateJob(ctx, again, models.StagePending)
	assert.ErrorIs(t, err, ErrStaleJob)

	err = s.UpdateJob(ctx, &models.ProcessingJob{ID: "nope"}, models.StagePending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")

	job := &models.ProcessingJob{ID: "j1", AssetID: "a1", Stage: models.StagePending}
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	got.Stage = models.StageFailed
	got.Errors = append(got.Errors, models.StageError{Message: "local"})

	again, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, again.Stage)
	assert.Empty(t, again.Errors)
}

func TestMemoryStoreTouchJobIgnoresTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")

	job := &models.ProcessingJob{ID: "j1", AssetID: "a1", Stage: models.StageCompleted}
	require.NoError(t, s.CreateJob(ctx, job))
	before, _ := s.GetJob(ctx, "j1")

	require.NoError(t, s.TouchJob(ctx, "j1", time.Now().Add(time.Hour)))
	after, _ := s.GetJob(ctx, "j1")
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestMemoryStoreRenditionsUniquePerQuality(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")
	require.NoError(t, s.CreateJob(ctx, &models.ProcessingJob{ID: "j1", AssetID: "a1"}))

	require.NoError(t, s.AddRendition(ctx, &models.Rendition{ID: "r1", JobID: "j1", Quality: "360p", VideoBitrate: 800000}))
	require.NoError(t, s.AddRendition(ctx, &models.Rendition{ID: "r2", JobID: "j1", Quality: "720p", VideoBitrate: 2500000}))
	assert.Error(t, s.AddRendition(ctx, &models.Rendition{ID: "r3", JobID: "j1", Quality: "720p"}))

	list, err := s.ListRenditions(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "720p", list[0].Quality)
}

func TestMemoryStoreDeleteOutputs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")
	require.NoError(t, s.CreateJob(ctx, &models.ProcessingJob{ID: "j1", AssetID: "a1"}))

	require.NoError(t, s.AddRendition(ctx, &models.Rendition{ID: "r1", JobID: "j1", Quality: "360p"}))
	require.NoError(t, s.AddRendition(ctx, &models.Rendition{ID: "r2", JobID: "j1", Quality: "720p"}))
	require.NoError(t, s.SaveManifest(ctx, &models.StreamManifest{ID: "m1", JobID: "j1", AssetID: "a1"}))

	require.NoError(t, s.DeleteRenditions(ctx, "j1", []string{"r2", "unknown"}))
	list, err := s.ListRenditions(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "r1", list[0].ID)

	require.NoError(t, s.DeleteRenditions(ctx, "j1", []string{"r1"}))
	list, err = s.ListRenditions(ctx, "j1")
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteManifest(ctx, "j1"))
	_, err = s.GetManifest(ctx, "j1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.DeleteManifest(ctx, "j1"))
}

func TestMemoryStorePublishRebasesAndDropsOthers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")

	old := &models.ProcessingJob{ID: "old", AssetID: "a1", Stage: models.StageCompleted, OutputRoot: "media/a1", CanonicalPath: "media/a1/canonical.mp4"}
	require.NoError(t, s.CreateJob(ctx, old))
	require.NoError(t, s.AddRendition(ctx, &models.Rendition{ID: "o1", JobID: "old", Quality: "720p", Path: "media/a1/renditions/720p.mp4"}))

	job := &models.ProcessingJob{ID: "new", AssetID: "a1", OutputRoot: "work/new", CanonicalPath: "work/new/canonical.mp4"}
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.AddRendition(ctx, &models.Rendition{ID: "n1", JobID: "new", Quality: "360p", Path: "work/new/renditions/360p.mp4"}))
	require.NoError(t, s.SaveManifest(ctx, &models.StreamManifest{ID: "m", JobID: "new", Path: "work/new/hls/master.m3u8"}))

	err := s.Publish(ctx, PublishRequest{AssetID: "a1", JobID: "old", OldRoot: "work/old", NewRoot: "media/a1", At: time.Now()})
	assert.ErrorIs(t, err, ErrSuperseded)

	require.NoError(t, s.Publish(ctx, PublishRequest{AssetID: "a1", JobID: "new", OldRoot: "work/new", NewRoot: "media/a1", At: time.Now()}))

	asset, _ := s.GetAsset(ctx, "a1")
	assert.Equal(t, "new", asset.PublishedJobID)

	renditions, _ := s.ListRenditions(ctx, "new")
	require.Len(t, renditions, 1)
	assert.Equal(t, "media/a1/renditions/360p.mp4", renditions[0].Path)

	manifest, err := s.GetManifest(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "media/a1/hls/master.m3u8", manifest.Path)

	published, _ := s.GetJob(ctx, "new")
	assert.Equal(t, "media/a1/canonical.mp4", published.CanonicalPath)
	assert.Equal(t, "media/a1", published.OutputRoot)

	oldRenditions, _ := s.ListRenditions(ctx, "old")
	assert.Empty(t, oldRenditions)
	oldJob, _ := s.GetJob(ctx, "old")
	assert.Empty(t, oldJob.CanonicalPath)
}

func TestMemoryStorePublishKeepsRunningJobOutputs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")

	running := &models.ProcessingJob{ID: "running", AssetID: "a1", Stage: models.StagePackaging, OutputRoot: "work/running"}
	require.NoError(t, s.CreateJob(ctx, running))
	require.NoError(t, s.AddRendition(ctx, &models.Rendition{ID: "r1", JobID: "running", Quality: "360p", Path: "work/running/renditions/360p.mp4"}))
	require.NoError(t, s.CreateJob(ctx, &models.ProcessingJob{ID: "newer", AssetID: "a1", Stage: models.StageCompleted, OutputRoot: "work/newer"}))

	require.NoError(t, s.Publish(ctx, PublishRequest{AssetID: "a1", JobID: "newer", OldRoot: "work/newer", NewRoot: "media/a1"}))

	list, err := s.ListRenditions(ctx, "running")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStoreSaveAssetKeepsPublication(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")
	require.NoError(t, s.CreateJob(ctx, &models.ProcessingJob{ID: "j1", AssetID: "a1", OutputRoot: "work/j1"}))
	require.NoError(t, s.Publish(ctx, PublishRequest{AssetID: "a1", JobID: "j1", OldRoot: "work/j1", NewRoot: "media/a1"}))

	replacement := &models.MediaAsset{ID: "a1", StoragePath: "uploads/a1/v2.mp4"}
	require.NoError(t, s.SaveAsset(ctx, replacement))
	assert.Equal(t, "j1", replacement.PublishedJobID)

	got, _ := s.GetAsset(ctx, "a1")
	assert.Equal(t, "uploads/a1/v2.mp4", got.StoragePath)
	assert.Equal(t, "j1", got.PublishedJobID)
}

func TestMemoryStoreDeleteAssetCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAsset(t, s, "a1")
	require.NoError(t, s.CreateJob(ctx, &models.ProcessingJob{ID: "j1", AssetID: "a1"}))

	require.NoError(t, s.DeleteAsset(ctx, "a1"))

	_, err := s.GetJob(ctx, "j1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteAsset(ctx, "a1"), ErrNotFound)
}

func TestLocalLockerSerializes(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	require.NoError(t, err)

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(timeout, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other keys are independent.
	other, err := l.Lock(ctx, "other")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, "k")
		if err == nil {
			u()
		}
		close(acquired)
	}()

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
