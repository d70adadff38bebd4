package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

type harness struct {
	root    string
	inbox   string
	store   *tracker.MemoryStore
	watcher *Watcher
}

func newHarness(t *testing.T, settle time.Duration) *harness {
	t.Helper()
	root := t.TempDir()
	inbox := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, os.MkdirAll(inbox, 0o755))

	layout := transcoder.NewLayout(root)
	store := tracker.NewMemoryStore()
	trk := tracker.New(tracker.Config{Store: store, Layout: layout})

	return &harness{
		root:  root,
		inbox: inbox,
		store: store,
		watcher: NewWatcher(Config{
			Dir:        inbox,
			Layout:     layout,
			Registrar:  trk,
			Assets:     store,
			SettleTime: settle,
		}),
	}
}

func (h *harness) drop(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.inbox, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestAssetIDFor(t *testing.T) {
	assert.Equal(t, "lecture-07", AssetIDFor("/inbox/Lecture 07.mp4"))
	assert.Equal(t, "cs101_week-3", AssetIDFor("cs101_week-3.MOV"))
	assert.NotEmpty(t, AssetIDFor("///.mp4"))
}

func TestIgnored(t *testing.T) {
	assert.True(t, ignored("/inbox/.DS_Store"))
	assert.True(t, ignored("/inbox/lecture.mp4.part"))
	assert.True(t, ignored("/inbox/lecture.mp4~"))
	assert.False(t, ignored("/inbox/lecture.mp4"))
	assert.False(t, ignored("/inbox/slides.pptx"))
}

func TestIngestRegistersAndStartsJob(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	src := h.drop(t, "lecture-01.mp4", "first cut")

	res, err := h.watcher.Ingest(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "lecture-01", res.AssetID)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.JobID)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source leaves the inbox")

	asset, err := h.store.GetAsset(ctx, "lecture-01")
	require.NoError(t, err)
	assert.Equal(t, "uploads/lecture-01/"+res.Checksum+".mp4", asset.StoragePath)
	assert.Equal(t, int64(len("first cut")), asset.SizeBytes)
	assert.FileExists(t, filepath.Join(h.root, filepath.FromSlash(asset.StoragePath)))

	job, err := h.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, "lecture-01", job.AssetID)
}

func TestIngestSkipsIdenticalReupload(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	first, err := h.watcher.Ingest(ctx, h.drop(t, "lecture-01.mp4", "same bytes"))
	require.NoError(t, err)

	again := h.drop(t, "lecture-01.mp4", "same bytes")
	dup, err := h.watcher.Ingest(ctx, again)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Empty(t, dup.JobID)
	assert.NoFileExists(t, again)

	jobs, err := h.store.ListJobs(ctx, "lecture-01")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.JobID, jobs[0].ID)

	changed, err := h.watcher.Ingest(ctx, h.drop(t, "lecture-01.mov", "re-recorded"))
	require.NoError(t, err)
	assert.False(t, changed.Duplicate)

	latest, err := h.store.LatestJob(ctx, "lecture-01")
	require.NoError(t, err)
	assert.Equal(t, changed.JobID, latest.ID)

	asset, err := h.store.GetAsset(ctx, "lecture-01")
	require.NoError(t, err)
	assert.Equal(t, ".mov", filepath.Ext(asset.StoragePath))
}

func TestSettledWaitsForStableSize(t *testing.T) {
	h := newHarness(t, time.Minute)
	now := time.Now()
	h.watcher.now = func() time.Time { return now }

	p := h.drop(t, "lecture-02.mp4", "partial")
	h.watcher.observe(p)
	assert.Empty(t, h.watcher.settled())

	now = now.Add(30 * time.Second)
	require.NoError(t, os.WriteFile(p, []byte("partial plus more"), 0o644))
	assert.Empty(t, h.watcher.settled(), "growth restarts the clock")

	now = now.Add(time.Minute)
	assert.Equal(t, []string{p}, h.watcher.settled())
	assert.Empty(t, h.watcher.settled())
}

func TestRunPicksUpDroppedFiles(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.drop(t, "before-start.mp4", "already here")

	done := make(chan error, 1)
	go func() { done <- h.watcher.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	h.drop(t, "after-start.mp4", "new file")

	for _, id := range []string{"before-start", "after-start"} {
		assert.Eventually(t, func() bool {
			_, err := h.store.LatestJob(context.Background(), id)
			return err == nil
		}, 3*time.Second, 20*time.Millisecond, id)
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestImporterUsesGivenAssetID(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	layout := transcoder.NewLayout(h.root)
	trk := tracker.New(tracker.Config{Store: h.store, Layout: layout})
	im := NewImporter(layout, trk, h.store).WithTrigger("api")

	res, err := im.Import(ctx, h.drop(t, "upload-1234.mkv", "lecture body"), "cs101-week1")
	require.NoError(t, err)
	assert.Equal(t, "cs101-week1", res.AssetID)

	asset, err := h.store.GetAsset(ctx, "cs101-week1")
	require.NoError(t, err)
	assert.Equal(t, "uploads/cs101-week1/"+res.Checksum+".mkv", asset.StoragePath)
	assert.Equal(t, "api", im.trigger)
	assert.Equal(t, Trigger, NewImporter(layout, trk, h.store).trigger)
}

func TestImporterRejectsUnsafeAssetIDs(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	layout := transcoder.NewLayout(h.root)
	trk := tracker.New(tracker.Config{Store: h.store, Layout: layout})
	im := NewImporter(layout, trk, h.store)

	for _, id := range []string{"../../escaped", "..", "a/b", "", "-lead"} {
		src := h.drop(t, "lecture.mp4", "lecture body")
		_, err := im.Import(ctx, src, id)
		assert.ErrorIs(t, err, models.ErrInvalidID, id)
		// Nothing moved.
		assert.FileExists(t, src)
	}
	assert.NoDirExists(t, filepath.Join(h.root, "uploads"))
	assert.NoDirExists(t, filepath.Join(filepath.Dir(h.root), "escaped"))

	assets, err := h.store.ListAssets(ctx)
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestAssetIDForLongNames(t *testing.T) {
	id := AssetIDFor(strings.Repeat("a", 300) + ".mp4")
	assert.Len(t, id, models.MaxIDLength)
	assert.NoError(t, models.ValidateID(id))
}
