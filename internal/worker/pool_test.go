package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

type recordingProcessor struct {
	mu    sync.Mutex
	seen  []string
	block chan struct{}
}

func (p *recordingProcessor) Process(ctx context.Context, jobID string) error {
	p.mu.Lock()
	p.seen = append(p.seen, jobID)
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *recordingProcessor) processed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

type countingRecoverer struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRecoverer) Recover(ctx context.Context, staleAfter time.Duration) (tracker.RecoveryReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return tracker.RecoveryReport{}, nil
}

func TestPoolProcessesDispatchedJobs(t *testing.T) {
	proc := &recordingProcessor{}
	pool := NewPool(PoolConfig{Processor: proc, Workers: 2})
	pool.Start()
	defer pool.Shutdown(context.Background())

	require.NoError(t, pool.Dispatch(context.Background(), "job-1"))
	require.NoError(t, pool.Dispatch(context.Background(), "job-2"))

	assert.Eventually(t, func() bool {
		return len(proc.processed()) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, pool.Dispatch(context.Background(), " "))
}

func TestPoolDispatchDoesNotBlockWhenFull(t *testing.T) {
	pool := NewPool(PoolConfig{Processor: &recordingProcessor{}, QueueSize: 1})

	require.NoError(t, pool.Dispatch(context.Background(), "job-1"))
	assert.ErrorIs(t, pool.Dispatch(context.Background(), "job-2"), ErrQueueFull)
}

func TestPoolAcceptTreatsFullQueueAsAccepted(t *testing.T) {
	pool := NewPool(PoolConfig{Processor: &recordingProcessor{}, QueueSize: 1})

	require.NoError(t, pool.Accept(context.Background(), "job-1"))
	assert.NoError(t, pool.Accept(context.Background(), "job-2"))
	assert.Error(t, pool.Accept(context.Background(), ""))

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, pool.Accept(context.Background(), "job-3"), context.Canceled)
}

func TestPoolSkipsJobAlreadyInFlight(t *testing.T) {
	proc := &recordingProcessor{block: make(chan struct{})}
	pool := NewPool(PoolConfig{Processor: proc, Workers: 2})
	pool.Start()

	require.NoError(t, pool.Dispatch(context.Background(), "job-1"))
	assert.Eventually(t, func() bool { return pool.isInFlight("job-1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Dispatch(context.Background(), "job-1"))

	time.Sleep(20 * time.Millisecond)
	close(proc.block)
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, []string{"job-1"}, proc.processed())
}

func TestPoolSweepRecoversAndRequeuesPending(t *testing.T) {
	ctx := context.Background()
	store := tracker.NewMemoryStore()
	require.NoError(t, store.SaveAsset(ctx, &models.MediaAsset{ID: "a1", StoragePath: "uploads/a1/x.mp4"}))
	require.NoError(t, store.CreateJob(ctx, &models.ProcessingJob{ID: "pending-1", AssetID: "a1", Stage: models.StagePending}))
	require.NoError(t, store.CreateJob(ctx, &models.ProcessingJob{ID: "done-1", AssetID: "a1", Stage: models.StageCompleted}))

	proc := &recordingProcessor{}
	recoverer := &countingRecoverer{}
	pool := NewPool(PoolConfig{
		Processor:     proc,
		Store:         store,
		Recoverer:     recoverer,
		SweepInterval: time.Hour,
	})
	pool.Start()
	defer pool.Shutdown(ctx)

	assert.Eventually(t, func() bool {
		return len(proc.processed()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pending-1"}, proc.processed())

	recoverer.mu.Lock()
	assert.Equal(t, 1, recoverer.calls)
	recoverer.mu.Unlock()
}

func TestPoolShutdownCancelsRunningJobs(t *testing.T) {
	proc := &recordingProcessor{block: make(chan struct{})}
	pool := NewPool(PoolConfig{Processor: proc, Workers: 1})
	pool.Start()

	require.NoError(t, pool.Dispatch(context.Background(), "job-1"))
	assert.Eventually(t, func() bool { return len(proc.processed()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	assert.ErrorIs(t, pool.Dispatch(context.Background(), "job-2"), context.Canceled)
}

func TestSlotCount(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, int64(3), SlotCount(ctx, 3))
	assert.GreaterOrEqual(t, SlotCount(ctx, 0), int64(1))
}

func TestSlotsTrackUsage(t *testing.T) {
	slots := NewSlots(2)
	ctx := context.Background()
	base := testutil.ToFloat64(metrics.EncodeSlotsInUse)

	require.NoError(t, slots.Acquire(ctx, 1))
	require.NoError(t, slots.Acquire(ctx, 1))
	assert.Equal(t, base+2, testutil.ToFloat64(metrics.EncodeSlotsInUse))

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, slots.Acquire(timeout, 1))

	slots.Release(1)
	slots.Release(1)
	assert.Equal(t, base, testutil.ToFloat64(metrics.EncodeSlotsInUse))
}
