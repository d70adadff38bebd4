package tracker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu         sync.RWMutex
	assets     map[string]*models.MediaAsset
	jobs       map[string]*models.ProcessingJob
	renditions map[string][]*models.Rendition
	manifests  map[string]*models.StreamManifest
	seq        int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:     make(map[string]*models.MediaAsset),
		jobs:       make(map[string]*models.ProcessingJob),
		renditions: make(map[string][]*models.Rendition),
		manifests:  make(map[string]*models.StreamManifest),
	}
}

func cloneAsset(a *models.MediaAsset) *models.MediaAsset {
	c := *a
	return &c
}

func cloneRendition(r *models.Rendition) *models.Rendition {
	c := *r
	return &c
}

func cloneManifest(m *models.StreamManifest) *models.StreamManifest {
	c := *m
	c.Variants = append(models.ManifestVariants(nil), m.Variants...)
	return &c
}

func (s *MemoryStore) SaveAsset(ctx context.Context, asset *models.MediaAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := cloneAsset(asset)
	if existing, ok := s.assets[asset.ID]; ok {
		c.PublishedJobID = existing.PublishedJobID
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.assets[asset.ID] = c

	asset.PublishedJobID = c.PublishedJobID
	asset.CreatedAt = c.CreatedAt
	asset.UpdatedAt = c.UpdatedAt
	return nil
}

func (s *MemoryStore) GetAsset(ctx context.Context, id string) (*models.MediaAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, ok := s.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return cloneAsset(asset), nil
}

func (s *MemoryStore) ListAssets(ctx context.Context) ([]*models.MediaAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.MediaAsset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, cloneAsset(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteAsset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[id]; !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	delete(s.assets, id)
	for jobID, job := range s.jobs {
		if job.AssetID == id {
			delete(s.jobs, jobID)
			delete(s.renditions, jobID)
			delete(s.manifests, jobID)
		}
	}
	return nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[job.AssetID]; !ok {
		return fmt.Errorf("asset %s: %w", job.AssetID, ErrNotFound)
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}

	s.seq++
	now := time.Now()
	job.Sequence = s.seq
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) jobsOf(assetID string) []*models.ProcessingJob {
	var out []*models.ProcessingJob
	for _, job := range s.jobs {
		if job.AssetID == assetID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out
}

func (s *MemoryStore) LatestJob(ctx context.Context, assetID string) (*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := s.jobsOf(assetID)
	if len(jobs) == 0 {
		return nil, fmt.Errorf("jobs of asset %s: %w", assetID, ErrNotFound)
	}
	return jobs[0].Clone(), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, assetID string) ([]*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := s.jobsOf(assetID)
	out := make([]*models.ProcessingJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListJobsByStage(ctx context.Context, stages ...models.Stage) ([]*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.Stage]bool, len(stages))
	for _, st := range stages {
		want[st] = true
	}

	var out []*models.ProcessingJob
	for _, job := range s.jobs {
		if want[job.Stage] {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *models.ProcessingJob, expected models.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	if current.Stage != expected {
		return fmt.Errorf("job %s is %s, expected %s: %w", job.ID, current.Stage, expected, ErrStaleJob)
	}

	c := job.Clone()
	c.Sequence = current.Sequence
	c.CreatedAt = current.CreatedAt
	s.jobs[job.ID] = c
	return nil
}

func (s *MemoryStore) TouchJob(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !job.Stage.IsTerminal() {
		job.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) AddRendition(ctx context.Context, rendition *models.Rendition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[rendition.JobID]; !ok {
		return fmt.Errorf("job %s: %w", rendition.JobID, ErrNotFound)
	}
	for _, r := range s.renditions[rendition.JobID] {
		if r.Quality == rendition.Quality {
			return fmt.Errorf("rendition %s of job %s already exists", rendition.Quality, rendition.JobID)
		}
	}
	if rendition.CreatedAt.IsZero() {
		rendition.CreatedAt = time.Now()
	}
	s.renditions[rendition.JobID] = append(s.renditions[rendition.JobID], cloneRendition(rendition))
	return nil
}

func (s *MemoryStore) ListRenditions(ctx context.Context, jobID string) ([]*models.Rendition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Rendition, 0, len(s.renditions[jobID]))
	for _, r := range s.renditions[jobID] {
		out = append(out, cloneRendition(r))
	}
	models.SortByBandwidth(out)
	return out, nil
}

func (s *MemoryStore) DeleteRenditions(ctx context.Context, jobID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.renditions[jobID][:0]
	for _, r := range s.renditions[jobID] {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(s.renditions, jobID)
	} else {
		s.renditions[jobID] = kept
	}
	return nil
}

func (s *MemoryStore) SaveManifest(ctx context.Context, manifest *models.StreamManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[manifest.JobID]; !ok {
		return fmt.Errorf("job %s: %w", manifest.JobID, ErrNotFound)
	}
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now()
	}
	s.manifests[manifest.JobID] = cloneManifest(manifest)
	return nil
}

func (s *MemoryStore) GetManifest(ctx context.Context, jobID string) (*models.StreamManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.manifests[jobID]
	if !ok {
		return nil, fmt.Errorf("manifest of job %s: %w", jobID, ErrNotFound)
	}
	return cloneManifest(m), nil
}

func (s *MemoryStore) Publish(ctx context.Context, req PublishRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[req.AssetID]
	if !ok {
		return fmt.Errorf("asset %s: %w", req.AssetID, ErrNotFound)
	}
	jobs := s.jobsOf(req.AssetID)
	if len(jobs) == 0 || jobs[0].ID != req.JobID {
		return fmt.Errorf("publish job %s: %w", req.JobID, ErrSuperseded)
	}
	job := jobs[0]

	for _, r := range s.renditions[job.ID] {
		r.Path = transcoder.Rebase(r.Path, req.OldRoot, req.NewRoot)
	}
	if m, ok := s.manifests[job.ID]; ok {
		m.Path = transcoder.Rebase(m.Path, req.OldRoot, req.NewRoot)
	}
	job.CanonicalPath = transcoder.Rebase(job.CanonicalPath, req.OldRoot, req.NewRoot)
	job.OutputRoot = req.NewRoot

	for _, other := range jobs[1:] {
		if !other.Stage.IsTerminal() {
			continue
		}
		delete(s.renditions, other.ID)
		delete(s.manifests, other.ID)
		if strings.HasPrefix(other.CanonicalPath, req.NewRoot+"/") {
			other.CanonicalPath = ""
		}
	}

	asset.PublishedJobID = job.ID
	asset.UpdatedAt = req.At
	return nil
}

func (s *MemoryStore) DeleteManifest(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.manifests, jobID)
	return nil
}

func (s *MemoryStore) DiscardOutputs(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	delete(s.renditions, jobID)
	delete(s.manifests, jobID)
	if job.OutputRoot != "" && strings.HasPrefix(job.CanonicalPath, job.OutputRoot+"/") {
		job.CanonicalPath = ""
	}
	return nil
}
