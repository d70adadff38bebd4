package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// Store implements tracker.Store on PostgreSQL.
type Store struct {
	db *DB
}

// NewStore creates a Store. Call db.Migrate first.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

var _ tracker.Store = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const assetColumns = `id, storage_path, container, codec, duration_seconds, size_bytes, checksum,
	COALESCE(published_job_id, ''), created_at, updated_at`

func scanAsset(row rowScanner) (*models.MediaAsset, error) {
	var a models.MediaAsset
	err := row.Scan(&a.ID, &a.StoragePath, &a.Container, &a.Codec, &a.DurationSeconds,
		&a.SizeBytes, &a.Checksum, &a.PublishedJobID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAsset inserts or replaces an asset, keeping its publication.
func (s *Store) SaveAsset(ctx context.Context, asset *models.MediaAsset) error {
	query := `
		INSERT INTO assets (id, storage_path, container, codec, duration_seconds, size_bytes, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			storage_path = EXCLUDED.storage_path,
			container = EXCLUDED.container,
			codec = EXCLUDED.codec,
			duration_seconds = EXCLUDED.duration_seconds,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum,
			updated_at = NOW()
		RETURNING COALESCE(published_job_id, ''), created_at, updated_at
	`

	err := s.db.Pool.QueryRow(ctx, query,
		asset.ID, asset.StoragePath, asset.Container, asset.Codec,
		asset.DurationSeconds, asset.SizeBytes, asset.Checksum,
	).Scan(&asset.PublishedJobID, &asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}
	return nil
}

// GetAsset retrieves an asset by ID
func (s *Store) GetAsset(ctx context.Context, id string) (*models.MediaAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`

	asset, err := scanAsset(s.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("asset %s: %w", id, tracker.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return asset, nil
}

// ListAssets returns every asset, oldest first.
func (s *Store) ListAssets(ctx context.Context) ([]*models.MediaAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets ORDER BY created_at`

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.MediaAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// DeleteAsset removes an asset. Jobs and outputs go with it by cascade.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, tracker.ErrNotFound)
	}
	return nil
}

const jobColumns = `id, asset_id, seq, stage, stage_errors, media_info, canonical_path,
	output_root, worker_id, started_at, finished_at, created_at, updated_at`

func scanJob(row rowScanner) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	err := row.Scan(&j.ID, &j.AssetID, &j.Sequence, &j.Stage, &j.Errors, &j.Media,
		&j.CanonicalPath, &j.OutputRoot, &j.WorkerID, &j.StartedAt, &j.FinishedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.ProcessingJob, error) {
	defer rows.Close()

	var jobs []*models.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CreateJob inserts a job. The database assigns its sequence.
func (s *Store) CreateJob(ctx context.Context, job *models.ProcessingJob) error {
	query := `
		INSERT INTO jobs (id, asset_id, stage, stage_errors, media_info, canonical_path, output_root, worker_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at, updated_at
	`

	err := s.db.Pool.QueryRow(ctx, query,
		job.ID, job.AssetID, string(job.Stage), job.Errors, job.Media,
		job.CanonicalPath, job.OutputRoot, job.WorkerID,
	).Scan(&job.Sequence, &job.CreatedAt, &job.UpdatedAt)
	switch pgCode(err) {
	case "":
	case pgForeignKeyViolation:
		return fmt.Errorf("asset %s: %w", job.AssetID, tracker.ErrNotFound)
	case pgUniqueViolation:
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*models.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, tracker.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// LatestJob returns the job with the highest sequence for an asset.
func (s *Store) LatestJob(ctx context.Context, assetID string) (*models.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE asset_id = $1 ORDER BY seq DESC LIMIT 1`

	job, err := scanJob(s.db.Pool.QueryRow(ctx, query, assetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("jobs of asset %s: %w", assetID, tracker.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job: %w", err)
	}
	return job, nil
}

// ListJobs returns an asset's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, assetID string) ([]*models.ProcessingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE asset_id = $1 ORDER BY seq DESC`

	rows, err := s.db.Pool.Query(ctx, query, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListJobsByStage returns jobs in any of the given stages, oldest first.
func (s *Store) ListJobsByStage(ctx context.Context, stages ...models.Stage) ([]*models.ProcessingJob, error) {
	names := make([]string, 0, len(stages))
	for _, st := range stages {
		names = append(names, string(st))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE stage = ANY($1) ORDER BY seq`

	rows, err := s.db.Pool.Query(ctx, query, names)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by stage: %w", err)
	}
	return collectJobs(rows)
}

// UpdateJob writes job only while its stored stage equals expected.
func (s *Store) UpdateJob(ctx context.Context, job *models.ProcessingJob, expected models.Stage) error {
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now()
	}
	query := `
		UPDATE jobs SET
			stage = $2, stage_errors = $3, media_info = $4, canonical_path = $5,
			output_root = $6, worker_id = $7, started_at = $8, finished_at = $9, updated_at = $10
		WHERE id = $1 AND stage = $11
	`

	tag, err := s.db.Pool.Exec(ctx, query,
		job.ID, string(job.Stage), job.Errors, job.Media, job.CanonicalPath,
		job.OutputRoot, job.WorkerID, job.StartedAt, job.FinishedAt, job.UpdatedAt,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missedUpdate(ctx, job.ID, expected)
}

// missedUpdate explains why a conditional update touched no row.
func (s *Store) missedUpdate(ctx context.Context, id string, expected models.Stage) error {
	var current string
	err := s.db.Pool.QueryRow(ctx, `SELECT stage FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, tracker.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read job stage: %w", err)
	}
	if expected == "" {
		return nil
	}
	return fmt.Errorf("job %s is %s, expected %s: %w", id, current, expected, tracker.ErrStaleJob)
}

// TouchJob bumps updated_at of a non-terminal job.
func (s *Store) TouchJob(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE jobs SET updated_at = $2
		WHERE id = $1 AND stage NOT IN ('completed', 'failed')
	`
	tag, err := s.db.Pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.missedUpdate(ctx, id, "")
}

// AddRendition records one rendition of a job.
func (s *Store) AddRendition(ctx context.Context, r *models.Rendition) error {
	query := `
		INSERT INTO renditions (id, job_id, asset_id, quality, width, height,
			video_bitrate, audio_bitrate, path, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err := s.db.Pool.QueryRow(ctx, query,
		r.ID, r.JobID, r.AssetID, r.Quality, r.Width, r.Height,
		r.VideoBitrate, r.AudioBitrate, r.Path, r.SizeBytes,
	).Scan(&r.CreatedAt)
	switch pgCode(err) {
	case "":
	case pgForeignKeyViolation:
		return fmt.Errorf("job %s: %w", r.JobID, tracker.ErrNotFound)
	case pgUniqueViolation:
		return fmt.Errorf("rendition %s of job %s already exists", r.Quality, r.JobID)
	}
	if err != nil {
		return fmt.Errorf("failed to add rendition: %w", err)
	}
	return nil
}

// ListRenditions returns a job's renditions, highest bandwidth first.
func (s *Store) ListRenditions(ctx context.Context, jobID string) ([]*models.Rendition, error) {
	query := `
		SELECT id, job_id, asset_id, quality, width, height, video_bitrate, audio_bitrate,
			path, size_bytes, created_at
		FROM renditions
		WHERE job_id = $1
		ORDER BY video_bitrate + audio_bitrate DESC
	`

	rows, err := s.db.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list renditions: %w", err)
	}
	defer rows.Close()

	renditions := []*models.Rendition{}
	for rows.Next() {
		var r models.Rendition
		if err := rows.Scan(&r.ID, &r.JobID, &r.AssetID, &r.Quality, &r.Width, &r.Height,
			&r.VideoBitrate, &r.AudioBitrate, &r.Path, &r.SizeBytes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rendition: %w", err)
		}
		renditions = append(renditions, &r)
	}
	return renditions, rows.Err()
}

// DeleteRenditions drops the named renditions of a job.
func (s *Store) DeleteRenditions(ctx context.Context, jobID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM renditions WHERE job_id = $1 AND id = ANY($2)`, jobID, ids)
	if err != nil {
		return fmt.Errorf("failed to delete renditions: %w", err)
	}
	return nil
}

// SaveManifest replaces the manifest of a job.
func (s *Store) SaveManifest(ctx context.Context, m *models.StreamManifest) error {
	query := `
		INSERT INTO manifests (job_id, id, asset_id, path, variants)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO UPDATE SET
			id = EXCLUDED.id,
			path = EXCLUDED.path,
			variants = EXCLUDED.variants,
			created_at = NOW()
		RETURNING created_at
	`

	err := s.db.Pool.QueryRow(ctx, query, m.JobID, m.ID, m.AssetID, m.Path, m.Variants).Scan(&m.CreatedAt)
	if pgCode(err) == pgForeignKeyViolation {
		return fmt.Errorf("job %s: %w", m.JobID, tracker.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

// GetManifest retrieves the manifest of a job.
func (s *Store) GetManifest(ctx context.Context, jobID string) (*models.StreamManifest, error) {
	query := `SELECT id, job_id, asset_id, path, variants, created_at FROM manifests WHERE job_id = $1`

	var m models.StreamManifest
	err := s.db.Pool.QueryRow(ctx, query, jobID).Scan(&m.ID, &m.JobID, &m.AssetID, &m.Path, &m.Variants, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("manifest of job %s: %w", jobID, tracker.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}
	return &m, nil
}

// DeleteManifest drops the manifest of a job.
func (s *Store) DeleteManifest(ctx context.Context, jobID string) error {
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM manifests WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

// Publish runs in one transaction holding the asset row lock, so a
// concurrent publish of the same asset waits and then sees the new state.
func (s *Store) Publish(ctx context.Context, req tracker.PublishRequest) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin publish: %w", err)
	}
	defer rollback(ctx, tx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM assets WHERE id = $1 FOR UPDATE`, req.AssetID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("asset %s: %w", req.AssetID, tracker.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock asset: %w", err)
	}

	var newest string
	err = tx.QueryRow(ctx, `SELECT id FROM jobs WHERE asset_id = $1 ORDER BY seq DESC LIMIT 1`, req.AssetID).Scan(&newest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read newest job: %w", err)
	}
	if newest != req.JobID {
		return fmt.Errorf("publish job %s: %w", req.JobID, tracker.ErrSuperseded)
	}

	steps := []struct {
		sql  string
		args []any
	}{
		{`UPDATE renditions SET path = $3::text || substr(path, char_length($2::text) + 1)
			WHERE job_id = $1 AND (path = $2 OR starts_with(path, $2::text || '/'))`,
			[]any{req.JobID, req.OldRoot, req.NewRoot}},
		{`UPDATE manifests SET path = $3::text || substr(path, char_length($2::text) + 1)
			WHERE job_id = $1 AND (path = $2 OR starts_with(path, $2::text || '/'))`,
			[]any{req.JobID, req.OldRoot, req.NewRoot}},
		{`UPDATE jobs SET
				canonical_path = CASE
					WHEN canonical_path = $2 OR starts_with(canonical_path, $2::text || '/')
					THEN $3::text || substr(canonical_path, char_length($2::text) + 1)
					ELSE canonical_path END,
				output_root = $3
			WHERE id = $1`,
			[]any{req.JobID, req.OldRoot, req.NewRoot}},
		// Outputs of the asset's other finished jobs point into the tree
		// being replaced.
		{`DELETE FROM renditions WHERE job_id IN (
			SELECT id FROM jobs WHERE asset_id = $1 AND id <> $2 AND stage IN ('completed', 'failed'))`,
			[]any{req.AssetID, req.JobID}},
		{`DELETE FROM manifests WHERE job_id IN (
			SELECT id FROM jobs WHERE asset_id = $1 AND id <> $2 AND stage IN ('completed', 'failed'))`,
			[]any{req.AssetID, req.JobID}},
		{`UPDATE jobs SET canonical_path = ''
			WHERE asset_id = $1 AND id <> $2 AND stage IN ('completed', 'failed')
			AND starts_with(canonical_path, $3::text || '/')`,
			[]any{req.AssetID, req.JobID, req.NewRoot}},
	}
	for _, step := range steps {
		if _, err := tx.Exec(ctx, step.sql, step.args...); err != nil {
			return fmt.Errorf("failed to move outputs to %s: %w", req.NewRoot, err)
		}
	}

	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := tx.Exec(ctx, `UPDATE assets SET published_job_id = $2, updated_at = $3 WHERE id = $1`,
		req.AssetID, req.JobID, at); err != nil {
		return fmt.Errorf("failed to record publication: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit publish: %w", err)
	}
	return nil
}

// DiscardOutputs drops the rendition and manifest rows of a job and clears a
// canonical path inside its output root.
func (s *Store) DiscardOutputs(ctx context.Context, jobID string) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin discard: %w", err)
	}
	defer rollback(ctx, tx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET canonical_path = CASE
			WHEN output_root <> '' AND starts_with(canonical_path, output_root || '/') THEN ''
			ELSE canonical_path END
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to clear canonical path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, tracker.ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM renditions WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete renditions: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM manifests WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}

	return tx.Commit(ctx)
}
