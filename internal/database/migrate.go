package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var schema = []struct {
	name string
	sql  string
}{
	{"assets", `
	CREATE TABLE IF NOT EXISTS assets (
		id               TEXT PRIMARY KEY,
		storage_path     TEXT NOT NULL,
		container        TEXT NOT NULL DEFAULT '',
		codec            TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		size_bytes       BIGINT NOT NULL DEFAULT 0,
		checksum         TEXT NOT NULL DEFAULT '',
		published_job_id TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`},
	{"jobs", `
	CREATE TABLE IF NOT EXISTS jobs (
		id             TEXT PRIMARY KEY,
		asset_id       TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		seq            BIGSERIAL UNIQUE,
		stage          TEXT NOT NULL,
		stage_errors   JSONB NOT NULL DEFAULT '[]',
		media_info     JSONB,
		canonical_path TEXT NOT NULL DEFAULT '',
		output_root    TEXT NOT NULL DEFAULT '',
		worker_id      TEXT NOT NULL DEFAULT '',
		started_at     TIMESTAMPTZ,
		finished_at    TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`},
	{"jobs_asset_seq_idx", `CREATE INDEX IF NOT EXISTS jobs_asset_seq_idx ON jobs (asset_id, seq DESC)`},
	{"jobs_stage_idx", `CREATE INDEX IF NOT EXISTS jobs_stage_idx ON jobs (stage)`},
	{"renditions", `
	CREATE TABLE IF NOT EXISTS renditions (
		id            TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		asset_id      TEXT NOT NULL,
		quality       TEXT NOT NULL,
		width         INTEGER NOT NULL,
		height        INTEGER NOT NULL,
		video_bitrate BIGINT NOT NULL,
		audio_bitrate BIGINT NOT NULL,
		path          TEXT NOT NULL,
		size_bytes    BIGINT NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (job_id, quality)
	)`},
	{"manifests", `
	CREATE TABLE IF NOT EXISTS manifests (
		job_id     TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
		id         TEXT NOT NULL,
		asset_id   TEXT NOT NULL,
		path       TEXT NOT NULL,
		variants   JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`},
}

// Migrate creates the tables the store needs. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer rollback(ctx, tx)

	for _, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
