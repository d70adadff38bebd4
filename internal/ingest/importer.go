package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// Trigger is recorded on jobs created from imported files.
const Trigger = "inbox"

// Registrar records assets and starts their jobs.
type Registrar interface {
	Register(ctx context.Context, asset *models.MediaAsset) error
	Start(ctx context.Context, assetID, trigger string) (*models.ProcessingJob, error)
}

// AssetGetter looks up previously registered assets.
type AssetGetter interface {
	GetAsset(ctx context.Context, id string) (*models.MediaAsset, error)
}

// Result describes what happened to one imported file.
type Result struct {
	AssetID  string `json:"asset_id"`
	JobID    string `json:"job_id,omitempty"`
	Checksum string `json:"checksum"`
	// Duplicate is set when the file matched the asset's current upload and
	// no job was started.
	Duplicate bool `json:"duplicate"`
}

// Importer moves files into the upload area and starts their jobs. Uploads
// are stored content-addressed under uploads/<asset>/<sha256><ext>, so a
// re-upload never overwrites the file an earlier job is reading.
type Importer struct {
	layout    transcoder.Layout
	registrar Registrar
	assets    AssetGetter
	trigger   string
}

// NewImporter creates an Importer.
func NewImporter(layout transcoder.Layout, registrar Registrar, assets AssetGetter) *Importer {
	return &Importer{layout: layout, registrar: registrar, assets: assets, trigger: Trigger}
}

// WithTrigger returns a copy recording trigger on the jobs it starts.
func (im *Importer) WithTrigger(trigger string) *Importer {
	cp := *im
	cp.trigger = trigger
	return &cp
}

// Import moves src into the upload area as assetID, registers it and
// starts a job. A file identical to the asset's current upload is removed
// without starting a job.
func (im *Importer) Import(ctx context.Context, src, assetID string) (*Result, error) {
	if err := models.ValidateID(assetID); err != nil {
		return nil, fmt.Errorf("import %s: %w", src, err)
	}
	sum, size, err := checksum(src)
	if err != nil {
		return nil, err
	}
	res := &Result{AssetID: assetID, Checksum: sum}

	existing, err := im.assets.GetAsset(ctx, assetID)
	switch {
	case err == nil && existing.Checksum == sum:
		res.Duplicate = true
		if err := os.Remove(src); err != nil {
			return nil, fmt.Errorf("failed to remove duplicate %s: %w", src, err)
		}
		return res, nil
	case err != nil && !errors.Is(err, tracker.ErrNotFound):
		return nil, err
	}

	rel := path.Join("uploads", assetID, sum+strings.ToLower(filepath.Ext(src)))
	dst := im.layout.Abs(rel)
	if err := moveFile(src, dst); err != nil {
		return nil, err
	}

	asset := &models.MediaAsset{
		ID:          assetID,
		StoragePath: dst,
		SizeBytes:   size,
		Checksum:    sum,
	}
	if err := im.registrar.Register(ctx, asset); err != nil {
		return nil, err
	}
	job, err := im.registrar.Start(ctx, assetID, im.trigger)
	if err != nil {
		return nil, err
	}
	res.JobID = job.ID
	return res, nil
}

func checksum(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
