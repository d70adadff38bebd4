package transcoder

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracing"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// Packager segments renditions into HLS variants and writes the master
// playlist.
type Packager struct {
	encoder        Encoder
	budget         Budget
	retries        int
	segmentSeconds int
}

// NewPackager creates a packager.
func NewPackager(encoder Encoder, budget Budget, retries, segmentSeconds int) *Packager {
	if segmentSeconds <= 0 {
		segmentSeconds = 10
	}
	return &Packager{
		encoder:        encoder,
		budget:         budget,
		retries:        retries,
		segmentSeconds: segmentSeconds,
	}
}

// PackageResult is the outcome of packaging one job.
type PackageResult struct {
	MasterPath string
	Variants   []models.ManifestVariant
	Failures   []*PackagingError
}

// Package writes one variant directory per rendition under hlsDir plus the
// master playlist. A rendition that fails to segment is dropped; packaging
// fails only when no variant survives.
func (p *Packager) Package(ctx context.Context, renditions []*models.Rendition, hlsDir string, durationSeconds int) (*PackageResult, error) {
	if len(renditions) == 0 {
		return nil, fmt.Errorf("%w: no renditions to package", ErrPackaging)
	}

	sorted := append([]*models.Rendition(nil), renditions...)
	models.SortByBandwidth(sorted)

	result := &PackageResult{}
	for _, r := range sorted {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		variant, err := p.packageRendition(ctx, r, hlsDir, durationSeconds)
		if err != nil {
			result.Failures = append(result.Failures, &PackagingError{Tier: r.Quality, Diagnostic: err.Error(), Err: err})
			continue
		}
		result.Variants = append(result.Variants, *variant)
	}

	if len(result.Variants) == 0 {
		return result, fmt.Errorf("%w: every rendition failed to segment", ErrPackaging)
	}

	result.MasterPath = filepath.Join(hlsDir, MasterPlaylistName)
	if err := writeFileAtomic(result.MasterPath, []byte(BuildMasterPlaylist(result.Variants))); err != nil {
		return result, fmt.Errorf("%w: write master playlist: %v", ErrPackaging, err)
	}

	return result, nil
}

func (p *Packager) packageRendition(ctx context.Context, r *models.Rendition, hlsDir string, durationSeconds int) (*models.ManifestVariant, error) {
	span, ctx := tracing.StartTierSpan(ctx, "package.rendition", r.Quality)

	dir := filepath.Join(hlsDir, r.Quality)
	if err := os.RemoveAll(dir); err != nil {
		tracing.Finish(span, err)
		return nil, err
	}

	opts := SegmentOptions{
		InputPath:      r.Path,
		OutputDir:      dir,
		SegmentSeconds: p.segmentSeconds,
	}

	// Stream copy is far cheaper than an encode.
	timeout := p.budget.For(durationSeconds) / 4
	if timeout < time.Minute {
		timeout = time.Minute
	}

	err := withRetry(ctx, p.retries, timeout, func(ctx context.Context) error {
		if err := p.encoder.SegmentHLS(ctx, opts); err != nil {
			return &TranscodeError{Tier: r.Quality, Diagnostic: err.Error(), Err: err}
		}
		return nil
	})
	if err == nil {
		var segments int
		segments, err = verifyVariant(dir)
		if err == nil {
			tracing.Finish(span, nil)
			return &models.ManifestVariant{
				RenditionID: r.ID,
				Quality:     r.Quality,
				Bandwidth:   r.Bandwidth(),
				Width:       r.Width,
				Height:      r.Height,
				URI:         path.Join(r.Quality, VariantPlaylistName),
				Segments:    segments,
			}, nil
		}
	}

	os.RemoveAll(dir)
	tracing.Finish(span, err)
	return nil, err
}

// verifyVariant checks that the variant playlist lists at least one segment
// and that every listed segment exists and is non-empty.
func verifyVariant(dir string) (int, error) {
	f, err := os.Open(filepath.Join(dir, VariantPlaylistName))
	if err != nil {
		return 0, fmt.Errorf("variant playlist missing: %w", err)
	}
	defer f.Close()

	segments, err := ParseMediaPlaylist(f)
	if err != nil {
		return 0, fmt.Errorf("variant playlist invalid: %w", err)
	}
	if len(segments) == 0 {
		return 0, fmt.Errorf("variant playlist lists no segments")
	}

	for _, seg := range segments {
		if _, err := nonEmptyFile(filepath.Join(dir, filepath.FromSlash(seg))); err != nil {
			return 0, fmt.Errorf("segment %s: %w", seg, err)
		}
	}

	return len(segments), nil
}
