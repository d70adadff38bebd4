package transcoder

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracing"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// Limiter bounds concurrent encodes across all jobs. *semaphore.Weighted
// satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// Renditioner encodes the canonical input into quality tiers.
type Renditioner struct {
	encoder         Encoder
	slots           Limiter
	budget          Budget
	retries         int
	keyframeSeconds int
}

// RenditionerConfig configures a Renditioner.
type RenditionerConfig struct {
	Encoder         Encoder
	Slots           Limiter
	Budget          Budget
	Retries         int
	KeyframeSeconds int
}

// NewRenditioner creates a renditioner.
func NewRenditioner(cfg RenditionerConfig) *Renditioner {
	return &Renditioner{
		encoder:         cfg.Encoder,
		slots:           cfg.Slots,
		budget:          cfg.Budget,
		retries:         cfg.Retries,
		keyframeSeconds: cfg.KeyframeSeconds,
	}
}

// RenderQuality encodes one tier into dest. The returned rendition carries
// the real output size and dimensions; its Path is dest.
func (r *Renditioner) RenderQuality(ctx context.Context, canonicalPath string, info *models.MediaInfo, tier models.QualityTier, dest string) (*models.Rendition, error) {
	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.slots.Release(1)
	}

	span, ctx := tracing.StartTierSpan(ctx, "render.tier", tier.Name)

	opts := TranscodeOptions{
		InputPath:       canonicalPath,
		OutputPath:      dest,
		Height:          tier.Height,
		VideoBitrate:    tier.VideoBitrate,
		AudioBitrate:    tier.AudioBitrate,
		NoAudio:         !info.HasAudio(),
		KeyframeSeconds: r.keyframeSeconds,
		DurationSeconds: info.DurationSeconds,
	}

	err := withRetry(ctx, r.retries, r.budget.For(info.DurationSeconds), func(ctx context.Context) error {
		if err := r.encoder.Transcode(ctx, opts); err != nil {
			removePartial(dest)
			return &TranscodeError{Tier: tier.Name, Diagnostic: err.Error(), Err: err}
		}
		return nil
	})
	if err != nil {
		tracing.Finish(span, err)
		return nil, err
	}

	size, err := nonEmptyFile(dest)
	if err != nil {
		removePartial(dest)
		terr := &TranscodeError{Tier: tier.Name, Diagnostic: err.Error(), Err: err}
		tracing.Finish(span, terr)
		return nil, terr
	}

	tracing.Finish(span, nil)

	width := scaledWidth(info.Width, info.Height, tier.Height)
	if width == 0 {
		width = tier.Width
	}

	return &models.Rendition{
		ID:           uuid.New().String(),
		Quality:      tier.Name,
		Width:        width,
		Height:       tier.Height,
		VideoBitrate: tier.VideoBitrate,
		AudioBitrate: tier.AudioBitrate,
		Path:         dest,
		SizeBytes:    size,
	}, nil
}

// scaledWidth matches ffmpeg's scale=-2:h: keep aspect, round to even.
func scaledWidth(srcW, srcH, height int) int {
	if srcW <= 0 || srcH <= 0 {
		return 0
	}
	w := int(float64(srcW)*float64(height)/float64(srcH) + 0.5)
	if w%2 != 0 {
		w++
	}
	return w
}

// RenderRequest describes the fan-out for one job.
type RenderRequest struct {
	CanonicalPath string
	Info          *models.MediaInfo
	Tiers         []models.QualityTier
	OutputFor     func(tier models.QualityTier) string
	// OnResult, when set, is called as each tier finishes. Calls are
	// serialized.
	OnResult func(tier models.QualityTier, rendition *models.Rendition, err error)
}

// RenderResult holds the surviving renditions, highest bandwidth first,
// and the failure of every tier that did not survive.
type RenderResult struct {
	Renditions []*models.Rendition
	Failures   []*TranscodeError
}

// RenderAll encodes every tier concurrently. Tiers are independent: one
// failure never cancels the others. The shared limiter bounds parallelism.
func (r *Renditioner) RenderAll(ctx context.Context, req RenderRequest) *RenderResult {
	result := &RenderResult{}
	var mu sync.Mutex
	var g errgroup.Group

	for _, tier := range req.Tiers {
		tier := tier
		g.Go(func() error {
			rendition, err := r.RenderQuality(ctx, req.CanonicalPath, req.Info, tier, req.OutputFor(tier))

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				var terr *TranscodeError
				if !errors.As(err, &terr) {
					terr = &TranscodeError{Tier: tier.Name, Diagnostic: err.Error(), Err: err}
				}
				result.Failures = append(result.Failures, terr)
			} else {
				result.Renditions = append(result.Renditions, rendition)
			}

			if req.OnResult != nil {
				req.OnResult(tier, rendition, err)
			}
			return nil
		})
	}

	_ = g.Wait()

	models.SortByBandwidth(result.Renditions)
	return result
}
