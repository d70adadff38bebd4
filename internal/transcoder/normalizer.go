package transcoder

import (
	"context"
	"fmt"
	"os"

	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// Canonical intermediate format every source is normalized to.
const (
	CanonicalContainer = "mp4"
	CanonicalCodec     = "h264"
)

// Normalizer converts sources into the canonical format once.
type Normalizer struct {
	encoder Encoder
	budget  Budget
	retries int
}

// NewNormalizer creates a normalizer.
func NewNormalizer(encoder Encoder, budget Budget, retries int) *Normalizer {
	return &Normalizer{encoder: encoder, budget: budget, retries: retries}
}

// IsCanonical reports whether a source can be used as-is.
func IsCanonical(info *models.MediaInfo) bool {
	return info.Container == CanonicalContainer && info.VideoCodec == CanonicalCodec
}

// Normalize returns path itself when the source is already canonical.
// Otherwise it encodes into dest and returns dest. On failure nothing is
// left at dest.
func (n *Normalizer) Normalize(ctx context.Context, path string, info *models.MediaInfo, dest string) (string, error) {
	if IsCanonical(info) {
		return path, nil
	}

	opts := TranscodeOptions{
		InputPath:       path,
		OutputPath:      dest,
		NoAudio:         !info.HasAudio(),
		DurationSeconds: info.DurationSeconds,
	}

	err := withRetry(ctx, n.retries, n.budget.For(info.DurationSeconds), func(ctx context.Context) error {
		if err := n.encoder.Transcode(ctx, opts); err != nil {
			removePartial(dest)
			return &TranscodeError{Diagnostic: err.Error(), Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if _, err := nonEmptyFile(dest); err != nil {
		removePartial(dest)
		return "", &TranscodeError{Diagnostic: err.Error(), Err: err}
	}

	return dest, nil
}

func removePartial(path string) {
	os.Remove(path + partialSuffix)
	os.Remove(path)
}

func nonEmptyFile(path string) (int64, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("output missing: %w", err)
	}
	if stat.Size() == 0 {
		return 0, fmt.Errorf("output %s is empty", path)
	}
	return stat.Size(), nil
}
