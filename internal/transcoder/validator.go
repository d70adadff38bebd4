package transcoder

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// SupportedContainers is the allow-list of source containers, by extension.
var SupportedContainers = []string{"mp4", "mov", "avi", "mkv", "wmv", "flv", "webm", "m4v"}

// SupportedVideoCodecs is the allow-list of source video codecs.
var SupportedVideoCodecs = []string{
	"h264", "hevc", "mpeg4", "mpeg2video", "vp8", "vp9", "av1",
	"wmv1", "wmv2", "wmv3", "vc1", "flv1", "mjpeg", "prores",
}

// Validator checks that a stored upload is a playable video.
type Validator struct {
	prober       Prober
	containers   map[string]bool
	codecs       map[string]bool
	probeTimeout time.Duration
}

// NewValidator creates a validator using the default allow-lists.
func NewValidator(prober Prober, probeTimeout time.Duration) *Validator {
	if probeTimeout <= 0 {
		probeTimeout = 30 * time.Second
	}
	return &Validator{
		prober:       prober,
		containers:   toSet(SupportedContainers),
		codecs:       toSet(SupportedVideoCodecs),
		probeTimeout: probeTimeout,
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Validate probes path and returns its media info. The returned duration is
// a positive whole number of seconds and the size is the on-disk size.
func (v *Validator) Validate(ctx context.Context, path string) (*models.MediaInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("validate %s: %w: is a directory", path, ErrUnsupportedFormat)
	}
	if stat.Size() == 0 {
		return nil, fmt.Errorf("validate %s: %w: file is empty", path, ErrCorruptMedia)
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if !v.containers[ext] {
		return nil, fmt.Errorf("validate %s: %w: container %q not allowed", path, ErrUnsupportedFormat, ext)
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()

	probe, err := v.prober.Probe(probeCtx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("validate %s: %w: %v", path, ErrCorruptMedia, err)
	}

	container := containerFromProbe(probe.Format.FormatName, ext)
	if container == "" || !v.containers[container] {
		return nil, fmt.Errorf("validate %s: %w: probed format %q not allowed", path, ErrUnsupportedFormat, probe.Format.FormatName)
	}

	video := probe.FirstStream("video")
	if video == nil {
		return nil, fmt.Errorf("validate %s: %w: no video stream", path, ErrUnsupportedFormat)
	}
	if !v.codecs[video.CodecName] {
		return nil, fmt.Errorf("validate %s: %w: video codec %q not allowed", path, ErrUnsupportedFormat, video.CodecName)
	}

	seconds, err := parseDuration(probe.Format.Duration)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w: %v", path, ErrCorruptMedia, err)
	}

	info := &models.MediaInfo{
		Container:       container,
		VideoCodec:      video.CodecName,
		Width:           video.Width,
		Height:          video.Height,
		DurationSeconds: seconds,
		SizeBytes:       stat.Size(),
	}
	if audio := probe.FirstStream("audio"); audio != nil {
		info.AudioCodec = audio.CodecName
	}

	return info, nil
}

// parseDuration rounds to whole seconds; anything above zero counts as at
// least one second.
func parseDuration(raw string) (int, error) {
	if raw == "" || raw == "N/A" {
		return 0, fmt.Errorf("duration unavailable")
	}
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q is not positive", raw)
	}
	seconds := int(math.Round(d))
	if seconds < 1 {
		seconds = 1
	}
	return seconds, nil
}

// containerFromProbe maps ffprobe's demuxer list onto a container name,
// preferring the file extension when it belongs to the same family.
func containerFromProbe(formatName, ext string) string {
	names := toSet(strings.Split(formatName, ","))
	switch {
	case names["mov"] || names["mp4"]:
		if ext == "mov" || ext == "m4v" || ext == "mp4" {
			return ext
		}
		return "mp4"
	case names["matroska"] || names["webm"]:
		if ext == "webm" {
			return "webm"
		}
		return "mkv"
	case names["avi"]:
		return "avi"
	case names["asf"]:
		return "wmv"
	case names["flv"]:
		return "flv"
	}
	return ""
}
