// Package transcodertest provides in-process stand-ins for ffmpeg and
// ffprobe that write real files so stage and pipeline code can be tested
// without the binaries.
package transcodertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
)

// ErrInvalidData mimics ffprobe rejecting a file that is not media.
var ErrInvalidData = errors.New("Invalid data found when processing input")

// Prober returns canned probe results keyed by file base name.
type Prober struct {
	mu      sync.Mutex
	results map[string]*transcoder.ProbeResult
	Calls   int
}

// NewProber creates an empty fake prober. Unknown files fail to probe.
func NewProber() *Prober {
	return &Prober{results: make(map[string]*transcoder.ProbeResult)}
}

// Set registers the probe result for a file name.
func (p *Prober) Set(name string, result *transcoder.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[name] = result
}

// Probe implements transcoder.Prober.
func (p *Prober) Probe(ctx context.Context, path string) (*transcoder.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, ok := p.results[filepath.Base(path)]
	if !ok {
		return nil, fmt.Errorf("ffprobe failed: exit status 1, stderr: %s: %w", path, ErrInvalidData)
	}
	return result, nil
}

// Video builds a probe result with one video and one audio stream.
func Video(formatName, codec, duration string, width, height int) *transcoder.ProbeResult {
	return &transcoder.ProbeResult{
		Format: transcoder.FormatInfo{FormatName: formatName, Duration: duration},
		Streams: []transcoder.StreamInfo{
			{CodecType: "video", CodecName: codec, Width: width, Height: height},
			{CodecType: "audio", CodecName: "aac"},
		},
	}
}

// MP4 is a canonical h264 mp4 probe result.
func MP4(duration string) *transcoder.ProbeResult {
	return Video("mov,mp4,m4a,3gp,3g2,mj2", "h264", duration, 1920, 1080)
}

// Encoder writes small placeholder files in place of real encodes.
type Encoder struct {
	mu sync.Mutex

	// FailHeights makes encodes at a target height fail. The value is the
	// number of failures left; a negative value fails forever.
	FailHeights map[int]int
	// FailSegments makes segmenting fail for these quality directories.
	FailSegments map[string]bool
	// Segments is how many segments each variant gets. Defaults to 3.
	Segments int
	// Delay holds each encode for this long, honouring cancellation.
	Delay time.Duration

	Transcodes   []transcoder.TranscodeOptions
	SegmentCalls []transcoder.SegmentOptions
	active       int
	MaxActive    int
}

// NewEncoder creates a fake encoder that succeeds on everything.
func NewEncoder() *Encoder {
	return &Encoder{
		FailHeights:  make(map[int]int),
		FailSegments: make(map[string]bool),
	}
}

// FailHeight makes every encode at height fail.
func (e *Encoder) FailHeight(height int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FailHeights[height] = -1
}

// FailHeightTimes makes the next n encodes at height fail.
func (e *Encoder) FailHeightTimes(height, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FailHeights[height] = n
}

// FailSegment makes segmenting of one quality fail.
func (e *Encoder) FailSegment(quality string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FailSegments[quality] = true
}

// TranscodeCount returns how many encodes ran.
func (e *Encoder) TranscodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Transcodes)
}

// SegmentCount returns how many segment runs happened.
func (e *Encoder) SegmentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.SegmentCalls)
}

// Transcode implements transcoder.Encoder.
func (e *Encoder) Transcode(ctx context.Context, opts transcoder.TranscodeOptions) error {
	e.mu.Lock()
	e.Transcodes = append(e.Transcodes, opts)
	e.active++
	if e.active > e.MaxActive {
		e.MaxActive = e.active
	}
	fail := false
	if left, ok := e.FailHeights[opts.Height]; ok && left != 0 {
		fail = true
		if left > 0 {
			e.FailHeights[opts.Height] = left - 1
		}
	}
	delay := e.Delay
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0755); err != nil {
		return err
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ffmpeg timed out: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	if fail {
		// Leave a partial file behind the way a crashed encode would.
		os.WriteFile(opts.OutputPath, []byte("partial"), 0644)
		return fmt.Errorf("ffmpeg exited with code 1: encoder error at %dp", opts.Height)
	}

	return os.WriteFile(opts.OutputPath, []byte(fmt.Sprintf("fake mp4 %dp from %s", opts.Height, opts.InputPath)), 0644)
}

// SegmentHLS implements transcoder.Encoder.
func (e *Encoder) SegmentHLS(ctx context.Context, opts transcoder.SegmentOptions) error {
	e.mu.Lock()
	e.SegmentCalls = append(e.SegmentCalls, opts)
	fail := e.FailSegments[filepath.Base(opts.OutputDir)]
	segments := e.Segments
	e.mu.Unlock()

	if segments <= 0 {
		segments = 3
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return err
	}
	if fail {
		os.WriteFile(filepath.Join(opts.OutputDir, "seg_000.ts"), []byte("partial"), 0644)
		return fmt.Errorf("ffmpeg exited with code 1: muxer error")
	}

	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	playlist.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n#EXT-X-PLAYLIST-TYPE:VOD\n", opts.SegmentSeconds))
	for i := 0; i < segments; i++ {
		name := fmt.Sprintf(transcoder.SegmentPattern, i)
		if err := os.WriteFile(filepath.Join(opts.OutputDir, name), []byte("ts"), 0644); err != nil {
			return err
		}
		playlist.WriteString(fmt.Sprintf("#EXTINF:%d.000000,\n%s\n", opts.SegmentSeconds, name))
	}
	playlist.WriteString("#EXT-X-ENDLIST\n")

	return os.WriteFile(filepath.Join(opts.OutputDir, transcoder.VariantPlaylistName), []byte(playlist.String()), 0644)
}
