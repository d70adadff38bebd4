package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Prober inspects a media file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// Encoder runs encode and segment jobs.
type Encoder interface {
	Transcode(ctx context.Context, opts TranscodeOptions) error
	SegmentHLS(ctx context.Context, opts SegmentOptions) error
}

// FFmpeg wraps the ffmpeg and ffprobe binaries
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// ProbeResult holds the ffprobe JSON document
type ProbeResult struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

// FormatInfo holds format information
type FormatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// StreamInfo holds stream information
type StreamInfo struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	BitRate   string `json:"bit_rate"`
}

// FirstStream returns the first stream of the given type, or nil.
func (p *ProbeResult) FirstStream(codecType string) *StreamInfo {
	for i := range p.Streams {
		if p.Streams[i].CodecType == codecType {
			return &p.Streams[i]
		}
	}
	return nil
}

// Probe extracts format and stream metadata from a media file
func (f *FFmpeg) Probe(ctx context.Context, inputPath string) (*ProbeResult, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}

	var result ProbeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	return &result, nil
}

// TranscodeOptions describes one encode to an mp4 file
type TranscodeOptions struct {
	InputPath       string
	OutputPath      string
	Height          int   // 0 keeps the source size
	VideoBitrate    int64 // bits per second, 0 means constant quality
	AudioBitrate    int64
	NoAudio         bool
	KeyframeSeconds int
	Preset          string
	CRF             int
	DurationSeconds int
	Progress        ProgressCallback
}

// SegmentOptions describes splitting an mp4 into an HLS variant
type SegmentOptions struct {
	InputPath      string
	OutputDir      string
	SegmentSeconds int
}

// ProgressCallback is called with progress updates in percent
type ProgressCallback func(progress float64)

// Segment and playlist file names inside a variant directory.
const (
	VariantPlaylistName = "index.m3u8"
	SegmentPattern      = "seg_%03d.ts"
	partialSuffix       = ".part"
)

func buildTranscodeArgs(opts TranscodeOptions, output string) []string {
	preset := opts.Preset
	if preset == "" {
		preset = "medium"
	}

	args := []string{
		"-hide_banner", "-nostats",
		"-y",
		"-i", opts.InputPath,
		"-map", "0:v:0",
	}
	if !opts.NoAudio {
		args = append(args, "-map", "0:a:0?")
	}

	args = append(args, "-c:v", "libx264", "-preset", preset, "-pix_fmt", "yuv420p")

	if opts.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", opts.Height))
	}

	if opts.VideoBitrate > 0 {
		args = append(args,
			"-b:v", strconv.FormatInt(opts.VideoBitrate, 10),
			"-maxrate", strconv.FormatInt(opts.VideoBitrate, 10),
			"-bufsize", strconv.FormatInt(opts.VideoBitrate*2, 10),
		)
	} else {
		crf := opts.CRF
		if crf <= 0 {
			crf = 23
		}
		args = append(args, "-crf", strconv.Itoa(crf))
	}

	// Align keyframes with segment boundaries so stream copy can split cleanly.
	if opts.KeyframeSeconds > 0 {
		args = append(args,
			"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", opts.KeyframeSeconds),
			"-sc_threshold", "0",
		)
	}

	if opts.NoAudio {
		args = append(args, "-an")
	} else {
		audioBitrate := opts.AudioBitrate
		if audioBitrate <= 0 {
			audioBitrate = 128000
		}
		args = append(args, "-c:a", "aac", "-b:a", strconv.FormatInt(audioBitrate, 10), "-ac", "2")
	}

	args = append(args,
		"-movflags", "+faststart",
		"-f", "mp4",
		"-progress", "pipe:1",
		output,
	)

	return args
}

func buildSegmentArgs(opts SegmentOptions) []string {
	segment := opts.SegmentSeconds
	if segment <= 0 {
		segment = 10
	}

	return []string{
		"-hide_banner", "-nostats",
		"-y",
		"-i", opts.InputPath,
		"-map", "0",
		"-c", "copy",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segment),
		"-hls_list_size", "0",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(opts.OutputDir, SegmentPattern),
		filepath.Join(opts.OutputDir, VariantPlaylistName),
	}
}

// Transcode encodes to a temporary file and renames it into place, so the
// output path only ever holds a complete file.
func (f *FFmpeg) Transcode(ctx context.Context, opts TranscodeOptions) error {
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	partial := opts.OutputPath + partialSuffix
	args := buildTranscodeArgs(opts, partial)

	if err := f.run(ctx, args, opts.DurationSeconds, opts.Progress); err != nil {
		os.Remove(partial)
		return err
	}

	if err := os.Rename(partial, opts.OutputPath); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to finalize output: %w", err)
	}

	if opts.Progress != nil {
		opts.Progress(100)
	}

	return nil
}

// SegmentHLS splits an already encoded mp4 into MPEG-TS segments without
// re-encoding.
func (f *FFmpeg) SegmentHLS(ctx context.Context, opts SegmentOptions) error {
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create segment directory: %w", err)
	}
	return f.run(ctx, buildSegmentArgs(opts), 0, nil)
}

var progressRegex = regexp.MustCompile(`out_time_ms=(\d+)`)

func (f *FFmpeg) run(ctx context.Context, args []string, durationSeconds int, progressCB ProgressCallback) error {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			matches := progressRegex.FindStringSubmatch(scanner.Text())
			if len(matches) < 2 || progressCB == nil || durationSeconds <= 0 {
				continue
			}
			// out_time_ms is reported in microseconds
			if us, err := strconv.ParseFloat(matches[1], 64); err == nil {
				progress := (us / 1000000.0) / float64(durationSeconds) * 100
				if progress > 100 {
					progress = 100
				}
				progressCB(progress)
			}
		}
	}()

	tail := newTailBuffer(20)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			tail.Add(scanner.Text())
		}
	}()

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg timed out: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("ffmpeg exited with code %d: %s", exitErr.ExitCode(), tail.String())
		}
		return fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, tail.String())
	}

	return nil
}

// tailBuffer keeps the last n lines of tool output for diagnostics.
type tailBuffer struct {
	lines []string
	max   int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (t *tailBuffer) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
