package models

import (
	"fmt"
	"sort"
	"time"
)

// QualityTier is a configured (resolution, bitrate) target for rendition
// generation. Bitrates are in bits per second.
type QualityTier struct {
	Name         string `json:"name" mapstructure:"name"`
	Width        int    `json:"width" mapstructure:"width"`
	Height       int    `json:"height" mapstructure:"height"`
	VideoBitrate int64  `json:"video_bitrate" mapstructure:"videoBitrate"`
	AudioBitrate int64  `json:"audio_bitrate" mapstructure:"audioBitrate"`
}

// Bandwidth is the peak bandwidth advertised for the tier.
func (q QualityTier) Bandwidth() int64 {
	return q.VideoBitrate + q.AudioBitrate
}

// Validate checks that a tier can drive an encode.
func (q QualityTier) Validate() error {
	if q.Name == "" {
		return fmt.Errorf("tier name is required")
	}
	if q.Height <= 0 || q.Height%2 != 0 {
		return fmt.Errorf("tier %s: height must be a positive even number", q.Name)
	}
	if q.VideoBitrate <= 0 || q.AudioBitrate <= 0 {
		return fmt.Errorf("tier %s: bitrates must be positive", q.Name)
	}
	return nil
}

// DefaultTiers is the standard ladder from mobile to full HD.
func DefaultTiers() []QualityTier {
	return []QualityTier{
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 4500000, AudioBitrate: 192000},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2500000, AudioBitrate: 128000},
		{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1200000, AudioBitrate: 128000},
		{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800000, AudioBitrate: 96000},
	}
}

// ValidateTiers checks every tier and rejects duplicate names or bandwidths,
// since the master playlist must be strictly ordered.
func ValidateTiers(tiers []QualityTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one quality tier is required")
	}
	names := make(map[string]bool, len(tiers))
	bandwidths := make(map[int64]string, len(tiers))
	for _, t := range tiers {
		if err := t.Validate(); err != nil {
			return err
		}
		if names[t.Name] {
			return fmt.Errorf("duplicate tier %s", t.Name)
		}
		names[t.Name] = true
		if other, ok := bandwidths[t.Bandwidth()]; ok {
			return fmt.Errorf("tiers %s and %s share bandwidth %d", other, t.Name, t.Bandwidth())
		}
		bandwidths[t.Bandwidth()] = t.Name
	}
	return nil
}

// Rendition is one resolution/bitrate output file of a job.
type Rendition struct {
	ID           string    `json:"id" db:"id"`
	JobID        string    `json:"job_id" db:"job_id"`
	AssetID      string    `json:"asset_id" db:"asset_id"`
	Quality      string    `json:"quality" db:"quality"`
	Width        int       `json:"width" db:"width"`
	Height       int       `json:"height" db:"height"`
	VideoBitrate int64     `json:"video_bitrate" db:"video_bitrate"`
	AudioBitrate int64     `json:"audio_bitrate" db:"audio_bitrate"`
	Path         string    `json:"path" db:"path"`
	SizeBytes    int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Bandwidth is the combined video and audio bitrate.
func (r *Rendition) Bandwidth() int64 {
	return r.VideoBitrate + r.AudioBitrate
}

// Resolution formats the pixel size as WxH.
func (r *Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// SortByBandwidth orders renditions highest bandwidth first.
func SortByBandwidth(renditions []*Rendition) {
	sort.SliceStable(renditions, func(i, j int) bool {
		return renditions[i].Bandwidth() > renditions[j].Bandwidth()
	})
}
