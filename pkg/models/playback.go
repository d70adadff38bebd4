package models

// StreamType tells a player how to treat the URL it receives.
type StreamType string

const (
	StreamTypeAdaptive   StreamType = "adaptive"
	StreamTypeSingleFile StreamType = "single-file"
)

// PlaybackSource records which fallback tier produced a descriptor.
type PlaybackSource string

const (
	PlaybackSourceManifest  PlaybackSource = "manifest"
	PlaybackSourceRendition PlaybackSource = "rendition"
	PlaybackSourceCanonical PlaybackSource = "canonical"
)

// PlaybackDescriptor is what a viewer request gets back.
type PlaybackDescriptor struct {
	JobID      string         `json:"job_id"`
	AssetID    string         `json:"asset_id"`
	URL        string         `json:"url"`
	StreamType StreamType     `json:"stream_type"`
	Source     PlaybackSource `json:"source"`
	Qualities  []string       `json:"qualities"`
	Stage      Stage          `json:"stage"`
}
