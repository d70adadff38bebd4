package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// MaxIDLength bounds asset ids.
const MaxIDLength = 128

// ErrInvalidID is returned for ids that cannot name a storage directory.
var ErrInvalidID = errors.New("invalid id")

var safeID = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// ValidateID checks that id is usable as a single path component: letters,
// digits, underscores and inner dashes only.
func ValidateID(id string) error {
	if len(id) > MaxIDLength || !safeID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// MediaAsset is one uploaded source video. The pipeline reads it and never
// rewrites the stored original.
type MediaAsset struct {
	ID              string    `json:"id" db:"id"`
	StoragePath     string    `json:"storage_path" db:"storage_path"`
	Container       string    `json:"container" db:"container"`
	Codec           string    `json:"codec" db:"codec"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
	SizeBytes       int64     `json:"size_bytes" db:"size_bytes"`
	Checksum        string    `json:"checksum,omitempty" db:"checksum"`
	PublishedJobID  string    `json:"published_job_id,omitempty" db:"published_job_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// MediaInfo is what the validator learned from probing a file.
type MediaInfo struct {
	Container       string `json:"container"`
	VideoCodec      string `json:"video_codec"`
	AudioCodec      string `json:"audio_codec,omitempty"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	DurationSeconds int    `json:"duration_seconds"`
	SizeBytes       int64  `json:"size_bytes"`
}

// HasAudio reports whether the probed file carries an audio stream.
func (m *MediaInfo) HasAudio() bool {
	return m.AudioCodec != ""
}
