package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// StreamManifest is the packaged adaptive-bitrate descriptor of a job.
// Variants are ordered by descending bandwidth.
type StreamManifest struct {
	ID        string           `json:"id" db:"id"`
	JobID     string           `json:"job_id" db:"job_id"`
	AssetID   string           `json:"asset_id" db:"asset_id"`
	Path      string           `json:"path" db:"path"`
	Variants  ManifestVariants `json:"variants" db:"variants"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// ManifestVariant pairs a rendition with its variant playlist. URI is
// relative to the master playlist directory.
type ManifestVariant struct {
	RenditionID string `json:"rendition_id"`
	Quality     string `json:"quality"`
	Bandwidth   int64  `json:"bandwidth"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	URI         string `json:"uri"`
	Segments    int    `json:"segments"`
}

// Resolution formats the pixel size as WxH.
func (v ManifestVariant) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

// ManifestVariants is the ordered variant list of a manifest.
type ManifestVariants []ManifestVariant

// Value implements driver.Valuer for database storage
func (mv ManifestVariants) Value() (driver.Value, error) {
	if mv == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(mv)
}

// Scan implements sql.Scanner for database retrieval
func (mv *ManifestVariants) Scan(value interface{}) error {
	if value == nil {
		*mv = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported variants type %T", value)
	}

	return json.Unmarshal(raw, mv)
}

// Qualities lists the variant quality labels in manifest order.
func (m *StreamManifest) Qualities() []string {
	out := make([]string, 0, len(m.Variants))
	for _, v := range m.Variants {
		out = append(out, v.Quality)
	}
	return out
}
