package storage

import (
	"path"
	"strings"
)

// PublicURLs turns storage-relative paths into URLs viewers can fetch.
// Published trees under media/ are served from MediaBaseURL, typically a
// CDN; everything else (originals, work trees) from FilesBaseURL.
type PublicURLs struct {
	MediaBaseURL string
	FilesBaseURL string
}

// URL implements tracker.URLBuilder.
func (u PublicURLs) URL(p string) string {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if rest, ok := strings.CutPrefix(clean, "media/"); ok {
		return joinURL(u.MediaBaseURL, rest)
	}
	return joinURL(u.FilesBaseURL, clean)
}

func joinURL(base, rest string) string {
	return strings.TrimRight(base, "/") + "/" + rest
}
