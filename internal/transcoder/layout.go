package transcoder

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Layout maps storage-relative paths onto a root directory. Every path
// persisted in the job store is relative to Root and uses forward slashes.
//
//	work/<jobID>/...     private tree of a running job
//	media/<assetID>/...  published tree of the newest completed job
type Layout struct {
	Root string
}

// NewLayout creates a Layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{Root: filepath.Clean(dir)}
}

// WorkRoot is the private output tree of a job.
func (l Layout) WorkRoot(jobID string) string {
	return path.Join("work", jobID)
}

// MediaRoot is the published output tree of an asset.
func (l Layout) MediaRoot(assetID string) string {
	return path.Join("media", assetID)
}

// TrashRoot is where a replaced published tree is parked during a publish.
func (l Layout) TrashRoot(assetID, jobID string) string {
	return path.Join("trash", assetID+"-"+jobID)
}

// CanonicalPath is the normalized input inside an output tree.
func (l Layout) CanonicalPath(root string) string {
	return path.Join(root, "canonical.mp4")
}

// RenditionPath is the mp4 of one tier inside an output tree.
func (l Layout) RenditionPath(root, tier string) string {
	return path.Join(root, "renditions", tier+".mp4")
}

// HLSDir holds the master playlist and one directory per variant.
func (l Layout) HLSDir(root string) string {
	return path.Join(root, "hls")
}

// MasterPath is the master playlist inside an output tree.
func (l Layout) MasterPath(root string) string {
	return path.Join(root, "hls", MasterPlaylistName)
}

// Abs resolves a storage-relative path to the filesystem.
func (l Layout) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

// Rel converts a filesystem path under Root into a storage-relative path.
func (l Layout) Rel(abs string) (string, error) {
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(l.Root, abs)
	}
	rel, err := filepath.Rel(l.Root, filepath.Clean(abs))
	if err != nil {
		return "", err
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside storage root %s", abs, l.Root)
	}
	return filepath.ToSlash(rel), nil
}

// Inside reports an error unless rel names something strictly below Root.
func (l Layout) Inside(rel string) error {
	_, err := l.Rel(l.Abs(rel))
	return err
}

// Rebase moves p from one output tree to another. Paths outside oldRoot are
// returned unchanged.
func Rebase(p, oldRoot, newRoot string) string {
	if p == oldRoot {
		return newRoot
	}
	if strings.HasPrefix(p, oldRoot+"/") {
		return newRoot + strings.TrimPrefix(p, oldRoot)
	}
	return p
}
