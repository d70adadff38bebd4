package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// Config configures a Watcher.
type Config struct {
	Dir       string
	Layout    transcoder.Layout
	Registrar Registrar
	Assets    AssetGetter
	// SettleTime is how long a file must keep the same size before it is
	// considered fully written.
	SettleTime time.Duration
	Logger     *logging.Logger
}

type pendingFile struct {
	size    int64
	changed time.Time
}

// Watcher turns files dropped into a directory into assets and jobs. A file
// is named after its asset: lecture-07.mp4 becomes asset lecture-07, and
// dropping a new lecture-07.mov later re-uploads it.
type Watcher struct {
	dir        string
	importer   *Importer
	settleTime time.Duration
	logger     *logging.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingFile
}

// NewWatcher creates a Watcher. Call Run to start watching.
func NewWatcher(cfg Config) *Watcher {
	settle := cfg.SettleTime
	if settle <= 0 {
		settle = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Watcher{
		dir:        cfg.Dir,
		importer:   NewImporter(cfg.Layout, cfg.Registrar, cfg.Assets),
		settleTime: settle,
		logger:     logger,
		now:        time.Now,
		pending:    make(map[string]*pendingFile),
	}
}

// Run watches the directory until ctx is done. Files already present when
// it starts are picked up too.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.observe(filepath.Join(w.dir, e.Name()))
		}
	}

	ticker := time.NewTicker(w.settleTime / 2)
	defer ticker.Stop()

	w.logger.WithField("dir", w.dir).Info("Watching inbox")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.observe(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("Inbox watcher error")
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func ignored(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".part", ".tmp", ".crdownload":
		return true
	}
	return false
}

// observe records that a file changed.
func (w *Watcher) observe(p string) {
	if ignored(p) {
		return
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if f, ok := w.pending[p]; ok && f.size == info.Size() {
		return
	}
	w.pending[p] = &pendingFile{size: info.Size(), changed: w.now()}
}

// settled returns files whose size has not changed for the settle time.
func (w *Watcher) settled() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	var ready []string
	for p, f := range w.pending {
		info, err := os.Stat(p)
		if err != nil {
			delete(w.pending, p)
			continue
		}
		if info.Size() != f.size {
			f.size = info.Size()
			f.changed = now
			continue
		}
		if now.Sub(f.changed) >= w.settleTime {
			ready = append(ready, p)
			delete(w.pending, p)
		}
	}
	return ready
}

func (w *Watcher) flush(ctx context.Context) {
	for _, p := range w.settled() {
		res, err := w.Ingest(ctx, p)
		if err != nil {
			w.logger.WithError(err).WithField("file", p).Error("Failed to ingest file")
			continue
		}
		log := w.logger.WithAssetID(res.AssetID).WithField("checksum", res.Checksum)
		if res.Duplicate {
			log.Info("Dropped file matches current upload, skipped")
			continue
		}
		log.WithJobID(res.JobID).Info("Ingested dropped file")
	}
}

var unsafeID = regexp.MustCompile(`[^a-z0-9_-]+`)

// AssetIDFor derives the asset id from a dropped file name.
func AssetIDFor(name string) string {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	id := strings.Trim(unsafeID.ReplaceAllString(strings.ToLower(stem), "-"), "-")
	if len(id) > models.MaxIDLength {
		id = strings.TrimRight(id[:models.MaxIDLength], "-")
	}
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// Ingest imports one dropped file under the asset id its name maps to.
func (w *Watcher) Ingest(ctx context.Context, src string) (*Result, error) {
	return w.importer.Import(ctx, src, AssetIDFor(src))
}
