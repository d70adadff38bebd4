package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/ingest"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/logging"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/metrics"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/tracker"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/lecturevod/pkg/models"
)

// apiTrigger is recorded on jobs started through the HTTP API.
const apiTrigger = "api"

// API serves the control and playback endpoints.
type API struct {
	tracker  *tracker.Tracker
	store    tracker.Store
	resolver *tracker.Resolver
	importer *ingest.Importer
	monitor  *monitoring.Monitor
	layout   transcoder.Layout
	checks   map[string]metrics.HealthCheck
	logger   *logging.Logger
}

// NewAPI creates the handler set.
func NewAPI(trk *tracker.Tracker, resolver *tracker.Resolver, monitor *monitoring.Monitor, checks map[string]metrics.HealthCheck, logger *logging.Logger) *API {
	if logger == nil {
		logger = logging.Nop()
	}
	return &API{
		tracker:  trk,
		store:    trk.Store(),
		resolver: resolver,
		importer: ingest.NewImporter(trk.Layout(), trk, trk.Store()).WithTrigger(apiTrigger),
		monitor:  monitor,
		layout:   trk.Layout(),
		checks:   checks,
		logger:   logger,
	}
}

// respondError maps tracker errors onto status codes.
func (api *API) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, tracker.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		api.logger.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	for name, check := range api.checks {
		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"check":  name,
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// systemStatus reports the job backlog and worker liveness.
func (api *API) systemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"health":  api.monitor.Health(),
		"alerts":  api.monitor.Alerts(),
		"backlog": api.monitor.Snapshot(),
	})
}

type registerRequest struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path" binding:"required"`
	Checksum    string `json:"checksum"`
}

// registerAsset records an asset and starts its first job. A JSON body
// names a file already under the storage root; a multipart body carries
// the file itself in the "video" field. Registering an existing id
// replaces its record.
func (api *API) registerAsset(c *gin.Context) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		api.uploadAsset(c)
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := api.layout.Rel(req.StoragePath); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := os.Stat(api.layout.Abs(req.StoragePath))
	if err != nil || info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "storage_path does not name a stored file"})
		return
	}

	asset := &models.MediaAsset{
		ID:          req.ID,
		StoragePath: req.StoragePath,
		SizeBytes:   info.Size(),
		Checksum:    req.Checksum,
	}
	if err := api.tracker.Register(c.Request.Context(), asset); err != nil {
		api.respondError(c, err)
		return
	}

	job, err := api.tracker.Start(c.Request.Context(), asset.ID, apiTrigger)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"asset": asset, "job": job})
}

func (api *API) uploadAsset(c *gin.Context) {
	file, err := c.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No video file provided"})
		return
	}

	assetID := c.PostForm("id")
	if assetID == "" {
		assetID = ingest.AssetIDFor(file.Filename)
	}
	if err := models.ValidateID(assetID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Stage inside the storage root so the import is a rename.
	ext := strings.ToLower(filepath.Ext(file.Filename))
	tmp := api.layout.Abs(path.Join("uploads", ".incoming", uuid.New().String()+ext))
	if err := os.MkdirAll(filepath.Dir(tmp), 0o755); err != nil {
		api.respondError(c, err)
		return
	}
	if err := c.SaveUploadedFile(file, tmp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file"})
		return
	}
	defer os.Remove(tmp)

	res, err := api.importer.Import(c.Request.Context(), tmp, assetID)
	if err != nil {
		api.respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (api *API) listAssets(c *gin.Context) {
	assets, err := api.store.ListAssets(c.Request.Context())
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

func (api *API) getAsset(c *gin.Context) {
	assetID := c.Param("id")

	asset, err := api.store.GetAsset(c.Request.Context(), assetID)
	if err != nil {
		api.respondError(c, err)
		return
	}
	jobs, err := api.store.ListJobs(c.Request.Context(), assetID)
	if err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"asset": asset, "jobs": jobs})
}

// processAsset starts a new job for an asset. A job still running for it
// becomes superseded.
func (api *API) processAsset(c *gin.Context) {
	job, err := api.tracker.Start(c.Request.Context(), c.Param("id"), apiTrigger)
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (api *API) deleteAsset(c *gin.Context) {
	assetID := c.Param("id")

	if err := api.tracker.DeleteAsset(c.Request.Context(), assetID); err != nil {
		api.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Asset deleted successfully", "asset_id": assetID})
}

func (api *API) getJob(c *gin.Context) {
	status, err := api.tracker.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (api *API) jobPlayback(c *gin.Context) {
	d, err := api.resolver.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (api *API) assetPlayback(c *gin.Context) {
	d, err := api.resolver.ResolveAsset(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// newestJobOnly limits the work tree to the newest job of each asset.
// Superseded jobs are never offered by the resolver, so their partial
// outputs stay private until publish or discard removes them.
func (api *API) newestJobOnly(c *gin.Context) {
	jobID, _, _ := strings.Cut(strings.TrimPrefix(c.Param("filepath"), "/"), "/")
	if models.ValidateID(jobID) != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	ctx := c.Request.Context()
	job, err := api.tracker.Store().GetJob(ctx, jobID)
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	latest, err := api.tracker.Store().LatestJob(ctx, job.AssetID)
	if err != nil || latest.ID != job.ID {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Next()
}
