package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/catalog"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/orchestrator"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/queue"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := api.db.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Create job endpoint. Accepts either a multipart source file or a remote
// source URL; the accepted job is dispatched to the workers.
func (api *API) createJob(c *gin.Context) {
	title := c.PostForm("title")
	sourceURL := c.PostForm("source_url")

	resourceType := models.ResourceVideo
	if c.PostForm("resource_type") == string(models.ResourceAudio) {
		resourceType = models.ResourceAudio
	}

	file, fileErr := c.FormFile("file")
	if fileErr != nil && sourceURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provide a source file or source_url"})
		return
	}

	meta := models.FileMeta{}
	if fileErr == nil {
		meta = models.FileMeta{
			OriginalFilename: file.Filename,
			Size:             file.Size,
			ContentType:      file.Header.Get("Content-Type"),
		}
		if title == "" {
			title = file.Filename
		}
	}
	if title == "" {
		title = path.Base(sourceURL)
	}

	job, err := api.orch.CreateJob(c.Request.Context(), title, resourceType, meta)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to create job: %v", err)})
		return
	}

	req := queue.EncodeRequest{JobID: job.ID, SourceURL: sourceURL}
	if fileErr == nil {
		// Stage the original in object storage; workers pull it from a
		// time-limited URL so no shared filesystem is needed.
		tempPath := fmt.Sprintf("%s/upload-%s", os.TempDir(), uuid.New().String())
		if err := c.SaveUploadedFile(file, tempPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save upload"})
			return
		}
		defer os.Remove(tempPath)

		sourceKey := fmt.Sprintf("uploads/%s/%s", job.ID, file.Filename)
		if err := api.storage.UploadFile(c.Request.Context(), sourceKey, tempPath); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to store source: %v", err)})
			return
		}

		req.SourceURL, err = api.storage.PresignedURL(c.Request.Context(), sourceKey, 24*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to sign source URL: %v", err)})
			return
		}
	}

	if err := api.queue.PublishEncodeRequest(c.Request.Context(), req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to dispatch job: %v", err)})
		return
	}

	c.JSON(http.StatusCreated, job)
}

// List jobs endpoint. Supports status and slug filters.
func (api *API) listJobs(c *gin.Context) {
	ctx := c.Request.Context()

	if status := c.Query("status"); status != "" {
		jobs, err := api.repo.ListJobsByStatus(ctx, models.JobStatus(status))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
		return
	}
	if slug := c.Query("slug"); slug != "" {
		jobs, err := api.repo.ListJobsBySlug(ctx, slug)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	jobs, err := api.orch.ListJobs(ctx, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// Get job endpoint. Serves from the cache when possible.
func (api *API) getJob(c *gin.Context) {
	jobID := c.Param("id")

	if cached, err := api.cache.GetJob(c.Request.Context(), jobID); err == nil && cached != nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	job, err := api.orch.GetJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	c.JSON(http.StatusOK, job)
}

// Get job progress endpoint
func (api *API) getJobProgress(c *gin.Context) {
	jobID := c.Param("id")

	if snap, err := api.cache.GetSnapshot(c.Request.Context(), jobID); err == nil && snap != nil {
		c.JSON(http.StatusOK, snap)
		return
	}

	job, err := api.orch.GetJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	c.JSON(http.StatusOK, job.Snapshot())
}

// Cancel job endpoint. The cancel request travels over the control channel
// to whichever worker owns the pipeline.
func (api *API) cancelJob(c *gin.Context) {
	jobID := c.Param("id")

	err := api.orch.CancelRemote(c.Request.Context(), jobID, api.notifier.PublishCancel)
	if errors.Is(err, orchestrator.ErrNotCancellable) {
		c.JSON(http.StatusConflict, gin.H{"error": "Job is not in a cancellable state"})
		return
	}
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to cancel job: %v", err)})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Cancellation requested", "job_id": jobID})
}

// Delete job endpoint
func (api *API) deleteJob(c *gin.Context) {
	jobID := c.Param("id")
	force := c.Query("force") == "true"

	err := api.orch.Delete(c.Request.Context(), jobID, force)
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if errors.Is(err, orchestrator.ErrJobActive) {
		c.JSON(http.StatusConflict, gin.H{"error": "Job is still active; use force=true"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to delete job: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job deleted", "job_id": jobID})
}

// Delete all jobs endpoint
func (api *API) deleteAllJobs(c *gin.Context) {
	force := c.Query("force") == "true"

	deleted, err := api.orch.DeleteAll(c.Request.Context(), force)
	if errors.Is(err, orchestrator.ErrJobActive) {
		c.JSON(http.StatusConflict, gin.H{"error": "Non-terminal jobs present; use force=true"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// Cleanup completed jobs endpoint: removes every terminal job.
func (api *API) cleanupCompletedJobs(c *gin.Context) {
	deleted, err := api.orch.CleanupCompleted(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "deleted": deleted})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

// Get publish record endpoint
func (api *API) getPlaylist(c *gin.Context) {
	jobID := c.Param("id")

	record, err := api.repo.GetPlaylistByJob(c.Request.Context(), jobID)
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No publish record for job"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, record)
}

// Tokenized playback endpoint: verifies the token and redirects to the
// published master manifest.
func (api *API) playbackRedirect(c *gin.Context) {
	jobID := c.Param("id")

	claims, err := api.issuer.Verify(c.Query("token"))
	if err != nil || claims.JobID != jobID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid playback token"})
		return
	}

	job, err := api.orch.GetJob(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if job.Status != models.JobStatusCompleted || job.MasterPlaylistURL == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "Stream is not available"})
		return
	}

	c.Redirect(http.StatusFound, job.MasterPlaylistURL)
}
