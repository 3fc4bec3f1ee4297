package models

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResourceType identifies the kind of media a job transcodes.
type ResourceType string

const (
	ResourceVideo ResourceType = "VIDEO"
	ResourceAudio ResourceType = "AUDIO"
)

// JobStatus is the lifecycle state of an encoding job.
type JobStatus string

const (
	JobStatusPending          JobStatus = "PENDING"
	JobStatusDownloading      JobStatus = "DOWNLOADING"
	JobStatusUploading        JobStatus = "UPLOADING"
	JobStatusEncoding         JobStatus = "ENCODING"
	JobStatusUploadingToCloud JobStatus = "UPLOADING_TO_CLOUD_STORAGE"
	JobStatusCompleted        JobStatus = "COMPLETED"
	JobStatusFailed           JobStatus = "FAILED"
	JobStatusCancelled        JobStatus = "CANCELLED"
)

// Terminal reports whether a job in this status will never move again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Active reports whether the job is in one of the three in-flight states
// from which cancellation is legal.
func (s JobStatus) Active() bool {
	return s == JobStatusUploading || s == JobStatusEncoding || s == JobStatusUploadingToCloud
}

// CanTransition reports whether moving from s to next is a legal step of the
// job state machine. Jobs only advance forward or jump to a terminal state;
// they are never resurrected.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobStatusPending:
		return next == JobStatusDownloading || next == JobStatusUploading
	case JobStatusDownloading:
		// Remote-URL ingestion returns to PENDING once the source is fetched.
		return next == JobStatusPending || next == JobStatusFailed || next == JobStatusCancelled
	case JobStatusUploading:
		return next == JobStatusEncoding || next == JobStatusFailed || next == JobStatusCancelled
	case JobStatusEncoding:
		return next == JobStatusUploadingToCloud || next == JobStatusFailed || next == JobStatusCancelled
	case JobStatusUploadingToCloud:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	}
	return false
}

// FileMeta describes the original source file handed to createJob.
type FileMeta struct {
	OriginalFilename string `json:"original_filename"`
	Size             int64  `json:"size"`
	ContentType      string `json:"content_type"`
}

// Job is the unit of work and the single source of truth for client-visible
// pipeline state.
type Job struct {
	ID           string       `json:"id" db:"id"`
	Slug         string       `json:"slug" db:"slug"`
	Title        string       `json:"title" db:"title"`
	ResourceType ResourceType `json:"resource_type" db:"resource_type"`
	Status       JobStatus    `json:"status" db:"status"`

	OriginalFilename string `json:"original_filename" db:"original_filename"`
	FileSize         int64  `json:"file_size" db:"file_size"`
	ContentType      string `json:"content_type" db:"content_type"`

	TotalSegments      int `json:"total_segments" db:"total_segments"`
	CompletedSegments  int `json:"completed_segments" db:"completed_segments"`
	FailedSegments     int `json:"failed_segments" db:"failed_segments"`
	UploadingSegments  int `json:"uploading_segments" db:"uploading_segments"`
	PendingSegments    int `json:"pending_segments" db:"pending_segments"`
	ProgressPercentage int `json:"progress_percentage" db:"progress_percentage"`

	CurrentVariant            int    `json:"current_variant" db:"current_variant"`
	TotalVariants             int    `json:"total_variants" db:"total_variants"`
	CurrentVariantName        string `json:"current_variant_name" db:"current_variant_name"`
	VariantProgressPercentage int    `json:"variant_progress_percentage" db:"variant_progress_percentage"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty" db:"failed_at"`

	ElapsedSeconds          float64 `json:"elapsed_seconds" db:"elapsed_seconds"`
	RemainingSeconds        float64 `json:"remaining_seconds" db:"remaining_seconds"`
	EstimatedTotalSeconds   float64 `json:"estimated_total_seconds" db:"estimated_total_seconds"`
	EncodingDurationSeconds float64 `json:"encoding_duration_seconds" db:"encoding_duration_seconds"`
	UploadDurationSeconds   float64 `json:"upload_duration_seconds" db:"upload_duration_seconds"`
	TotalDurationSeconds    float64 `json:"total_duration_seconds" db:"total_duration_seconds"`

	Acceleration string `json:"acceleration,omitempty" db:"acceleration"`

	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`
	ErrorDetails string `json:"error_details,omitempty" db:"error_details"`

	MasterPlaylistURL string `json:"master_playlist_url,omitempty" db:"master_playlist_url"`
	SecurePlaybackURL string `json:"secure_playback_url,omitempty" db:"secure_playback_url"`

	// Metadata carries transient counters such as download byte progress.
	Metadata map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// NewJob builds a PENDING job with a fresh id and a slug derived from title.
func NewJob(title string, resourceType ResourceType, meta FileMeta) *Job {
	return &Job{
		ID:               uuid.New().String(),
		Slug:             Slugify(title),
		Title:            title,
		ResourceType:     resourceType,
		Status:           JobStatusPending,
		OriginalFilename: meta.OriginalFilename,
		FileSize:         meta.Size,
		ContentType:      meta.ContentType,
		CreatedAt:        time.Now().UTC(),
		Metadata:         make(map[string]string),
	}
}

// StoragePrefix is the object-storage key prefix all of this job's published
// artifacts live under: {resourceType}/{slug}/{jobId}.
func (j *Job) StoragePrefix() string {
	return path.Join(string(j.ResourceType), j.Slug, j.ID)
}

// Slugify derives the deterministic, URL-safe grouping key for a title:
// lowercase, runs of non-alphanumeric characters collapsed to a single
// hyphen, leading and trailing hyphens stripped. Slugs are not unique; every
// job created for the same title shares one.
func Slugify(title string) string {
	var b strings.Builder
	b.Grow(len(title))

	lastHyphen := false
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}

	return strings.Trim(b.String(), "-")
}
