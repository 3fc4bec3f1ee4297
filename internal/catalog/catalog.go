// Package catalog persists jobs and publish records. The job table is the
// single durable source of truth for pipeline state; playlist and segment
// rows exist only for fully committed publishes.
package catalog

import (
	"context"
	"errors"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// JobStore provides durable job state.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	ListJobsBySlug(ctx context.Context, slug string) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	DeleteAllJobs(ctx context.Context) error
}

// PlaylistStore provides publish records. CommitPublish is transactional:
// the master record and all segment rows become visible together or not at
// all.
type PlaylistStore interface {
	CommitPublish(ctx context.Context, record *models.MasterPlaylistRecord, segments []models.VariantSegment) error
	GetPlaylistByJob(ctx context.Context, jobID string) (*models.MasterPlaylistRecord, error)
	ListSegments(ctx context.Context, playlistID string) ([]models.VariantSegment, error)
	DeletePlaylistByJob(ctx context.Context, jobID string) error
}

// Store is the full persistence surface of the service.
type Store interface {
	JobStore
	PlaylistStore
}
