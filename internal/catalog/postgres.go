package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

// DB wraps the database connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool and verifies connectivity.
func NewDB(cfg config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		cfg.MaxConns, cfg.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks if the database is reachable.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Repository implements Store on PostgreSQL.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

const jobColumns = `
	id, slug, title, resource_type, status,
	original_filename, file_size, content_type,
	total_segments, completed_segments, failed_segments, uploading_segments, pending_segments,
	progress_percentage, current_variant, total_variants, current_variant_name, variant_progress_percentage,
	created_at, started_at, completed_at, failed_at,
	elapsed_seconds, remaining_seconds, estimated_total_seconds,
	encoding_duration_seconds, upload_duration_seconds, total_duration_seconds,
	acceleration, error_message, error_details,
	master_playlist_url, secure_playback_url, metadata`

// CreateJob inserts a new job record.
func (r *Repository) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		        $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.Slug, job.Title, job.ResourceType, job.Status,
		job.OriginalFilename, job.FileSize, job.ContentType,
		job.TotalSegments, job.CompletedSegments, job.FailedSegments, job.UploadingSegments, job.PendingSegments,
		job.ProgressPercentage, job.CurrentVariant, job.TotalVariants, job.CurrentVariantName, job.VariantProgressPercentage,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.FailedAt,
		job.ElapsedSeconds, job.RemainingSeconds, job.EstimatedTotalSeconds,
		job.EncodingDurationSeconds, job.UploadDurationSeconds, job.TotalDurationSeconds,
		job.Acceleration, job.ErrorMessage, job.ErrorDetails,
		job.MasterPlaylistURL, job.SecurePlaybackURL, job.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// UpdateJob persists the full job state.
func (r *Repository) UpdateJob(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET slug = $2, title = $3, resource_type = $4, status = $5,
		    original_filename = $6, file_size = $7, content_type = $8,
		    total_segments = $9, completed_segments = $10, failed_segments = $11,
		    uploading_segments = $12, pending_segments = $13,
		    progress_percentage = $14, current_variant = $15, total_variants = $16,
		    current_variant_name = $17, variant_progress_percentage = $18,
		    started_at = $19, completed_at = $20, failed_at = $21,
		    elapsed_seconds = $22, remaining_seconds = $23, estimated_total_seconds = $24,
		    encoding_duration_seconds = $25, upload_duration_seconds = $26, total_duration_seconds = $27,
		    acceleration = $28, error_message = $29, error_details = $30,
		    master_playlist_url = $31, secure_playback_url = $32, metadata = $33
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.Slug, job.Title, job.ResourceType, job.Status,
		job.OriginalFilename, job.FileSize, job.ContentType,
		job.TotalSegments, job.CompletedSegments, job.FailedSegments,
		job.UploadingSegments, job.PendingSegments,
		job.ProgressPercentage, job.CurrentVariant, job.TotalVariants,
		job.CurrentVariantName, job.VariantProgressPercentage,
		job.StartedAt, job.CompletedAt, job.FailedAt,
		job.ElapsedSeconds, job.RemainingSeconds, job.EstimatedTotalSeconds,
		job.EncodingDurationSeconds, job.UploadDurationSeconds, job.TotalDurationSeconds,
		job.Acceleration, job.ErrorMessage, job.ErrorDetails,
		job.MasterPlaylistURL, job.SecurePlaybackURL, job.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// ListJobs retrieves jobs ordered newest first, with pagination.
func (r *Repository) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobsByStatus retrieves every job in one status.
func (r *Repository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListJobsBySlug retrieves every job sharing one slug. Slugs group retries of
// the same title, so this can return many rows.
func (r *Repository) ListJobsBySlug(ctx context.Context, slug string) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE slug = $1 ORDER BY created_at DESC`

	rows, err := r.db.Pool.Query(ctx, query, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by slug: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// DeleteJob removes a job record.
func (r *Repository) DeleteJob(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteAllJobs removes every job record.
func (r *Repository) DeleteAllJobs(ctx context.Context) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("failed to delete jobs: %w", err)
	}
	return nil
}

// CommitPublish writes the master playlist record and its segment rows in a
// single transaction. No partial publish ever becomes visible.
func (r *Repository) CommitPublish(ctx context.Context, record *models.MasterPlaylistRecord, segments []models.VariantSegment) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin publish transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO master_playlists (id, job_id, title, slug, resource_type, master_key, master_url,
		                              variants, duration_seconds, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		record.ID, record.JobID, record.Title, record.Slug, record.ResourceType,
		record.MasterKey, record.MasterURL, record.Variants, record.DurationSeconds,
		record.Status, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert master playlist: %w", err)
	}

	batch := &pgx.Batch{}
	for _, seg := range segments {
		batch.Queue(`
			INSERT INTO variant_segments (id, playlist_id, variant, position, duration_seconds,
			                              storage_key, status, uploaded_at, error_message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			seg.ID, seg.PlaylistID, seg.Variant, seg.Position, seg.DurationSeconds,
			seg.StorageKey, seg.Status, seg.UploadedAt, seg.ErrorMessage,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert segments: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit publish: %w", err)
	}

	return nil
}

// GetPlaylistByJob retrieves the publish record for a job.
func (r *Repository) GetPlaylistByJob(ctx context.Context, jobID string) (*models.MasterPlaylistRecord, error) {
	var rec models.MasterPlaylistRecord

	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, job_id, title, slug, resource_type, master_key, master_url,
		       variants, duration_seconds, status, created_at, updated_at
		FROM master_playlists
		WHERE job_id = $1
	`, jobID).Scan(
		&rec.ID, &rec.JobID, &rec.Title, &rec.Slug, &rec.ResourceType,
		&rec.MasterKey, &rec.MasterURL, &rec.Variants, &rec.DurationSeconds,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get playlist: %w", err)
	}

	return &rec, nil
}

// ListSegments retrieves a playlist's segments in variant/position order.
func (r *Repository) ListSegments(ctx context.Context, playlistID string) ([]models.VariantSegment, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, playlist_id, variant, position, duration_seconds,
		       storage_key, status, uploaded_at, error_message
		FROM variant_segments
		WHERE playlist_id = $1
		ORDER BY variant, position
	`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segments []models.VariantSegment
	for rows.Next() {
		var seg models.VariantSegment
		err := rows.Scan(
			&seg.ID, &seg.PlaylistID, &seg.Variant, &seg.Position, &seg.DurationSeconds,
			&seg.StorageKey, &seg.Status, &seg.UploadedAt, &seg.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		segments = append(segments, seg)
	}

	return segments, rows.Err()
}

// DeletePlaylistByJob removes a job's publish record; segment rows cascade.
func (r *Repository) DeletePlaylistByJob(ctx context.Context, jobID string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM master_playlists WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to delete playlist: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID, &job.Slug, &job.Title, &job.ResourceType, &job.Status,
		&job.OriginalFilename, &job.FileSize, &job.ContentType,
		&job.TotalSegments, &job.CompletedSegments, &job.FailedSegments,
		&job.UploadingSegments, &job.PendingSegments,
		&job.ProgressPercentage, &job.CurrentVariant, &job.TotalVariants,
		&job.CurrentVariantName, &job.VariantProgressPercentage,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.FailedAt,
		&job.ElapsedSeconds, &job.RemainingSeconds, &job.EstimatedTotalSeconds,
		&job.EncodingDurationSeconds, &job.UploadDurationSeconds, &job.TotalDurationSeconds,
		&job.Acceleration, &job.ErrorMessage, &job.ErrorDetails,
		&job.MasterPlaylistURL, &job.SecurePlaybackURL, &job.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
