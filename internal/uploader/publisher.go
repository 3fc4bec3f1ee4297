package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/manifest"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/metrics"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

// ObjectStore is the object-storage surface the publisher needs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64) error
	UploadFile(ctx context.Context, key, filePath string) error
	BatchDelete(ctx context.Context, keys []string) error
	PublicURL(key string) string
}

// Catalog persists the publish outcome. CommitPublish must be atomic: either
// the master record and every segment row land together, or nothing does.
type Catalog interface {
	CommitPublish(ctx context.Context, record *models.MasterPlaylistRecord, segments []models.VariantSegment) error
}

// Progress is one upload progress callback.
type Progress struct {
	Variant         string
	VariantUploaded int
	VariantTotal    int
	Uploaded        int
	Total           int
	Failed          int
	Percent         int
}

// ProgressFunc receives throttled progress callbacks during Publish.
type ProgressFunc func(Progress)

// Publisher moves one encode's output tree into object storage as a single
// all-or-nothing transaction: every artifact uploads and the catalog commit
// succeeds, or everything this publish wrote is removed again.
type Publisher struct {
	cfg     config.UploaderConfig
	store   ObjectStore
	catalog Catalog
	log     *logging.Logger

	// sem bounds segment-upload concurrency across all jobs, not per job.
	sem chan struct{}
}

// NewPublisher creates a publisher with a worker pool shared by every job.
func NewPublisher(cfg config.UploaderConfig, store ObjectStore, catalog Catalog, log *logging.Logger) *Publisher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	return &Publisher{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		log:     log,
		sem:     make(chan struct{}, cfg.WorkerCount),
	}
}

// variantPlan is the per-rung upload work derived from the local tree.
type variantPlan struct {
	info        manifest.VariantInfo
	playlistKey string
	playlist    string
	segments    []string
	durations   []float64
}

// Publish uploads the encoded tree under outputDir to object storage keyed by
// the job id, rewrites both manifest levels to absolute URLs, and commits the
// catalog record. Any upload or commit failure rolls back every object this
// call wrote and returns an error; a returned record means the publish is
// fully durable.
func (p *Publisher) Publish(ctx context.Context, job *models.Job, outputDir string, durationSeconds float64, onProgress ProgressFunc) (*models.MasterPlaylistRecord, error) {
	started := time.Now()
	log := p.log.WithJobID(job.ID)

	masterData, err := os.ReadFile(filepath.Join(outputDir, "master.m3u8"))
	if err != nil {
		return nil, fmt.Errorf("master manifest unreadable: %w", err)
	}

	infos := manifest.ParseVariants(string(masterData), ladderLabels(job.ResourceType))
	if len(infos) == 0 {
		return nil, fmt.Errorf("master manifest lists no variants")
	}

	prefix := job.StoragePrefix()
	tx := newTransaction()
	fail := func(cause error) (*models.MasterPlaylistRecord, error) {
		p.rollback(ctx, job.ID, tx)
		return nil, cause
	}

	plans, err := p.buildPlans(outputDir, prefix, infos)
	if err != nil {
		return nil, err
	}

	// Encryption artifacts go up first so a playable tree never references a
	// missing key.
	if err := p.uploadSidecars(ctx, outputDir, prefix, tx); err != nil {
		return fail(err)
	}

	masterKey := path.Join(prefix, "master.m3u8")
	rewrittenMaster := manifest.Rewrite(string(masterData), func(line string) string {
		return p.store.PublicURL(path.Join(prefix, line))
	})
	if err := p.uploadText(ctx, masterKey, rewrittenMaster, tx); err != nil {
		return fail(fmt.Errorf("failed to upload master manifest: %w", err))
	}

	for _, plan := range plans {
		if err := p.uploadText(ctx, plan.playlistKey, plan.playlist, tx); err != nil {
			return fail(fmt.Errorf("failed to upload %s playlist: %w", plan.info.Label, err))
		}
	}

	recordID := uuid.New().String()
	tracker := newProgressTracker(p.cfg.ProgressInterval, plans, onProgress)

	segments, err := p.uploadSegments(ctx, recordID, prefix, plans, tx, tracker)
	if err != nil {
		log.ErrorWithErr("segment upload aborted, rolling back", err)
		return fail(err)
	}

	// Nothing commits while any segment is marked failed.
	if failed := failedSegments(segments); len(failed) > 0 {
		err := fmt.Errorf("%d of %d segments failed to upload: %s",
			len(failed), len(segments), failed[0].ErrorMessage)
		log.ErrorWithErr("segment upload failed, rolling back", err)
		return fail(err)
	}

	record := &models.MasterPlaylistRecord{
		ID:              recordID,
		JobID:           job.ID,
		Title:           job.Title,
		Slug:            job.Slug,
		ResourceType:    job.ResourceType,
		MasterKey:       masterKey,
		MasterURL:       p.store.PublicURL(masterKey),
		Variants:        summarize(plans, p.store),
		DurationSeconds: durationSeconds,
		Status:          "PUBLISHED",
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}

	if err := p.catalog.CommitPublish(ctx, record, segments); err != nil {
		log.ErrorWithErr("catalog commit failed, rolling back uploads", err)
		return fail(fmt.Errorf("failed to commit publish: %w", err))
	}

	metrics.PublishDurationSeconds.Observe(time.Since(started).Seconds())
	log.WithField("objects", len(tx.recorded())).Info("publish committed")
	return record, nil
}

// buildPlans reads each variant playlist and derives its upload plan. The
// playlist text is rewritten so segment references are absolute playable URLs.
func (p *Publisher) buildPlans(outputDir, prefix string, infos []manifest.VariantInfo) ([]variantPlan, error) {
	plans := make([]variantPlan, 0, len(infos))
	for _, info := range infos {
		variantDir := filepath.Join(outputDir, info.Label)
		data, err := os.ReadFile(filepath.Join(variantDir, "index.m3u8"))
		if err != nil {
			return nil, fmt.Errorf("variant %s playlist unreadable: %w", info.Label, err)
		}

		segments, err := filepath.Glob(filepath.Join(variantDir, "seg_*.ts"))
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("variant %s has no segments", info.Label)
		}
		sort.Strings(segments)

		rewritten := manifest.Rewrite(string(data), func(line string) string {
			return p.store.PublicURL(path.Join(prefix, info.Label, line))
		})

		plans = append(plans, variantPlan{
			info:        info,
			playlistKey: path.Join(prefix, info.Label, "index.m3u8"),
			playlist:    rewritten,
			segments:    segments,
			durations:   manifest.SegmentDurations(string(data)),
		})
	}
	return plans, nil
}

// uploadSegments uploads every variant's segments through the shared worker
// pool (or sequentially when parallel uploads are disabled) and returns the
// catalog rows. In parallel mode a segment that exhausts its retries is
// marked FAILED while its siblings keep uploading, so the eventual failure
// report covers the full tree; sequential mode aborts on the first failure.
func (p *Publisher) uploadSegments(ctx context.Context, recordID, prefix string, plans []variantPlan, tx *transaction, tracker *progressTracker) ([]models.VariantSegment, error) {
	var mu sync.Mutex
	var records []models.VariantSegment

	segmentKey := func(plan variantPlan, position int) string {
		return path.Join(prefix, plan.info.Label, filepath.Base(plan.segments[position]))
	}

	uploadOne := func(ctx context.Context, plan variantPlan, position int) error {
		key := segmentKey(plan, position)

		err := p.withRetry(ctx, func() error {
			return p.store.UploadFile(ctx, key, plan.segments[position])
		})
		if err != nil {
			metrics.SegmentUploadsTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("segment %s: %w", key, err)
		}
		metrics.SegmentUploadsTotal.WithLabelValues("ok").Inc()
		tx.record(key)

		var duration float64
		if position < len(plan.durations) {
			duration = plan.durations[position]
		}

		mu.Lock()
		records = append(records, models.VariantSegment{
			ID:              uuid.New().String(),
			PlaylistID:      recordID,
			Variant:         plan.info.Label,
			Position:        position,
			DurationSeconds: duration,
			StorageKey:      key,
			Status:          models.SegmentCompleted,
			UploadedAt:      time.Now().UTC(),
		})
		mu.Unlock()

		tracker.segmentDone(plan.info.Label)
		return nil
	}

	markFailed := func(plan variantPlan, position int, cause error) {
		mu.Lock()
		records = append(records, models.VariantSegment{
			ID:           uuid.New().String(),
			PlaylistID:   recordID,
			Variant:      plan.info.Label,
			Position:     position,
			StorageKey:   segmentKey(plan, position),
			Status:       models.SegmentFailed,
			ErrorMessage: cause.Error(),
		})
		mu.Unlock()

		tracker.segmentFailed(plan.info.Label)
	}

	if !p.cfg.Parallel {
		for _, plan := range plans {
			for i := range plan.segments {
				if err := uploadOne(ctx, plan, i); err != nil {
					return nil, err
				}
			}
		}
		return orderRecords(records), nil
	}

	var g errgroup.Group
	for _, plan := range plans {
		for i := range plan.segments {
			plan, i := plan, i
			g.Go(func() error {
				select {
				case p.sem <- struct{}{}:
					defer func() { <-p.sem }()
				case <-ctx.Done():
					return ctx.Err()
				}
				if err := uploadOne(ctx, plan, i); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					markFailed(plan, i, err)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return orderRecords(records), nil
}

// failedSegments filters the rows of segments that never made it up.
func failedSegments(records []models.VariantSegment) []models.VariantSegment {
	var failed []models.VariantSegment
	for _, rec := range records {
		if rec.Status == models.SegmentFailed {
			failed = append(failed, rec)
		}
	}
	return failed
}

// orderRecords restores deterministic variant/position ordering after the
// parallel pool finishes in arbitrary order.
func orderRecords(records []models.VariantSegment) []models.VariantSegment {
	sort.Slice(records, func(a, b int) bool {
		if records[a].Variant != records[b].Variant {
			return records[a].Variant < records[b].Variant
		}
		return records[a].Position < records[b].Position
	})
	return records
}

// uploadSidecars uploads the per-job encryption artifacts, when present.
func (p *Publisher) uploadSidecars(ctx context.Context, outputDir, prefix string, tx *transaction) error {
	for _, pattern := range []string{"key_*.key", "iv_*.txt", "keyinfo_*.txt"} {
		matches, err := filepath.Glob(filepath.Join(outputDir, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			key := path.Join(prefix, filepath.Base(match))
			err := p.withRetry(ctx, func() error {
				return p.store.UploadFile(ctx, key, match)
			})
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", filepath.Base(match), err)
			}
			tx.record(key)
		}
	}
	return nil
}

func (p *Publisher) uploadText(ctx context.Context, key, text string, tx *transaction) error {
	err := p.withRetry(ctx, func() error {
		return p.store.Upload(ctx, key, strings.NewReader(text), int64(len(text)))
	})
	if err != nil {
		return err
	}
	tx.record(key)
	return nil
}

// withRetry retries an upload with linearly increasing backoff.
func (p *Publisher) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		metrics.SegmentUploadRetriesTotal.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * p.cfg.RetryBackoff):
		}
	}
	return err
}

// rollback removes every object this publish recorded. It runs even when the
// caller's context is already cancelled so an aborted publish still cleans up.
func (p *Publisher) rollback(ctx context.Context, jobID string, tx *transaction) {
	metrics.RollbacksTotal.Inc()

	keys := tx.recorded()
	if len(keys) == 0 {
		return
	}
	if err := p.store.BatchDelete(context.WithoutCancel(ctx), keys); err != nil {
		p.log.WithJobID(jobID).ErrorWithErr("rollback left orphaned objects", err)
		return
	}
	p.log.WithJobID(jobID).WithField("objects", len(keys)).Info("publish rolled back")
}

func summarize(plans []variantPlan, store ObjectStore) []models.VariantSummary {
	summaries := make([]models.VariantSummary, 0, len(plans))
	for _, plan := range plans {
		summaries = append(summaries, models.VariantSummary{
			Label:        plan.info.Label,
			Bandwidth:    plan.info.Bandwidth,
			Resolution:   plan.info.Resolution,
			Codecs:       plan.info.Codecs,
			PlaylistKey:  plan.playlistKey,
			PlaylistURL:  store.PublicURL(plan.playlistKey),
			SegmentCount: len(plan.segments),
		})
	}
	return summaries
}

func ladderLabels(t models.ResourceType) []string {
	ladder := models.LadderFor(t)
	labels := make([]string, 0, len(ladder))
	for _, spec := range ladder {
		labels = append(labels, spec.Name)
	}
	return labels
}

// progressTracker throttles progress callbacks. A variant's first segment and
// its last always emit; in between, emissions are spaced by the interval.
type progressTracker struct {
	mu       sync.Mutex
	interval time.Duration
	lastEmit time.Time
	fn       ProgressFunc

	total        int
	done         int
	failed       int
	variantDone  map[string]int
	variantTotal map[string]int
}

func newProgressTracker(interval time.Duration, plans []variantPlan, fn ProgressFunc) *progressTracker {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	t := &progressTracker{
		interval:     interval,
		fn:           fn,
		variantDone:  make(map[string]int),
		variantTotal: make(map[string]int),
	}
	for _, plan := range plans {
		t.variantTotal[plan.info.Label] = len(plan.segments)
		t.total += len(plan.segments)
	}
	return t
}

func (t *progressTracker) segmentDone(variant string) {
	if t.fn == nil {
		return
	}

	t.mu.Lock()
	t.done++
	t.variantDone[variant]++
	vd := t.variantDone[variant]

	force := vd == 1 || vd == t.variantTotal[variant]
	now := time.Now()
	if !force && now.Sub(t.lastEmit) < t.interval {
		t.mu.Unlock()
		return
	}
	t.lastEmit = now

	update := Progress{
		Variant:         variant,
		VariantUploaded: vd,
		VariantTotal:    t.variantTotal[variant],
		Uploaded:        t.done,
		Total:           t.total,
		Failed:          t.failed,
	}
	if t.total > 0 {
		update.Percent = t.done * 100 / t.total
	}
	t.mu.Unlock()

	t.fn(update)
}

// segmentFailed records an exhausted segment. Failures always emit so the
// caller's counters never lag behind a doomed publish.
func (t *progressTracker) segmentFailed(variant string) {
	if t.fn == nil {
		return
	}

	t.mu.Lock()
	t.failed++
	update := Progress{
		Variant:         variant,
		VariantUploaded: t.variantDone[variant],
		VariantTotal:    t.variantTotal[variant],
		Uploaded:        t.done,
		Total:           t.total,
		Failed:          t.failed,
	}
	if t.total > 0 {
		update.Percent = t.done * 100 / t.total
	}
	t.mu.Unlock()

	t.fn(update)
}
