// Package orchestrator drives jobs through the pipeline state machine:
// ingest, encode, publish, and terminal bookkeeping. It owns every job
// status transition; no other component writes job state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/catalog"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/media"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/metrics"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/notify"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/tracing"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/uploader"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

var (
	// ErrNotCancellable is returned when a cancel request hits a job that is
	// not in an active pipeline state.
	ErrNotCancellable = errors.New("job is not in a cancellable state")

	// ErrJobActive is returned when deletion targets a still-running job
	// without force.
	ErrJobActive = errors.New("job is still active")
)

// Engine produces the encoded variant tree for one job.
type Engine interface {
	Generate(ctx context.Context, source, targetDir, jobID string, resourceType models.ResourceType, token *media.CancelToken, onProgress media.ProgressFunc) (*media.Result, error)
}

// Publisher moves one encode's output into object storage transactionally.
type Publisher interface {
	Publish(ctx context.Context, job *models.Job, outputDir string, durationSeconds float64, onProgress uploader.ProgressFunc) (*models.MasterPlaylistRecord, error)
}

// Downloader fetches remote sources.
type Downloader interface {
	Download(ctx context.Context, url, destPath string, onProgress func(downloaded, total int64)) error
}

// PlaybackIssuer builds tokenized playback URLs for completed jobs.
type PlaybackIssuer interface {
	URL(jobID, slug string) (string, error)
}

// ObjectCleaner removes a job's published objects.
type ObjectCleaner interface {
	DeletePrefix(ctx context.Context, prefix string) error
}

// JobCache mirrors hot job state, best effort.
type JobCache interface {
	SetJob(ctx context.Context, job *models.Job, ttl time.Duration) error
	SetSnapshot(ctx context.Context, snap *models.ProgressSnapshot, ttl time.Duration) error
	DeleteJob(ctx context.Context, jobID string) error
}

// pipelineHandle is the live cancellation surface of one running job.
type pipelineHandle struct {
	token  *media.CancelToken
	cancel context.CancelFunc
}

// Orchestrator owns job lifecycle. One instance runs per worker process; the
// API process uses a second instance with a nil engine purely for job CRUD
// and cancel forwarding.
type Orchestrator struct {
	cfg     config.PipelineConfig
	scratch string

	store      catalog.Store
	engine     Engine
	publisher  Publisher
	downloader Downloader
	issuer     PlaybackIssuer
	objects    ObjectCleaner
	cache      JobCache
	notifier   notify.Notifier
	log        *logging.Logger

	sem chan struct{}

	// jobLocks serializes read-modify-write cycles per job id. Entries are
	// kept for the process lifetime; the set is bounded by jobs seen.
	lockMu   sync.Mutex
	jobLocks map[string]*sync.Mutex

	handleMu sync.Mutex
	handles  map[string]*pipelineHandle
}

// Options collects the orchestrator's collaborators.
type Options struct {
	Config     config.PipelineConfig
	ScratchDir string
	Store      catalog.Store
	Engine     Engine
	Publisher  Publisher
	Downloader Downloader
	Issuer     PlaybackIssuer
	Objects    ObjectCleaner
	Cache      JobCache
	Notifier   notify.Notifier
	Log        *logging.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Config.MaxConcurrent <= 0 {
		opts.Config.MaxConcurrent = 2
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}

	return &Orchestrator{
		cfg:        opts.Config,
		scratch:    opts.ScratchDir,
		store:      opts.Store,
		engine:     opts.Engine,
		publisher:  opts.Publisher,
		downloader: opts.Downloader,
		issuer:     opts.Issuer,
		objects:    opts.Objects,
		cache:      opts.Cache,
		notifier:   opts.Notifier,
		log:        opts.Log,
		sem:        make(chan struct{}, opts.Config.MaxConcurrent),
		jobLocks:   make(map[string]*sync.Mutex),
		handles:    make(map[string]*pipelineHandle),
	}
}

// CreateJob registers a new PENDING job.
func (o *Orchestrator) CreateJob(ctx context.Context, title string, resourceType models.ResourceType, meta models.FileMeta) (*models.Job, error) {
	job := models.NewJob(title, resourceType, meta)
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	metrics.JobsCreatedTotal.WithLabelValues(string(resourceType)).Inc()
	o.cacheJob(ctx, job)
	o.log.LogJobEvent(job.ID, "created", string(job.Status), map[string]interface{}{"title": title})

	return job, nil
}

// GetJob loads a job.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// ListJobs loads jobs newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	return o.store.ListJobs(ctx, limit, offset)
}

// Run executes the full pipeline for one job: optional remote ingest, encode,
// publish, terminal bookkeeping. It blocks until the job reaches a terminal
// state; the returned error reports a failed pipeline, not a cancelled one.
func (o *Orchestrator) Run(ctx context.Context, jobID, sourcePath, sourceURL string) error {
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	metrics.PipelinesActive.Inc()
	defer metrics.PipelinesActive.Dec()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	log := o.log.WithJobID(job.ID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := media.NewCancelToken()
	o.registerHandle(job.ID, &pipelineHandle{token: token, cancel: cancel})
	defer o.unregisterHandle(job.ID)

	jobDir := filepath.Join(o.scratch, job.ID)
	defer o.cleanupScratch(job.ID)

	if sourceURL != "" && sourcePath == "" {
		sourcePath, err = o.ingest(runCtx, job, sourceURL, jobDir)
		if err != nil {
			return o.finalizeFailure(ctx, job.ID, token, "source download failed", err)
		}
	}

	started := time.Now()
	if err := o.updateJob(ctx, job.ID, func(j *models.Job) error {
		if !j.Status.CanTransition(models.JobStatusUploading) {
			return fmt.Errorf("job %s cannot start pipeline from %s", j.ID, j.Status)
		}
		now := started.UTC()
		j.Status = models.JobStatusUploading
		j.StartedAt = &now
		j.TotalVariants = len(models.LadderFor(j.ResourceType))
		return nil
	}); err != nil {
		return err
	}

	// Encode.
	if err := o.setStatus(ctx, job.ID, models.JobStatusEncoding); err != nil {
		return err
	}
	encodeStarted := time.Now()
	span, spanCtx := tracing.StartJobSpan(runCtx, "pipeline.encode", job.ID)
	result, err := o.engine.Generate(spanCtx, sourcePath, filepath.Join(jobDir, "out"), job.ID, job.ResourceType, token, o.encodeProgressFunc(ctx, job.ID))
	tracing.FinishSpan(span, err)
	if err != nil {
		return o.finalizeFailure(ctx, job.ID, token, "encoding failed", err)
	}
	if result.Cancelled {
		o.finalizeCancelled(ctx, job.ID)
		return nil
	}

	encodeSeconds := time.Since(encodeStarted).Seconds()
	if err := o.updateJob(ctx, job.ID, func(j *models.Job) error {
		j.EncodingDurationSeconds = encodeSeconds
		j.Acceleration = result.Acceleration
		j.ProgressPercentage = 100
		j.VariantProgressPercentage = 100
		return nil
	}); err != nil {
		return err
	}

	// Let the encoder fully release its output files before publish walks
	// the tree.
	if o.cfg.DrainDelay > 0 {
		select {
		case <-time.After(o.cfg.DrainDelay):
		case <-runCtx.Done():
		}
	}

	if token.Cancelled() {
		o.finalizeCancelled(ctx, job.ID)
		return nil
	}

	// Publish.
	if err := o.setStatus(ctx, job.ID, models.JobStatusUploadingToCloud); err != nil {
		return err
	}
	uploadStarted := time.Now()
	job, err = o.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	span, spanCtx = tracing.StartJobSpan(runCtx, "pipeline.publish", job.ID)
	record, err := o.publisher.Publish(spanCtx, job, result.OutputDir, result.SourceDurationSeconds, o.uploadProgressFunc(ctx, job.ID))
	tracing.FinishSpan(span, err)
	if err != nil {
		if token.Cancelled() {
			o.finalizeCancelled(ctx, job.ID)
			return nil
		}
		return o.finalizeFailure(ctx, job.ID, token, "publish failed", err)
	}

	playbackURL := ""
	if o.issuer != nil {
		if u, err := o.issuer.URL(job.ID, job.Slug); err == nil {
			playbackURL = u
		} else {
			log.ErrorWithErr("failed to build playback URL", err)
		}
	}

	uploadSeconds := time.Since(uploadStarted).Seconds()
	err = o.updateJob(ctx, job.ID, func(j *models.Job) error {
		now := time.Now().UTC()
		j.Status = models.JobStatusCompleted
		j.CompletedAt = &now
		j.MasterPlaylistURL = record.MasterURL
		j.SecurePlaybackURL = playbackURL
		j.UploadDurationSeconds = uploadSeconds
		j.TotalDurationSeconds = time.Since(started).Seconds()
		j.ProgressPercentage = 100
		j.RemainingSeconds = 0
		return nil
	})
	if err != nil {
		return err
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(models.JobStatusCompleted)).Inc()
	o.pushTerminal(ctx, job.ID, models.TerminalCompleted)
	log.LogJobEvent(job.ID, "completed", string(models.JobStatusCompleted), map[string]interface{}{
		"master_url": record.MasterURL,
	})

	return nil
}

// Cancel cancels a locally running job. Jobs in a non-active state are
// rejected; a job owned by another worker is not visible here and must be
// cancelled through the control channel.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Active() {
		return ErrNotCancellable
	}

	o.handleMu.Lock()
	handle := o.handles[jobID]
	o.handleMu.Unlock()
	if handle == nil {
		return ErrNotCancellable
	}

	handle.token.Cancel()
	handle.cancel()
	o.log.WithJobID(jobID).Info("cancel requested")
	return nil
}

// CancelRemote asks whichever worker owns the job to cancel it. Used by the
// API process, which never runs pipelines itself.
func (o *Orchestrator) CancelRemote(ctx context.Context, jobID string, publish func(context.Context, string) error) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Active() {
		return ErrNotCancellable
	}
	return publish(ctx, jobID)
}

// Delete removes a job and everything it published. Active jobs are rejected
// unless force is set, in which case they are cancelled first.
func (o *Orchestrator) Delete(ctx context.Context, jobID string, force bool) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status.Active() {
		if !force {
			return ErrJobActive
		}
		if err := o.Cancel(ctx, jobID); err != nil && !errors.Is(err, ErrNotCancellable) {
			return err
		}
	}

	if o.objects != nil {
		if err := o.objects.DeletePrefix(ctx, job.StoragePrefix()); err != nil {
			o.log.WithJobID(jobID).ErrorWithErr("failed to delete published objects", err)
		}
		if err := o.objects.DeletePrefix(ctx, path.Join("uploads", jobID)); err != nil {
			o.log.WithJobID(jobID).ErrorWithErr("failed to delete staged source", err)
		}
	}
	if err := o.store.DeletePlaylistByJob(ctx, jobID); err != nil {
		return err
	}
	if err := o.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	if o.cache != nil {
		_ = o.cache.DeleteJob(ctx, jobID)
	}
	o.cleanupScratch(jobID)

	return nil
}

// DeleteAll removes every job. Without force, any non-terminal job aborts
// the sweep before anything is deleted.
func (o *Orchestrator) DeleteAll(ctx context.Context, force bool) (int, error) {
	jobs, err := o.store.ListJobs(ctx, 10000, 0)
	if err != nil {
		return 0, err
	}

	if !force {
		for _, job := range jobs {
			if !job.Status.Terminal() {
				return 0, ErrJobActive
			}
		}
	}

	deleted := 0
	for _, job := range jobs {
		if err := o.Delete(ctx, job.ID, force); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// CleanupCompleted removes every terminal job, its publish record, published
// objects and scratch artifacts. Active jobs are untouched.
func (o *Orchestrator) CleanupCompleted(ctx context.Context) (int, error) {
	jobs, err := o.store.ListJobs(ctx, 10000, 0)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, job := range jobs {
		if !job.Status.Terminal() {
			continue
		}
		if err := o.Delete(ctx, job.ID, false); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// CleanupScratch removes terminal jobs' scratch directories. When no job is
// active it sweeps the whole scratch root, catching directories orphaned by
// crashes.
func (o *Orchestrator) CleanupScratch(ctx context.Context) error {
	o.handleMu.Lock()
	active := len(o.handles)
	o.handleMu.Unlock()

	if active == 0 {
		entries, err := os.ReadDir(o.scratch)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(o.scratch, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	jobs, err := o.store.ListJobs(ctx, 10000, 0)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			o.cleanupScratch(job.ID)
		}
	}
	return nil
}

// ingest downloads a remote source into the job's scratch directory, moving
// the job through DOWNLOADING and back to PENDING.
func (o *Orchestrator) ingest(ctx context.Context, job *models.Job, sourceURL, jobDir string) (string, error) {
	if err := o.setStatus(ctx, job.ID, models.JobStatusDownloading); err != nil {
		return "", err
	}

	destPath := filepath.Join(jobDir, "source"+filepath.Ext(job.OriginalFilename))
	lastPersist := time.Now()
	err := o.downloader.Download(ctx, sourceURL, destPath, func(downloaded, total int64) {
		if time.Since(lastPersist) < o.persistInterval() {
			return
		}
		lastPersist = time.Now()
		_ = o.updateJob(ctx, job.ID, func(j *models.Job) error {
			j.Metadata["downloaded_bytes"] = fmt.Sprintf("%d", downloaded)
			if total > 0 {
				j.Metadata["total_bytes"] = fmt.Sprintf("%d", total)
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	if err := o.setStatus(ctx, job.ID, models.JobStatusPending); err != nil {
		return "", err
	}
	return destPath, nil
}

// encodeProgressFunc persists and pushes encoder progress, throttled. The
// first callback of each variant and every variant completion always go out.
func (o *Orchestrator) encodeProgressFunc(ctx context.Context, jobID string) media.ProgressFunc {
	var mu sync.Mutex
	lastPersist := time.Time{}
	lastVariant := 0

	return func(u media.ProgressUpdate) {
		mu.Lock()
		force := u.VariantIndex != lastVariant || u.VariantPercent == 100
		if !force && time.Since(lastPersist) < o.persistInterval() {
			mu.Unlock()
			return
		}
		lastVariant = u.VariantIndex
		lastPersist = time.Now()
		mu.Unlock()

		_ = o.updateJob(ctx, jobID, func(j *models.Job) error {
			j.CurrentVariant = u.VariantIndex
			j.TotalVariants = u.TotalVariants
			j.CurrentVariantName = u.VariantName
			j.VariantProgressPercentage = u.VariantPercent
			j.ProgressPercentage = u.OverallPercent
			j.ElapsedSeconds = elapsedSeconds(j)
			if u.OverallPercent > 0 {
				j.EstimatedTotalSeconds = j.ElapsedSeconds * 100 / float64(u.OverallPercent)
				j.RemainingSeconds = j.EstimatedTotalSeconds - j.ElapsedSeconds
			}
			return nil
		})
	}
}

// uploadProgressFunc persists segment counters during publish. The publisher
// already throttles callbacks, so every callback is persisted.
func (o *Orchestrator) uploadProgressFunc(ctx context.Context, jobID string) uploader.ProgressFunc {
	return func(p uploader.Progress) {
		_ = o.updateJob(ctx, jobID, func(j *models.Job) error {
			j.TotalSegments = p.Total
			j.CompletedSegments = p.Uploaded
			j.FailedSegments = p.Failed
			j.PendingSegments = p.Total - p.Uploaded - p.Failed
			j.CurrentVariantName = p.Variant
			return nil
		})
	}
}

// setStatus performs one legal state-machine transition.
func (o *Orchestrator) setStatus(ctx context.Context, jobID string, next models.JobStatus) error {
	return o.updateJob(ctx, jobID, func(j *models.Job) error {
		if !j.Status.CanTransition(next) {
			return fmt.Errorf("illegal transition %s -> %s for job %s", j.Status, next, j.ID)
		}
		j.Status = next
		return nil
	})
}

// updateJob runs a read-modify-write cycle on one job under its lock, then
// mirrors the result to the cache and pushes a progress snapshot.
func (o *Orchestrator) updateJob(ctx context.Context, jobID string, mutate func(*models.Job) error) error {
	lock := o.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := mutate(job); err != nil {
		return err
	}
	if err := o.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	snap := job.Snapshot()
	o.cacheJob(ctx, job)
	if o.cache != nil {
		_ = o.cache.SetSnapshot(ctx, &snap, time.Hour)
	}
	o.notifier.PushProgress(snap)
	return nil
}

// finalizeFailure moves a job to FAILED (or CANCELLED when the failure was
// induced by a cancel) and emits the terminal notification exactly once.
func (o *Orchestrator) finalizeFailure(ctx context.Context, jobID string, token *media.CancelToken, msg string, cause error) error {
	if token != nil && token.Cancelled() {
		o.finalizeCancelled(ctx, jobID)
		return nil
	}

	err := o.updateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		j.Status = models.JobStatusFailed
		j.FailedAt = &now
		j.ErrorMessage = msg
		j.ErrorDetails = cause.Error()
		j.TotalDurationSeconds = elapsedSeconds(j)
		return nil
	})
	if err != nil {
		o.log.WithJobID(jobID).ErrorWithErr("failed to persist failure", err)
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(models.JobStatusFailed)).Inc()
	o.pushTerminal(ctx, jobID, models.TerminalFailed)
	o.log.WithJobID(jobID).ErrorWithErr(msg, cause)
	return fmt.Errorf("%s: %w", msg, cause)
}

// finalizeCancelled moves a job to CANCELLED. Cancellation is a clean
// outcome: the pipeline returns no error for it.
func (o *Orchestrator) finalizeCancelled(ctx context.Context, jobID string) {
	err := o.updateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		j.Status = models.JobStatusCancelled
		j.FailedAt = &now
		j.TotalDurationSeconds = elapsedSeconds(j)
		return nil
	})
	if err != nil {
		o.log.WithJobID(jobID).ErrorWithErr("failed to persist cancellation", err)
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(models.JobStatusCancelled)).Inc()
	o.pushTerminal(ctx, jobID, models.TerminalCancelled)
	o.log.WithJobID(jobID).Info("job cancelled")
}

func (o *Orchestrator) pushTerminal(ctx context.Context, jobID string, kind models.TerminalKind) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	o.notifier.PushTerminal(jobID, kind, job.Snapshot())
}

func (o *Orchestrator) cacheJob(ctx context.Context, job *models.Job) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetJob(ctx, job, time.Hour); err != nil {
		o.log.WithJobID(job.ID).WithError(err).Debug("job cache write failed")
	}
}

func (o *Orchestrator) cleanupScratch(jobID string) {
	if o.scratch == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(o.scratch, jobID)); err != nil {
		o.log.WithJobID(jobID).ErrorWithErr("scratch cleanup failed", err)
	}
}

func (o *Orchestrator) jobLock(jobID string) *sync.Mutex {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()

	lock, ok := o.jobLocks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		o.jobLocks[jobID] = lock
	}
	return lock
}

func (o *Orchestrator) registerHandle(jobID string, h *pipelineHandle) {
	o.handleMu.Lock()
	o.handles[jobID] = h
	o.handleMu.Unlock()
}

func (o *Orchestrator) unregisterHandle(jobID string) {
	o.handleMu.Lock()
	delete(o.handles, jobID)
	o.handleMu.Unlock()
}

func (o *Orchestrator) persistInterval() time.Duration {
	if o.cfg.ProgressPersist <= 0 {
		return time.Second
	}
	return o.cfg.ProgressPersist
}

func elapsedSeconds(j *models.Job) float64 {
	if j.StartedAt == nil {
		return 0
	}
	return time.Since(*j.StartedAt).Seconds()
}
