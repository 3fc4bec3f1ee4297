package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/cache"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/catalog"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/ingest"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/media"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/storage"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/uploader"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

// The concrete collaborators must keep satisfying the pipeline interfaces.
var (
	_ Engine        = (*media.Engine)(nil)
	_ Publisher     = (*uploader.Publisher)(nil)
	_ Downloader    = (*ingest.Downloader)(nil)
	_ ObjectCleaner = (*storage.Storage)(nil)
	_ JobCache      = (*cache.Cache)(nil)
)

// memStore is an in-memory catalog.Store.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	playlists map[string]*models.MasterPlaylistRecord
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[string]*models.Job),
		playlists: make(map[string]*models.MasterPlaylistRecord),
	}
}

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memStore) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return catalog.ErrNotFound
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memStore) ListJobs(_ context.Context, _, _ int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out, nil
}

func (s *memStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	all, _ := s.ListJobs(ctx, 0, 0)
	var out []*models.Job
	for _, job := range all {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *memStore) ListJobsBySlug(ctx context.Context, slug string) ([]*models.Job, error) {
	all, _ := s.ListJobs(ctx, 0, 0)
	var out []*models.Job
	for _, job := range all {
		if job.Slug == slug {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *memStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *memStore) DeleteAllJobs(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*models.Job)
	return nil
}

func (s *memStore) CommitPublish(_ context.Context, record *models.MasterPlaylistRecord, _ []models.VariantSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playlists[record.JobID] = record
	return nil
}

func (s *memStore) GetPlaylistByJob(_ context.Context, jobID string) (*models.MasterPlaylistRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.playlists[jobID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) ListSegments(context.Context, string) ([]models.VariantSegment, error) {
	return nil, nil
}

func (s *memStore) DeletePlaylistByJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.playlists, jobID)
	return nil
}

// fakeEngine simulates an encode, optionally honoring cancellation.
type fakeEngine struct {
	err       error
	cancelled bool
	progress  []int
}

func (f *fakeEngine) Generate(_ context.Context, _, targetDir, _ string, _ models.ResourceType, token *media.CancelToken, onProgress media.ProgressFunc) (*media.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, pct := range f.progress {
		if onProgress != nil {
			onProgress(media.ProgressUpdate{VariantIndex: 1, TotalVariants: 1, VariantName: "720p", VariantPercent: pct, OverallPercent: pct})
		}
	}
	if f.cancelled || token.Cancelled() {
		return &media.Result{OutputDir: targetDir, Cancelled: true}, nil
	}
	return &media.Result{
		OutputDir:             targetDir,
		Acceleration:          media.AccelSoftware,
		SourceDurationSeconds: 10,
		Variants:              []media.VariantOutput{{}},
	}, nil
}

type fakePublisher struct {
	err    error
	record *models.MasterPlaylistRecord
}

func (f *fakePublisher) Publish(_ context.Context, job *models.Job, _ string, duration float64, onProgress uploader.ProgressFunc) (*models.MasterPlaylistRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if onProgress != nil {
		onProgress(uploader.Progress{Variant: "720p", Uploaded: 4, Total: 4, Percent: 100})
	}
	rec := &models.MasterPlaylistRecord{
		ID:              "rec-1",
		JobID:           job.ID,
		MasterURL:       "https://cdn.test/" + job.ID + "/master.m3u8",
		DurationSeconds: duration,
	}
	f.record = rec
	return rec, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	terminals []models.TerminalKind
	progress  int
}

func (f *fakeNotifier) PushProgress(models.ProgressSnapshot) {
	f.mu.Lock()
	f.progress++
	f.mu.Unlock()
}

func (f *fakeNotifier) PushTerminal(_ string, kind models.TerminalKind, _ models.ProgressSnapshot) {
	f.mu.Lock()
	f.terminals = append(f.terminals, kind)
	f.mu.Unlock()
}

func (f *fakeNotifier) Close() error { return nil }

type fakeIssuer struct{}

func (fakeIssuer) URL(jobID, _ string) (string, error) {
	return "https://play.test/" + jobID, nil
}

func testOrchestrator(t *testing.T, engine Engine, publisher Publisher) (*Orchestrator, *memStore, *fakeNotifier) {
	t.Helper()
	store := newMemStore()
	notifier := &fakeNotifier{}
	o := New(Options{
		Config:     config.PipelineConfig{MaxConcurrent: 2, ProgressPersist: time.Nanosecond},
		ScratchDir: t.TempDir(),
		Store:      store,
		Engine:     engine,
		Publisher:  publisher,
		Issuer:     fakeIssuer{},
		Notifier:   notifier,
		Log:        logging.NewNop(),
	})
	return o, store, notifier
}

func createTestJob(t *testing.T, o *Orchestrator) *models.Job {
	t.Helper()
	job, err := o.CreateJob(context.Background(), "Test Movie", models.ResourceVideo, models.FileMeta{OriginalFilename: "in.mp4"})
	require.NoError(t, err)
	return job
}

func TestRunCompletesJob(t *testing.T) {
	o, store, notifier := testOrchestrator(t, &fakeEngine{progress: []int{25, 100}}, &fakePublisher{})
	job := createTestJob(t, o)

	require.NoError(t, o.Run(context.Background(), job.ID, "/tmp/in.mp4", ""))

	got, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, "https://cdn.test/"+job.ID+"/master.m3u8", got.MasterPlaylistURL)
	assert.Equal(t, "https://play.test/"+job.ID, got.SecurePlaybackURL)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, media.AccelSoftware, got.Acceleration)
	assert.Equal(t, 4, got.CompletedSegments)

	// Exactly one terminal notification.
	assert.Equal(t, []models.TerminalKind{models.TerminalCompleted}, notifier.terminals)
}

func TestRunEncodeFailureMarksFailed(t *testing.T) {
	o, store, notifier := testOrchestrator(t, &fakeEngine{err: errors.New("all rungs failed")}, &fakePublisher{})
	job := createTestJob(t, o)

	err := o.Run(context.Background(), job.ID, "/tmp/in.mp4", "")
	require.Error(t, err)

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "encoding failed", got.ErrorMessage)
	assert.Contains(t, got.ErrorDetails, "all rungs failed")
	assert.NotNil(t, got.FailedAt)
	assert.Equal(t, []models.TerminalKind{models.TerminalFailed}, notifier.terminals)
}

func TestRunPublishFailureMarksFailed(t *testing.T) {
	o, store, notifier := testOrchestrator(t, &fakeEngine{}, &fakePublisher{err: errors.New("storage down")})
	job := createTestJob(t, o)

	err := o.Run(context.Background(), job.ID, "/tmp/in.mp4", "")
	require.Error(t, err)

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, []models.TerminalKind{models.TerminalFailed}, notifier.terminals)
}

func TestRunCancelledEncodeIsClean(t *testing.T) {
	o, store, notifier := testOrchestrator(t, &fakeEngine{cancelled: true}, &fakePublisher{})
	job := createTestJob(t, o)

	// A cancelled pipeline is not an error.
	require.NoError(t, o.Run(context.Background(), job.ID, "/tmp/in.mp4", ""))

	got, _ := store.GetJob(context.Background(), job.ID)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []models.TerminalKind{models.TerminalCancelled}, notifier.terminals)
}

func TestRunSkipsTerminalJob(t *testing.T) {
	o, store, notifier := testOrchestrator(t, &fakeEngine{}, &fakePublisher{})
	job := createTestJob(t, o)

	j, _ := store.GetJob(context.Background(), job.ID)
	j.Status = models.JobStatusCompleted
	require.NoError(t, store.UpdateJob(context.Background(), j))

	require.NoError(t, o.Run(context.Background(), job.ID, "/tmp/in.mp4", ""))
	assert.Empty(t, notifier.terminals, "terminal jobs must not re-run")
}

func TestCancelRejectsInactiveJob(t *testing.T) {
	o, _, _ := testOrchestrator(t, &fakeEngine{}, &fakePublisher{})
	job := createTestJob(t, o)

	err := o.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestDeleteRejectsActiveJobWithoutForce(t *testing.T) {
	o, store, _ := testOrchestrator(t, &fakeEngine{}, &fakePublisher{})
	job := createTestJob(t, o)

	j, _ := store.GetJob(context.Background(), job.ID)
	j.Status = models.JobStatusEncoding
	require.NoError(t, store.UpdateJob(context.Background(), j))

	err := o.Delete(context.Background(), job.ID, false)
	assert.ErrorIs(t, err, ErrJobActive)
}

func TestDeleteRemovesJobAndPlaylist(t *testing.T) {
	o, store, _ := testOrchestrator(t, &fakeEngine{}, &fakePublisher{})
	job := createTestJob(t, o)

	require.NoError(t, o.Run(context.Background(), job.ID, "/tmp/in.mp4", ""))
	require.NoError(t, o.Delete(context.Background(), job.ID, false))

	_, err := store.GetJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = store.GetPlaylistByJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDeleteAllAbortsOnActiveJob(t *testing.T) {
	o, store, _ := testOrchestrator(t, &fakeEngine{}, &fakePublisher{})
	job := createTestJob(t, o)
	createTestJob(t, o)

	j, _ := store.GetJob(context.Background(), job.ID)
	j.Status = models.JobStatusEncoding
	require.NoError(t, store.UpdateJob(context.Background(), j))

	deleted, err := o.DeleteAll(context.Background(), false)
	assert.ErrorIs(t, err, ErrJobActive)
	assert.Zero(t, deleted)
}

func TestDeleteAllRefusesNonTerminalJobs(t *testing.T) {
	o, store, _ := testOrchestrator(t, &fakeEngine{}, &fakePublisher{})
	job := createTestJob(t, o)

	// A freshly created job is PENDING, which is not terminal.
	deleted, err := o.DeleteAll(context.Background(), false)
	assert.ErrorIs(t, err, ErrJobActive)
	assert.Zero(t, deleted)

	deleted, err = o.DeleteAll(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = store.GetJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestCleanupCompletedSkipsActiveJobs(t *testing.T) {
	o, store, _ := testOrchestrator(t, &fakeEngine{}, &fakePublisher{})
	done := createTestJob(t, o)
	failed := createTestJob(t, o)
	active := createTestJob(t, o)

	for id, status := range map[string]models.JobStatus{
		done.ID:   models.JobStatusCompleted,
		failed.ID: models.JobStatusFailed,
		active.ID: models.JobStatusEncoding,
	} {
		j, _ := store.GetJob(context.Background(), id)
		j.Status = status
		require.NoError(t, store.UpdateJob(context.Background(), j))
	}

	deleted, err := o.CleanupCompleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = store.GetJob(context.Background(), done.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = store.GetJob(context.Background(), active.ID)
	assert.NoError(t, err)
}
