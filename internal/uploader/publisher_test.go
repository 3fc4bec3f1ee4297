package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

// fakeStore is an in-memory object store. failures maps a key suffix to the
// number of times uploads of that key should fail before succeeding; a
// negative count fails forever.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures map[string]int
	uploads  int
	deletes  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:  make(map[string][]byte),
		failures: make(map[string]int),
	}
}

func (f *fakeStore) failFor(suffix string, times int) {
	f.mu.Lock()
	f.failures[suffix] = times
	f.mu.Unlock()
}

func (f *fakeStore) put(key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++

	for suffix, remaining := range f.failures {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		if remaining < 0 {
			return fmt.Errorf("injected permanent failure for %s", key)
		}
		if remaining > 0 {
			f.failures[suffix] = remaining - 1
			return fmt.Errorf("injected transient failure for %s", key)
		}
	}

	f.objects[key] = data
	return nil
}

func (f *fakeStore) Upload(_ context.Context, key string, reader io.Reader, _ int64) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	return f.put(key, data)
}

func (f *fakeStore) UploadFile(_ context.Context, key, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return f.put(key, data)
}

func (f *fakeStore) BatchDelete(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.objects, key)
		f.deletes++
	}
	return nil
}

func (f *fakeStore) PublicURL(key string) string {
	return "https://cdn.test/" + key
}

func (f *fakeStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

type fakeCatalog struct {
	mu       sync.Mutex
	commits  int
	record   *models.MasterPlaylistRecord
	segments []models.VariantSegment
	err      error
}

func (f *fakeCatalog) CommitPublish(_ context.Context, record *models.MasterPlaylistRecord, segments []models.VariantSegment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commits++
	f.record = record
	f.segments = segments
	return nil
}

const testMaster = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=896000,RESOLUTION=640x360,CODECS="avc1.4d401f,mp4a.40.2"
360p/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2928000,RESOLUTION=1280x720,CODECS="avc1.640028,mp4a.40.2"
720p/index.m3u8
`

const testVariantPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXTINF:6.000,
seg_0000.ts
#EXTINF:4.500,
seg_0001.ts
#EXT-X-ENDLIST
`

func writeEncodeTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "master.m3u8"), []byte(testMaster), 0644))
	for _, label := range []string{"360p", "720p"} {
		variantDir := filepath.Join(dir, label)
		require.NoError(t, os.MkdirAll(variantDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(variantDir, "index.m3u8"), []byte(testVariantPlaylist), 0644))
		for i := 0; i < 2; i++ {
			seg := filepath.Join(variantDir, fmt.Sprintf("seg_%04d.ts", i))
			require.NoError(t, os.WriteFile(seg, []byte("segment-data"), 0644))
		}
	}
	return dir
}

func testPublisher(store *fakeStore, catalog *fakeCatalog, parallel bool) *Publisher {
	return NewPublisher(config.UploaderConfig{
		Parallel:         parallel,
		WorkerCount:      4,
		MaxAttempts:      3,
		RetryBackoff:     time.Millisecond,
		ProgressInterval: time.Hour,
	}, store, catalog, logging.NewNop())
}

func TestPublishCommitsFullTree(t *testing.T) {
	dir := writeEncodeTree(t)
	store := newFakeStore()
	catalog := &fakeCatalog{}
	job := models.NewJob("Test Movie", models.ResourceVideo, models.FileMeta{})

	record, err := testPublisher(store, catalog, true).Publish(context.Background(), job, dir, 10.5, nil)
	require.NoError(t, err)
	require.NotNil(t, record)

	prefix := "VIDEO/test-movie/" + job.ID
	assert.Equal(t, job.ID, record.JobID)
	assert.Equal(t, "test-movie", record.Slug)
	assert.Equal(t, 10.5, record.DurationSeconds)
	assert.Equal(t, prefix+"/master.m3u8", record.MasterKey)
	assert.Equal(t, "https://cdn.test/"+prefix+"/master.m3u8", record.MasterURL)
	assert.Equal(t, 1, catalog.commits)

	// 1 master + 2 playlists + 4 segments, all under the resource/slug/job
	// prefix.
	assert.Len(t, store.keys(), 7)
	for _, key := range store.keys() {
		assert.True(t, strings.HasPrefix(key, prefix+"/"), "key %s outside prefix", key)
	}
	assert.Len(t, catalog.segments, 4)

	// Variants ascend by bandwidth in the record.
	require.Len(t, record.Variants, 2)
	assert.Equal(t, "360p", record.Variants[0].Label)
	assert.Equal(t, "720p", record.Variants[1].Label)
	assert.Equal(t, 2, record.Variants[0].SegmentCount)

	// Both manifest levels were rewritten to absolute URLs.
	master := string(store.objects[prefix+"/master.m3u8"])
	assert.Contains(t, master, "https://cdn.test/"+prefix+"/720p/index.m3u8")
	playlist := string(store.objects[prefix+"/720p/index.m3u8"])
	assert.Contains(t, playlist, "https://cdn.test/"+prefix+"/720p/seg_0000.ts")
	assert.NotContains(t, playlist, "\nseg_0000.ts")

	// Segment rows carry playlist ordering and durations.
	assert.Equal(t, 0, catalog.segments[0].Position)
	assert.Equal(t, 6.0, catalog.segments[0].DurationSeconds)
	assert.Equal(t, 4.5, catalog.segments[1].DurationSeconds)
	for _, seg := range catalog.segments {
		assert.Equal(t, record.ID, seg.PlaylistID)
		assert.Equal(t, models.SegmentCompleted, seg.Status)
	}
}

func TestPublishRollsBackOnSegmentFailure(t *testing.T) {
	dir := writeEncodeTree(t)
	store := newFakeStore()
	store.failFor("720p/seg_0001.ts", -1)
	catalog := &fakeCatalog{}
	job := models.NewJob("Doomed", models.ResourceVideo, models.FileMeta{})

	var mu sync.Mutex
	var updates []Progress
	onProgress := func(p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	}

	record, err := testPublisher(store, catalog, true).Publish(context.Background(), job, dir, 10, onProgress)
	require.Error(t, err)
	assert.Nil(t, record)
	assert.Equal(t, 0, catalog.commits)

	// The doomed segment did not stop its siblings: master, 2 playlists and
	// the 3 healthy segments each uploaded once, plus 3 attempts on the
	// poisoned one.
	store.mu.Lock()
	uploads := store.uploads
	store.mu.Unlock()
	assert.Equal(t, 9, uploads)

	// The exhausted segment was reported as failed.
	mu.Lock()
	var failed int
	for _, u := range updates {
		if u.Failed > failed {
			failed = u.Failed
		}
	}
	mu.Unlock()
	assert.Equal(t, 1, failed)

	// Everything that was uploaded is gone again.
	assert.Empty(t, store.keys())
}

func TestPublishRollsBackOnCommitFailure(t *testing.T) {
	dir := writeEncodeTree(t)
	store := newFakeStore()
	catalog := &fakeCatalog{err: errors.New("catalog down")}
	job := models.NewJob("Unlucky", models.ResourceVideo, models.FileMeta{})

	record, err := testPublisher(store, catalog, true).Publish(context.Background(), job, dir, 10, nil)
	require.Error(t, err)
	assert.Nil(t, record)
	assert.Empty(t, store.keys())
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	dir := writeEncodeTree(t)
	store := newFakeStore()
	store.failFor("360p/seg_0000.ts", 2) // fails twice, third attempt succeeds
	catalog := &fakeCatalog{}
	job := models.NewJob("Flaky", models.ResourceVideo, models.FileMeta{})

	record, err := testPublisher(store, catalog, true).Publish(context.Background(), job, dir, 10, nil)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Len(t, store.keys(), 7)
}

func TestPublishSequentialAbortsEarly(t *testing.T) {
	dir := writeEncodeTree(t)
	store := newFakeStore()
	store.failFor("360p/seg_0000.ts", -1) // first segment of the first variant
	catalog := &fakeCatalog{}
	job := models.NewJob("Early Abort", models.ResourceVideo, models.FileMeta{})

	_, err := testPublisher(store, catalog, false).Publish(context.Background(), job, dir, 10, nil)
	require.Error(t, err)

	// 1 master + 2 playlists + 3 attempts on the poisoned segment; the
	// remaining segments were never tried.
	store.mu.Lock()
	uploads := store.uploads
	store.mu.Unlock()
	assert.Equal(t, 6, uploads)
	assert.Empty(t, store.keys())
}

func TestPublishProgressEmitsVariantBoundaries(t *testing.T) {
	dir := writeEncodeTree(t)
	store := newFakeStore()
	catalog := &fakeCatalog{}
	job := models.NewJob("Progress", models.ResourceVideo, models.FileMeta{})

	var mu sync.Mutex
	var updates []Progress
	onProgress := func(p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	}

	_, err := testPublisher(store, catalog, false).Publish(context.Background(), job, dir, 10, onProgress)
	require.NoError(t, err)

	// With a huge throttle interval only forced emissions fire: first and
	// last segment of each of the two variants.
	require.Len(t, updates, 4)
	final := updates[len(updates)-1]
	assert.Equal(t, 4, final.Uploaded)
	assert.Equal(t, 4, final.Total)
	assert.Equal(t, 100, final.Percent)
}

func TestPublishFailsWithoutMaster(t *testing.T) {
	store := newFakeStore()
	catalog := &fakeCatalog{}
	job := models.NewJob("No Output", models.ResourceVideo, models.FileMeta{})

	_, err := testPublisher(store, catalog, true).Publish(context.Background(), job, t.TempDir(), 10, nil)
	require.Error(t, err)
	assert.Zero(t, store.uploads)
}
