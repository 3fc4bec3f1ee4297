package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewWithClient(client), mr
}

func TestJobRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	job := models.NewJob("Cached Movie", models.ResourceVideo, models.FileMeta{
		OriginalFilename: "movie.mp4",
		Size:             1024,
	})
	job.Status = models.JobStatusEncoding
	job.ProgressPercentage = 42

	require.NoError(t, c.SetJob(ctx, job, time.Minute))

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, models.JobStatusEncoding, got.Status)
	assert.Equal(t, 42, got.ProgressPercentage)
	assert.Equal(t, "cached-movie", got.Slug)
}

func TestGetJobMiss(t *testing.T) {
	c, _ := testCache(t)

	got, err := c.GetJob(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteJob(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	job := models.NewJob("Short Lived", models.ResourceAudio, models.FileMeta{})
	require.NoError(t, c.SetJob(ctx, job, time.Minute))
	require.NoError(t, c.DeleteJob(ctx, job.ID))

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	job := models.NewJob("Snap", models.ResourceVideo, models.FileMeta{})
	job.Status = models.JobStatusUploadingToCloud
	job.ProgressPercentage = 80
	snap := job.Snapshot()

	require.NoError(t, c.SetSnapshot(ctx, &snap, time.Minute))

	got, err := c.GetSnapshot(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusUploadingToCloud, got.Status)
	assert.Equal(t, 80, got.ProgressPercentage)
}

func TestJobExpires(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	job := models.NewJob("Expiring", models.ResourceVideo, models.FileMeta{})
	require.NoError(t, c.SetJob(ctx, job, time.Second))

	mr.FastForward(2 * time.Second)

	got, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLockSingleHolder(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "scratch-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "scratch-sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be rejected")

	require.NoError(t, c.ReleaseLock(ctx, "scratch-sweep"))

	ok, err = c.AcquireLock(ctx, "scratch-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be reacquirable after release")

	// Expiry also frees the lock.
	mr.FastForward(2 * time.Minute)
	ok, err = c.AcquireLock(ctx, "scratch-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
