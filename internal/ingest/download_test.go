package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
)

func TestDownloadFull(t *testing.T) {
	body := strings.Repeat("x", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "src.mp4")
	var last, lastTotal int64
	err := NewDownloader(logging.NewNop()).Download(context.Background(), srv.URL, dest, func(downloaded, total int64) {
		last, lastTotal = downloaded, total
	})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	assert.Equal(t, int64(1000), last)
	assert.Equal(t, int64(1000), lastTotal)
}

func TestDownloadResumesPartial(t *testing.T) {
	body := "0123456789"
	var sawRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRange = r.Header.Get("Range")
		if strings.HasPrefix(sawRange, "bytes=") {
			offset, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(sawRange, "bytes="), "-"))
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(body)-1, len(body)))
			w.WriteHeader(http.StatusPartialContent)
			fmt.Fprint(w, body[offset:])
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "src.mp4")
	require.NoError(t, os.WriteFile(dest, []byte(body[:4]), 0644))

	err := NewDownloader(logging.NewNop()).Download(context.Background(), srv.URL, dest, nil)
	require.NoError(t, err)

	assert.Equal(t, "bytes=4-", sawRange)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	body := "0123456789"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore the Range header entirely.
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "src.mp4")
	require.NoError(t, os.WriteFile(dest, []byte("stale-partial"), 0644))

	err := NewDownloader(logging.NewNop()).Download(context.Background(), srv.URL, dest, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestDownloadFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "src.mp4")
	err := NewDownloader(logging.NewNop()).Download(context.Background(), srv.URL, dest, nil)
	assert.Error(t, err)
}
