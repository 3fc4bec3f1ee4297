// Package ingest fetches remote sources into the local scratch directory
// before a job enters the encode pipeline.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
)

// Downloader fetches remote source files with resume support.
type Downloader struct {
	client *http.Client
	log    *logging.Logger
}

// NewDownloader creates a downloader. Transfers have no overall deadline;
// cancellation comes from the caller's context.
func NewDownloader(log *logging.Logger) *Downloader {
	return &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		log: log,
	}
}

// Download fetches url into destPath. A partial file left by an earlier
// attempt is resumed with a Range request when the server honors it;
// otherwise the transfer restarts from zero. onProgress receives byte-level
// progress; total is -1 when the server does not advertise a content length.
func (d *Downloader) Download(ctx context.Context, url, destPath string, onProgress func(downloaded, total int64)) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	var offset int64
	if info, err := os.Stat(destPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build download request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Server honored the Range header, keep the partial file.
	case http.StatusOK:
		offset = 0
	default:
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open destination file: %w", err)
	}
	defer out.Close()

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	downloaded := offset
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write download: %w", err)
			}
			downloaded += int64(n)
			if onProgress != nil {
				onProgress(downloaded, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("download interrupted: %w", readErr)
		}
	}

	if total >= 0 && downloaded != total {
		return fmt.Errorf("download truncated: got %d of %d bytes", downloaded, total)
	}

	d.log.WithField("bytes", downloaded).Info("source download complete")
	return nil
}
