package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	content := `
server:
  port: 9090
  host: "127.0.0.1"

encoder:
  ffmpegPath: "/opt/ffmpeg/bin/ffmpeg"
  segmentSeconds: 4

uploader:
  parallel: false
  workerCount: 8
`

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Encoder.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("Expected ffmpeg override, got %s", cfg.Encoder.FFmpegPath)
	}
	if cfg.Encoder.SegmentSeconds != 4 {
		t.Errorf("Expected segmentSeconds 4, got %d", cfg.Encoder.SegmentSeconds)
	}
	if cfg.Uploader.Parallel {
		t.Error("Expected parallel upload disabled")
	}
	if cfg.Uploader.WorkerCount != 8 {
		t.Errorf("Expected workerCount 8, got %d", cfg.Uploader.WorkerCount)
	}

	// Untouched sections keep defaults.
	if cfg.Uploader.MaxAttempts != 3 {
		t.Errorf("Expected default maxAttempts 3, got %d", cfg.Uploader.MaxAttempts)
	}
	if cfg.Storage.BucketName != "streams" {
		t.Errorf("Expected default bucket, got %s", cfg.Storage.BucketName)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
}
