package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
)

// Fallback dimensions assumed when a probe succeeds but reports none.
const (
	fallbackWidth  = 1920
	fallbackHeight = 1080
)

// Extensions that are never decodable media input (playlist/text formats).
var nonMediaExtensions = map[string]bool{
	".m3u8": true,
	".m3u":  true,
	".txt":  true,
	".srt":  true,
	".vtt":  true,
	".json": true,
	".xml":  true,
	".pls":  true,
}

// SourceInfo is the probed shape of an input file.
type SourceInfo struct {
	HasVideo        bool
	HasAudio        bool
	Width           int
	Height          int
	DurationSeconds float64
}

// Prober inspects media files with an external probing tool.
type Prober struct {
	ffprobePath string
	log         *logging.Logger
}

// NewProber creates a prober bound to the given ffprobe binary.
func NewProber(ffprobePath string, log *logging.Logger) *Prober {
	return &Prober{ffprobePath: ffprobePath, log: log}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe validates and inspects a source file. Files that are missing, empty,
// carry a known non-media extension, or expose neither a video nor an audio
// stream are rejected with a ValidationError. Softer probe gaps fall back to
// conservative defaults (no audio, 1920x1080) instead of aborting.
func (p *Prober) Probe(ctx context.Context, path string) (*SourceInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("source file not readable: %v", err)}
	}
	if info.Size() == 0 {
		return nil, &ValidationError{Reason: "source file is empty"}
	}
	if ext := strings.ToLower(filepath.Ext(path)); nonMediaExtensions[ext] {
		return nil, &ValidationError{Reason: fmt.Sprintf("%s is not a decodable media format", ext)}
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A file the probe tool cannot open at all is not media.
		return nil, &ValidationError{Reason: fmt.Sprintf("probe failed: %v: %s", err, strings.TrimSpace(stderr.String()))}
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		p.log.WithError(err).Warn("unparseable probe output, assuming video-only source")
		return &SourceInfo{HasVideo: true, Width: fallbackWidth, Height: fallbackHeight}, nil
	}

	src := &SourceInfo{}
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			src.HasVideo = true
			if s.Width > 0 && s.Height > 0 && src.Width == 0 {
				src.Width = s.Width
				src.Height = s.Height
			}
		case "audio":
			src.HasAudio = true
		}
	}

	if !src.HasVideo && !src.HasAudio {
		return nil, &ValidationError{Reason: "no decodable video or audio streams"}
	}

	if src.HasVideo && src.Width == 0 {
		src.Width = fallbackWidth
		src.Height = fallbackHeight
	}

	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		src.DurationSeconds = d
	}

	return src, nil
}

// ProbeResolution returns the actual dimensions of an encoded artifact, used
// when assembling the master manifest. Returns ok=false when undeterminable.
func (p *Prober) ProbeResolution(ctx context.Context, path string) (int, int, bool) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "v:0",
		path,
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return 0, 0, false
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return 0, 0, false
	}

	for _, s := range out.Streams {
		if s.Width > 0 && s.Height > 0 {
			return s.Width, s.Height, true
		}
	}
	return 0, 0, false
}
