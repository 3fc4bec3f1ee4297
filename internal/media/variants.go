package media

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

// Acceleration labels recorded on the job.
const (
	AccelHardware = "nvenc"
	AccelSoftware = "software"
)

// encodeParams collects everything needed to build one variant's command.
type encodeParams struct {
	Source         string
	VariantDir     string
	Spec           models.VariantSpec
	Width          int
	Height         int
	HasAudio       bool
	Hardware       bool
	SegmentSeconds int
	Encryption     *EncryptionContext
}

// buildArgs assembles the encoder argument vector for one variant. Video
// rungs encode H.264 with the rung's rate-control triple; audio rungs encode
// AAC only. Output is an HLS media playlist plus numbered transport-stream
// segments in the variant directory.
func buildArgs(p encodeParams) []string {
	args := []string{"-y"}

	if p.Hardware && !p.Spec.IsAudio() {
		args = append(args, "-hwaccel", "cuda")
	}

	args = append(args, "-i", p.Source)

	if p.Spec.IsAudio() {
		args = append(args, "-vn", "-c:a", "aac",
			"-b:a", fmt.Sprintf("%d", p.Spec.AudioBitrate),
			"-ar", fmt.Sprintf("%d", p.Spec.SampleRate),
		)
	} else {
		codec := "libx264"
		if p.Hardware {
			codec = "h264_nvenc"
		}
		args = append(args,
			"-c:v", codec,
			"-b:v", fmt.Sprintf("%d", p.Spec.VideoBitrate),
			"-maxrate", fmt.Sprintf("%d", p.Spec.MaxRate),
			"-bufsize", fmt.Sprintf("%d", p.Spec.BufSize),
			"-vf", fmt.Sprintf("scale=%d:%d", p.Width, p.Height),
			"-r", fmt.Sprintf("%d", p.Spec.FrameRate),
			"-profile:v", p.Spec.Profile,
			"-level", p.Spec.Level,
		)
		if p.HasAudio {
			args = append(args, "-c:a", "aac",
				"-b:a", fmt.Sprintf("%d", p.Spec.AudioBitrate),
				"-ar", fmt.Sprintf("%d", p.Spec.SampleRate),
			)
		} else {
			args = append(args, "-an")
		}
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", p.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", filepath.Join(p.VariantDir, "seg_%04d.ts"),
	)

	if p.Encryption != nil {
		args = append(args, "-hls_key_info_file", p.Encryption.KeyInfoPath)
	}

	// Machine-readable progress on stdout; diagnostics stay on stderr.
	args = append(args, "-progress", "pipe:1", "-nostats")

	args = append(args, filepath.Join(p.VariantDir, "index.m3u8"))

	return args
}

// Stderr signatures of hardware/device/filtergraph initialization failures.
// Any of these means the same variant should be retried in software rather
// than counted as an encode failure.
var hardwareFailureSignatures = []string{
	"cannot load nvcuda",
	"cuda",
	"nvenc",
	"no capable devices",
	"device creation failed",
	"failed setup for filter",
	"error initializing filter",
	"impossible to convert between the formats",
	"hwaccel initialisation returned error",
	"hardware is lacking",
}

// isHardwareFailure reports whether a failed encode's stderr matches a
// hardware-initialization signature.
func isHardwareFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, sig := range hardwareFailureSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// BlendProgress folds one variant's percentage into the job-wide percentage.
// Variant i of n owns the [floor((i-1)*100/n), floor(i*100/n)) band. The
// integer arithmetic matches long-standing client expectations and can lose
// up to a point near band boundaries.
func BlendProgress(variantIndex, totalVariants, variantPct int) int {
	if totalVariants <= 0 {
		return 0
	}
	if variantPct < 0 {
		variantPct = 0
	}
	if variantPct > 100 {
		variantPct = 100
	}

	overall := (variantIndex-1)*100/totalVariants + variantPct/totalVariants
	if overall > 100 {
		overall = 100
	}
	if overall < 0 {
		overall = 0
	}
	return overall
}
