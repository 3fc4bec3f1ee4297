package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/logging"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/metrics"
	"github.com/ousseynoukone/m3u8-encoder-service-sub000/pkg/models"
)

// errVariantCancelled marks a variant abandoned by a forced kill. It never
// escapes Generate; cancellation is reported via Result.Cancelled.
var errVariantCancelled = errors.New("variant encode cancelled")

// ProgressUpdate is one encoder progress callback. Callbacks fire on every
// update; callers throttle persistence and notification themselves.
type ProgressUpdate struct {
	VariantIndex   int // 1-based
	TotalVariants  int
	VariantName    string
	VariantPercent int
	OverallPercent int
}

// ProgressFunc receives progress callbacks during Generate.
type ProgressFunc func(ProgressUpdate)

// VariantOutput describes one successfully encoded rung.
type VariantOutput struct {
	Spec         models.VariantSpec
	Width        int
	Height       int
	Dir          string
	PlaylistPath string
	SegmentCount int
}

// Result is the outcome of one Generate call.
type Result struct {
	OutputDir             string
	Cancelled             bool
	Acceleration          string
	Variants              []VariantOutput
	SourceDurationSeconds float64
}

// Engine supervises the external transcoder: one process per variant,
// sequential within a job, with hardware-first encoding, progress parsing
// and cooperative cancellation.
type Engine struct {
	cfg    config.EncoderConfig
	prober *Prober
	sup    *Supervisor
	log    *logging.Logger
}

// NewEngine creates an encoding engine.
func NewEngine(cfg config.EncoderConfig, log *logging.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		prober: NewProber(cfg.FFprobePath, log),
		sup:    NewSupervisor(cfg.DrainTimeout, log),
		log:    log,
	}
}

// Prober exposes the engine's media prober for source inspection.
func (e *Engine) Prober() *Prober {
	return e.prober
}

// Generate transcodes source into the full variant ladder under targetDir:
// {targetDir}/master.m3u8 plus {targetDir}/{label}/index.m3u8 and numbered
// segments. Cancellation is checked before each variant, after each variant
// and before manifest assembly; a cancelled run returns Result.Cancelled with
// no master manifest and no error. A single variant failure skips to its
// siblings; Generate fails only when every rung failed.
func (e *Engine) Generate(ctx context.Context, source, targetDir, jobID string, resourceType models.ResourceType, token *CancelToken, onProgress ProgressFunc) (*Result, error) {
	if _, err := exec.LookPath(e.cfg.FFmpegPath); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("encoder tool unavailable: %v", err)}
	}

	src, err := e.prober.Probe(ctx, source)
	if err != nil {
		return nil, err
	}
	if resourceType == models.ResourceVideo && !src.HasVideo {
		return nil, &ValidationError{Reason: "source has no video stream"}
	}

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	var encryption *EncryptionContext
	if e.cfg.EnableEncryption {
		encryption, err = SetupEncryption(targetDir, jobID, e.cfg.KeyURIPrefix)
		if err != nil {
			return nil, err
		}
	}

	ladder := models.LadderFor(resourceType)
	result := &Result{
		OutputDir:             targetDir,
		SourceDurationSeconds: src.DurationSeconds,
	}
	log := e.log.WithJobID(jobID)

	var lastErr error
	for i, spec := range ladder {
		if token.Cancelled() {
			log.Info("encode cancelled before variant start")
			result.Cancelled = true
			return result, nil
		}

		out, err := e.encodeVariant(ctx, source, targetDir, spec, src, i+1, len(ladder), token, encryption, onProgress, result)
		if errors.Is(err, errVariantCancelled) {
			log.WithVariant(spec.Name).Info("encode cancelled mid-variant")
			result.Cancelled = true
			return result, nil
		}
		if err != nil {
			lastErr = err
			metrics.VariantEncodesTotal.WithLabelValues(spec.Name, "failed").Inc()
			log.WithVariant(spec.Name).ErrorWithErr("variant encode failed, continuing with siblings", err)
			continue
		}

		metrics.VariantEncodesTotal.WithLabelValues(spec.Name, "ok").Inc()
		result.Variants = append(result.Variants, *out)

		if token.Cancelled() {
			log.Info("encode cancelled after variant completion")
			result.Cancelled = true
			return result, nil
		}
	}

	if len(result.Variants) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllVariantsFailed, lastErr)
		}
		return nil, ErrAllVariantsFailed
	}

	if token.Cancelled() {
		result.Cancelled = true
		return result, nil
	}

	if err := e.writeMasterManifest(ctx, targetDir, result.Variants, resourceType); err != nil {
		return nil, err
	}

	if err := validateOutput(targetDir, result.Variants); err != nil {
		return nil, err
	}

	return result, nil
}

// encodeVariant runs one external encode, hardware first when enabled, with
// a transparent software retry on hardware-initialization failure.
func (e *Engine) encodeVariant(ctx context.Context, source, targetDir string, spec models.VariantSpec, src *SourceInfo, index, total int, token *CancelToken, encryption *EncryptionContext, onProgress ProgressFunc, result *Result) (*VariantOutput, error) {
	variantDir := filepath.Join(targetDir, spec.Name)
	if err := os.MkdirAll(variantDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create variant directory: %w", err)
	}

	width, height := spec.Fit(src.Width, src.Height)
	params := encodeParams{
		Source:         source,
		VariantDir:     variantDir,
		Spec:           spec,
		Width:          width,
		Height:         height,
		HasAudio:       src.HasAudio,
		Hardware:       e.cfg.EnableHardware && !spec.IsAudio(),
		SegmentSeconds: e.cfg.SegmentSeconds,
		Encryption:     encryption,
	}

	started := time.Now()
	accel := AccelSoftware
	if params.Hardware {
		accel = AccelHardware
	}

	err := e.runEncode(ctx, params, src.DurationSeconds, index, total, token, onProgress)

	var encErr *EncodeError
	if err != nil && params.Hardware && errors.As(err, &encErr) && isHardwareFailure(encErr.Stderr) {
		e.log.WithVariant(spec.Name).Warn("hardware encode failed, retrying in software")
		metrics.EncodeFallbacksTotal.Inc()

		// Partial hardware output must not leak into the retry.
		if err := resetVariantDir(variantDir); err != nil {
			return nil, err
		}
		params.Hardware = false
		accel = AccelSoftware
		err = e.runEncode(ctx, params, src.DurationSeconds, index, total, token, onProgress)
	}
	if err != nil {
		return nil, err
	}

	metrics.EncodeDurationSeconds.WithLabelValues(spec.Name).Observe(time.Since(started).Seconds())
	result.Acceleration = accel

	segments, err := filepath.Glob(filepath.Join(variantDir, "seg_*.ts"))
	if err != nil || len(segments) == 0 {
		return nil, &EncodeError{Variant: spec.Name, ExitCode: 0, Err: errors.New("variant produced no segments")}
	}

	return &VariantOutput{
		Spec:         spec,
		Width:        width,
		Height:       height,
		Dir:          variantDir,
		PlaylistPath: filepath.Join(variantDir, "index.m3u8"),
		SegmentCount: len(segments),
	}, nil
}

// runEncode starts one encoder process and blocks until exit, registering
// the process on the token so cancellation can kill it.
func (e *Engine) runEncode(ctx context.Context, params encodeParams, durationSeconds float64, index, total int, token *CancelToken, onProgress ProgressFunc) error {
	lastPct := -1
	progressFn := func(line ProgressLine) {
		pct, ok := progressPercent(line, durationSeconds)
		if !ok || pct < lastPct {
			return
		}
		lastPct = pct
		if onProgress != nil {
			onProgress(ProgressUpdate{
				VariantIndex:   index,
				TotalVariants:  total,
				VariantName:    params.Spec.Name,
				VariantPercent: pct,
				OverallPercent: BlendProgress(index, total, pct),
			})
		}
	}

	handle, err := e.sup.Start(ctx, e.cfg.FFmpegPath, buildArgs(params), progressFn)
	if err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	token.attach(handle)
	defer token.detach()

	waitErr := handle.Wait()

	if handle.Killed() || (token.Cancelled() && forcedKillExit(handle.ExitCode())) {
		return errVariantCancelled
	}
	if waitErr != nil {
		return &EncodeError{
			Variant:  params.Spec.Name,
			ExitCode: handle.ExitCode(),
			Stderr:   handle.Stderr(),
			Err:      waitErr,
		}
	}

	if onProgress != nil {
		onProgress(ProgressUpdate{
			VariantIndex:   index,
			TotalVariants:  total,
			VariantName:    params.Spec.Name,
			VariantPercent: 100,
			OverallPercent: BlendProgress(index, total, 100),
		})
	}
	return nil
}

// progressPercent converts one progress-stream pair into a percentage of the
// source duration.
func progressPercent(line ProgressLine, durationSeconds float64) (int, bool) {
	if durationSeconds <= 0 {
		return 0, false
	}

	var currentSeconds float64
	switch line.Key {
	case "out_time_ms":
		us, err := strconv.ParseFloat(line.Value, 64)
		if err != nil {
			return 0, false
		}
		currentSeconds = us / 1e6
	case "out_time":
		d, err := parseClock(line.Value)
		if err != nil {
			return 0, false
		}
		currentSeconds = d
	default:
		return 0, false
	}

	pct := int(currentSeconds / durationSeconds * 100)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct, true
}

// parseClock parses the HH:MM:SS.micro clock format of the progress stream.
func parseClock(v string) (float64, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad clock value %q", v)
	}
	hours, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return hours*3600 + minutes*60 + seconds, nil
}

// forcedKillExit reports whether an exit code matches a forced termination.
func forcedKillExit(code int) bool {
	return code == -1 || code == 137 || code == 255
}

// resetVariantDir clears partial output before a software retry.
func resetVariantDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to reset variant directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to recreate variant directory: %w", err)
	}
	return nil
}

// writeMasterManifest writes {targetDir}/master.m3u8 listing the variants
// that actually produced output, ascending by bandwidth. Resolution comes
// from the encoded output when probeable, else the fitted nominal value.
func (e *Engine) writeMasterManifest(ctx context.Context, targetDir string, variants []VariantOutput, resourceType models.ResourceType) error {
	ordered := make([]VariantOutput, len(variants))
	copy(ordered, variants)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].Spec.Bandwidth() < ordered[b].Spec.Bandwidth()
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for _, v := range ordered {
		if resourceType == models.ResourceAudio || v.Spec.IsAudio() {
			fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,CODECS=\"mp4a.40.2\"\n", v.Spec.Bandwidth())
		} else {
			width, height := v.Width, v.Height
			if w, h, ok := e.prober.ProbeResolution(ctx, firstSegment(v.Dir)); ok {
				width, height = w, h
			}
			fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,CODECS=\"%s\"\n",
				v.Spec.Bandwidth(), width, height, codecString(v.Spec))
		}
		b.WriteString(v.Spec.Name + "/index.m3u8\n")
	}

	masterPath := filepath.Join(targetDir, "master.m3u8")
	if err := os.WriteFile(masterPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write master manifest: %w", err)
	}
	return nil
}

func firstSegment(variantDir string) string {
	segments, err := filepath.Glob(filepath.Join(variantDir, "seg_*.ts"))
	if err != nil || len(segments) == 0 {
		return ""
	}
	sort.Strings(segments)
	return segments[0]
}

// codecString advertises the H.264 profile actually requested for the rung.
func codecString(spec models.VariantSpec) string {
	video := "avc1.4d401f" // main
	if spec.Profile == "high" {
		video = "avc1.640028"
	}
	return video + ",mp4a.40.2"
}

// validateOutput verifies a usable tree before Generate reports success: the
// master manifest exists and at least one variant directory holds both its
// playlist and one or more segments.
func validateOutput(targetDir string, variants []VariantOutput) error {
	if _, err := os.Stat(filepath.Join(targetDir, "master.m3u8")); err != nil {
		return fmt.Errorf("master manifest missing after encode: %w", err)
	}

	for _, v := range variants {
		if _, err := os.Stat(v.PlaylistPath); err != nil {
			continue
		}
		segments, err := filepath.Glob(filepath.Join(v.Dir, "seg_*.ts"))
		if err == nil && len(segments) > 0 {
			return nil
		}
	}

	return errors.New("no variant produced both a playlist and segments")
}
