package models

import "math"

// VariantSpec is one quality rung of the adaptive-bitrate ladder. It exists
// only at encode time and is never persisted. Video rungs carry resolution
// and rate-control fields; audio rungs carry bitrate and sample rate.
type VariantSpec struct {
	Name string `json:"name"`

	// Video fields (zero for audio rungs).
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	VideoBitrate int64  `json:"video_bitrate,omitempty"` // bits per second
	MaxRate      int64  `json:"max_rate,omitempty"`
	BufSize      int64  `json:"buf_size,omitempty"`
	FrameRate    int    `json:"frame_rate,omitempty"`
	Profile      string `json:"profile,omitempty"`
	Level        string `json:"level,omitempty"`

	// Audio fields (set for both ladders; video rungs mux an audio track).
	AudioBitrate int `json:"audio_bitrate,omitempty"` // bits per second
	SampleRate   int `json:"sample_rate,omitempty"`
}

// Bandwidth is the nominal total bandwidth advertised for this rung.
func (v VariantSpec) Bandwidth() int64 {
	return v.VideoBitrate + int64(v.AudioBitrate)
}

// IsAudio reports whether the rung is audio-only.
func (v VariantSpec) IsAudio() bool {
	return v.Width == 0 && v.Height == 0
}

// VideoLadder is the fixed four-rung video ladder.
func VideoLadder() []VariantSpec {
	return []VariantSpec{
		{
			Name: "1080p", Width: 1920, Height: 1080,
			VideoBitrate: 5000000, MaxRate: 5350000, BufSize: 7500000,
			FrameRate: 30, Profile: "high", Level: "4.2",
			AudioBitrate: 192000, SampleRate: 48000,
		},
		{
			Name: "720p", Width: 1280, Height: 720,
			VideoBitrate: 2800000, MaxRate: 2996000, BufSize: 4200000,
			FrameRate: 30, Profile: "high", Level: "4.0",
			AudioBitrate: 128000, SampleRate: 48000,
		},
		{
			Name: "480p", Width: 854, Height: 480,
			VideoBitrate: 1400000, MaxRate: 1498000, BufSize: 2100000,
			FrameRate: 30, Profile: "main", Level: "3.1",
			AudioBitrate: 128000, SampleRate: 48000,
		},
		{
			Name: "360p", Width: 640, Height: 360,
			VideoBitrate: 800000, MaxRate: 856000, BufSize: 1200000,
			FrameRate: 30, Profile: "main", Level: "3.0",
			AudioBitrate: 96000, SampleRate: 48000,
		},
	}
}

// AudioLadder is the fixed three-rung audio ladder.
func AudioLadder() []VariantSpec {
	return []VariantSpec{
		{Name: "192k", AudioBitrate: 192000, SampleRate: 48000},
		{Name: "128k", AudioBitrate: 128000, SampleRate: 44100},
		{Name: "96k", AudioBitrate: 96000, SampleRate: 44100},
	}
}

// LadderFor returns the ladder for a resource type.
func LadderFor(t ResourceType) []VariantSpec {
	if t == ResourceAudio {
		return AudioLadder()
	}
	return VideoLadder()
}

// Fit scales the rung's target resolution down to fit the probed source
// dimensions. Encodes never upscale: when the target exceeds the source in
// either dimension the target is shrunk proportionally, and both dimensions
// are rounded to the nearest even integer (encoder requirement).
func (v VariantSpec) Fit(srcWidth, srcHeight int) (int, int) {
	if v.IsAudio() {
		return 0, 0
	}
	if srcWidth <= 0 || srcHeight <= 0 {
		return v.Width, v.Height
	}

	scale := math.Min(float64(srcWidth)/float64(v.Width), float64(srcHeight)/float64(v.Height))
	if scale >= 1 {
		return v.Width, v.Height
	}

	return nearestEven(float64(v.Width) * scale), nearestEven(float64(v.Height) * scale)
}

func nearestEven(f float64) int {
	n := int(math.Round(f/2)) * 2
	if n < 2 {
		n = 2
	}
	return n
}
