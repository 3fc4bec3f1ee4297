// Package manifest implements pure text transforms over HLS manifests. It is
// shared by the publish path (absolute CDN URLs) and the playback proxy path
// (tokenized proxy URLs); only the URI transform differs.
package manifest

import (
	"sort"
	"strconv"
	"strings"
)

const (
	streamInfTag = "#EXT-X-STREAM-INF:"
	extInfTag    = "#EXTINF:"

	// Fallback attribute values used when a master entry omits a field.
	DefaultBandwidth  = 800000
	DefaultResolution = "1280x720"
	DefaultCodecs     = "avc1.64001f,mp4a.40.2"
)

// VariantInfo holds the attributes of one master-manifest entry.
type VariantInfo struct {
	Label      string
	Bandwidth  int64
	Resolution string
	Codecs     string
	URI        string
}

// URITransform rewrites one relative media or sub-manifest reference.
type URITransform func(line string) string

// ParseVariants scans EXT-X-STREAM-INF entries of a master manifest and maps
// each to a known variant label via its URI line. Missing attributes fall
// back to safe defaults. Results are sorted ascending by bandwidth (ties
// broken lexicographically by label) for player compatibility.
func ParseVariants(master string, knownLabels []string) []VariantInfo {
	var variants []VariantInfo

	lines := strings.Split(master, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, streamInfTag) {
			continue
		}

		attrs := parseAttributes(strings.TrimPrefix(line, streamInfTag))

		info := VariantInfo{
			Bandwidth:  DefaultBandwidth,
			Resolution: DefaultResolution,
			Codecs:     DefaultCodecs,
		}
		if bw, err := strconv.ParseInt(attrs["BANDWIDTH"], 10, 64); err == nil && bw > 0 {
			info.Bandwidth = bw
		}
		if res := attrs["RESOLUTION"]; res != "" {
			info.Resolution = res
		}
		if codecs := attrs["CODECS"]; codecs != "" {
			info.Codecs = codecs
		}

		// The entry's URI is the next non-blank, non-tag line.
		for j := i + 1; j < len(lines); j++ {
			uri := strings.TrimSpace(lines[j])
			if uri == "" || strings.HasPrefix(uri, "#") {
				continue
			}
			info.URI = uri
			info.Label = matchLabel(uri, knownLabels)
			i = j
			break
		}

		if info.URI != "" {
			variants = append(variants, info)
		}
	}

	sort.SliceStable(variants, func(a, b int) bool {
		if variants[a].Bandwidth != variants[b].Bandwidth {
			return variants[a].Bandwidth < variants[b].Bandwidth
		}
		return variants[a].Label < variants[b].Label
	})

	return variants
}

// Rewrite applies transform to every media or sub-manifest reference of a
// manifest, line by line. Blank lines, tag/comment lines and already-absolute
// http(s) URIs pass through unchanged.
func Rewrite(text string, transform URITransform) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || isAbsolute(trimmed) {
			continue
		}
		lines[i] = transform(trimmed)
	}
	return strings.Join(lines, "\n")
}

// SegmentDurations reads the EXTINF duration of every segment in a media
// playlist, in order. Durations are best effort; unparseable entries yield 0.
func SegmentDurations(playlist string) []float64 {
	var durations []float64
	for _, line := range strings.Split(playlist, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, extInfTag) {
			continue
		}
		val := strings.TrimPrefix(line, extInfTag)
		if idx := strings.IndexByte(val, ','); idx >= 0 {
			val = val[:idx]
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			d = 0
		}
		durations = append(durations, d)
	}
	return durations
}

func isAbsolute(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// matchLabel maps a variant URI like "720p/index.m3u8" back to a known label.
// Falls back to the URI's first path component.
func matchLabel(uri string, knownLabels []string) string {
	for _, label := range knownLabels {
		for _, part := range strings.Split(uri, "/") {
			if part == label {
				return label
			}
		}
	}
	if idx := strings.IndexByte(uri, '/'); idx > 0 {
		return uri[:idx]
	}
	return strings.TrimSuffix(uri, ".m3u8")
}

// parseAttributes splits an attribute list, honoring quoted values that may
// contain commas (CODECS="avc1.64001f,mp4a.40.2").
func parseAttributes(list string) map[string]string {
	attrs := make(map[string]string)

	var key strings.Builder
	var val strings.Builder
	inKey := true
	inQuotes := false

	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			attrs[k] = val.String()
		}
		key.Reset()
		val.Reset()
		inKey = true
	}

	for _, r := range list {
		switch {
		case inKey && r == '=':
			inKey = false
		case !inKey && r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			flush()
		default:
			if inKey {
				key.WriteRune(r)
			} else {
				val.WriteRune(r)
			}
		}
	}
	flush()

	return attrs
}
