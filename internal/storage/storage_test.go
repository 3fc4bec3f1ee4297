package storage

import "testing"

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"streams/abc/master.m3u8", "application/vnd.apple.mpegurl"},
		{"streams/abc/720p/seg_0001.ts", "video/mp2t"},
		{"streams/abc/key_abc.key", "application/octet-stream"},
		{"streams/abc/iv_abc.txt", "text/plain"},
		{"uploads/movie.mp4", "video/mp4"},
		{"uploads/unknown.bin", "application/octet-stream"},
	}

	for _, tt := range tests {
		if got := ContentTypeFor(tt.path); got != tt.want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestPublicURL(t *testing.T) {
	s := &Storage{publicBaseURL: "https://cdn.example.com/streams"}

	if got := s.PublicURL("abc/master.m3u8"); got != "https://cdn.example.com/streams/abc/master.m3u8" {
		t.Errorf("PublicURL = %q", got)
	}
	if got := s.PublicURL("/abc/master.m3u8"); got != "https://cdn.example.com/streams/abc/master.m3u8" {
		t.Errorf("PublicURL with leading slash = %q", got)
	}
}
