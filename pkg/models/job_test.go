package models

import "testing"

func TestSlugify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple title",
			input:    "The Avengers",
			expected: "the-avengers",
		},
		{
			name:     "punctuation collapses to single hyphen",
			input:    "Spider-Man: No Way Home!!",
			expected: "spider-man-no-way-home",
		},
		{
			name:     "leading and trailing separators stripped",
			input:    "  ...Trailer (2024)...  ",
			expected: "trailer-2024",
		},
		{
			name:     "digits preserved",
			input:    "Top 10 Goals",
			expected: "top-10-goals",
		},
		{
			name:     "only separators",
			input:    "!!!",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Slugify(tt.input)
			if got != tt.expected {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, got, tt.expected)
			}
			// Idempotent: slugging a slug changes nothing.
			if again := Slugify(got); again != got {
				t.Errorf("Slugify not idempotent: %q -> %q", got, again)
			}
		})
	}
}

func TestNewJobSharedSlugDistinctIDs(t *testing.T) {
	meta := FileMeta{OriginalFilename: "movie.mp4", Size: 1024, ContentType: "video/mp4"}

	a := NewJob("The Avengers", ResourceVideo, meta)
	b := NewJob("The Avengers", ResourceVideo, meta)

	if a.Slug != b.Slug {
		t.Errorf("jobs with identical titles must share a slug: %q vs %q", a.Slug, b.Slug)
	}
	if a.ID == b.ID {
		t.Error("job ids must be unique")
	}
	if a.Status != JobStatusPending {
		t.Errorf("new job status = %s, want PENDING", a.Status)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobStatusPending, JobStatusUploading, true},
		{JobStatusPending, JobStatusDownloading, true},
		{JobStatusDownloading, JobStatusPending, true},
		{JobStatusUploading, JobStatusEncoding, true},
		{JobStatusEncoding, JobStatusUploadingToCloud, true},
		{JobStatusUploadingToCloud, JobStatusCompleted, true},
		{JobStatusEncoding, JobStatusCancelled, true},
		{JobStatusEncoding, JobStatusFailed, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusPending, JobStatusFailed, false},
		{JobStatusCompleted, JobStatusEncoding, false},
		{JobStatusCancelled, JobStatusUploading, false},
		{JobStatusFailed, JobStatusFailed, false},
		{JobStatusEncoding, JobStatusUploading, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.Active() {
			t.Errorf("%s should not be active", s)
		}
	}
	for _, s := range []JobStatus{JobStatusUploading, JobStatusEncoding, JobStatusUploadingToCloud} {
		if !s.Active() {
			t.Errorf("%s should be active", s)
		}
	}
	if JobStatusPending.Active() || JobStatusPending.Terminal() {
		t.Error("PENDING is neither active nor terminal")
	}
}
