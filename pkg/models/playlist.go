package models

import "time"

// SegmentStatus tracks one media chunk through its upload.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "PENDING"
	SegmentUploading SegmentStatus = "UPLOADING"
	SegmentCompleted SegmentStatus = "COMPLETED"
	SegmentFailed    SegmentStatus = "FAILED"
)

// VariantSummary is the per-rung entry stored on a MasterPlaylistRecord.
type VariantSummary struct {
	Label        string `json:"label"`
	Bandwidth    int64  `json:"bandwidth"`
	Resolution   string `json:"resolution,omitempty"`
	Codecs       string `json:"codecs,omitempty"`
	PlaylistKey  string `json:"playlist_key"`
	PlaylistURL  string `json:"playlist_url"`
	SegmentCount int    `json:"segment_count"`
}

// MasterPlaylistRecord is the durable catalog record of a completed publish.
// It is created exactly once per successful publish, atomically with its
// VariantSegment children.
type MasterPlaylistRecord struct {
	ID              string           `json:"id" db:"id"`
	JobID           string           `json:"job_id" db:"job_id"`
	Title           string           `json:"title" db:"title"`
	Slug            string           `json:"slug" db:"slug"`
	ResourceType    ResourceType     `json:"resource_type" db:"resource_type"`
	MasterKey       string           `json:"master_key" db:"master_key"`
	MasterURL       string           `json:"master_url" db:"master_url"`
	Variants        []VariantSummary `json:"variants" db:"variants"`
	DurationSeconds float64          `json:"duration_seconds" db:"duration_seconds"`
	Status          string           `json:"status" db:"status"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// VariantSegment is one uploaded media chunk. Records are created only after
// a successful object-storage write and persisted only as part of a
// successful publish commit.
type VariantSegment struct {
	ID              string        `json:"id" db:"id"`
	PlaylistID      string        `json:"playlist_id" db:"playlist_id"`
	Variant         string        `json:"variant" db:"variant"`
	Position        int           `json:"position" db:"position"`
	DurationSeconds float64       `json:"duration_seconds" db:"duration_seconds"`
	StorageKey      string        `json:"storage_key" db:"storage_key"`
	Status          SegmentStatus `json:"status" db:"status"`
	UploadedAt      time.Time     `json:"uploaded_at" db:"uploaded_at"`
	ErrorMessage    string        `json:"error_message,omitempty" db:"error_message"`
}
