package models

import "time"

// TerminalKind labels the final notification pushed for a job.
type TerminalKind string

const (
	TerminalCompleted TerminalKind = "completed"
	TerminalFailed    TerminalKind = "failed"
	TerminalCancelled TerminalKind = "cancelled"
)

// ProgressSnapshot is the wire form pushed on the notification channel.
// Delivery is fire-and-forget; consumers must tolerate gaps.
type ProgressSnapshot struct {
	JobID              string    `json:"job_id"`
	Status             JobStatus `json:"status"`
	ProgressPercentage int       `json:"progress_percentage"`

	CurrentVariant            int    `json:"current_variant"`
	TotalVariants             int    `json:"total_variants"`
	CurrentVariantName        string `json:"current_variant_name,omitempty"`
	VariantProgressPercentage int    `json:"variant_progress_percentage"`

	TotalSegments     int `json:"total_segments"`
	CompletedSegments int `json:"completed_segments"`
	FailedSegments    int `json:"failed_segments"`

	ErrorMessage      string    `json:"error_message,omitempty"`
	MasterPlaylistURL string    `json:"master_playlist_url,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot captures the notification view of a job.
func (j *Job) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		JobID:                     j.ID,
		Status:                    j.Status,
		ProgressPercentage:        j.ProgressPercentage,
		CurrentVariant:            j.CurrentVariant,
		TotalVariants:             j.TotalVariants,
		CurrentVariantName:        j.CurrentVariantName,
		VariantProgressPercentage: j.VariantProgressPercentage,
		TotalSegments:             j.TotalSegments,
		CompletedSegments:         j.CompletedSegments,
		FailedSegments:            j.FailedSegments,
		ErrorMessage:              j.ErrorMessage,
		MasterPlaylistURL:         j.MasterPlaylistURL,
		Timestamp:                 time.Now().UTC(),
	}
}
