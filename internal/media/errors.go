package media

import (
	"errors"
	"fmt"
)

// ErrAllVariantsFailed is returned when no ladder rung produced output.
var ErrAllVariantsFailed = errors.New("all variants failed to encode")

// ValidationError reports input rejected before any side effect: missing or
// empty files, non-media formats, or an unusable encoder tool.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}

// EncodeError reports a non-cancellation failure of one variant encode.
// A single variant's failure does not abort the job; siblings still run.
type EncodeError struct {
	Variant  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode failed for variant %s (exit %d): %v", e.Variant, e.ExitCode, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
