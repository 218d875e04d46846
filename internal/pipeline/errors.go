package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCompressionBudgetExceeded means no attempted bitrate met the size budget.
	ErrCompressionBudgetExceeded = errors.New("compression budget exceeded")
	// ErrSegmentationDegenerate means the input has zero duration or could not be read.
	ErrSegmentationDegenerate = errors.New("segmentation degenerate input")
)

// Attempt is one re-encode tried by the compressor.
type Attempt struct {
	BitrateKbps int
	SizeBytes   int64
}

// BudgetExceededError lists every attempt made before giving up.
type BudgetExceededError struct {
	MaxSizeBytes int64
	Attempts     []Attempt
}

func (e *BudgetExceededError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%dkbps=%dB", a.BitrateKbps, a.SizeBytes))
	}
	return fmt.Sprintf("%s: budget %d bytes, attempts [%s]", ErrCompressionBudgetExceeded, e.MaxSizeBytes, strings.Join(parts, " "))
}

func (e *BudgetExceededError) Unwrap() error { return ErrCompressionBudgetExceeded }

// TranscriptionFailure reports the segment whose remote call failed.
type TranscriptionFailure struct {
	SegmentIndex int
	Status       int
	Category     string
	Message      string
	Err          error
}

func (f *TranscriptionFailure) Error() string {
	if f.Status > 0 {
		return fmt.Sprintf("segment %d failed: status %d (%s): %s", f.SegmentIndex+1, f.Status, f.Category, f.Message)
	}
	return fmt.Sprintf("segment %d failed (%s): %s", f.SegmentIndex+1, f.Category, f.Message)
}

func (f *TranscriptionFailure) Unwrap() error { return f.Err }
