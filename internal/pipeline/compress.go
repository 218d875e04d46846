package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
)

// Plan bounds the compressor's linear bitrate walk.
type Plan struct {
	MaxSizeBytes int64
	InitialKbps  int
	MinKbps      int
	StepKbps     int
}

func (p Plan) validate() error {
	switch {
	case p.MaxSizeBytes <= 0:
		return errors.New("compression plan: max size must be positive")
	case p.StepKbps <= 0:
		return errors.New("compression plan: step must be positive")
	case p.MinKbps <= 0:
		return errors.New("compression plan: minimum bitrate must be positive")
	case p.InitialKbps < p.MinKbps:
		return errors.New("compression plan: initial bitrate below minimum")
	}
	return nil
}

// Bitrates yields initial, initial-step, ... down to and including the last value >= MinKbps.
func (p Plan) Bitrates() iter.Seq[int] {
	return func(yield func(int) bool) {
		if p.StepKbps <= 0 {
			return
		}
		for kbps := p.InitialKbps; kbps >= p.MinKbps; kbps -= p.StepKbps {
			if !yield(kbps) {
				return
			}
		}
	}
}

// NeedsCompression reports whether blob exceeds the budget.
func (p Plan) NeedsCompression(blob audio.Blob) bool {
	return blob.Size() > p.MaxSizeBytes
}

// Compressed is the accepted encode plus the attempts that led to it.
type Compressed struct {
	Blob        audio.Blob
	BitrateKbps int
	Attempts    []Attempt
}

// Compress re-encodes blob at each bitrate from plan until one fits. The first
// fit wins; no search is made for a higher bitrate under the budget.
func Compress(ctx context.Context, codec audio.Codec, blob audio.Blob, plan Plan) (Compressed, error) {
	if err := plan.validate(); err != nil {
		return Compressed{}, err
	}
	var attempts []Attempt
	for kbps := range plan.Bitrates() {
		if err := ctx.Err(); err != nil {
			return Compressed{Attempts: attempts}, err
		}
		encoded, err := codec.Encode(ctx, blob, kbps)
		if errors.Is(err, audio.ErrUnreadable) {
			return Compressed{Attempts: attempts}, fmt.Errorf("%w: encode at %dkbps: %w", ErrSegmentationDegenerate, kbps, err)
		}
		if err != nil {
			return Compressed{Attempts: attempts}, fmt.Errorf("encode at %dkbps: %w", kbps, err)
		}
		attempts = append(attempts, Attempt{BitrateKbps: kbps, SizeBytes: encoded.Size()})
		if encoded.Size() <= plan.MaxSizeBytes {
			if encoded.Duration == 0 {
				encoded.Duration = blob.Duration
			}
			return Compressed{Blob: encoded, BitrateKbps: kbps, Attempts: attempts}, nil
		}
	}
	return Compressed{Attempts: attempts}, &BudgetExceededError{MaxSizeBytes: plan.MaxSizeBytes, Attempts: attempts}
}
