package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/audio"
)

// Window is a half-open time range [Start, Start+Length).
type Window struct {
	Start  time.Duration
	Length time.Duration
}

// Segment is one independently transcribable slice. Index order is transcript order.
type Segment struct {
	Index  int
	Start  time.Duration
	Length time.Duration
	Blob   audio.Blob
}

// Windows partitions [0, duration) into consecutive windows of size window.
// Only the final window may be shorter.
func Windows(duration, window time.Duration) []Window {
	if duration <= 0 || window <= 0 {
		return nil
	}
	n := int((duration + window - 1) / window)
	out := make([]Window, 0, n)
	for start := time.Duration(0); start < duration; start += window {
		length := window
		if start+length > duration {
			length = duration - start
		}
		out = append(out, Window{Start: start, Length: length})
	}
	return out
}

// Segmenter cuts audio into fixed windows and re-encodes each one at a fixed
// bitrate that does not depend on any earlier compression.
type Segmenter struct {
	codec       audio.Codec
	window      time.Duration
	bitrateKbps int
}

func NewSegmenter(codec audio.Codec, window time.Duration, bitrateKbps int) (*Segmenter, error) {
	if window <= 0 {
		return nil, fmt.Errorf("segment window must be positive, got %s", window)
	}
	if bitrateKbps <= 0 {
		return nil, fmt.Errorf("segment bitrate must be positive, got %d", bitrateKbps)
	}
	return &Segmenter{codec: codec, window: window, bitrateKbps: bitrateKbps}, nil
}

// Segment probes blob and materialises all segments in ascending order.
func (s *Segmenter) Segment(ctx context.Context, blob audio.Blob) ([]Segment, error) {
	duration, err := s.codec.Probe(ctx, blob)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSegmentationDegenerate, err)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: zero duration", ErrSegmentationDegenerate)
	}
	blob.Duration = duration

	windows := Windows(duration, s.window)
	segments := make([]Segment, 0, len(windows))
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slice, err := s.codec.Slice(ctx, blob, w.Start, w.Length, s.bitrateKbps)
		if err != nil {
			return nil, fmt.Errorf("slice segment %d at %s: %w", i, w.Start, err)
		}
		if slice.Duration == 0 {
			slice.Duration = w.Length
		}
		segments = append(segments, Segment{Index: i, Start: w.Start, Length: w.Length, Blob: slice})
	}
	return segments, nil
}
