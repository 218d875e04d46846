// Package audio wraps the external codec used to measure, re-encode and slice
// uploaded audio.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// Blob is an encoded audio payload. Duration is whatever the codec reported
// and is zero until probed.
type Blob struct {
	Data     []byte
	Format   string
	Duration time.Duration
}

// Size returns the encoded size in bytes.
func (b Blob) Size() int64 { return int64(len(b.Data)) }

// Codec is the contract the pipeline depends on. Implementations must not
// retain the input blob.
type Codec interface {
	// Probe reports the playable duration of blob.
	Probe(ctx context.Context, blob Blob) (time.Duration, error)
	// Encode re-encodes the whole blob at the target bitrate.
	Encode(ctx context.Context, blob Blob, bitrateKbps int) (Blob, error)
	// Slice re-encodes [start, start+length) as a standalone blob.
	Slice(ctx context.Context, blob Blob, start, length time.Duration, bitrateKbps int) (Blob, error)
}

// ErrUnreadable is returned when the codec cannot decode the input at all.
var ErrUnreadable = errors.New("audio: unreadable input")

// New builds the codec selected by cfg.Codec.
func New(cfg config.AudioConfig) (Codec, error) {
	switch cfg.Codec {
	case "ffmpeg", "":
		return NewFFmpegCodec(cfg)
	case "wav":
		return NewWAVCodec(cfg.TempDir), nil
	default:
		return nil, fmt.Errorf("audio: unknown codec %q (supported: ffmpeg, wav)", cfg.Codec)
	}
}
