package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM   = 1
	wavOutputDepth = 16
	wavMinRate     = 8000
)

// WAVCodec handles PCM WAV input without external tools. Slices keep the
// source sample format. Encode downmixes to 16-bit mono and resamples so
// that rate*16 matches the requested bitrate, never dropping below 8 kHz.
type WAVCodec struct {
	tmpDir string
}

func NewWAVCodec(tmpDir string) *WAVCodec {
	return &WAVCodec{tmpDir: tmpDir}
}

func (c *WAVCodec) Probe(_ context.Context, blob Blob) (time.Duration, error) {
	buf, err := decodeWAV(blob.Data)
	if err != nil {
		return 0, err
	}
	return bufferDuration(buf), nil
}

func (c *WAVCodec) Encode(ctx context.Context, blob Blob, bitrateKbps int) (Blob, error) {
	if bitrateKbps <= 0 {
		return Blob{}, fmt.Errorf("bitrate must be positive, got %d", bitrateKbps)
	}
	buf, err := decodeWAV(blob.Data)
	if err != nil {
		return Blob{}, err
	}
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}
	rate := bitrateKbps * 1000 / wavOutputDepth
	if rate < wavMinRate {
		rate = wavMinRate
	}
	mono := downmix(buf)
	out := resample(mono, buf.Format.SampleRate, rate)
	data, err := c.encodeWAV(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           out,
		SourceBitDepth: wavOutputDepth,
	}, wavOutputDepth)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, Format: "wav", Duration: bufferDuration(&goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:   out,
	})}, nil
}

// Slice ignores bitrateKbps: PCM slices are cut at the source quality.
func (c *WAVCodec) Slice(_ context.Context, blob Blob, start, length time.Duration, _ int) (Blob, error) {
	if length <= 0 {
		return Blob{}, fmt.Errorf("slice length must be positive, got %s", length)
	}
	buf, err := decodeWAV(blob.Data)
	if err != nil {
		return Blob{}, err
	}
	channels := buf.Format.NumChannels
	rate := buf.Format.SampleRate
	frames := len(buf.Data) / channels

	first := framesAt(start, rate)
	last := framesAt(start+length, rate)
	if first > frames {
		first = frames
	}
	if last > frames {
		last = frames
	}
	window := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           append([]int(nil), buf.Data[first*channels:last*channels]...),
		SourceBitDepth: buf.SourceBitDepth,
	}
	data, err := c.encodeWAV(window, buf.SourceBitDepth)
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, Format: "wav", Duration: bufferDuration(window)}, nil
}

func (c *WAVCodec) encodeWAV(buf *goaudio.IntBuffer, bitDepth int) ([]byte, error) {
	file, err := os.CreateTemp(c.tmpDir, "loqa_transcribe_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	enc := wav.NewEncoder(file, buf.Format.SampleRate, bitDepth, buf.Format.NumChannels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}

func decodeWAV(data []byte) (*goaudio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrUnreadable)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: missing wav format", ErrUnreadable)
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(dec.BitDepth)
	}
	return buf, nil
}

func bufferDuration(buf *goaudio.IntBuffer) time.Duration {
	if buf == nil || buf.Format == nil || buf.Format.SampleRate == 0 || buf.Format.NumChannels == 0 {
		return 0
	}
	frames := int64(len(buf.Data) / buf.Format.NumChannels)
	return time.Duration(frames) * time.Second / time.Duration(buf.Format.SampleRate)
}

func framesAt(at time.Duration, rate int) int {
	return int(at * time.Duration(rate) / time.Second)
}

// downmix averages channels and rescales samples to signed 16-bit. 8-bit
// PCM is unsigned and is re-centred on zero first.
func downmix(buf *goaudio.IntBuffer) []int {
	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	shift := buf.SourceBitDepth - wavOutputDepth
	offset := 0
	if buf.SourceBitDepth == 8 {
		offset = 128
	}
	out := make([]int, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			sum += buf.Data[i*channels+ch] - offset
		}
		sample := sum / channels
		switch {
		case shift > 0:
			sample >>= shift
		case shift < 0:
			sample <<= -shift
		}
		out[i] = sample
	}
	return out
}

// resample converts mono samples between rates with linear interpolation.
func resample(in []int, fromRate, toRate int) []int {
	if fromRate == toRate || len(in) == 0 {
		return append([]int(nil), in...)
	}
	n := int(int64(len(in)) * int64(toRate) / int64(fromRate))
	out := make([]int, n)
	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(idx)
		out[i] = int(float64(in[idx])*(1-frac) + float64(in[idx+1])*frac)
	}
	return out
}
