package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeTestWAV(t *testing.T, seconds, sampleRate, channels int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	samples := make([]int, seconds*sampleRate*channels)
	for i := range samples {
		samples[i] = (i % 200) * 100
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}, Data: samples, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	file.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestWAVProbe(t *testing.T) {
	codec := NewWAVCodec(t.TempDir())
	blob := Blob{Data: writeTestWAV(t, 3, 8000, 1), Format: "wav"}

	d, err := codec.Probe(context.Background(), blob)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if d != 3*time.Second {
		t.Fatalf("expected 3s, got %s", d)
	}
}

func TestWAVProbeRejectsGarbage(t *testing.T) {
	codec := NewWAVCodec(t.TempDir())
	_, err := codec.Probe(context.Background(), Blob{Data: []byte("definitely not riff data"), Format: "wav"})
	if !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable, got %v", err)
	}
}

func TestWAVSliceCoversRequestedWindow(t *testing.T) {
	ctx := context.Background()
	codec := NewWAVCodec(t.TempDir())
	blob := Blob{Data: writeTestWAV(t, 5, 8000, 2), Format: "wav"}

	first, err := codec.Slice(ctx, blob, 0, 2*time.Second, 32)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if first.Duration != 2*time.Second {
		t.Fatalf("expected 2s slice, got %s", first.Duration)
	}
	probed, err := codec.Probe(ctx, first)
	if err != nil {
		t.Fatalf("probe slice: %v", err)
	}
	if probed != 2*time.Second {
		t.Fatalf("slice should be standalone and 2s long, got %s", probed)
	}

	tail, err := codec.Slice(ctx, blob, 4*time.Second, 2*time.Second, 32)
	if err != nil {
		t.Fatalf("slice tail: %v", err)
	}
	if tail.Duration != time.Second {
		t.Fatalf("tail slice should be clipped to 1s, got %s", tail.Duration)
	}
}

func TestWAVEncodeShrinksWithBitrate(t *testing.T) {
	ctx := context.Background()
	codec := NewWAVCodec(t.TempDir())
	blob := Blob{Data: writeTestWAV(t, 2, 44100, 2), Format: "wav"}

	high, err := codec.Encode(ctx, blob, 512)
	if err != nil {
		t.Fatalf("encode 512: %v", err)
	}
	low, err := codec.Encode(ctx, blob, 128)
	if err != nil {
		t.Fatalf("encode 128: %v", err)
	}
	if !(low.Size() < high.Size() && high.Size() < blob.Size()) {
		t.Fatalf("expected sizes to shrink: source=%d high=%d low=%d", blob.Size(), high.Size(), low.Size())
	}
	if low.Duration != 2*time.Second {
		t.Fatalf("encode must keep duration, got %s", low.Duration)
	}
}

func TestWAVEncodeClampsToMinimumRate(t *testing.T) {
	ctx := context.Background()
	codec := NewWAVCodec(t.TempDir())
	blob := Blob{Data: writeTestWAV(t, 1, 16000, 1), Format: "wav"}

	a, err := codec.Encode(ctx, blob, 16)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := codec.Encode(ctx, blob, 8)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if a.Size() != b.Size() {
		t.Fatalf("bitrates below the 8kHz floor should produce equal sizes: %d vs %d", a.Size(), b.Size())
	}
}

func TestResampleLength(t *testing.T) {
	in := make([]int, 16000)
	out := resample(in, 16000, 8000)
	if len(out) != 8000 {
		t.Fatalf("expected 8000 samples, got %d", len(out))
	}
}

func TestDownmixRecentresUnsigned8Bit(t *testing.T) {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: 8000},
		Data:           []int{128, 128, 255, 255, 0, 0, 0, 255},
		SourceBitDepth: 8,
	}
	got := downmix(buf)
	want := []int{0, 127 << 8, -128 << 8, 0}
	if len(got) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestDownmixKeeps16BitSigned(t *testing.T) {
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           []int{-32768, 0, 32767},
		SourceBitDepth: 16,
	}
	got := downmix(buf)
	if got[0] != -32768 || got[1] != 0 || got[2] != 32767 {
		t.Fatalf("16-bit samples must pass through unchanged, got %v", got)
	}
}
