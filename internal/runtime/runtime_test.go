package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func writeWAV(t *testing.T, path string, seconds, sampleRate int) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	samples := make([]int, seconds*sampleRate)
	for i := range samples {
		samples[i] = (i % 80) * 200
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}, Data: samples, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func fileModeConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Audio.Codec = "wav"
	cfg.Audio.TempDir = t.TempDir()
	cfg.Transcription.Mode = "mock"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "jobs.db")
	cfg.Segment.WindowMS = 1000
	cfg.Output.Directory = t.TempDir()
	return cfg
}

func TestRunFileWritesTranscript(t *testing.T) {
	cfg := fileModeConfig(t)
	input := filepath.Join(t.TempDir(), "memo.wav")
	writeWAV(t, input, 3, 8000)

	rt := New(cfg, newLogger())
	res, path, err := rt.RunFile(context.Background(), input)
	if err != nil {
		t.Fatalf("run file: %v", err)
	}
	if !res.Completed() || res.Segments != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if path != filepath.Join(cfg.Output.Directory, "transcription.txt") {
		t.Fatalf("unexpected output path %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	text := string(data)
	for _, label := range []string{"--- Segment 1 ---\n", "--- Segment 2 ---\n", "--- Segment 3 ---\n"} {
		if !strings.Contains(text, label) {
			t.Fatalf("missing %q in %q", label, text)
		}
	}
	if strings.Index(text, "Segment 1") > strings.Index(text, "Segment 3") {
		t.Fatalf("segments out of order: %q", text)
	}
	if !strings.Contains(text, "segment_0.wav") {
		t.Fatalf("mock transcript should name the segment file: %q", text)
	}
}

func TestRunFileRejectsUnsupportedInput(t *testing.T) {
	cfg := fileModeConfig(t)
	input := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(input, []byte("not audio"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}

	_, path, err := New(cfg, newLogger()).RunFile(context.Background(), input)
	if err == nil {
		t.Fatal("expected error")
	}
	if path != "" {
		t.Fatalf("no transcript should be written, got %s", path)
	}
	if _, statErr := os.Stat(filepath.Join(cfg.Output.Directory, "transcription.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("unexpected transcript file: %v", statErr)
	}
}

// flakyAPI answers the first ok transcription requests and fails the rest.
func flakyAPI(t *testing.T, ok int32) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) > ok {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "upstream down", "type": "server_error"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "hello"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func remoteConfig(t *testing.T, baseURL string) config.Config {
	cfg := fileModeConfig(t)
	cfg.Transcription.Mode = "openai"
	cfg.Transcription.APIKey = "test-key"
	cfg.Transcription.BaseURL = baseURL
	cfg.Transcription.TimeoutMS = 5000
	return cfg
}

func TestRunFileTotalFailureWritesNothing(t *testing.T) {
	srv := flakyAPI(t, 0)
	cfg := remoteConfig(t, srv.URL)
	input := filepath.Join(t.TempDir(), "memo.wav")
	writeWAV(t, input, 3, 8000)

	res, path, err := New(cfg, newLogger()).RunFile(context.Background(), input)
	if err == nil {
		t.Fatal("expected failure on the first segment")
	}
	if res.Transcript.HasText() || path != "" {
		t.Fatalf("no transcript expected, got path %q and %+v", path, res.Transcript)
	}
	if _, statErr := os.Stat(filepath.Join(cfg.Output.Directory, "transcription.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("unexpected transcript file: %v", statErr)
	}
}

func TestRunFilePartialFailureWritesCompletedSegments(t *testing.T) {
	srv := flakyAPI(t, 1)
	cfg := remoteConfig(t, srv.URL)
	input := filepath.Join(t.TempDir(), "memo.wav")
	writeWAV(t, input, 3, 8000)

	res, path, err := New(cfg, newLogger()).RunFile(context.Background(), input)
	if err == nil {
		t.Fatal("expected failure on the second segment")
	}
	if !res.Transcript.Partial() || path == "" {
		t.Fatalf("expected a partial transcript on disk, got path %q and %+v", path, res.Transcript)
	}
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("read transcript: %v", readErr)
	}
	if string(data) != "--- Segment 1 ---\nhello\n" {
		t.Fatalf("unexpected partial transcript %q", data)
	}
}
