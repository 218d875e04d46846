package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func newAPIServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAITranscriberSendsSegment(t *testing.T) {
	var gotModel, gotFilename, gotAuth string
	var gotBytes []byte
	srv := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		gotFilename = header.Filename
		gotBytes, _ = io.ReadAll(file)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "  hello world  "})
	})

	tr, err := NewOpenAITranscriber("gsk-test", srv.URL+"/openai/v1/", "", time.Minute)
	if err != nil {
		t.Fatalf("new transcriber: %v", err)
	}
	text, err := tr.Transcribe(context.Background(), Request{Audio: []byte("ID3fake"), Filename: "segment_0.mp3", Model: "whisper-large-v3"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}
	if gotAuth != "Bearer gsk-test" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotModel != "whisper-large-v3" {
		t.Fatalf("unexpected model %q", gotModel)
	}
	if gotFilename != "segment_0.mp3" {
		t.Fatalf("unexpected filename %q", gotFilename)
	}
	if string(gotBytes) != "ID3fake" {
		t.Fatalf("unexpected payload %q", gotBytes)
	}
}

func TestOpenAITranscriberMapsAPIError(t *testing.T) {
	srv := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`))
	})

	tr, err := NewOpenAITranscriber("gsk-test", srv.URL, "", 0)
	if err != nil {
		t.Fatalf("new transcriber: %v", err)
	}
	_, err = tr.Transcribe(context.Background(), Request{Audio: []byte("x"), Filename: "segment_1.mp3", Model: "m"})
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if te.Status != http.StatusTooManyRequests || te.Category != "rate_limited" {
		t.Fatalf("unexpected error %+v", te)
	}
	if !strings.Contains(te.Message, "slow down") {
		t.Fatalf("expected api message, got %q", te.Message)
	}
}

func TestOpenAITranscriberRequiresCredential(t *testing.T) {
	if _, err := NewOpenAITranscriber(" ", "https://example.invalid", "", 0); !errors.Is(err, config.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "stt.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecTranscriber(t *testing.T) {
	script := writeScript(t, `echo '{"text":" from exec "}'`)
	tr, err := NewExecTranscriber(script)
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}
	text, err := tr.Transcribe(context.Background(), Request{Audio: []byte("abc"), Filename: "segment_0.mp3", Model: "tiny"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "from exec" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExecTranscriberFailure(t *testing.T) {
	script := writeScript(t, `echo "model exploded" >&2; exit 3`)
	tr, err := NewExecTranscriber(script)
	if err != nil {
		t.Fatalf("new exec transcriber: %v", err)
	}
	_, err = tr.Transcribe(context.Background(), Request{Audio: []byte("abc"), Filename: "segment_0.mp3"})
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if te.Status != 3 || te.Message != "model exploded" {
		t.Fatalf("unexpected error %+v", te)
	}
}

func TestNewSelectsMode(t *testing.T) {
	tr, err := New(config.TranscriptionConfig{Mode: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text, err := tr.Transcribe(context.Background(), Request{Audio: []byte("abcd"), Filename: "segment_2.mp3", Model: "m"})
	if err != nil {
		t.Fatalf("mock transcribe: %v", err)
	}
	if !strings.Contains(text, "bytes=4") {
		t.Fatalf("unexpected mock text %q", text)
	}
	if _, err := New(config.TranscriptionConfig{Mode: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unknown mode error")
	}
	if _, err := New(config.TranscriptionConfig{Mode: "openai"}); !errors.Is(err, config.ErrMissingCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}
}
