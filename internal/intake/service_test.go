package intake

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubRunner struct {
	mu  sync.Mutex
	got pipeline.Upload
}

func (s *stubRunner) upload() pipeline.Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got
}

func (s *stubRunner) Run(_ context.Context, up pipeline.Upload) (pipeline.Result, error) {
	s.mu.Lock()
	s.got = up
	s.mu.Unlock()
	return pipeline.Result{
		JobID:    "job-42",
		Filename: up.Filename,
		Segments: 1,
		Transcript: pipeline.Transcript{
			Text:          "--- Segment 1 ---\nhi\n",
			State:         pipeline.StateCompleted,
			LastCompleted: 0,
			Total:         1,
		},
	}, nil
}

func startService(t *testing.T, root, outDir string, runner Runner) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(),
		config.IntakeConfig{Enabled: true, Root: root, QueueSize: 2},
		config.OutputConfig{Directory: outDir, Filename: "transcription.txt"},
		client, runner, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start intake: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy intake")
	}
	return client
}

func request(t *testing.T, client *bus.Client, req protocol.JobRequest) protocol.JobReply {
	t.Helper()
	data, _ := json.Marshal(req)
	msg, err := client.Conn().Request(protocol.SubjectJobRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.JobReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestRequestTranscribesFileUnderRoot(t *testing.T) {
	root := t.TempDir()
	outDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "memo.mp3"), []byte("audio"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	runner := &stubRunner{}
	client := startService(t, root, outDir, runner)

	reply := request(t, client, protocol.JobRequest{RequestID: "r1", Path: "memo.mp3"})
	if reply.State != "completed" || reply.JobID != "job-42" || reply.RequestID != "r1" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if got := runner.upload(); got.Filename != "memo.mp3" || string(got.Data) != "audio" {
		t.Fatalf("unexpected upload %+v", got)
	}
	want := filepath.Join(outDir, "job-42", "transcription.txt")
	if reply.TranscriptPath != want {
		t.Fatalf("expected transcript at %s, got %s", want, reply.TranscriptPath)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != "--- Segment 1 ---\nhi\n" {
		t.Fatalf("unexpected transcript %q", data)
	}
}

func TestRequestRejectsPathsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	runner := &stubRunner{}
	client := startService(t, root, t.TempDir(), runner)

	for _, path := range []string{"../secret.mp3", "/etc/passwd", ""} {
		reply := request(t, client, protocol.JobRequest{Path: path})
		if reply.State != "rejected" || reply.Error == "" {
			t.Fatalf("%q: expected rejection, got %+v", path, reply)
		}
	}
	if runner.upload().Filename != "" {
		t.Fatal("runner must not be called for rejected requests")
	}
}
