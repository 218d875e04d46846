package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/natsserver"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		Stream:         "TRANSCRIBE_TEST",
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestEmitDeliversJobEvents(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	received := make(chan protocol.JobEvent, 1)
	sub, err := client.Subscribe(protocol.SubjectPrefix+".>", func(_ string, evt protocol.JobEvent) {
		received <- evt
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	evt := protocol.JobEvent{JobID: "job-1", Type: protocol.SubjectSegmentCompleted, SegmentIndex: 3, Text: "hello"}
	if err := client.Emit(context.Background(), protocol.SubjectSegmentCompleted, evt); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case got := <-received:
		if got.JobID != "job-1" || got.SegmentIndex != 3 || got.Text != "hello" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestStreamCapturesEvents(t *testing.T) {
	client := startBus(t)
	if err := client.Emit(context.Background(), protocol.SubjectJobStarted, protocol.JobEvent{JobID: "job-2"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := client.js.StreamInfo("TRANSCRIBE_TEST")
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("stream did not record the published event")
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}
