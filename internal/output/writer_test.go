package output

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteTranscriptReplacesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")

	path, err := WriteTranscript(dir, "", "--- Segment 1 ---\nfirst\n")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(path) != DefaultFilename {
		t.Fatalf("unexpected path %s", path)
	}

	if _, err := WriteTranscript(dir, "", "--- Segment 1 ---\nsecond\n"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "--- Segment 1 ---\nsecond\n" {
		t.Fatalf("unexpected contents %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestWriteTranscriptEmptyText(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteTranscript(dir, "partial.txt", "")
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty file, got %d bytes", info.Size())
	}
}
