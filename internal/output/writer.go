package output

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFilename is the name used for transcripts on disk and in downloads.
const DefaultFilename = "transcription.txt"

// WriteTranscript atomically replaces dir/filename with text and returns the
// final path. Partial transcripts are written the same way as complete ones.
func WriteTranscript(dir, filename, text string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if filename == "" {
		filename = DefaultFilename
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filename+".*")
	if err != nil {
		return "", fmt.Errorf("create temp transcript: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close transcript: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", fmt.Errorf("chmod transcript: %w", err)
	}

	final := filepath.Join(dir, filename)
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("rename transcript: %w", err)
	}
	return final, nil
}
