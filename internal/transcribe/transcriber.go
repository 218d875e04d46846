// Package transcribe provides speech-to-text backends for audio segments.
//
// Supported modes:
//   - openai: any OpenAI-compatible /audio/transcriptions endpoint (Groq by default)
//   - exec: an external command that prints {"text": ...}
//   - mock: deterministic text for development
package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// Request is one segment sent to the remote model.
type Request struct {
	Audio    []byte
	Filename string
	Model    string
}

// Transcriber converts one encoded audio segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}

// Error is a non-success answer from the transcription backend.
type Error struct {
	Status   int
	Category string
	Message  string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transcription failed: status %d (%s): %s", e.Status, e.Category, e.Message)
	}
	return fmt.Sprintf("transcription failed (%s): %s", e.Category, e.Message)
}

// New creates a Transcriber based on the configured mode.
func New(cfg config.TranscriptionConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "openai":
		timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
		return NewOpenAITranscriber(cfg.APIKey, cfg.BaseURL, cfg.Language, timeout)
	case "exec":
		return NewExecTranscriber(cfg.Command)
	case "mock", "":
		return NewMockTranscriber(), nil
	default:
		return nil, fmt.Errorf("transcribe: unknown mode %q (supported: openai, exec, mock)", cfg.Mode)
	}
}
