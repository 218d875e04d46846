package transcribe

import (
	"context"
	"fmt"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[mock transcript %s model=%s bytes=%d]", req.Filename, req.Model, len(req.Audio)), nil
}
