package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execTranscriber struct {
	cmd []string
	mu  sync.Mutex
}

type execResult struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// NewExecTranscriber runs command once per segment with
// "--audio <file> --model <model>" appended. The command prints one JSON object.
func NewExecTranscriber(command string) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &execTranscriber{cmd: args}, nil
}

func (e *execTranscriber) Transcribe(ctx context.Context, req Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ext := filepath.Ext(req.Filename)
	if ext == "" {
		ext = ".mp3"
	}
	file, err := os.CreateTemp("", "loqa_segment_*"+ext)
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(req.Audio); err != nil {
		file.Close()
		return "", fmt.Errorf("write segment: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("write segment: %w", err)
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		status := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = exitErr.ExitCode()
		}
		return "", &Error{Status: status, Category: "exec", Message: strings.TrimSpace(stderr.String())}
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", &Error{Category: "decode", Message: fmt.Sprintf("decode transcription response: %v", err)}
	}
	if resp.Error != "" {
		return "", &Error{Category: "exec", Message: resp.Error}
	}
	return strings.TrimSpace(resp.Text), nil
}
