package transcribe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAITranscriber talks to an OpenAI-compatible audio transcription API.
type OpenAITranscriber struct {
	client   *openai.Client
	language string
}

func NewOpenAITranscriber(apiKey, baseURL, language string, timeout time.Duration) (*OpenAITranscriber, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, config.ErrMissingCredential
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &OpenAITranscriber{client: openai.NewClientWithConfig(clientCfg), language: language}, nil
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, req Request) (string, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    req.Model,
		FilePath: req.Filename,
		Reader:   bytes.NewReader(req.Audio),
		Language: t.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", classify(err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Status: apiErr.HTTPStatusCode, Category: category(apiErr.HTTPStatusCode), Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &Error{Status: reqErr.HTTPStatusCode, Category: category(reqErr.HTTPStatusCode), Message: msg}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Category: "timeout", Message: err.Error()}
	}
	return &Error{Category: "transport", Message: err.Error()}
}

func category(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "auth"
	case status == http.StatusRequestEntityTooLarge:
		return "too_large"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "server"
	case status >= 400:
		return "client"
	default:
		return "unknown"
	}
}
