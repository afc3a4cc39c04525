// internal/model/client.go
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Completion is one model response.
type Completion struct {
	Model   string
	Text    string
	Latency time.Duration
}

// Client is the completion backend adapter. Implementations carry no
// business logic and no shared mutable state.
type Client interface {
	Complete(ctx context.Context, model, prompt string) (*Completion, error)
}

var (
	// ErrTimeout: the call exceeded its deadline. Retriable.
	ErrTimeout = errors.New("model: request timed out")
	// ErrUnavailable: backend unreachable or erroring. Retriable with backoff.
	ErrUnavailable = errors.New("model: backend unavailable")
)

// InvalidModelError: the backend does not know this model. Terminal for
// that model only. Detail carries the backend's own error text when it
// sent one.
type InvalidModelError struct {
	Model  string
	Detail string
}

func (e InvalidModelError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("model: invalid model %q: %s", e.Model, e.Detail)
	}
	return fmt.Sprintf("model: invalid model %q", e.Model)
}

// Retriable reports whether err is worth retrying for the same model.
func Retriable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// HTTPClient talks to an Ollama-style completion endpoint.
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete posts the prompt and waits for the full response, bounded by
// the configured timeout. The caller's ctx cancels in-flight calls.
func (c *HTTPClient) Complete(ctx context.Context, model, prompt string) (*Completion, error) {
	body, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return nil, fmt.Errorf("model: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("model: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		c.logger.Warn("model backend unreachable",
			zap.String("model", model), zap.Error(err))
		return nil, ErrUnavailable
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, ErrUnavailable
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, InvalidModelError{Model: model}
	case resp.StatusCode == http.StatusBadRequest:
		// Ollama reports unknown models as 400 with an error field
		var gr generateResponse
		_ = json.Unmarshal(raw, &gr)
		return nil, InvalidModelError{Model: model, Detail: gr.Error}
	case resp.StatusCode >= 500:
		return nil, ErrUnavailable
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("model: unexpected status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, fmt.Errorf("model: decode response: %w", ErrUnavailable)
	}
	if gr.Error != "" {
		return nil, ErrUnavailable
	}

	return &Completion{
		Model:   model,
		Text:    gr.Response,
		Latency: time.Since(start),
	}, nil
}
