package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// OllamaConfig contains language model client configuration.
type OllamaConfig struct {
	BaseURL string
	Model   string
	// KeepAlive controls how long the model stays loaded between turns.
	KeepAlive string
	// Timeout bounds connection establishment; streaming itself is
	// bounded by the caller's context.
	Timeout time.Duration
}

// OllamaClient streams chat completions from an Ollama server.
type OllamaClient struct {
	config     OllamaConfig
	httpClient *http.Client

	// Statistics
	totalRequests  uint64
	failedRequests uint64
	streamedDeltas uint64

	mu sync.RWMutex
}

// GeneratorStats represents language model client statistics.
type GeneratorStats struct {
	TotalRequests  uint64 `json:"total_requests"`
	FailedRequests uint64 `json:"failed_requests"`
	StreamedDeltas uint64 `json:"streamed_deltas"`
}

type chatRequest struct {
	Model     string     `json:"model"`
	Messages  []Exchange `json:"messages"`
	Stream    bool       `json:"stream"`
	KeepAlive string     `json:"keep_alive,omitempty"`
}

type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// NewOllamaClient creates a new chat completion client.
func NewOllamaClient(config OllamaConfig) (*OllamaClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	if config.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	// No client-level timeout: it would cut streamed responses short.
	// The dial timeout guards connection establishment instead.
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: config.Timeout,
		},
	}

	return &OllamaClient{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// Generate streams the assistant reply for the conversation so far. Deltas
// arrive on the text channel in order; the channel closes when the stream
// ends. The error channel reports at most one terminal error.
func (c *OllamaClient) Generate(ctx context.Context, turns []Exchange) (<-chan string, <-chan error) {
	textCh := make(chan string, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(textCh)
		defer close(errCh)

		c.incrementTotalRequests()
		if err := c.stream(ctx, turns, textCh); err != nil {
			c.incrementFailedRequests()
			errCh <- err
		}
	}()

	return textCh, errCh
}

func (c *OllamaClient) stream(ctx context.Context, turns []Exchange, textCh chan<- string) error {
	payload, err := json.Marshal(chatRequest{
		Model:     c.config.Model,
		Messages:  turns,
		Stream:    true,
		KeepAlive: c.config.KeepAlive,
	})
	if err != nil {
		return fmt.Errorf("failed to encode chat request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	// The stream is newline-delimited JSON; a json.Decoder consumes it
	// value by value.
	dec := json.NewDecoder(resp.Body)
	for {
		var chunk chatResponse
		if err := dec.Decode(&chunk); err != nil {
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to decode stream: %w", err)
		}

		if chunk.Error != "" {
			return fmt.Errorf("model error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			select {
			case textCh <- chunk.Message.Content:
				c.incrementStreamedDeltas()
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if chunk.Done {
			return nil
		}
	}
}

func (c *OllamaClient) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *OllamaClient) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *OllamaClient) incrementStreamedDeltas() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamedDeltas++
}

// GetStats returns current client statistics.
func (c *OllamaClient) GetStats() GeneratorStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return GeneratorStats{
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
		StreamedDeltas: c.streamedDeltas,
	}
}
