package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/promaaa/open-medSecretary/internal/audio"
)

// PiperConfig contains text-to-speech client configuration.
type PiperConfig struct {
	BaseURL string
	// Voice is forwarded to the server when set; otherwise the server's
	// default model speaks.
	Voice string
	// SampleRate the voice model must produce. Replies at any other rate
	// are rejected rather than resampled.
	SampleRate int
	// StreamChunkBytes is the slice size synthesized audio is handed out
	// in. The pacer re-cuts it to wire chunks, so this only bounds
	// latency of the first byte.
	StreamChunkBytes int
	Timeout          time.Duration
}

// PiperClient synthesizes speech over the Piper HTTP API. The server
// answers a POST of plain text with a complete WAV file.
type PiperClient struct {
	config     PiperConfig
	httpClient *http.Client

	// Statistics
	totalRequests    uint64
	failedRequests   uint64
	synthesizedBytes uint64
	avgSynthesisTime time.Duration

	mu sync.RWMutex
}

// SynthesizerStats represents text-to-speech client statistics.
type SynthesizerStats struct {
	TotalRequests    uint64        `json:"total_requests"`
	FailedRequests   uint64        `json:"failed_requests"`
	SynthesizedBytes uint64        `json:"synthesized_bytes"`
	AvgSynthesisTime time.Duration `json:"avg_synthesis_time"`
}

// NewPiperClient creates a new synthesis HTTP client.
func NewPiperClient(config PiperConfig) (*PiperClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 8000
	}

	if config.StreamChunkBytes <= 0 {
		config.StreamChunkBytes = 4096
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:    10,
			IdleConnTimeout: 90 * time.Second,
		},
	}

	return &PiperClient{
		config:     config,
		httpClient: httpClient,
	}, nil
}

// Synthesize converts text to PCM audio at the configured sample rate. The
// audio channel carries chunks in playback order and closes at the end;
// the error channel reports at most one terminal error.
func (c *PiperClient) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audioCh := make(chan []byte, 8)
	errCh := make(chan error, 1)

	go func() {
		defer close(audioCh)
		defer close(errCh)

		start := time.Now()
		c.incrementTotalRequests()

		pcm, err := c.request(ctx, text)
		if err != nil {
			c.incrementFailedRequests()
			errCh <- err
			return
		}
		c.recordSynthesis(len(pcm), time.Since(start))

		for off := 0; off < len(pcm); off += c.config.StreamChunkBytes {
			end := off + c.config.StreamChunkBytes
			if end > len(pcm) {
				end = len(pcm)
			}
			select {
			case audioCh <- pcm[off:end]:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return audioCh, errCh
}

func (c *PiperClient) request(ctx context.Context, text string) ([]byte, error) {
	url := strings.TrimRight(c.config.BaseURL, "/")
	if c.config.Voice != "" {
		url += "?voice=" + c.config.Voice
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	pcm, rate, err := audio.DecodeWAV(body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode synthesized audio: %w", err)
	}

	if rate != c.config.SampleRate {
		return nil, fmt.Errorf("synthesized sample rate %d, want %d: configure the voice model accordingly", rate, c.config.SampleRate)
	}

	return pcm, nil
}

func (c *PiperClient) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *PiperClient) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *PiperClient) recordSynthesis(bytes int, took time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.synthesizedBytes += uint64(bytes)
	if c.avgSynthesisTime == 0 {
		c.avgSynthesisTime = took
	} else {
		c.avgSynthesisTime = (c.avgSynthesisTime + took) / 2
	}
}

// GetStats returns current client statistics.
func (c *PiperClient) GetStats() SynthesizerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return SynthesizerStats{
		TotalRequests:    c.totalRequests,
		FailedRequests:   c.failedRequests,
		SynthesizedBytes: c.synthesizedBytes,
		AvgSynthesisTime: c.avgSynthesisTime,
	}
}
