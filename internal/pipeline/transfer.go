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

	"github.com/google/uuid"
)

// TransferConfig contains switch control client configuration.
type TransferConfig struct {
	// BaseURL of the switch's call control API.
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// SwitchControl asks the telephony switch to take a call back and connect
// it elsewhere. A 2xx answer is the acknowledgement; anything else leaves
// the call with the engine.
type SwitchControl struct {
	config     TransferConfig
	httpClient *http.Client

	// Statistics
	totalTransfers  uint64
	failedTransfers uint64

	mu sync.RWMutex
}

// TransferStats represents switch control client statistics.
type TransferStats struct {
	TotalTransfers  uint64 `json:"total_transfers"`
	FailedTransfers uint64 `json:"failed_transfers"`
}

// NewSwitchControl creates a new switch control client.
func NewSwitchControl(config TransferConfig) (*SwitchControl, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &SwitchControl{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Transfer requests the hand-off of callID to destination.
func (c *SwitchControl) Transfer(ctx context.Context, callID uuid.UUID, destination string) error {
	c.incrementTotal()

	payload, err := json.Marshal(map[string]string{
		"destination": destination,
	})
	if err != nil {
		c.incrementFailed()
		return fmt.Errorf("%w: encoding request: %w", ErrTransferFailed, err)
	}

	url := fmt.Sprintf("%s/calls/%s/transfer", strings.TrimRight(c.config.BaseURL, "/"), callID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		c.incrementFailed()
		return fmt.Errorf("%w: creating request: %w", ErrTransferFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.incrementFailed()
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.incrementFailed()
		return fmt.Errorf("%w: HTTP error %d: %s", ErrTransferFailed, resp.StatusCode, string(body))
	}

	return nil
}

func (c *SwitchControl) incrementTotal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTransfers++
}

func (c *SwitchControl) incrementFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedTransfers++
}

// GetStats returns current client statistics.
func (c *SwitchControl) GetStats() TransferStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return TransferStats{
		TotalTransfers:  c.totalTransfers,
		FailedTransfers: c.failedTransfers,
	}
}
