package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const synthesizePath = "/synthesize"

// HTTPClient talks to a piper-style server: POST {endpoint}/synthesize with
// a JSON body, answered by a WAV file or raw PCM
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	counters
}

type synthesizeRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// NewHTTPClient creates the client; an endpoint is required
func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint cannot be empty", ErrNotConfigured)
	}
	config.applyDefaults()
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	c := &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	c.stats.Backend = BackendHTTP
	return c, nil
}

// Synthesize returns text as 16 kHz PCM-16 mono
func (c *HTTPClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()

	body, err := json.Marshal(synthesizeRequest{Text: text, Voice: c.config.Voice, Speed: c.config.Speed})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	var data []byte
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		var retry bool
		data, retry, err = c.doRequest(ctx, body)
		if err == nil || !retry || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		c.record(start, 0, err)
		return nil, err
	}

	pcm, err := ToCallAudio(data, c.config.SourceRate)
	c.record(start, len(pcm), err)
	return pcm, err
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+synthesizePath, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, false, nil
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() Stats {
	return c.snapshot()
}
