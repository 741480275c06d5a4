package transcription

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
)

const defaultOpenAIModel = "whisper-1"

// OpenAIClient transcribes through an OpenAI-compatible
// /audio/transcriptions endpoint (OpenAI, Groq, local servers)
type OpenAIClient struct {
	client oai.Client
	config Config

	active   atomic.Int32
	inFlight sync.WaitGroup

	mu              sync.Mutex
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration
}

// NewOpenAIClient creates the client; an API key is required
func NewOpenAIClient(config Config) (*OpenAIClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: API key cannot be empty", ErrNotConfigured)
	}

	config.applyDefaults()
	if config.Model == "" {
		config.Model = defaultOpenAIModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
		option.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
	}
	if config.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(config.Endpoint))
	}

	return &OpenAIClient{
		client: oai.NewClient(reqOpts...),
		config: config,
	}, nil
}

// Transcribe uploads the utterance as a WAV file and returns the text
func (c *OpenAIClient) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}

	wav, err := audio.EncodeWAV(pcm, c.config.SampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to encode utterance: %w", err)
	}

	c.inFlight.Add(1)
	c.active.Add(1)
	defer func() {
		c.active.Add(-1)
		c.inFlight.Done()
	}()

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(c.config.Model),
	}
	if c.config.Language != "" {
		params.Language = param.NewOpt(c.config.Language)
	}
	if c.config.Temperature > 0 {
		params.Temperature = param.NewOpt(c.config.Temperature)
	}

	start := time.Now()
	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	c.record(err == nil, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("openai transcription failed: %w", err)
	}

	return strings.TrimSpace(resp.Text), nil
}

func (c *OpenAIClient) record(ok bool, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	if !ok {
		c.failedRequests++
		return
	}

	c.successRequests++
	if c.avgResponseTime == 0 {
		c.avgResponseTime = elapsed
	} else {
		c.avgResponseTime = (c.avgResponseTime + elapsed) / 2
	}
}

// GetStats returns current client statistics
func (c *OpenAIClient) GetStats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		Backend:         BackendOpenAI,
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  int(c.active.Load()),
	}
}

// Close waits for in-flight requests to finish
func (c *OpenAIClient) Close() error {
	c.inFlight.Wait()
	return nil
}
