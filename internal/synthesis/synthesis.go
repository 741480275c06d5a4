package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
)

// ErrNotConfigured is returned when a backend lacks its endpoint or credentials
var ErrNotConfigured = errors.New("synthesis backend not configured")

// Backend names
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// Config contains text-to-speech settings
type Config struct {
	Backend    string
	Endpoint   string // server URL for http, base URL override for openai
	APIKey     string
	Model      string
	Voice      string
	Speed      float64
	SourceRate int // rate of raw PCM answers that carry no WAV header
	Timeout    time.Duration
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.SourceRate <= 0 {
		c.SourceRate = 22050
	}
}

// Stats represents backend statistics
type Stats struct {
	Backend         string        `json:"backend"`
	TotalRequests   uint64        `json:"total_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	BytesProduced   uint64        `json:"bytes_produced"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Engine is a text-to-speech backend producing call-rate PCM
type Engine interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	GetStats() Stats
}

// New builds the backend named by config.Backend
func New(config Config) (Engine, error) {
	switch config.Backend {
	case BackendHTTP, "":
		return NewHTTPClient(config)
	case BackendOpenAI:
		return NewOpenAIClient(config)
	default:
		return nil, fmt.Errorf("unknown synthesis backend %q", config.Backend)
	}
}

// ToCallAudio converts a backend answer to 16 kHz PCM-16 mono. WAV input is
// decoded and resampled from its own rate; anything else is taken as raw
// PCM-16 at sourceRate.
func ToCallAudio(data []byte, sourceRate int) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	pcm, rate := data, sourceRate
	if audio.IsWAV(data) {
		var err error
		pcm, rate, err = audio.DecodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode synthesized audio: %w", err)
		}
	}

	pcm = pcm[:len(pcm)-len(pcm)%audio.BytesPerSample]
	return audio.Resample(pcm, rate, audio.SampleRate), nil
}

// counters is shared bookkeeping for both backends
type counters struct {
	mu    sync.Mutex
	stats Stats
}

func (c *counters) record(start time.Time, produced int, err error) {
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalRequests++
	if err != nil {
		c.stats.FailedRequests++
		return
	}
	c.stats.BytesProduced += uint64(produced)

	if c.stats.AvgResponseTime == 0 {
		c.stats.AvgResponseTime = elapsed
	} else {
		c.stats.AvgResponseTime = (c.stats.AvgResponseTime + elapsed) / 2
	}
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
