package transcription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
)

// ErrNotConfigured is returned when a backend lacks its endpoint or credentials
var ErrNotConfigured = errors.New("transcription backend not configured")

// Backend names
const (
	BackendHTTP   = "http"
	BackendOpenAI = "openai"
)

// Config contains transcription client configuration
type Config struct {
	Backend        string
	Endpoint       string // inference URL for http, base URL override for openai
	APIKey         string
	Model          string
	Language       string
	Temperature    float64
	SampleRate     int
	Timeout        time.Duration
	MaxRetries     int
	MaxConcurrent  int
	ResponseFormat string // "json" or "text"
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}

	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}

	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}

	if c.ResponseFormat == "" {
		c.ResponseFormat = "json"
	}

	if c.SampleRate <= 0 {
		c.SampleRate = audio.SampleRate
	}
}

// ClientStats represents client statistics
type ClientStats struct {
	Backend         string        `json:"backend"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// Engine is a transcription backend
type Engine interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
	GetStats() ClientStats
	Close() error
}

// New builds the backend named by config.Backend
func New(config Config) (Engine, error) {
	switch config.Backend {
	case BackendHTTP, "":
		return NewClient(config)
	case BackendOpenAI:
		return NewOpenAIClient(config)
	default:
		return nil, fmt.Errorf("unknown transcription backend %q", config.Backend)
	}
}
