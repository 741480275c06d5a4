package dialogue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/skypro1111/audiosocket-agent/internal/session"
)

// ErrNotConfigured is returned when no API key is available
var ErrNotConfigured = errors.New("dialogue backend not configured")

// Defaults for a Groq-hosted Llama model behind the OpenAI-compatible API
const (
	DefaultBaseURL     = "https://api.groq.com/openai/v1/"
	DefaultModel       = "llama-3.3-70b-versatile"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
)

// DefaultSystemPrompt keeps replies short and speakable
const DefaultSystemPrompt = `You are a helpful voice assistant answering a phone call.
Keep your responses concise (1-2 sentences) as they will be spoken out loud.
Be professional, warm, and helpful.
Do not use markdown formatting or emojis, just plain text.`

// Config contains chat completion settings
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	MaxRetries   int
}

// DefaultConfig returns the Groq defaults without credentials
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Model:        DefaultModel,
		SystemPrompt: DefaultSystemPrompt,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
		Timeout:      30 * time.Second,
		MaxRetries:   2,
	}
}

// Stats holds request counters for the monitoring API
type Stats struct {
	Model           string        `json:"model"`
	TotalRequests   uint64        `json:"total_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	EmptyReplies    uint64        `json:"empty_replies"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// Client generates replies through an OpenAI-compatible chat completion API
type Client struct {
	client oai.Client
	config Config

	mu    sync.Mutex
	stats Stats
}

// NewClient creates a chat client. Empty fields fall back to DefaultConfig.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: API key cannot be empty", ErrNotConfigured)
	}

	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaults.SystemPrompt
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithBaseURL(config.BaseURL),
		option.WithMaxRetries(config.MaxRetries),
		option.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
	}

	return &Client{
		client: oai.NewClient(reqOpts...),
		config: config,
		stats:  Stats{Model: config.Model},
	}, nil
}

// Generate answers text given the prior turns of the call
func (c *Client) Generate(ctx context.Context, text string, history []session.Entry) (string, error) {
	start := time.Now()

	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(text, history))
	if err != nil {
		c.record(start, false, false)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		c.record(start, true, true)
		return "", nil
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.record(start, true, reply == "")
	return reply, nil
}

// buildParams renders the system prompt, the history as alternating
// user/assistant messages, and the new user text
func (c *Client) buildParams(text string, history []session.Entry) oai.ChatCompletionNewParams {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, oai.SystemMessage(c.config.SystemPrompt))

	for _, e := range history {
		switch e.Speaker {
		case session.SpeakerUser:
			messages = append(messages, oai.UserMessage(e.Text))
		case session.SpeakerAgent:
			messages = append(messages, oai.AssistantMessage(e.Text))
		}
	}
	messages = append(messages, oai.UserMessage(text))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.config.Model),
		Messages: messages,
	}
	if c.config.Temperature != 0 {
		params.Temperature = param.NewOpt(c.config.Temperature)
	}
	if c.config.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(c.config.MaxTokens))
	}

	return params
}

func (c *Client) record(start time.Time, ok, empty bool) {
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalRequests++
	if !ok {
		c.stats.FailedRequests++
		return
	}
	if empty {
		c.stats.EmptyReplies++
	}

	if c.stats.AvgResponseTime == 0 {
		c.stats.AvgResponseTime = elapsed
	} else {
		c.stats.AvgResponseTime = (c.stats.AvgResponseTime + elapsed) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.config
}
