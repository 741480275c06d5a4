package synthesis

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const (
	defaultOpenAIModel = "tts-1"
	defaultOpenAIVoice = "alloy"
)

// OpenAIClient synthesizes through an OpenAI-compatible /audio/speech
// endpoint, requesting WAV output
type OpenAIClient struct {
	client oai.Client
	config Config
	counters
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
	if config.Voice == "" {
		config.Voice = defaultOpenAIVoice
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
		option.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
	}
	if config.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(config.Endpoint))
	}

	c := &OpenAIClient{
		client: oai.NewClient(reqOpts...),
		config: config,
	}
	c.stats.Backend = BackendOpenAI
	return c, nil
}

// Synthesize returns text as 16 kHz PCM-16 mono
func (c *OpenAIClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()

	pcm, err := c.synthesize(ctx, text)
	c.record(start, len(pcm), err)
	return pcm, err
}

func (c *OpenAIClient) synthesize(ctx context.Context, text string) ([]byte, error) {
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(c.config.Model),
		Voice:          oai.AudioSpeechNewParamsVoice(c.config.Voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if c.config.Speed > 0 {
		params.Speed = param.NewOpt(c.config.Speed)
	}

	resp, err := c.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai speech failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech audio: %w", err)
	}

	return ToCallAudio(data, c.config.SourceRate)
}

// GetStats returns current client statistics
func (c *OpenAIClient) GetStats() Stats {
	return c.snapshot()
}
