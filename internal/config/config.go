package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	HTTP          HTTPConfig          `yaml:"http" json:"http"`
	Audio         AudioConfig         `yaml:"audio" json:"audio"`
	VAD           VADConfig           `yaml:"vad" json:"vad"`
	Pipeline      PipelineConfig      `yaml:"pipeline" json:"pipeline"`
	Transcription TranscriptionConfig `yaml:"transcription" json:"transcription"`
	Dialogue      DialogueConfig      `yaml:"dialogue" json:"dialogue"`
	Synthesis     SynthesisConfig     `yaml:"synthesis" json:"synthesis"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// ServerConfig contains the AudioSocket TCP listener configuration
type ServerConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	Port               int    `yaml:"port" json:"port"`
	BindAddress        string `yaml:"bind_address" json:"bind_address"`
	ReadBufferSize     int    `yaml:"read_buffer_size" json:"read_buffer_size"`
	MaxConcurrentCalls int    `yaml:"max_concurrent_calls" json:"max_concurrent_calls"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port          int    `yaml:"port" json:"port"`
	Address       string `yaml:"address" json:"address"`
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	WebSocketPath string `yaml:"websocket_path" json:"websocket_path"`
}

// AudioConfig contains call audio parameters
type AudioConfig struct {
	SampleRate    int `yaml:"sample_rate" json:"sample_rate"`
	Channels      int `yaml:"channels" json:"channels"`
	BitDepth      int `yaml:"bit_depth" json:"bit_depth"`
	FrameDuration int `yaml:"frame_duration" json:"frame_duration"` // milliseconds
	CallTimeout   int `yaml:"call_timeout" json:"call_timeout"`     // seconds of inactivity, 0 disables
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	ThresholdDBFS float64 `yaml:"threshold_dbfs" json:"threshold_dbfs"`
	Padding       int     `yaml:"padding" json:"padding"` // milliseconds
	Silence       int     `yaml:"silence" json:"silence"` // milliseconds
	TriggerRatio  float64 `yaml:"trigger_ratio" json:"trigger_ratio"`
	MinFill       int     `yaml:"min_fill" json:"min_fill"` // frames
}

// PipelineConfig contains turn orchestration settings
type PipelineConfig struct {
	Workers      int `yaml:"workers" json:"workers"`
	StageTimeout int `yaml:"stage_timeout" json:"stage_timeout"` // seconds, 0 disables
	ReplyPacing  int `yaml:"reply_pacing" json:"reply_pacing"`   // milliseconds between reply frames
	HistoryTurns int `yaml:"history_turns" json:"history_turns"`
	TurnQueue    int `yaml:"turn_queue" json:"turn_queue"` // overflow drops the newest utterance
}

// TranscriptionConfig contains speech-to-text backend configuration
type TranscriptionConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // "http" or "openai"
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	APIKey        string `yaml:"api_key" json:"-"`
	Model         string `yaml:"model" json:"model"`
	Language      string `yaml:"language" json:"language"`
	Timeout       int    `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
	OutputFormat  string `yaml:"output_format" json:"output_format"`
}

// DialogueConfig contains chat completion configuration
type DialogueConfig struct {
	BaseURL      string  `yaml:"base_url" json:"base_url"`
	APIKey       string  `yaml:"api_key" json:"-"`
	Model        string  `yaml:"model" json:"model"`
	SystemPrompt string  `yaml:"system_prompt" json:"system_prompt"`
	Temperature  float64 `yaml:"temperature" json:"temperature"`
	MaxTokens    int     `yaml:"max_tokens" json:"max_tokens"`
	Timeout      int     `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries   int     `yaml:"max_retries" json:"max_retries"`
}

// SynthesisConfig contains text-to-speech backend configuration
type SynthesisConfig struct {
	Backend    string  `yaml:"backend" json:"backend"` // "http" or "openai"
	Endpoint   string  `yaml:"endpoint" json:"endpoint"`
	APIKey     string  `yaml:"api_key" json:"-"`
	Model      string  `yaml:"model" json:"model"`
	Voice      string  `yaml:"voice" json:"voice"`
	Speed      float64 `yaml:"speed" json:"speed"`
	SourceRate int     `yaml:"source_rate" json:"source_rate"` // Hz of raw PCM answers
	Timeout    int     `yaml:"timeout" json:"timeout"`         // seconds
	MaxRetries int     `yaml:"max_retries" json:"max_retries"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration over the defaults
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(expandEnv(data), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references, unset variables becoming empty.
// Any other use of $ is kept literally, so prompts may contain prices or
// shell-like text.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// Default returns a configuration usable with a local whisper.cpp server,
// a local piper server and a Groq API key
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:            true,
			Port:               9092,
			BindAddress:        "0.0.0.0",
			ReadBufferSize:     4096,
			MaxConcurrentCalls: 100,
		},
		HTTP: HTTPConfig{
			Enabled:       true,
			Port:          8080,
			Address:       "0.0.0.0",
			WebSocketPath: "/audiosocket",
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			BitDepth:      16,
			FrameDuration: 20,
			CallTimeout:   300,
		},
		VAD: VADConfig{
			ThresholdDBFS: -40,
			Padding:       300,
			Silence:       1000,
			TriggerRatio:  0.9,
			MinFill:       5,
		},
		Pipeline: PipelineConfig{
			Workers:      16,
			StageTimeout: 30,
			ReplyPacing:  20,
			HistoryTurns: 20,
			TurnQueue:    16,
		},
		Transcription: TranscriptionConfig{
			Backend:       "http",
			Endpoint:      "http://localhost:8081/inference",
			Language:      "en",
			Timeout:       30,
			MaxRetries:    2,
			MaxConcurrent: 10,
			OutputFormat:  "json",
		},
		Dialogue: DialogueConfig{
			BaseURL:     "https://api.groq.com/openai/v1/",
			Model:       "llama-3.3-70b-versatile",
			Temperature: 0.7,
			MaxTokens:   150,
			Timeout:     30,
			MaxRetries:  2,
		},
		Synthesis: SynthesisConfig{
			Backend:    "http",
			Endpoint:   "http://localhost:5000",
			SourceRate: 22050,
			Speed:      1.0,
			Timeout:    30,
			MaxRetries: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if !c.Server.Enabled && !c.HTTP.Enabled {
		return fmt.Errorf("at least one of server and http must be enabled")
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Dialogue.Validate(); err != nil {
		return fmt.Errorf("dialogue config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", s.ReadBufferSize)
	}

	if s.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max_concurrent_calls must be at least 1, got %d", s.MaxConcurrentCalls)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}

		if len(h.WebSocketPath) == 0 || h.WebSocketPath[0] != '/' {
			return fmt.Errorf("websocket_path must start with '/', got '%s'", h.WebSocketPath)
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz for AudioSocket, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono) for AudioSocket, got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16 for AudioSocket, got %d", a.BitDepth)
	}

	validFrames := map[int]bool{10: true, 20: true, 30: true}
	if !validFrames[a.FrameDuration] {
		return fmt.Errorf("frame_duration must be 10, 20 or 30 ms, got %d", a.FrameDuration)
	}

	if a.CallTimeout < 0 {
		return fmt.Errorf("call_timeout cannot be negative, got %d", a.CallTimeout)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.ThresholdDBFS < -100 || v.ThresholdDBFS > 0 {
		return fmt.Errorf("threshold_dbfs must be between -100 and 0, got %f", v.ThresholdDBFS)
	}

	if v.Padding <= 0 {
		return fmt.Errorf("padding must be positive, got %d", v.Padding)
	}

	if v.Silence <= 0 {
		return fmt.Errorf("silence must be positive, got %d", v.Silence)
	}

	if v.TriggerRatio <= 0 || v.TriggerRatio >= 1 {
		return fmt.Errorf("trigger_ratio must be between 0 and 1 (exclusive), got %f", v.TriggerRatio)
	}

	if v.MinFill < 0 {
		return fmt.Errorf("min_fill cannot be negative, got %d", v.MinFill)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", p.Workers)
	}

	if p.StageTimeout < 0 {
		return fmt.Errorf("stage_timeout cannot be negative, got %d", p.StageTimeout)
	}

	if p.ReplyPacing < 0 {
		return fmt.Errorf("reply_pacing cannot be negative, got %d", p.ReplyPacing)
	}

	if p.HistoryTurns < 1 {
		return fmt.Errorf("history_turns must be at least 1, got %d", p.HistoryTurns)
	}

	if p.TurnQueue < 0 {
		return fmt.Errorf("turn_queue cannot be negative, got %d", p.TurnQueue)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
	case "openai":
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the openai backend")
		}
	default:
		return fmt.Errorf("backend must be 'http' or 'openai', got '%s'", t.Backend)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates dialogue configuration
func (d *DialogueConfig) Validate() error {
	if d.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if d.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", d.Temperature)
	}

	if d.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", d.MaxTokens)
	}

	if d.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", d.Timeout)
	}

	if d.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", d.MaxRetries)
	}

	return nil
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	switch s.Backend {
	case "http":
		if s.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
	case "openai":
		if s.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the openai backend")
		}
	default:
		return fmt.Errorf("backend must be 'http' or 'openai', got '%s'", s.Backend)
	}

	if s.Speed < 0 || s.Speed > 4 {
		return fmt.Errorf("speed must be between 0 and 4, got %f", s.Speed)
	}

	if s.SourceRate < 0 {
		return fmt.Errorf("source_rate cannot be negative, got %d", s.SourceRate)
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path
	return nil
}

// GetFrameDuration returns the frame duration as a time.Duration
func (a *AudioConfig) GetFrameDuration() time.Duration {
	return time.Duration(a.FrameDuration) * time.Millisecond
}

// GetCallTimeoutDuration returns the idle call timeout as a time.Duration
func (a *AudioConfig) GetCallTimeoutDuration() time.Duration {
	return time.Duration(a.CallTimeout) * time.Second
}

// GetPaddingDuration returns the VAD pre-roll as a time.Duration
func (v *VADConfig) GetPaddingDuration() time.Duration {
	return time.Duration(v.Padding) * time.Millisecond
}

// GetSilenceDuration returns the VAD endpoint silence as a time.Duration
func (v *VADConfig) GetSilenceDuration() time.Duration {
	return time.Duration(v.Silence) * time.Millisecond
}

// GetStageTimeoutDuration returns the per-stage timeout as a time.Duration
func (p *PipelineConfig) GetStageTimeoutDuration() time.Duration {
	return time.Duration(p.StageTimeout) * time.Second
}

// GetReplyPacingDuration returns the reply frame pacing as a time.Duration
func (p *PipelineConfig) GetReplyPacingDuration() time.Duration {
	return time.Duration(p.ReplyPacing) * time.Millisecond
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the dialogue timeout as a time.Duration
func (d *DialogueConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// GetTimeoutDuration returns the synthesis timeout as a time.Duration
func (s *SynthesisConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}
