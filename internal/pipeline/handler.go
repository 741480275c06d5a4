package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
	"github.com/skypro1111/audiosocket-agent/internal/metrics"
	"github.com/skypro1111/audiosocket-agent/internal/session"
	"github.com/skypro1111/audiosocket-agent/internal/vad"
)

// Stream is a duplex byte stream carrying framed call audio
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() string
	Transport() string
}

// Config holds per-call pipeline settings
type Config struct {
	SampleRate     int
	FrameSize      int // bytes per segmenter frame
	VAD            vad.Config
	ReplyChunkSize int           // bytes per outbound Audio frame
	ReplyPacing    time.Duration // delay between outbound Audio frames
	TurnQueue      int           // utterances waiting behind the active turn; overflow is dropped
	ReadBufferSize int
}

// DefaultConfig returns 16 kHz, 20ms frames in and out, 20ms pacing
func DefaultConfig() Config {
	return Config{
		SampleRate:     audio.SampleRate,
		FrameSize:      audio.FrameBytes,
		VAD:            vad.DefaultConfig(),
		ReplyChunkSize: audio.FrameBytes,
		ReplyPacing:    audio.FrameDuration,
		TurnQueue:      16,
		ReadBufferSize: 4096,
	}
}

// Validate checks the pipeline settings
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if c.FrameSize <= 0 || c.FrameSize%audio.BytesPerSample != 0 {
		return fmt.Errorf("frame size must be a positive multiple of %d", audio.BytesPerSample)
	}
	if want := audio.FrameSize(c.SampleRate, c.VAD.FrameDuration); want != c.FrameSize {
		return fmt.Errorf("frame size %d does not match %s at %d Hz (%d bytes)", c.FrameSize, c.VAD.FrameDuration, c.SampleRate, want)
	}
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("invalid VAD config: %w", err)
	}
	if c.ReplyChunkSize <= 0 {
		return fmt.Errorf("reply chunk size must be positive")
	}
	if c.ReplyPacing < 0 {
		return fmt.Errorf("reply pacing cannot be negative")
	}
	if c.TurnQueue < 0 {
		return fmt.Errorf("turn queue cannot be negative")
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive")
	}
	return nil
}

// TurnObserver is called after every turn with its outcome
type TurnObserver func(callID string, result TurnResult)

// Handler serves calls: one Serve invocation per connection.
// It is safe for concurrent use.
type Handler struct {
	config     Config
	stages     *Stages
	classifier vad.Classifier
	sessions   *session.Manager
	chunker    *audio.Chunker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	observer   TurnObserver
}

// HandlerConfig contains the dependencies of a Handler
type HandlerConfig struct {
	Config     Config
	Stages     *Stages
	Classifier vad.Classifier
	Sessions   *session.Manager
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Observer   TurnObserver
}

// NewHandler creates a call handler
func NewHandler(config HandlerConfig) (*Handler, error) {
	if err := config.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}

	if config.Stages == nil {
		return nil, fmt.Errorf("pipeline stages are required")
	}

	if config.Classifier == nil {
		return nil, fmt.Errorf("VAD classifier is required")
	}

	if config.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	chunker, err := audio.NewChunker(audio.ChunkingConfig{
		ChunkSize: config.Config.ReplyChunkSize,
		Pacing:    config.Config.ReplyPacing,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply chunker: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		config:     config.Config,
		stages:     config.Stages,
		classifier: config.Classifier,
		sessions:   config.Sessions,
		chunker:    chunker,
		metrics:    config.Metrics,
		logger:     logger,
		observer:   config.Observer,
	}, nil
}

// Config returns the pipeline settings
func (h *Handler) Config() Config {
	return h.config
}

// Serve runs one call until hangup, disconnect or ctx cancellation.
// The stream is closed before Serve returns. Normal endings return nil.
func (h *Handler) Serve(ctx context.Context, stream Stream) error {
	c, err := h.newCall(ctx, stream)
	if err != nil {
		stream.Close()
		return err
	}

	c.logger.Info("Call connected")

	reason, err := c.readLoop()
	c.close(reason)

	if err != nil {
		return fmt.Errorf("call %s ended with transport error: %w", c.callID(), err)
	}
	return nil
}

// readLoop reads and dispatches frames until the call ends and reports why
func (c *call) readLoop() (string, error) {
	buf := make([]byte, c.h.config.ReadBufferSize)

	for {
		n, err := c.stream.Read(buf)
		if n > 0 {
			c.h.metrics.RecordBytesReceived(n)
			for _, frame := range c.decoder.Write(buf[:n]) {
				if done, reason := c.handleFrame(frame); done {
					return reason, nil
				}
			}
		}

		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				return "cancelled", nil
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
				if c.decoder.Buffered() > 0 {
					c.logger.Debug("Discarding partial frame at disconnect", slog.Int("buffered_bytes", c.decoder.Buffered()))
				}
				return "disconnect", nil
			default:
				return "transport_error", err
			}
		}
	}
}
