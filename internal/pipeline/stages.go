package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/metrics"
	"github.com/skypro1111/audiosocket-agent/internal/session"
)

// ErrDialogue wraps every dialogue backend failure
var ErrDialogue = errors.New("dialogue generation failed")

// ErrEmptyReply is returned when the dialogue backend produced no text
var ErrEmptyReply = errors.New("dialogue generation returned an empty reply")

// Transcriber converts 16 kHz PCM-16 mono audio to text
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Generator produces a short spoken reply to text given the call history
type Generator interface {
	Generate(ctx context.Context, text string, history []session.Entry) (string, error)
}

// Synthesizer converts text to 16 kHz PCM-16 mono audio
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Stage names used in logs and metrics
const (
	StageTranscribe = "transcribe"
	StageGenerate   = "generate"
	StageSynthesize = "synthesize"
)

// Stages runs the external collaborators through the shared pool and
// normalizes their results: transcription and synthesis failures degrade to
// empty results, dialogue failures surface as ErrDialogue.
type Stages struct {
	transcriber Transcriber
	generator   Generator
	synthesizer Synthesizer
	pool        *Pool
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// StagesConfig contains the collaborators and limits for Stages
type StagesConfig struct {
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Pool        *Pool
	Timeout     time.Duration // per stage call, 0 disables
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewStages validates the collaborators and builds Stages
func NewStages(config StagesConfig) (*Stages, error) {
	if config.Transcriber == nil || config.Generator == nil || config.Synthesizer == nil {
		return nil, fmt.Errorf("transcriber, generator and synthesizer are all required")
	}

	if config.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Stages{
		transcriber: config.Transcriber,
		generator:   config.Generator,
		synthesizer: config.Synthesizer,
		pool:        config.Pool,
		timeout:     config.Timeout,
		metrics:     config.Metrics,
		logger:      logger,
	}, nil
}

func (s *Stages) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// Transcribe returns the transcript of pcm, or "" on any failure
func (s *Stages) Transcribe(ctx context.Context, logger *slog.Logger, pcm []byte) string {
	stageCtx, cancel := s.stageContext(ctx)
	defer cancel()

	start := time.Now()
	text, err := Run(stageCtx, s.pool, func(ctx context.Context) (string, error) {
		return s.transcriber.Transcribe(ctx, pcm)
	})
	duration := time.Since(start)
	s.metrics.RecordStage(StageTranscribe, duration.Seconds(), err != nil)

	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Transcription failed",
				slog.String("error", err.Error()),
				slog.Duration("duration", duration),
			)
		}
		return ""
	}

	logger.Debug("Transcription completed",
		slog.String("transcript", text),
		slog.Duration("duration", duration),
	)
	return strings.TrimSpace(text)
}

// Generate returns the reply to text. Failures wrap ErrDialogue; an empty
// reply is reported as ErrEmptyReply.
func (s *Stages) Generate(ctx context.Context, logger *slog.Logger, text string, history []session.Entry) (string, error) {
	stageCtx, cancel := s.stageContext(ctx)
	defer cancel()

	start := time.Now()
	reply, err := Run(stageCtx, s.pool, func(ctx context.Context) (string, error) {
		return s.generator.Generate(ctx, text, history)
	})
	duration := time.Since(start)
	s.metrics.RecordStage(StageGenerate, duration.Seconds(), err != nil)

	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDialogue, err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyReply
	}

	logger.Debug("Reply generated",
		slog.String("reply", reply),
		slog.Int("history_entries", len(history)),
		slog.Duration("duration", duration),
	)
	return reply, nil
}

// Synthesize returns PCM audio for text, or nil on any failure
func (s *Stages) Synthesize(ctx context.Context, logger *slog.Logger, text string) []byte {
	stageCtx, cancel := s.stageContext(ctx)
	defer cancel()

	start := time.Now()
	pcm, err := Run(stageCtx, s.pool, func(ctx context.Context) ([]byte, error) {
		return s.synthesizer.Synthesize(ctx, text)
	})
	duration := time.Since(start)
	s.metrics.RecordStage(StageSynthesize, duration.Seconds(), err != nil)

	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("Synthesis failed",
				slog.String("error", err.Error()),
				slog.Duration("duration", duration),
			)
		}
		return nil
	}

	logger.Debug("Synthesis completed",
		slog.Int("audio_bytes", len(pcm)),
		slog.Duration("duration", duration),
	)
	return pcm
}
