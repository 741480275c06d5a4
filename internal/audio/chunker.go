package audio

import (
	"context"
	"fmt"
	"time"
)

// ChunkingConfig contains configuration for splitting reply audio into frames
type ChunkingConfig struct {
	ChunkSize int           // bytes per outbound frame (640 for 20ms at 16kHz)
	Pacing    time.Duration // delay between consecutive sends
}

// SendFunc delivers one chunk of reply audio
type SendFunc func(chunk []byte) error

// Split divides PCM audio into chunks of at most size bytes.
// The last chunk may be shorter. Chunks share the backing array of data.
func Split(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// Chunker paces reply audio onto a transport
type Chunker struct {
	config ChunkingConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewChunker creates a new reply chunker
func NewChunker(config ChunkingConfig) (*Chunker, error) {
	if config.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	if config.Pacing < 0 {
		return nil, fmt.Errorf("pacing cannot be negative, got %s", config.Pacing)
	}

	return &Chunker{
		config: config,
		sleep:  sleepContext,
	}, nil
}

// Stream sends data chunk by chunk, waiting Pacing between sends.
// It stops early when ctx is cancelled or send fails and reports how many chunks went out.
func (c *Chunker) Stream(ctx context.Context, data []byte, send SendFunc) (int, error) {
	chunks := Split(data, c.config.ChunkSize)

	sent := 0
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		if err := send(chunk); err != nil {
			return sent, fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		sent++

		if i < len(chunks)-1 && c.config.Pacing > 0 {
			if err := c.sleep(ctx, c.config.Pacing); err != nil {
				return sent, err
			}
		}
	}

	return sent, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
