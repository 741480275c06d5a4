package vad

import (
	"fmt"
	"sync/atomic"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
)

// Classifier decides whether a single PCM frame contains speech
type Classifier interface {
	IsSpeech(frame []byte) (bool, error)
}

// ClassifierFunc adapts a plain function to the Classifier interface
type ClassifierFunc func(frame []byte) (bool, error)

// IsSpeech calls f(frame)
func (f ClassifierFunc) IsSpeech(frame []byte) (bool, error) {
	return f(frame)
}

// EnergyClassifier is an RMS-energy speech classifier. A frame counts as
// speech when its energy is at or above the threshold in dBFS. One classifier
// is shared by every call, so IsSpeech takes no lock.
type EnergyClassifier struct {
	thresholdDBFS float64
	frameSize     int

	// Statistics
	totalFrames  atomic.Uint64
	speechFrames atomic.Uint64
}

// EnergyStats represents classifier statistics
type EnergyStats struct {
	ThresholdDBFS    float64 `json:"threshold_dbfs"`
	TotalFrames      uint64  `json:"total_frames"`
	SpeechFrames     uint64  `json:"speech_frames"`
	SpeechPercentage float64 `json:"speech_percentage"`
}

// NewEnergyClassifier creates a classifier for frames of frameSize bytes.
// frameSize 0 accepts any even-length frame.
func NewEnergyClassifier(thresholdDBFS float64, frameSize int) (*EnergyClassifier, error) {
	if thresholdDBFS > 0 || thresholdDBFS < -100 {
		return nil, fmt.Errorf("threshold must be between -100 and 0 dBFS, got %f", thresholdDBFS)
	}

	if frameSize < 0 || frameSize%audio.BytesPerSample != 0 {
		return nil, fmt.Errorf("frame size must be a non-negative multiple of %d, got %d", audio.BytesPerSample, frameSize)
	}

	return &EnergyClassifier{
		thresholdDBFS: thresholdDBFS,
		frameSize:     frameSize,
	}, nil
}

// IsSpeech classifies one frame
func (c *EnergyClassifier) IsSpeech(frame []byte) (bool, error) {
	if len(frame) == 0 || len(frame)%audio.BytesPerSample != 0 {
		return false, fmt.Errorf("invalid frame length %d", len(frame))
	}

	if c.frameSize > 0 && len(frame) != c.frameSize {
		return false, fmt.Errorf("expected %d bytes, got %d", c.frameSize, len(frame))
	}

	speech := audio.EnergyDBFS(frame) >= c.thresholdDBFS

	c.totalFrames.Add(1)
	if speech {
		c.speechFrames.Add(1)
	}

	return speech, nil
}

// GetStats returns current classifier statistics
func (c *EnergyClassifier) GetStats() EnergyStats {
	total := c.totalFrames.Load()
	speech := c.speechFrames.Load()

	speechPercentage := float64(0)
	if total > 0 {
		speechPercentage = float64(speech) / float64(total) * 100
	}

	return EnergyStats{
		ThresholdDBFS:    c.thresholdDBFS,
		TotalFrames:      total,
		SpeechFrames:     speech,
		SpeechPercentage: speechPercentage,
	}
}
