package vad

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Config holds the segmentation policy
type Config struct {
	FrameDuration time.Duration // duration of every pushed frame
	Padding       time.Duration // pre-roll kept before onset
	Silence       time.Duration // sustained non-speech that ends an utterance
	TriggerRatio  float64       // voiced fraction of the ring needed for onset
	MinFill       int           // ring must hold more than this many frames before onset
}

// DefaultConfig returns 20ms frames, 300ms pre-roll, 1s endpointing,
// 0.9 trigger ratio and a minimum fill of 5 frames
func DefaultConfig() Config {
	return Config{
		FrameDuration: 20 * time.Millisecond,
		Padding:       300 * time.Millisecond,
		Silence:       1000 * time.Millisecond,
		TriggerRatio:  0.9,
		MinFill:       5,
	}
}

// RingCapacity returns the pre-roll ring size in frames
func (c Config) RingCapacity() int {
	if c.FrameDuration <= 0 {
		return 0
	}
	return int(c.Padding / c.FrameDuration)
}

// SilenceFrames returns the endpointing threshold in frames
func (c Config) SilenceFrames() int {
	if c.FrameDuration <= 0 {
		return 0
	}
	return int(c.Silence / c.FrameDuration)
}

// Validate checks the policy for consistency
func (c Config) Validate() error {
	if c.FrameDuration <= 0 {
		return fmt.Errorf("frame duration must be positive")
	}
	if c.RingCapacity() < 1 {
		return fmt.Errorf("padding %s is shorter than one frame", c.Padding)
	}
	if c.SilenceFrames() < 1 {
		return fmt.Errorf("silence %s is shorter than one frame", c.Silence)
	}
	if c.TriggerRatio <= 0 || c.TriggerRatio >= 1 {
		return fmt.Errorf("trigger ratio must be between 0 and 1 (exclusive), got %f", c.TriggerRatio)
	}
	if c.MinFill < 0 || c.MinFill >= c.RingCapacity() {
		return fmt.Errorf("min fill must be between 0 and %d, got %d", c.RingCapacity()-1, c.MinFill)
	}
	return nil
}

type ringEntry struct {
	frame    []byte
	isSpeech bool
}

// State is a snapshot of the segmenter for monitoring and tests
type State struct {
	Triggered         bool `json:"triggered"`
	RingLen           int  `json:"ring_len"`
	AccumulatedFrames int  `json:"accumulated_frames"`
	SilenceCount      int  `json:"silence_count"`
}

// SegmenterStats represents segmenter statistics
type SegmenterStats struct {
	TotalFrames      uint64 `json:"total_frames"`
	SpeechFrames     uint64 `json:"speech_frames"`
	ClassifierErrors uint64 `json:"classifier_errors"`
	Utterances       uint64 `json:"utterances"`
	Discarded        uint64 `json:"discarded"`
}

// Segmenter turns a stream of equal-duration PCM frames into utterances.
// It is created per call.
type Segmenter struct {
	config        Config
	classifier    Classifier
	logger        *slog.Logger
	ringCapacity  int
	silenceFrames int

	triggered    bool
	ring         []ringEntry
	accumulated  [][]byte
	silenceCount int

	stats SegmenterStats

	mu sync.Mutex
}

// NewSegmenter creates a segmenter in the initial, non-triggered state
func NewSegmenter(config Config, classifier Classifier, logger *slog.Logger) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VAD config: %w", err)
	}

	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	capacity := config.RingCapacity()
	return &Segmenter{
		config:        config,
		classifier:    classifier,
		logger:        logger,
		ringCapacity:  capacity,
		silenceFrames: config.SilenceFrames(),
		ring:          make([]ringEntry, 0, capacity),
	}, nil
}

// Push feeds one frame. When the frame completes an utterance, the
// utterance is returned with ok set; the segmenter is then back in its
// initial state. The frame is retained, so callers must not reuse it.
func (s *Segmenter) Push(frame []byte) ([]byte, bool) {
	isSpeech, err := s.classifier.IsSpeech(frame)
	if err != nil {
		// Fail closed
		isSpeech = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalFrames++
	if err != nil {
		s.stats.ClassifierErrors++
		s.logger.Debug("VAD classifier failed, treating frame as non-speech", slog.String("error", err.Error()))
	}
	if isSpeech {
		s.stats.SpeechFrames++
	}

	if !s.triggered {
		if len(s.ring) == s.ringCapacity {
			copy(s.ring, s.ring[1:])
			s.ring = s.ring[:len(s.ring)-1]
		}
		s.ring = append(s.ring, ringEntry{frame: frame, isSpeech: isSpeech})

		voiced := 0
		for _, e := range s.ring {
			if e.isSpeech {
				voiced++
			}
		}

		if len(s.ring) > s.config.MinFill && float64(voiced) > s.config.TriggerRatio*float64(len(s.ring)) {
			s.triggered = true
			for _, e := range s.ring {
				s.accumulated = append(s.accumulated, e.frame)
			}
			s.ring = s.ring[:0]
		}
		return nil, false
	}

	s.accumulated = append(s.accumulated, frame)
	if isSpeech {
		s.silenceCount = 0
		return nil, false
	}

	s.silenceCount++
	if s.silenceCount < s.silenceFrames {
		return nil, false
	}

	size := 0
	for _, f := range s.accumulated {
		size += len(f)
	}
	utterance := make([]byte, 0, size)
	for _, f := range s.accumulated {
		utterance = append(utterance, f...)
	}

	s.stats.Utterances++
	s.resetLocked()

	return utterance, true
}

// Discard drops any partial speech and resets to the initial state.
// Partial speech is never flushed as an utterance.
func (s *Segmenter) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.triggered {
		s.stats.Discarded++
	}
	s.resetLocked()
}

func (s *Segmenter) resetLocked() {
	s.triggered = false
	s.ring = s.ring[:0]
	s.accumulated = nil
	s.silenceCount = 0
}

// State returns a snapshot of the current segmentation state
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		Triggered:         s.triggered,
		RingLen:           len(s.ring),
		AccumulatedFrames: len(s.accumulated),
		SilenceCount:      s.silenceCount,
	}
}

// GetStats returns segmenter statistics
func (s *Segmenter) GetStats() SegmenterStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
