package audio

import (
	"fmt"
	"sync"
	"time"
)

// FrameAssembler accumulates raw PCM payloads of arbitrary size and slices
// them into fixed-size frames for the VAD segmenter
type FrameAssembler struct {
	frameSize int

	// Audio data storage
	rawAudioData []byte

	// Statistics
	lastUpdate    time.Time
	totalPayloads uint64
	totalFrames   uint64
	totalBytes    uint64

	mu sync.Mutex
}

// AssemblerStats represents assembler statistics for monitoring
type AssemblerStats struct {
	FrameSize     int       `json:"frame_size_bytes"`
	TotalPayloads uint64    `json:"total_payloads"`
	TotalFrames   uint64    `json:"total_frames"`
	TotalBytes    uint64    `json:"total_bytes"`
	Pending       int       `json:"pending_bytes"`
	LastWrite     time.Time `json:"last_write"`
}

// NewFrameAssembler creates an assembler emitting frames of frameSize bytes
func NewFrameAssembler(frameSize int) (*FrameAssembler, error) {
	if frameSize <= 0 || frameSize%BytesPerSample != 0 {
		return nil, fmt.Errorf("frame size must be a positive multiple of %d, got %d", BytesPerSample, frameSize)
	}

	return &FrameAssembler{
		frameSize:    frameSize,
		rawAudioData: make([]byte, 0, frameSize*4),
		lastUpdate:   time.Now(),
	}, nil
}

// Write appends a payload and returns every complete frame now available.
// Returned frames are independent copies.
func (a *FrameAssembler) Write(payload []byte) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastUpdate = time.Now()
	a.totalPayloads++
	a.totalBytes += uint64(len(payload))
	a.rawAudioData = append(a.rawAudioData, payload...)

	var frames [][]byte
	offset := 0
	for len(a.rawAudioData)-offset >= a.frameSize {
		frame := make([]byte, a.frameSize)
		copy(frame, a.rawAudioData[offset:offset+a.frameSize])
		frames = append(frames, frame)
		offset += a.frameSize
	}

	if offset > 0 {
		a.rawAudioData = append(a.rawAudioData[:0], a.rawAudioData[offset:]...)
		a.totalFrames += uint64(len(frames))
	}

	return frames
}

// Reset discards any partial frame
func (a *FrameAssembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rawAudioData = a.rawAudioData[:0]
}

// GetStats returns current assembler statistics
func (a *FrameAssembler) GetStats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AssemblerStats{
		FrameSize:     a.frameSize,
		TotalPayloads: a.totalPayloads,
		TotalFrames:   a.totalFrames,
		TotalBytes:    a.totalBytes,
		Pending:       len(a.rawAudioData),
		LastWrite:     a.lastUpdate,
	}
}
