package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Canonical call audio format
const (
	SampleRate     = 16000 // Hz
	BytesPerSample = 2     // signed 16-bit little-endian, mono
	FrameDuration  = 20 * time.Millisecond
	FrameSamples   = SampleRate * int(FrameDuration/time.Millisecond) / 1000 // 320
	FrameBytes     = FrameSamples * BytesPerSample                           // 640
)

// FrameSize returns the byte size of one PCM frame for the given rate and duration
func FrameSize(sampleRate int, frameDuration time.Duration) int {
	samples := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	return samples * BytesPerSample
}

// BytesToSamples converts little-endian PCM-16 bytes to samples.
// A trailing odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / BytesPerSample
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes converts samples to little-endian PCM-16 bytes
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// RMS returns the root-mean-square amplitude of a PCM-16 frame, normalized to 0..1
func RMS(data []byte) float64 {
	n := len(data) / BytesPerSample
	if n == 0 {
		return 0
	}

	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / math.MaxInt16
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// EnergyDBFS returns the frame energy in dBFS; silence is reported as -100
func EnergyDBFS(data []byte) float64 {
	rms := RMS(data)
	if rms < 1e-10 {
		return -100
	}
	return 20 * math.Log10(rms)
}

// Duration returns the playback duration of PCM-16 mono bytes at the given rate
func Duration(numBytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := numBytes / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
