// Package audio handles raw PCM framing and format conversion for call audio.
// It slices inbound payloads into fixed 20ms frames, paces outbound reply audio,
// and converts between raw PCM, WAV containers and sample rates.
package audio
