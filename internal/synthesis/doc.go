// Package synthesis turns reply text into call audio. Backends return WAV
// (or raw PCM) at whatever rate the voice model produces; ToCallAudio decodes
// and resamples it to 16 kHz PCM-16 mono before playback.
package synthesis
