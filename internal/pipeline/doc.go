// Package pipeline runs calls: it decodes the framed byte stream, segments
// inbound audio into utterances, and carries each utterance through
// transcription, reply generation, synthesis and paced playback.
//
// Each call has two goroutines. The read goroutine decodes frames and feeds
// the VAD segmenter so ingestion never waits on an external service. The
// turn goroutine takes utterances in endpoint order and runs the blocking
// stages through a Pool shared by all calls. A call's context is cancelled on
// hangup or disconnect, which abandons in-flight stage work and stops reply
// playback.
package pipeline
