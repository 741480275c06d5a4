// Package vad provides voice activity detection for call audio.
// A Classifier labels individual PCM frames as speech or non-speech, and a
// Segmenter turns the labelled stream into utterances using a pre-roll ring
// buffer for onset and a run of silent frames for endpointing.
package vad
