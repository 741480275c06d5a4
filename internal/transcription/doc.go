// Package transcription implements the speech-to-text backends used by call
// turns. The http backend uploads each utterance as a WAV file in a
// multipart/form-data request to a whisper.cpp-style inference server, with
// retries, exponential backoff and a concurrency limit. The openai backend
// uses the OpenAI audio transcription API, or any compatible base URL.
package transcription
