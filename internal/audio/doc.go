// Package audio handles inbound frame decoding and the WAV container.
// It converts float32 wire frames to 16-bit PCM with their amplitude measures,
// and wraps finalized PCM segments in WAV for transcription.
package audio
