// Package transcript post-processes text returned by the transcription backend.
// It filters hallucinated or promotional output and keeps the rolling context
// tail that is fed back to the backend as a continuity prompt.
package transcript
