// Package segment implements the utterance segmentation state machine and the
// quality gate applied to finalized segments before transcription.
package segment
