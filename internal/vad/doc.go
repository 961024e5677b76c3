// Package vad provides an adaptive, amplitude-based Voice Activity Detector.
// It learns the ambient noise floor between utterances and classifies frames
// against a clamped dynamic threshold derived from it.
package vad
