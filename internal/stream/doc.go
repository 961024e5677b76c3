// Package stream owns the per-connection transcription pipeline.
//
// A Session decodes inbound audio frames, classifies them with a VAD,
// groups them into segments and dispatches accepted segments for
// transcription, emitting numbered transcript events in arrival order.
// The Manager is the registry of live sessions and enforces the
// concurrent session cap.
package stream
