// Package transcription sends finalized speech segments to a transcription
// backend. It provides an OpenAI client, a generic multipart HTTP client, a
// process-wide cap on outstanding calls and the Dispatcher that wraps one
// segment into a single traced, timed request.
package transcription
