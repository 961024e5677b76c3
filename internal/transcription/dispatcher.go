package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skypro1111/speech-stream-service/internal/audio"
	"github.com/skypro1111/speech-stream-service/internal/metrics"
	"github.com/skypro1111/speech-stream-service/internal/segment"
)

const tracerName = "github.com/skypro1111/speech-stream-service/internal/transcription"

// promptPrefix introduces the context tail in the continuity prompt
const promptPrefix = "This is a continuous spoken English answer. Keep lexical continuity with previous context: "

// DispatcherConfig holds the per-request transcription parameters
type DispatcherConfig struct {
	Model       string
	Language    string
	Temperature float64
	Timeout     time.Duration // Per-call deadline, zero for none
}

// Dispatcher sends accepted segments to a Transcriber
type Dispatcher struct {
	backend Transcriber
	config  DispatcherConfig
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. m may be nil. A nil backend makes
// every dispatch fail with ErrNotConfigured.
func NewDispatcher(backend Transcriber, config DispatcherConfig, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		backend: backend,
		config:  config,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
	}
}

// BuildPrompt returns the continuity prompt for tail, or "" when tail is empty
func BuildPrompt(tail string) string {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return ""
	}
	return promptPrefix + tail
}

// Dispatch transcribes seg with a single backend call and returns the
// trimmed text. contextTail becomes the continuity prompt when non-empty.
func (d *Dispatcher) Dispatch(ctx context.Context, seg *segment.Segment, contextTail string) (string, error) {
	if d.backend == nil {
		return "", ErrNotConfigured
	}

	wav, err := audio.EncodeWAV(seg.PCM, seg.SampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to encode segment: %w", err)
	}

	prompt := BuildPrompt(contextTail)

	ctx, span := d.tracer.Start(ctx, "transcription.dispatch", trace.WithAttributes(
		attribute.Int("segment.bytes", len(seg.PCM)),
		attribute.Int("segment.voiced_samples", seg.VoicedSamples),
		attribute.Int("segment.total_samples", seg.TotalSamples),
		attribute.String("segment.trigger", string(seg.Trigger)),
		attribute.Bool("transcription.prompt", prompt != ""),
	))
	defer span.End()

	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	request := &Request{
		Audio:       wav,
		Filename:    "audio.wav",
		Model:       d.config.Model,
		Language:    d.config.Language,
		Prompt:      prompt,
		Temperature: d.config.Temperature,
	}

	if d.metrics != nil {
		d.metrics.RecordTranscriptionRequest()
	}

	start := time.Now()
	response, err := d.backend.Transcribe(ctx, request)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if d.metrics != nil {
			d.metrics.RecordTranscriptionFailure(elapsed.Seconds())
		}
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	if d.metrics != nil {
		d.metrics.RecordTranscriptionSuccess(elapsed.Seconds())
	}

	text := strings.TrimSpace(response.Text)
	span.SetAttributes(attribute.Int("transcription.text_length", len(text)))

	d.logger.Debug("Segment transcribed",
		slog.Int("bytes", len(seg.PCM)),
		slog.Duration("segment_duration", seg.Duration()),
		slog.Duration("elapsed", elapsed),
		slog.Int("text_length", len(text)))

	return text, nil
}

// Stats returns backend statistics when the backend keeps them
func (d *Dispatcher) Stats() (ClientStats, bool) {
	reporter, ok := d.backend.(StatsReporter)
	if !ok {
		return ClientStats{}, false
	}
	return reporter.Stats(), true
}
