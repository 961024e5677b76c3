package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/speech-stream-service/internal/audio"
	"github.com/skypro1111/speech-stream-service/internal/metrics"
	"github.com/skypro1111/speech-stream-service/internal/protocol"
	"github.com/skypro1111/speech-stream-service/internal/segment"
	"github.com/skypro1111/speech-stream-service/internal/transcript"
	"github.com/skypro1111/speech-stream-service/internal/vad"
)

// Emitter delivers events to the client of one session
type Emitter interface {
	Emit(ctx context.Context, event protocol.Event) error
}

// Dispatcher transcribes accepted segments
type Dispatcher interface {
	Dispatch(ctx context.Context, seg *segment.Segment, contextTail string) (string, error)
}

// SessionConfig holds the per-session pipeline parameters
type SessionConfig struct {
	SampleRate          int
	AmplitudeMode       audio.AmplitudeMode
	VAD                 vad.Config
	Segment             segment.Config
	Gate                segment.GateConfig
	ContextWords        int
	ProgressLogInterval int // Binary messages between progress logs, zero disables
}

// Validate checks that every pipeline stage can be built from the config
func (c SessionConfig) Validate() error {
	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	if err := c.Segment.Validate(); err != nil {
		return fmt.Errorf("segment: %w", err)
	}
	if _, err := segment.NewGate(c.Gate); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	return nil
}

// Session is the state of one client connection. Its pipeline is driven by
// a single goroutine in Run; Info may be called concurrently.
type Session struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time

	config     SessionConfig
	detector   *vad.Detector
	segmenter  *segment.Segmenter
	gate       *segment.Gate
	tracker    *transcript.Tracker
	filter     *transcript.Filter
	dispatcher Dispatcher
	emitter    Emitter
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// Owned by the Run goroutine
	seq     int
	packets uint64

	// Cancelled when the manager stops or the session is removed
	done   context.Context
	cancel context.CancelFunc

	// Monitoring snapshot
	mu   sync.RWMutex
	info SessionInfo
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID           string        `json:"id"`
	RemoteAddr   string        `json:"remote_addr"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`
	State        string        `json:"state"`
	Seq          int           `json:"seq"`

	// VAD statistics
	NoiseFloor      float64 `json:"noise_floor"`
	Threshold       float64 `json:"threshold"`
	VoicePercentage float64 `json:"voice_percentage"`

	// Pipeline statistics
	FramesReceived      uint64 `json:"frames_received"`
	FramesDropped       uint64 `json:"frames_dropped"`
	ControlMessages     uint64 `json:"control_messages"`
	SegmentsFinalized   uint64 `json:"segments_finalized"`
	SegmentsRejected    uint64 `json:"segments_rejected"`
	DispatchFailures    uint64 `json:"dispatch_failures"`
	TranscriptsFiltered uint64 `json:"transcripts_filtered"`
	TranscriptsEmitted  uint64 `json:"transcripts_emitted"`
	BufferedBytes       int    `json:"buffered_bytes"`
}

// newSession builds the pipeline for one connection
func newSession(parent context.Context, id, remoteAddr string, config SessionConfig, dispatcher Dispatcher,
	filter *transcript.Filter, emitter Emitter, m *metrics.Metrics, logger *slog.Logger) (*Session, error) {
	detector, err := vad.NewDetector(config.VAD)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	segmenter, err := segment.NewSegmenter(config.Segment)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	gate, err := segment.NewGate(config.Gate)
	if err != nil {
		return nil, fmt.Errorf("failed to create quality gate: %w", err)
	}

	done, cancel := context.WithCancel(parent)
	now := time.Now()

	s := &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		StartTime:  now,
		config:     config,
		detector:   detector,
		segmenter:  segmenter,
		gate:       gate,
		tracker:    transcript.NewTracker(config.ContextWords),
		filter:     filter,
		dispatcher: dispatcher,
		emitter:    emitter,
		metrics:    m,
		logger:     logger.With(slog.String("session_id", id)),
		done:       done,
		cancel:     cancel,
		info: SessionInfo{
			ID:           id,
			RemoteAddr:   remoteAddr,
			StartTime:    now,
			LastActivity: now,
			State:        segment.StateIdle.String(),
		},
	}
	s.refreshInfo()

	return s, nil
}

// Run consumes inbound messages in arrival order until the channel is
// closed, ctx is cancelled or an event cannot be delivered. A closed
// channel is a normal disconnect and returns nil.
func (s *Session) Run(ctx context.Context, inbound <-chan protocol.Message) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unregister := context.AfterFunc(s.done, stop)
	defer unregister()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := s.handleMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// Close cancels the session's Run loop and any outstanding dispatch
func (s *Session) Close() {
	s.cancel()
}

// Seq returns the number of transcripts emitted so far
func (s *Session) Seq() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Seq
}

// Info returns a snapshot of the session for monitoring
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := s.info
	info.Duration = time.Since(s.StartTime)
	return info
}

func (s *Session) handleMessage(ctx context.Context, msg protocol.Message) error {
	defer s.refreshInfo()

	s.mu.Lock()
	s.info.LastActivity = time.Now()
	s.mu.Unlock()

	switch msg.Kind {
	case protocol.KindAudio:
		return s.handleAudio(ctx, msg.Payload)
	case protocol.KindControl:
		return s.handleControl(ctx, msg.Payload)
	default:
		s.logger.Debug("Ignoring message of unknown kind", slog.String("kind", msg.Kind.String()))
		return nil
	}
}

func (s *Session) handleAudio(ctx context.Context, payload []byte) error {
	s.packets++
	s.count(func(i *SessionInfo) { i.FramesReceived++ })
	if s.metrics != nil {
		s.metrics.RecordFrameReceived()
	}

	if s.config.ProgressLogInterval > 0 && s.packets%uint64(s.config.ProgressLogInterval) == 0 {
		s.logger.Info("Stream progress",
			slog.Uint64("packets", s.packets),
			slog.Int("buffer_bytes", s.segmenter.BufferedBytes()),
			slog.Bool("speaking", s.segmenter.Speaking()),
			slog.Float64("noise_floor", s.detector.NoiseFloor()),
		)
	}

	frame, err := audio.DecodeFrame(payload)
	if err != nil {
		reason := dropReason(err)
		s.count(func(i *SessionInfo) { i.FramesDropped++ })
		if s.metrics != nil {
			s.metrics.RecordFrameDropped(reason)
		}
		s.logger.Debug("Dropping malformed frame",
			slog.Int("bytes", len(payload)),
			slog.String("reason", reason),
		)
		return nil
	}

	wasSpeaking := s.segmenter.Speaking()
	result := s.detector.Classify(frame.Amplitude(s.config.AmplitudeMode), wasSpeaking)
	if s.metrics != nil {
		s.metrics.RecordVADFrame(result.Voiced)
	}

	seg := s.segmenter.Push(frame, result.Voiced)
	if !wasSpeaking && s.segmenter.Speaking() {
		s.logger.Debug("Speaking started",
			slog.Uint64("packet", s.packets),
			slog.Float64("amplitude", result.Amplitude),
			slog.Float64("threshold", result.Threshold),
		)
	}

	if seg == nil {
		return nil
	}

	return s.processSegment(ctx, seg)
}

func (s *Session) handleControl(ctx context.Context, payload []byte) error {
	s.count(func(i *SessionInfo) { i.ControlMessages++ })

	control, err := protocol.ParseControl(payload)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordControlMessage("invalid")
		}
		s.logger.Debug("Ignoring invalid control message", slog.String("error", err.Error()))
		return nil
	}

	if !control.IsEOF() {
		// Client text never becomes a label value
		if s.metrics != nil {
			s.metrics.RecordControlMessage("unknown")
		}
		s.logger.Debug("Ignoring unknown control event", slog.String("event", control.Event))
		return nil
	}

	if s.metrics != nil {
		s.metrics.RecordControlMessage(protocol.ControlEOF)
	}

	voiced, total := s.segmenter.Counters()
	s.logger.Info("EOF received, flushing",
		slog.Int("buffer_bytes", s.segmenter.BufferedBytes()),
		slog.Int("seq", s.seq),
		slog.Int("voiced_samples", voiced),
		slog.Int("total_samples", total),
	)

	if seg := s.segmenter.Flush(); seg != nil {
		if err := s.processSegment(ctx, seg); err != nil {
			return err
		}
	}

	return s.emit(ctx, protocol.DoneEvent(s.seq))
}

// processSegment runs a finalized segment through gate, dispatch, filter and
// context tracking, emitting a full event for an accepted transcript
func (s *Session) processSegment(ctx context.Context, seg *segment.Segment) error {
	if s.metrics != nil {
		s.metrics.RecordSegmentFinalized(string(seg.Trigger), seg.Duration().Seconds(), len(seg.PCM))
	}

	verdict := s.gate.Evaluate(seg)
	if !verdict.Accepted {
		s.count(func(i *SessionInfo) { i.SegmentsRejected++ })
		if s.metrics != nil {
			s.metrics.RecordSegmentRejected(verdict.Reason)
		}
		s.logger.Info("Segment skipped by quality gate",
			slog.String("trigger", string(seg.Trigger)),
			slog.String("reason", verdict.Reason),
			slog.Int("bytes", len(seg.PCM)),
			slog.Int("voiced_samples", seg.VoicedSamples),
			slog.Int("total_samples", seg.TotalSamples),
		)
		return nil
	}

	start := time.Now()
	text, err := s.dispatcher.Dispatch(ctx, seg, s.tracker.Tail())

	// The client is gone, so nothing may be emitted or folded into context
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		s.count(func(i *SessionInfo) { i.DispatchFailures++ })
		s.logger.Warn("Transcription failed, segment discarded",
			slog.String("trigger", string(seg.Trigger)),
			slog.Duration("segment_duration", seg.Duration()),
			slog.String("error", err.Error()),
		)
		return nil
	}

	if unwanted, pattern := s.filter.Check(text); unwanted {
		s.count(func(i *SessionInfo) { i.TranscriptsFiltered++ })
		if s.metrics != nil {
			s.metrics.RecordTranscriptFiltered(pattern)
		}
		if text != "" {
			s.logger.Info("Transcript filtered",
				slog.String("pattern", pattern),
				slog.String("text", text),
			)
		}
		return nil
	}

	s.seq++
	s.tracker.Update(text)
	s.count(func(i *SessionInfo) {
		i.TranscriptsEmitted++
		i.Seq = s.seq
	})

	s.logger.Info("Transcript ready",
		slog.Int("seq", s.seq),
		slog.String("trigger", string(seg.Trigger)),
		slog.Int("chars", len(text)),
		slog.Duration("took", time.Since(start)),
	)

	if err := s.emit(ctx, protocol.FullEvent(s.seq, text)); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordTranscriptEmitted()
	}
	return nil
}

func (s *Session) emit(ctx context.Context, event protocol.Event) error {
	if err := s.emitter.Emit(ctx, event); err != nil {
		return fmt.Errorf("failed to emit %s event: %w", event.Type, err)
	}
	return nil
}

// count applies fn to the monitoring snapshot under the lock
func (s *Session) count(fn func(*SessionInfo)) {
	s.mu.Lock()
	fn(&s.info)
	s.mu.Unlock()
}

// refreshInfo copies pipeline state into the monitoring snapshot
func (s *Session) refreshInfo() {
	stats := s.detector.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.State = s.segmenter.State().String()
	s.info.BufferedBytes = s.segmenter.BufferedBytes()
	s.info.SegmentsFinalized = s.segmenter.SegmentsCreated()
	s.info.NoiseFloor = stats.NoiseFloor
	s.info.Threshold = stats.Threshold
	s.info.VoicePercentage = stats.VoicePercentage
}

// dropReason maps a decode error to a metric label
func dropReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrEmptyFrame):
		return "empty"
	case errors.Is(err, audio.ErrFrameLength):
		return "length"
	case errors.Is(err, audio.ErrNonFinite):
		return "non_finite"
	default:
		return "decode"
	}
}
