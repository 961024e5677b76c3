package segment

import (
	"fmt"
	"time"

	"github.com/skypro1111/speech-stream-service/internal/audio"
)

// State represents the current state of the segmentation process
type State int

const (
	StateIdle State = iota
	StateSpeaking
	StateTrailingSilence
)

// String returns the human-readable name of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateTrailingSilence:
		return "trailing_silence"
	default:
		return "unknown"
	}
}

// Trigger records why a segment was finalized
type Trigger string

const (
	TriggerSilence Trigger = "silence"
	TriggerFlush   Trigger = "flush"
)

// Segment is one finalized span of buffered audio
type Segment struct {
	PCM           []byte  // Little-endian 16-bit mono PCM
	VoicedSamples int     // Samples from frames classified as voiced
	TotalSamples  int     // Samples from voiced and trailing-silence frames
	SampleRate    int     // Nominal sample rate of PCM
	Trigger       Trigger // What finalized the segment
}

// Duration returns the audio length of the segment
func (s *Segment) Duration() time.Duration {
	return time.Duration(audio.SamplesToDuration(s.TotalSamples, s.SampleRate) * float64(time.Second))
}

// VoicedRatio returns the share of voiced samples, or 0 for an empty segment
func (s *Segment) VoicedRatio() float64 {
	if s.TotalSamples <= 0 {
		return 0
	}
	return float64(s.VoicedSamples) / float64(s.TotalSamples)
}

// Config contains configuration for the segmentation process
type Config struct {
	SampleRate      int
	SilenceDuration time.Duration // Trailing silence needed to finalize
}

// Validate checks the segmenter configuration
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.SilenceDuration <= 0 {
		return fmt.Errorf("silence duration must be positive, got %s", c.SilenceDuration)
	}
	return nil
}

// Segmenter turns a stream of classified frames into segments. Silence is
// timed on the audio clock, so identical input always produces identical
// boundaries. A Segmenter belongs to one session and is not safe for
// concurrent use.
type Segmenter struct {
	config Config
	state  State

	buffer         []byte
	voicedSamples  int
	totalSamples   int
	silenceSamples int // Trailing silence since the silence timer started

	segmentsCreated uint64
}

// NewSegmenter creates a segmenter in the idle state
func NewSegmenter(config Config) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segment config: %w", err)
	}

	return &Segmenter{
		config: config,
		state:  StateIdle,
		buffer: make([]byte, 0, config.SampleRate*audio.BytesPerSample*4), // 4 seconds
	}, nil
}

// Push feeds one classified frame into the state machine and returns a
// segment when trailing silence has exceeded the configured duration.
func (s *Segmenter) Push(frame *audio.Frame, voiced bool) *Segment {
	switch s.state {
	case StateIdle:
		if !voiced {
			return nil
		}
		s.reset()
		s.state = StateSpeaking
		s.appendFrame(frame, true)

	case StateSpeaking:
		if voiced {
			s.appendFrame(frame, true)
			return nil
		}
		// Silence is part of the utterance's trailing edge
		s.state = StateTrailingSilence
		s.appendFrame(frame, false)
		s.silenceSamples = frame.Len()

	case StateTrailingSilence:
		if voiced {
			// A pause for breath, not the end of the utterance
			s.state = StateSpeaking
			s.silenceSamples = 0
			s.appendFrame(frame, true)
			return nil
		}
		s.appendFrame(frame, false)
		s.silenceSamples += frame.Len()
	}

	if s.state == StateTrailingSilence && s.silenceElapsed() > s.config.SilenceDuration {
		return s.finalize(TriggerSilence)
	}

	return nil
}

// Flush finalizes whatever is buffered regardless of the silence timer.
// It returns nil if the buffer is empty. The segmenter is idle afterwards.
func (s *Segmenter) Flush() *Segment {
	if len(s.buffer) == 0 {
		s.reset()
		return nil
	}
	return s.finalize(TriggerFlush)
}

// State returns the current segmentation state
func (s *Segmenter) State() State {
	return s.state
}

// Speaking reports whether an utterance is in progress
func (s *Segmenter) Speaking() bool {
	return s.state != StateIdle
}

// BufferedBytes returns the size of the in-progress segment
func (s *Segmenter) BufferedBytes() int {
	return len(s.buffer)
}

// Counters returns the voiced and total sample counts of the in-progress segment
func (s *Segmenter) Counters() (voiced, total int) {
	return s.voicedSamples, s.totalSamples
}

// SegmentsCreated returns how many segments have been finalized
func (s *Segmenter) SegmentsCreated() uint64 {
	return s.segmentsCreated
}

// appendFrame adds frame audio to the buffer and updates the counters
func (s *Segmenter) appendFrame(frame *audio.Frame, voiced bool) {
	s.buffer = append(s.buffer, frame.PCM...)
	s.totalSamples += frame.Len()
	if voiced {
		s.voicedSamples += frame.Len()
	}
}

// silenceElapsed converts the trailing silence sample count to a duration
func (s *Segmenter) silenceElapsed() time.Duration {
	return time.Duration(audio.SamplesToDuration(s.silenceSamples, s.config.SampleRate) * float64(time.Second))
}

// finalize hands the buffer off as a segment and returns to idle
func (s *Segmenter) finalize(trigger Trigger) *Segment {
	seg := &Segment{
		PCM:           s.buffer,
		VoicedSamples: s.voicedSamples,
		TotalSamples:  s.totalSamples,
		SampleRate:    s.config.SampleRate,
		Trigger:       trigger,
	}

	s.segmentsCreated++
	s.buffer = make([]byte, 0, cap(s.buffer))
	s.reset()

	return seg
}

// reset clears counters and timers and returns to idle
func (s *Segmenter) reset() {
	s.state = StateIdle
	s.buffer = s.buffer[:0]
	s.voicedSamples = 0
	s.totalSamples = 0
	s.silenceSamples = 0
}
