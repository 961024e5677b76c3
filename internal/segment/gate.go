package segment

import "fmt"

// Rejection reasons reported by the quality gate
const (
	ReasonAccepted       = "accepted"
	ReasonTooShort       = "too_short"
	ReasonNoSamples      = "no_samples"
	ReasonTooLittleVoice = "too_little_voice"
	ReasonLowVoicedRatio = "low_voiced_ratio"
)

// GateConfig holds the acceptance thresholds for finalized segments
type GateConfig struct {
	MinAudioBytes    int     // Segments must be strictly longer than this
	MinVoicedSamples int     // Absolute floor of voiced samples
	MinVoicedRatio   float64 // Minimum voiced / total ratio
}

// DefaultGateConfig returns the gate thresholds for the given sample rate:
// 0.6 s of audio, 0.35 s of voice and a 0.22 voiced ratio.
func DefaultGateConfig(sampleRate int) GateConfig {
	return GateConfig{
		MinAudioBytes:    int(float64(sampleRate) * 2 * 0.6),
		MinVoicedSamples: int(float64(sampleRate) * 0.35),
		MinVoicedRatio:   0.22,
	}
}

// Verdict is the outcome of a gate evaluation
type Verdict struct {
	Accepted bool
	Reason   string
}

// Gate accepts or rejects finalized segments before dispatch
type Gate struct {
	config GateConfig
}

// NewGate creates a quality gate
func NewGate(config GateConfig) (*Gate, error) {
	if config.MinAudioBytes < 0 {
		return nil, fmt.Errorf("min audio bytes cannot be negative, got %d", config.MinAudioBytes)
	}
	if config.MinVoicedSamples < 0 {
		return nil, fmt.Errorf("min voiced samples cannot be negative, got %d", config.MinVoicedSamples)
	}
	if config.MinVoicedRatio < 0 || config.MinVoicedRatio > 1 {
		return nil, fmt.Errorf("min voiced ratio must be between 0 and 1, got %f", config.MinVoicedRatio)
	}
	return &Gate{config: config}, nil
}

// Evaluate decides whether seg is worth transcribing
func (g *Gate) Evaluate(seg *Segment) Verdict {
	switch {
	case seg == nil || len(seg.PCM) <= g.config.MinAudioBytes:
		return Verdict{Reason: ReasonTooShort}
	case seg.TotalSamples <= 0:
		return Verdict{Reason: ReasonNoSamples}
	case seg.VoicedSamples < g.config.MinVoicedSamples:
		return Verdict{Reason: ReasonTooLittleVoice}
	case seg.VoicedRatio() < g.config.MinVoicedRatio:
		return Verdict{Reason: ReasonLowVoicedRatio}
	}
	return Verdict{Accepted: true, Reason: ReasonAccepted}
}
