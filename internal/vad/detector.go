package vad

import "fmt"

// Config holds the adaptive detector parameters
type Config struct {
	InitialNoiseFloor float64 // Starting ambient estimate before anything is learned
	Alpha             float64 // EMA weight of the previous noise floor, close to 1
	SpeechMargin      float64 // Multiplier applied to the noise floor
	MinThreshold      float64 // Lower clamp of the dynamic threshold
	MaxThreshold      float64 // Upper clamp of the dynamic threshold
}

// DefaultConfig returns the detector defaults tuned for browser microphone input
func DefaultConfig() Config {
	return Config{
		InitialNoiseFloor: 0.01,
		Alpha:             0.95,
		SpeechMargin:      2.5,
		MinThreshold:      0.05,
		MaxThreshold:      0.2,
	}
}

// Validate checks the detector parameters
func (c Config) Validate() error {
	if c.InitialNoiseFloor < 0 {
		return fmt.Errorf("initial noise floor cannot be negative, got %f", c.InitialNoiseFloor)
	}

	if c.Alpha < 0 || c.Alpha >= 1 {
		return fmt.Errorf("alpha must be in [0, 1), got %f", c.Alpha)
	}

	if c.SpeechMargin <= 0 {
		return fmt.Errorf("speech margin must be positive, got %f", c.SpeechMargin)
	}

	if c.MinThreshold < 0 {
		return fmt.Errorf("min threshold cannot be negative, got %f", c.MinThreshold)
	}

	if c.MaxThreshold < c.MinThreshold {
		return fmt.Errorf("max threshold (%f) must not be below min threshold (%f)", c.MaxThreshold, c.MinThreshold)
	}

	return nil
}

// Result is the classification of a single frame
type Result struct {
	Voiced     bool    `json:"voiced"`
	Amplitude  float64 `json:"amplitude"`
	Threshold  float64 `json:"threshold"`
	NoiseFloor float64 `json:"noise_floor"`
}

// Stats represents detector statistics
type Stats struct {
	TotalFrames     uint64  `json:"total_frames"`
	VoicedFrames    uint64  `json:"voiced_frames"`
	VoicePercentage float64 `json:"voice_percentage"`
	NoiseFloor      float64 `json:"noise_floor"`
	Threshold       float64 `json:"threshold"`
}

// Detector classifies frames as voiced or silent against a threshold that
// follows the ambient noise floor. A Detector belongs to one session and is
// not safe for concurrent use.
type Detector struct {
	config     Config
	noiseFloor float64

	totalFrames  uint64
	voicedFrames uint64
}

// NewDetector creates a detector seeded with the configured noise floor
func NewDetector(config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vad config: %w", err)
	}

	return &Detector{
		config:     config,
		noiseFloor: config.InitialNoiseFloor,
	}, nil
}

// Classify decides whether a frame with the given amplitude is voiced.
// The noise floor only learns while speaking is false, so an utterance never
// raises its own threshold.
func (d *Detector) Classify(amplitude float64, speaking bool) Result {
	if !speaking {
		d.noiseFloor = d.config.Alpha*d.noiseFloor + (1-d.config.Alpha)*amplitude
	}

	threshold := d.Threshold()
	voiced := amplitude > threshold

	d.totalFrames++
	if voiced {
		d.voicedFrames++
	}

	return Result{
		Voiced:     voiced,
		Amplitude:  amplitude,
		Threshold:  threshold,
		NoiseFloor: d.noiseFloor,
	}
}

// Threshold returns the current dynamic threshold
func (d *Detector) Threshold() float64 {
	threshold := d.noiseFloor * d.config.SpeechMargin
	if threshold < d.config.MinThreshold {
		return d.config.MinThreshold
	}
	if threshold > d.config.MaxThreshold {
		return d.config.MaxThreshold
	}
	return threshold
}

// NoiseFloor returns the current ambient estimate
func (d *Detector) NoiseFloor() float64 {
	return d.noiseFloor
}

// Stats returns detector statistics
func (d *Detector) Stats() Stats {
	voicePercentage := float64(0)
	if d.totalFrames > 0 {
		voicePercentage = float64(d.voicedFrames) / float64(d.totalFrames) * 100
	}

	return Stats{
		TotalFrames:     d.totalFrames,
		VoicedFrames:    d.voicedFrames,
		VoicePercentage: voicePercentage,
		NoiseFloor:      d.noiseFloor,
		Threshold:       d.Threshold(),
	}
}
