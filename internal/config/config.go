package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Audio         AudioConfig         `yaml:"audio" json:"audio"`
	VAD           VADConfig           `yaml:"vad" json:"vad"`
	Segment       SegmentConfig       `yaml:"segment" json:"segment"`
	Transcription TranscriptionConfig `yaml:"transcription" json:"transcription"`
	Filter        FilterConfig        `yaml:"filter" json:"filter"`
	Stream        StreamConfig        `yaml:"stream" json:"stream"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// ServerConfig contains the HTTP and WebSocket listener configuration
type ServerConfig struct {
	Port                  int      `yaml:"port" json:"port"`
	Address               string   `yaml:"address" json:"address"`
	MaxConcurrentSessions int      `yaml:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	MaxMessageBytes       int64    `yaml:"max_message_bytes" json:"max_message_bytes"`
	ShutdownTimeout       float64  `yaml:"shutdown_timeout" json:"shutdown_timeout"` // seconds
	AllowedOrigins        []string `yaml:"allowed_origins" json:"allowed_origins"`   // WebSocket origin host patterns
}

// AudioConfig contains inbound audio parameters
type AudioConfig struct {
	SampleRate    int    `yaml:"sample_rate" json:"sample_rate"`
	AmplitudeMode string `yaml:"amplitude_mode" json:"amplitude_mode"` // "rms" or "peak"
}

// VADConfig contains adaptive Voice Activity Detection parameters
type VADConfig struct {
	InitialNoiseFloor float64 `yaml:"initial_noise_floor" json:"initial_noise_floor"`
	Alpha             float64 `yaml:"alpha" json:"alpha"`
	SpeechMargin      float64 `yaml:"speech_margin" json:"speech_margin"`
	MinThreshold      float64 `yaml:"min_threshold" json:"min_threshold"`
	MaxThreshold      float64 `yaml:"max_threshold" json:"max_threshold"`
}

// SegmentConfig contains segmentation and quality gate parameters
type SegmentConfig struct {
	SilenceDuration   float64 `yaml:"silence_duration" json:"silence_duration"`       // seconds
	MinAudioDuration  float64 `yaml:"min_audio_duration" json:"min_audio_duration"`   // seconds
	MinVoicedDuration float64 `yaml:"min_voiced_duration" json:"min_voiced_duration"` // seconds
	MinVoicedRatio    float64 `yaml:"min_voiced_ratio" json:"min_voiced_ratio"`
}

// TranscriptionConfig contains transcription backend configuration
type TranscriptionConfig struct {
	Backend       string  `yaml:"backend" json:"backend"` // "openai" or "http"
	Endpoint      string  `yaml:"endpoint" json:"endpoint"`
	APIKey        string  `yaml:"api_key" json:"-"`
	Model         string  `yaml:"model" json:"model"`
	Language      string  `yaml:"language" json:"language"`
	Temperature   float64 `yaml:"temperature" json:"temperature"`
	Timeout       int     `yaml:"timeout" json:"timeout"` // seconds
	MaxConcurrent int     `yaml:"max_concurrent" json:"max_concurrent"`
	ContextWords  int     `yaml:"context_words" json:"context_words"`
}

// FilterConfig contains extra transcript suppression patterns
type FilterConfig struct {
	BlockedPatterns []string `yaml:"blocked_patterns" json:"blocked_patterns"`
}

// StreamConfig contains per-session queueing parameters
type StreamConfig struct {
	PendingMessages     int `yaml:"pending_messages" json:"pending_messages"`
	ProgressLogInterval int `yaml:"progress_log_interval" json:"progress_log_interval"` // binary messages
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the configuration used for any field a file leaves unset
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                  8000,
			Address:               "0.0.0.0",
			MaxConcurrentSessions: 100,
			MaxMessageBytes:       1 << 20,
			ShutdownTimeout:       10,
			AllowedOrigins:        []string{"*"},
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			AmplitudeMode: "rms",
		},
		VAD: VADConfig{
			InitialNoiseFloor: 0.01,
			Alpha:             0.95,
			SpeechMargin:      2.5,
			MinThreshold:      0.05,
			MaxThreshold:      0.2,
		},
		Segment: SegmentConfig{
			SilenceDuration:   1.0,
			MinAudioDuration:  0.6,
			MinVoicedDuration: 0.35,
			MinVoicedRatio:    0.22,
		},
		Transcription: TranscriptionConfig{
			Backend:       "openai",
			Model:         "whisper-1",
			Language:      "en",
			Temperature:   0,
			Timeout:       30,
			MaxConcurrent: 10,
			ContextWords:  32,
		},
		Stream: StreamConfig{
			PendingMessages:     256,
			ProgressLogInterval: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Loader reads a YAML file over Default and applies environment overrides.
// Tests can override Lookup to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
}

// Load reads and parses the configuration file using the process environment
func Load(path string) (*Config, error) {
	return Loader{}.Load(path)
}

// Load reads path, applies environment overrides and validates the result.
// An empty path skips the file.
func (l Loader) Load(path string) (*Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(l.Lookup, config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func applyEnv(lookup func(string) (string, bool), config *Config) error {
	overrideString(lookup, "OPENAI_API_KEY", &config.Transcription.APIKey)
	overrideString(lookup, "STT_LOG_LEVEL", &config.Logging.Level)
	overrideString(lookup, "STT_LANGUAGE", &config.Transcription.Language)

	if value, ok := lookup("STT_LISTEN_PORT"); ok && strings.TrimSpace(value) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("invalid STT_LISTEN_PORT %q: %w", value, err)
		}
		config.Server.Port = port
	}

	return nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Segment.Validate(); err != nil {
		return fmt.Errorf("segment config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Filter.Validate(); err != nil {
		return fmt.Errorf("filter config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return errors.New("address cannot be empty")
	}

	if s.MaxConcurrentSessions < 1 {
		return fmt.Errorf("max_concurrent_sessions must be at least 1, got %d", s.MaxConcurrentSessions)
	}

	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", s.MaxMessageBytes)
	}

	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %f", s.ShutdownTimeout)
	}

	for _, pattern := range s.AllowedOrigins {
		if strings.TrimSpace(pattern) == "" {
			return errors.New("allowed_origins cannot contain empty patterns")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.AmplitudeMode != "rms" && a.AmplitudeMode != "peak" {
		return fmt.Errorf("amplitude_mode must be 'rms' or 'peak', got '%s'", a.AmplitudeMode)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.InitialNoiseFloor < 0 {
		return fmt.Errorf("initial_noise_floor cannot be negative, got %f", v.InitialNoiseFloor)
	}

	if v.Alpha < 0 || v.Alpha >= 1 {
		return fmt.Errorf("alpha must be in [0, 1), got %f", v.Alpha)
	}

	if v.SpeechMargin <= 0 {
		return fmt.Errorf("speech_margin must be positive, got %f", v.SpeechMargin)
	}

	if v.MinThreshold < 0 {
		return fmt.Errorf("min_threshold cannot be negative, got %f", v.MinThreshold)
	}

	if v.MaxThreshold < v.MinThreshold {
		return fmt.Errorf("max_threshold (%f) must not be below min_threshold (%f)", v.MaxThreshold, v.MinThreshold)
	}

	return nil
}

// Validate validates segmentation configuration
func (s *SegmentConfig) Validate() error {
	if s.SilenceDuration <= 0 {
		return fmt.Errorf("silence_duration must be positive, got %f", s.SilenceDuration)
	}

	if s.MinAudioDuration < 0 {
		return fmt.Errorf("min_audio_duration cannot be negative, got %f", s.MinAudioDuration)
	}

	if s.MinVoicedDuration < 0 {
		return fmt.Errorf("min_voiced_duration cannot be negative, got %f", s.MinVoicedDuration)
	}

	if s.MinVoicedRatio < 0 || s.MinVoicedRatio > 1 {
		return fmt.Errorf("min_voiced_ratio must be between 0 and 1, got %f", s.MinVoicedRatio)
	}

	return nil
}

// Validate validates transcription configuration. A missing API key is not
// an error here; sessions are refused until one is provided.
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case "openai":
	case "http":
		if t.Endpoint == "" {
			return errors.New("endpoint cannot be empty for the http backend")
		}
	default:
		return fmt.Errorf("backend must be 'openai' or 'http', got '%s'", t.Backend)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	if t.Temperature < 0 || t.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", t.Temperature)
	}

	if t.ContextWords < 1 {
		return fmt.Errorf("context_words must be at least 1, got %d", t.ContextWords)
	}

	return nil
}

// Configured reports whether the backend has the credentials it needs
func (t *TranscriptionConfig) Configured() bool {
	switch t.Backend {
	case "http":
		return t.Endpoint != ""
	default:
		return t.APIKey != ""
	}
}

// Validate checks that every extra pattern compiles
func (f *FilterConfig) Validate() error {
	for _, p := range f.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
	}
	return nil
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.PendingMessages < 1 {
		return fmt.Errorf("pending_messages must be at least 1, got %d", s.PendingMessages)
	}

	if s.ProgressLogInterval < 0 {
		return fmt.Errorf("progress_log_interval cannot be negative, got %d", s.ProgressLogInterval)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	return nil
}

// GetShutdownTimeout returns the graceful shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout * float64(time.Second))
}

// GetSilenceDuration returns the trailing silence threshold as a time.Duration
func (s *SegmentConfig) GetSilenceDuration() time.Duration {
	return time.Duration(s.SilenceDuration * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
