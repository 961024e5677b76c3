package server

import (
	"math"

	"github.com/skypro1111/speech-stream-service/internal/audio"
	"github.com/skypro1111/speech-stream-service/internal/config"
	"github.com/skypro1111/speech-stream-service/internal/segment"
	"github.com/skypro1111/speech-stream-service/internal/stream"
	"github.com/skypro1111/speech-stream-service/internal/transcription"
	"github.com/skypro1111/speech-stream-service/internal/vad"
)

// ManagerConfig derives the stream manager configuration from cfg
func ManagerConfig(cfg *config.Config) stream.ManagerConfig {
	rate := cfg.Audio.SampleRate

	return stream.ManagerConfig{
		MaxSessions: cfg.Server.MaxConcurrentSessions,
		Session: stream.SessionConfig{
			SampleRate:    rate,
			AmplitudeMode: audio.AmplitudeMode(cfg.Audio.AmplitudeMode),
			VAD: vad.Config{
				InitialNoiseFloor: cfg.VAD.InitialNoiseFloor,
				Alpha:             cfg.VAD.Alpha,
				SpeechMargin:      cfg.VAD.SpeechMargin,
				MinThreshold:      cfg.VAD.MinThreshold,
				MaxThreshold:      cfg.VAD.MaxThreshold,
			},
			Segment: segment.Config{
				SampleRate:      rate,
				SilenceDuration: cfg.Segment.GetSilenceDuration(),
			},
			Gate: segment.GateConfig{
				MinAudioBytes:    int(math.Round(cfg.Segment.MinAudioDuration * float64(rate) * audio.BytesPerSample)),
				MinVoicedSamples: int(math.Round(cfg.Segment.MinVoicedDuration * float64(rate))),
				MinVoicedRatio:   cfg.Segment.MinVoicedRatio,
			},
			ContextWords:        cfg.Transcription.ContextWords,
			ProgressLogInterval: cfg.Stream.ProgressLogInterval,
		},
	}
}

// DispatcherConfig derives the per-request transcription parameters from cfg
func DispatcherConfig(cfg *config.Config) transcription.DispatcherConfig {
	return transcription.DispatcherConfig{
		Model:       cfg.Transcription.Model,
		Language:    cfg.Transcription.Language,
		Temperature: cfg.Transcription.Temperature,
		Timeout:     cfg.Transcription.GetTimeoutDuration(),
	}
}

// ClientConfig derives the transcription backend configuration from cfg
func ClientConfig(cfg *config.Config) transcription.Config {
	return transcription.Config{
		Backend:       cfg.Transcription.Backend,
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	}
}
