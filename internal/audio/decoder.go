package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// bytesPerFloatSample is the size of one inbound float32 sample
	bytesPerFloatSample = 4

	// BytesPerSample is the size of one 16-bit PCM sample
	BytesPerSample = 2

	// maxInt16 is the scale factor applied to normalized float samples
	maxInt16 = 32767
)

var (
	// ErrEmptyFrame is returned for a payload without any samples
	ErrEmptyFrame = errors.New("audio frame is empty")

	// ErrFrameLength is returned when the payload is not a whole number of float32 samples
	ErrFrameLength = errors.New("audio frame length is not a multiple of 4 bytes")

	// ErrNonFinite is returned when a sample is NaN or infinite
	ErrNonFinite = errors.New("audio frame contains non-finite samples")
)

// AmplitudeMode selects which amplitude measure feeds the VAD
type AmplitudeMode string

const (
	AmplitudeRMS  AmplitudeMode = "rms"
	AmplitudePeak AmplitudeMode = "peak"
)

// Frame is one decoded inbound audio message. It is not retained after the
// samples have been appended to a segment.
type Frame struct {
	Samples []int16 // Scaled PCM samples
	PCM     []byte  // Samples as little-endian 16-bit PCM
	Peak    float64 // Peak absolute amplitude before clamping
	RMS     float64 // Root-mean-square amplitude before clamping
}

// Len returns the number of samples in the frame
func (f *Frame) Len() int {
	return len(f.Samples)
}

// Amplitude returns the amplitude measure selected by mode, defaulting to RMS
func (f *Frame) Amplitude(mode AmplitudeMode) float64 {
	if mode == AmplitudePeak {
		return f.Peak
	}
	return f.RMS
}

// DecodeFrame converts a payload of little-endian float32 samples in [-1, 1]
// into 16-bit PCM and computes its peak and RMS amplitude. Samples outside the
// legal range are clamped before scaling.
func DecodeFrame(payload []byte) (*Frame, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}

	if len(payload)%bytesPerFloatSample != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrFrameLength, len(payload))
	}

	numSamples := len(payload) / bytesPerFloatSample
	samples := make([]int16, numSamples)
	pcm := make([]byte, numSamples*BytesPerSample)

	var peak, sumSquares float64
	for i := 0; i < numSamples; i++ {
		bits := binary.LittleEndian.Uint32(payload[i*bytesPerFloatSample:])
		value := float64(math.Float32frombits(bits))

		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("%w: sample %d", ErrNonFinite, i)
		}

		// Amplitude is measured on the raw signal, scaling on the clamped one
		abs := math.Abs(value)
		if abs > peak {
			peak = abs
		}
		sumSquares += value * value

		samples[i] = floatToPCM(value)
		binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(samples[i]))
	}

	return &Frame{
		Samples: samples,
		PCM:     pcm,
		Peak:    peak,
		RMS:     math.Sqrt(sumSquares / float64(numSamples)),
	}, nil
}

// EncodeFloat32 is the inverse wire helper: it packs float samples into the
// little-endian float32 payload format accepted by DecodeFrame.
func EncodeFloat32(samples []float32) []byte {
	payload := make([]byte, len(samples)*bytesPerFloatSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(payload[i*bytesPerFloatSample:], math.Float32bits(s))
	}
	return payload
}

// floatToPCM scales a normalized sample to int16, clamping to [-1, 1]
func floatToPCM(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * maxInt16)
}

// SamplesToDuration converts a sample count to seconds at the given rate
func SamplesToDuration(samples, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(samples) / float64(sampleRate)
}
