package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

// sinePCM generates a 440Hz sine wave as 16-bit PCM bytes
func sinePCM(sampleRate int, seconds float64) []byte {
	numSamples := int(float64(sampleRate) * seconds)
	pcm := make([]byte, numSamples*BytesPerSample)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := int16(16383.0 * math.Sin(2*math.Pi*440*t))
		binary.LittleEndian.PutUint16(pcm[i*BytesPerSample:], uint16(sample))
	}
	return pcm
}

func TestEncodeWAV(t *testing.T) {
	sampleRate := 16000
	pcm := sinePCM(sampleRate, 0.1)

	wavData, err := EncodeWAV(pcm, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// WAV header should be 44 bytes
	expectedSize := 44 + len(pcm)
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("Failed to get WAV info: %v", err)
	}

	if info.SampleRate != uint32(sampleRate) {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, info.SampleRate)
	}

	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}

	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}

	if int(info.NumSamples) != len(pcm)/2 {
		t.Errorf("Expected %d samples, got %d", len(pcm)/2, info.NumSamples)
	}

	if math.Abs(info.Duration-0.1) > 0.001 {
		t.Errorf("Expected duration 0.1s, got %.4f", info.Duration)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := sinePCM(16000, 0.05)

	wavData, err := EncodeWAV(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decoded, sampleRate, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if sampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", sampleRate)
	}

	if string(decoded) != string(pcm) {
		t.Error("Decoded PCM does not match the encoded payload")
	}
}

func TestEncodeWAVInvalidInput(t *testing.T) {
	tests := []struct {
		name       string
		pcm        []byte
		sampleRate int
	}{
		{name: "empty", pcm: nil, sampleRate: 16000},
		{name: "odd length", pcm: []byte{1, 2, 3}, sampleRate: 16000},
		{name: "zero sample rate", pcm: []byte{1, 2}, sampleRate: 0},
		{name: "negative sample rate", pcm: []byte{1, 2}, sampleRate: -1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.pcm, tt.sampleRate); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestDecodeWAVInvalidHeader(t *testing.T) {
	if _, _, err := DecodeWAV([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for too short WAV data")
	}

	invalid := make([]byte, 50)
	copy(invalid[0:4], []byte("FAKE"))
	if _, _, err := DecodeWAV(invalid); err == nil {
		t.Error("Expected error for invalid RIFF header")
	}
}

func TestDecodeWAVTruncated(t *testing.T) {
	wavData, err := EncodeWAV(sinePCM(16000, 0.01), 16000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if _, _, err := DecodeWAV(wavData[:len(wavData)-10]); err == nil {
		t.Error("Expected error for truncated data chunk")
	}
}
