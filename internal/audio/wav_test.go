package audio

import (
	"bytes"
	"math"
	"testing"
	"time"
)

func sineWavePCM(sampleRate int, freq float64, d time.Duration) []byte {
	numSamples := int(float64(sampleRate) * d.Seconds())
	samples := make([]int16, numSamples)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(16383.0 * math.Sin(2*math.Pi*freq*t))
	}
	return SamplesToBytes(samples)
}

func TestEncodeWAV(t *testing.T) {
	sampleRate := 8000
	pcm := sineWavePCM(sampleRate, 440.0, 100*time.Millisecond)

	wavData, err := EncodeWAV(pcm, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := wavHeaderSize + len(pcm)
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if string(wavData[0:4]) != "RIFF" || string(wavData[8:12]) != "WAVE" {
		t.Error("Generated WAV missing RIFF/WAVE markers")
	}
}

func TestWAVRoundTrip(t *testing.T) {
	sampleRate := 8000
	original := SamplesToBytes([]int16{100, -200, 300, -400, 500})

	wavData, err := EncodeWAV(original, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	decoded, decodedRate, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if decodedRate != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, decodedRate)
	}
	if !bytes.Equal(decoded, original) {
		t.Errorf("Decoded PCM differs from original:\n  original: %v\n  decoded:  %v", original, decoded)
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	tests := []struct {
		name       string
		pcm        []byte
		sampleRate int
	}{
		{name: "empty audio", pcm: nil, sampleRate: 8000},
		{name: "odd byte count", pcm: []byte{0x01, 0x02, 0x03}, sampleRate: 8000},
		{name: "zero sample rate", pcm: []byte{0x01, 0x02}, sampleRate: 0},
		{name: "negative sample rate", pcm: []byte{0x01, 0x02}, sampleRate: -8000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.pcm, tt.sampleRate); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	valid, err := EncodeWAV([]byte{0x01, 0x02, 0x03, 0x04}, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	badMarker := make([]byte, len(valid))
	copy(badMarker, valid)
	copy(badMarker[0:4], []byte("FAKE"))

	stereo := make([]byte, len(valid))
	copy(stereo, valid)
	stereo[22] = 2 // NumChannels

	tests := []struct {
		name string
		data []byte
	}{
		{name: "too short", data: []byte{1, 2, 3}},
		{name: "bad RIFF marker", data: badMarker},
		{name: "stereo rejected", data: stereo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestPCMConversions(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	pcm := SamplesToBytes(samples)
	back := BytesToSamples(pcm)

	if len(back) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(back))
	}
	for i := range samples {
		if back[i] != samples[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, samples[i], back[i])
		}
	}
}

func TestChunkBytes(t *testing.T) {
	if got := ChunkBytes(8000, 20*time.Millisecond); got != 320 {
		t.Errorf("Expected 320 bytes for 20ms at 8kHz, got %d", got)
	}
	if got := ChunkBytes(16000, 20*time.Millisecond); got != 640 {
		t.Errorf("Expected 640 bytes for 20ms at 16kHz, got %d", got)
	}
}

func TestPCMDuration(t *testing.T) {
	if got := Duration(320, 8000); got != 20*time.Millisecond {
		t.Errorf("Expected 20ms for 320 bytes at 8kHz, got %s", got)
	}
	if got := Duration(16000, 8000); got != time.Second {
		t.Errorf("Expected 1s for 16000 bytes at 8kHz, got %s", got)
	}
	if got := Duration(320, 0); got != 0 {
		t.Errorf("Expected 0 for invalid rate, got %s", got)
	}
}
