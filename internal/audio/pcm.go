package audio

import "time"

// BytesToSamples converts raw little-endian PCM bytes to int16 samples. An
// odd trailing byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw little-endian PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(uint16(s) >> 8)
	}
	return pcm
}

// ChunkBytes returns the wire chunk size for a sample rate and chunk
// duration: 16-bit mono PCM, so two bytes per sample.
func ChunkBytes(sampleRate int, chunk time.Duration) int {
	return int(time.Duration(sampleRate) * chunk / time.Second * 2)
}

// Duration returns the playback time of a raw PCM byte count at a rate.
func Duration(pcmBytes int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := pcmBytes / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
