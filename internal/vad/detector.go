package vad

import (
	"fmt"
	"math"
)

// Event classifies one audio chunk relative to the speech/silence boundary.
type Event int

const (
	Silence Event = iota
	SpeechStart
	SpeechContinue
	SpeechEnd
)

// String returns a human-readable name for the event.
func (e Event) String() string {
	switch e {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return fmt.Sprintf("unknown(%d)", int(e))
	}
}

// Config tunes the detector.
type Config struct {
	// Threshold is the normalized energy level above which a chunk counts
	// as voiced, in [0, 1].
	Threshold float64
	// Smoothing is the weight given to the previous energy estimate, in
	// [0, 1). Low values keep the per-chunk decision responsive.
	Smoothing float64
	// HangoverChunks is how many consecutive sub-threshold chunks must
	// accumulate inside speech before SpeechEnd fires. Brief pauses shorter
	// than this stay part of the utterance.
	HangoverChunks int
}

// Detector is an energy-based voice activity detector. It decides per chunk,
// which keeps it fast enough to gate barge-in during playback. Not safe for
// concurrent use; each session owns one.
type Detector struct {
	cfg Config

	level      float64
	inSpeech   bool
	silenceRun int

	chunks uint64
	voiced uint64
}

// Stats reports detector counters for monitoring.
type Stats struct {
	Chunks   uint64  `json:"chunks"`
	Voiced   uint64  `json:"voiced_chunks"`
	Level    float64 `json:"level"`
	InSpeech bool    `json:"in_speech"`
}

// NewDetector creates a detector, validating the configuration.
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", cfg.Threshold)
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		return nil, fmt.Errorf("smoothing must be in [0, 1), got %f", cfg.Smoothing)
	}
	if cfg.HangoverChunks <= 0 {
		return nil, fmt.Errorf("hangover must be positive, got %d", cfg.HangoverChunks)
	}
	return &Detector{cfg: cfg}, nil
}

// Process classifies one chunk of 16-bit little-endian mono PCM. Exactly one
// SpeechStart and one SpeechEnd bracket each utterance: SpeechStart on the
// first voiced chunk, SpeechEnd once silence has persisted for the full
// hangover, SpeechContinue in between (including pauses still inside the
// hangover window).
func (d *Detector) Process(chunk []byte) Event {
	energy := d.energy(chunk)
	d.level = d.cfg.Smoothing*d.level + (1-d.cfg.Smoothing)*energy
	voiced := d.level >= d.cfg.Threshold

	d.chunks++
	if voiced {
		d.voiced++
	}

	if !d.inSpeech {
		if !voiced {
			return Silence
		}
		d.inSpeech = true
		d.silenceRun = 0
		return SpeechStart
	}

	if voiced {
		d.silenceRun = 0
		return SpeechContinue
	}

	d.silenceRun++
	if d.silenceRun < d.cfg.HangoverChunks {
		return SpeechContinue
	}
	d.inSpeech = false
	d.silenceRun = 0
	return SpeechEnd
}

// Reset clears the speech state for the next utterance. The rolling energy
// estimate survives so the ambient level carries over.
func (d *Detector) Reset() {
	d.inSpeech = false
	d.silenceRun = 0
}

// InSpeech reports whether the detector is currently inside an utterance.
func (d *Detector) InSpeech() bool {
	return d.inSpeech
}

// GetStats returns current counters.
func (d *Detector) GetStats() Stats {
	return Stats{
		Chunks:   d.chunks,
		Voiced:   d.voiced,
		Level:    d.level,
		InSpeech: d.inSpeech,
	}
}

// energy computes the RMS energy of the chunk, normalized to [0, 1].
func (d *Detector) energy(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(chunk[i*2]) | int16(chunk[i*2+1])<<8)
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))

	// Normalize assuming speech peaks around 10000 on the int16 scale.
	normalized := rms / 10000.0
	if normalized > 1.0 {
		normalized = 1.0
	}
	return normalized
}
