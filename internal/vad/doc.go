// Package vad provides energy-based voice activity detection. It classifies
// fixed-duration PCM chunks into speech/silence events with a hangover
// counter, so utterance boundaries and barge-in detection resolve within one
// chunk of audio.
package vad
