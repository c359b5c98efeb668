// Package audio handles per-call audio buffering and timing. The jitter
// buffer re-orders inbound chunks within a bounded window; the pacer releases
// synthesized audio to the wire at the protocol's fixed chunk cadence with
// silence fill on underrun. WAV helpers wrap and strip the container used by
// the transcription and synthesis collaborators.
package audio
