package audio

import (
	"errors"
	"sync"
)

// ErrStaleFrame is returned for frames arriving after their reorder window
// has closed (already delivered past them) or for duplicates.
var ErrStaleFrame = errors.New("stale audio frame")

// JitterBuffer absorbs arrival-time variance of inbound audio chunks. Frames
// are re-ordered by sequence number within a bounded window; the reader pulls
// contiguous PCM. It never blocks the caller path: late frames are dropped
// and overflow evicts the oldest unread chunk.
type JitterBuffer struct {
	window   uint32
	capacity int

	started  bool
	expected uint32
	pending  map[uint32][]byte
	ready    [][]byte

	pushed          uint64
	delivered       uint64
	droppedLate     uint64
	droppedOverflow uint64
	skippedGaps     uint64

	mu sync.Mutex
}

// JitterStats reports buffer counters for monitoring.
type JitterStats struct {
	Pushed          uint64 `json:"pushed"`
	Delivered       uint64 `json:"delivered"`
	DroppedLate     uint64 `json:"dropped_late"`
	DroppedOverflow uint64 `json:"dropped_overflow"`
	SkippedGaps     uint64 `json:"skipped_gaps"`
	Ready           int    `json:"ready_chunks"`
	Pending         int    `json:"pending_chunks"`
}

// NewJitterBuffer creates a buffer with the given reorder window and total
// capacity, both in chunks.
func NewJitterBuffer(window uint32, capacity int) *JitterBuffer {
	if window == 0 {
		window = 8
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &JitterBuffer{
		window:   window,
		capacity: capacity,
		pending:  make(map[uint32][]byte),
	}
}

// Push inserts one chunk by sequence number. It returns the number of oldest
// unread chunks evicted to stay within capacity (the caller logs a warning
// when non-zero) and ErrStaleFrame for late or duplicate frames.
func (b *JitterBuffer) Push(seq uint32, pcm []byte) (evicted int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.started = true
		b.expected = seq
	}

	switch {
	case seq == b.expected:
		b.pushed++
		b.appendReady(pcm)
		b.expected++
		b.drainPending()

	case seq > b.expected:
		b.pushed++
		if _, dup := b.pending[seq]; dup {
			b.droppedLate++
			return 0, ErrStaleFrame
		}
		chunk := make([]byte, len(pcm))
		copy(chunk, pcm)
		b.pending[seq] = chunk

		// Gap exceeded the window: give up on the missing frames and
		// resume from the earliest buffered one.
		if seq-b.expected > b.window {
			lowest := b.lowestPending()
			b.skippedGaps += uint64(lowest - b.expected)
			b.expected = lowest
			b.drainPending()
		}

	default:
		b.droppedLate++
		return 0, ErrStaleFrame
	}

	for len(b.ready)+len(b.pending) > b.capacity && len(b.ready) > 0 {
		b.ready = b.ready[1:]
		b.droppedOverflow++
		evicted++
	}
	return evicted, nil
}

// Pull returns the contiguous run of chunks accumulated so far, in sequence
// order, and clears it. Returns nil when nothing is ready.
func (b *JitterBuffer) Pull() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ready) == 0 {
		return nil
	}
	out := b.ready
	b.ready = nil
	b.delivered += uint64(len(out))
	return out
}

// Stats returns current counters.
func (b *JitterBuffer) Stats() JitterStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return JitterStats{
		Pushed:          b.pushed,
		Delivered:       b.delivered,
		DroppedLate:     b.droppedLate,
		DroppedOverflow: b.droppedOverflow,
		SkippedGaps:     b.skippedGaps,
		Ready:           len(b.ready),
		Pending:         len(b.pending),
	}
}

func (b *JitterBuffer) appendReady(pcm []byte) {
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	b.ready = append(b.ready, chunk)
}

func (b *JitterBuffer) drainPending() {
	for {
		chunk, ok := b.pending[b.expected]
		if !ok {
			return
		}
		delete(b.pending, b.expected)
		b.ready = append(b.ready, chunk)
		b.expected++
	}
}

func (b *JitterBuffer) lowestPending() uint32 {
	lowest := b.expected
	first := true
	for seq := range b.pending {
		if first || seq < lowest {
			lowest = seq
			first = false
		}
	}
	return lowest
}
