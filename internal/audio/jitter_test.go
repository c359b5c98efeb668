package audio

import (
	"bytes"
	"errors"
	"testing"
)

func chunkFor(seq uint32) []byte {
	data := make([]byte, 8)
	for i := range data {
		data[i] = byte(seq)
	}
	return data
}

func TestJitterInOrder(t *testing.T) {
	b := NewJitterBuffer(8, 64)

	for seq := uint32(10); seq < 15; seq++ {
		if _, err := b.Push(seq, chunkFor(seq)); err != nil {
			t.Fatalf("Push(%d) failed: %v", seq, err)
		}
	}

	chunks := b.Pull()
	if len(chunks) != 5 {
		t.Fatalf("Expected 5 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if !bytes.Equal(chunk, chunkFor(uint32(10+i))) {
			t.Errorf("Chunk %d out of order", i)
		}
	}

	if again := b.Pull(); again != nil {
		t.Errorf("Expected empty pull after drain, got %d chunks", len(again))
	}
}

func TestJitterReordersWithinWindow(t *testing.T) {
	b := NewJitterBuffer(8, 64)

	// Arrival order 1, 3, 2, 4: everything within the window is delivered
	// in sequence order.
	for _, seq := range []uint32{1, 3, 2, 4} {
		if _, err := b.Push(seq, chunkFor(seq)); err != nil {
			t.Fatalf("Push(%d) failed: %v", seq, err)
		}
	}

	chunks := b.Pull()
	if len(chunks) != 4 {
		t.Fatalf("Expected 4 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if !bytes.Equal(chunk, chunkFor(uint32(1+i))) {
			t.Errorf("Chunk %d: expected seq %d content", i, 1+i)
		}
	}
}

func TestJitterDropsLateFrame(t *testing.T) {
	b := NewJitterBuffer(8, 64)

	b.Push(5, chunkFor(5))
	b.Push(6, chunkFor(6))
	b.Pull()

	// Sequence 4 is behind the delivered position.
	if _, err := b.Push(4, chunkFor(4)); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("Expected ErrStaleFrame for late frame, got %v", err)
	}
	// Duplicate of a delivered frame.
	if _, err := b.Push(5, chunkFor(5)); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("Expected ErrStaleFrame for duplicate, got %v", err)
	}

	stats := b.Stats()
	if stats.DroppedLate != 2 {
		t.Errorf("Expected 2 late drops, got %d", stats.DroppedLate)
	}
}

func TestJitterSkipsClosedGap(t *testing.T) {
	b := NewJitterBuffer(4, 64)

	b.Push(1, chunkFor(1))
	// Jump far past the window: the missing frames are given up on and
	// delivery resumes from the new position.
	b.Push(10, chunkFor(10))

	chunks := b.Pull()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks after gap skip, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[1], chunkFor(10)) {
		t.Error("Expected delivery to resume at the post-gap frame")
	}

	// A frame from inside the abandoned gap is now stale.
	if _, err := b.Push(5, chunkFor(5)); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("Expected ErrStaleFrame inside closed gap, got %v", err)
	}

	stats := b.Stats()
	if stats.SkippedGaps == 0 {
		t.Error("Expected skipped gap counter to advance")
	}
}

func TestJitterOverflowEvictsOldest(t *testing.T) {
	b := NewJitterBuffer(8, 4)

	evictedTotal := 0
	for seq := uint32(0); seq < 6; seq++ {
		evicted, err := b.Push(seq, chunkFor(seq))
		if err != nil {
			t.Fatalf("Push(%d) failed: %v", seq, err)
		}
		evictedTotal += evicted
	}

	if evictedTotal != 2 {
		t.Errorf("Expected 2 evictions, got %d", evictedTotal)
	}

	chunks := b.Pull()
	if len(chunks) != 4 {
		t.Fatalf("Expected 4 chunks at capacity, got %d", len(chunks))
	}
	// Oldest unread data went first.
	if !bytes.Equal(chunks[0], chunkFor(2)) {
		t.Error("Expected oldest chunks to be evicted first")
	}

	stats := b.Stats()
	if stats.DroppedOverflow != 2 {
		t.Errorf("Expected overflow counter 2, got %d", stats.DroppedOverflow)
	}
}

func TestJitterPullCopiesData(t *testing.T) {
	b := NewJitterBuffer(8, 64)

	src := chunkFor(1)
	b.Push(1, src)
	src[0] = 0xff // caller reuses its buffer

	chunks := b.Pull()
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0][0] == 0xff {
		t.Error("Buffer aliased the caller's slice")
	}
}
