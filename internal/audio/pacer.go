package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBackpressure signals that the outbound queue is full. Synthesis must
// pause and retry; outbound audio is never dropped by the buffer itself.
var ErrBackpressure = errors.New("outbound buffer full")

// PacerConfig configures the outbound pacing clock.
type PacerConfig struct {
	Interval   time.Duration
	ChunkBytes int
	QueueLimit int

	// Tick overrides the internal ticker. It makes pacing deterministic in
	// tests; nil uses a real ticker at Interval.
	Tick <-chan time.Time
}

// Pacer releases synthesized PCM to the wire at the protocol's fixed chunk
// cadence, regardless of how fast synthesis produces audio. While a reply is
// being spoken an underrun is filled with a silence chunk so the connection
// never starves; when no reply is in flight the clock emits nothing.
type Pacer struct {
	cfg       PacerConfig
	emit      func([]byte) error
	onDrained func()
	logger    *slog.Logger
	silence   []byte

	mu       sync.Mutex
	queue    [][]byte
	rem      []byte
	speaking bool
	done     bool
	cursor   int64

	emitted     uint64
	silenceFill uint64
	discarded   uint64
	writeErrors uint64
}

// PacerStats reports pacer counters for monitoring.
type PacerStats struct {
	Emitted     uint64 `json:"emitted_chunks"`
	SilenceFill uint64 `json:"silence_chunks"`
	Discarded   uint64 `json:"discarded_chunks"`
	WriteErrors uint64 `json:"write_errors"`
	Queued      int    `json:"queued_chunks"`
	Cursor      int64  `json:"cursor_bytes"`
}

// NewPacer creates a pacer. emit writes one chunk to the wire; onDrained is
// invoked once per reply when playback completes with nothing pending.
func NewPacer(cfg PacerConfig, emit func([]byte) error, onDrained func(), logger *slog.Logger) *Pacer {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Millisecond
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 320
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 256
	}
	return &Pacer{
		cfg:       cfg,
		emit:      emit,
		onDrained: onDrained,
		logger:    logger,
		silence:   make([]byte, cfg.ChunkBytes),
	}
}

// Run drives the pacing clock until ctx is cancelled.
func (p *Pacer) Run(ctx context.Context) {
	tick := p.cfg.Tick
	if tick == nil {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			p.step()
		}
	}
}

// step emits exactly one chunk: the next queued one, a silence fill while a
// reply is pending, or nothing when idle.
func (p *Pacer) step() {
	p.mu.Lock()

	var chunk []byte
	synthesized := false
	switch {
	case len(p.queue) > 0:
		chunk = p.queue[0]
		p.queue = p.queue[1:]
		synthesized = true
	case p.speaking && !p.done:
		chunk = p.silence
	default:
		drained := p.speaking && p.done
		if drained {
			p.speaking = false
		}
		p.mu.Unlock()
		if drained && p.onDrained != nil {
			p.onDrained()
		}
		return
	}
	p.mu.Unlock()

	if err := p.emit(chunk); err != nil {
		p.mu.Lock()
		p.writeErrors++
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Warn("Outbound chunk write failed", slog.String("error", err.Error()))
		}
		return
	}

	p.mu.Lock()
	if synthesized {
		p.emitted++
		p.cursor += int64(len(chunk))
	} else {
		p.silenceFill++
	}
	p.mu.Unlock()
}

// BeginReply marks the start of a spoken reply: the cursor resets and
// underruns are silence-filled until EndReply and the queue drain.
func (p *Pacer) BeginReply() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaking = true
	p.done = false
	p.cursor = 0
}

// EndReply marks that no further synthesized audio is coming for the current
// reply. Any sub-chunk remainder is padded with silence and queued.
func (p *Pacer) EndReply() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushRemainder()
	p.done = true
}

// Enqueue appends synthesized PCM, split into wire-size chunks. It returns
// ErrBackpressure when the queue is at its limit; nothing is consumed and the
// caller retries after pausing.
func (p *Pacer) Enqueue(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) >= p.cfg.QueueLimit {
		return ErrBackpressure
	}

	p.rem = append(p.rem, pcm...)
	for len(p.rem) >= p.cfg.ChunkBytes {
		chunk := make([]byte, p.cfg.ChunkBytes)
		copy(chunk, p.rem[:p.cfg.ChunkBytes])
		p.queue = append(p.queue, chunk)
		p.rem = p.rem[p.cfg.ChunkBytes:]
	}
	return nil
}

// Discard drops all buffered-but-unplayed audio and ends the reply. It
// returns the number of chunks discarded and the cursor position: how many
// bytes of the reply were actually delivered before the interruption.
func (p *Pacer) Discard() (chunks int, cursor int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	chunks = len(p.queue)
	if len(p.rem) > 0 {
		chunks++
	}
	p.discarded += uint64(chunks)
	p.queue = nil
	p.rem = nil
	p.speaking = false
	p.done = false
	return chunks, p.cursor
}

// Speaking reports whether a reply is currently in flight.
func (p *Pacer) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// Cursor returns the bytes of synthesized audio delivered for the current or
// just-finished reply. Silence fill does not advance it.
func (p *Pacer) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Stats returns current counters.
func (p *Pacer) Stats() PacerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PacerStats{
		Emitted:     p.emitted,
		SilenceFill: p.silenceFill,
		Discarded:   p.discarded,
		WriteErrors: p.writeErrors,
		Queued:      len(p.queue),
		Cursor:      p.cursor,
	}
}

// flushRemainder pads the sub-chunk tail to a full chunk. Callers hold p.mu.
func (p *Pacer) flushRemainder() {
	if len(p.rem) == 0 {
		return
	}
	chunk := make([]byte, p.cfg.ChunkBytes)
	copy(chunk, p.rem)
	p.queue = append(p.queue, chunk)
	p.rem = nil
}
