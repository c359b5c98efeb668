package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promaaa/open-medSecretary/internal/audio"
	"github.com/promaaa/open-medSecretary/internal/events"
	"github.com/promaaa/open-medSecretary/internal/pipeline"
	"github.com/promaaa/open-medSecretary/internal/protocol"
	"github.com/promaaa/open-medSecretary/internal/turn"
	"github.com/promaaa/open-medSecretary/internal/vad"
)

// eventQueueSize bounds the channel between the read loop and the process
// loop. Collaborator completions share the same channel, so it is sized
// well above the per-tick frame rate.
const eventQueueSize = 64

type eventKind int

const (
	evFrame eventKind = iota
	evTranscript
	evSpeaking
	evReplyDone
	evSayDone
	evTransferDone
	evPlaybackDone
)

// event is one unit of work for the process loop. Frames come from the
// read loop; the rest are completions posted by collaborator goroutines.
type event struct {
	kind  eventKind
	frame *protocol.Frame
	text  string
	err   error
}

// SessionInfo is the JSON snapshot of one call served by the monitoring API.
type SessionInfo struct {
	CallID        string            `json:"call_id"`
	RemoteAddr    string            `json:"remote_addr"`
	State         string            `json:"state"`
	StartedAt     time.Time         `json:"started_at"`
	DurationMS    int64             `json:"duration_ms"`
	IdleMS        int64             `json:"idle_ms"`
	Turns         uint64            `json:"turns"`
	Failures      int               `json:"consecutive_failures"`
	Interruptions uint64            `json:"interruptions"`
	MenuSelection string            `json:"menu_selection,omitempty"`
	Jitter        audio.JitterStats `json:"jitter"`
	Playback      audio.PacerStats  `json:"playback"`
}

// Session owns one call end to end: the connection, the frame decoder, the
// audio path and the turn machine. Three goroutines run per session: the
// read loop decodes frames off the socket, the process loop owns the machine
// and serializes every state change, and the pacer clocks outbound audio.
// Collaborator work (STT, LLM, TTS, transfer) runs in short-lived goroutines
// that post their completions back to the process loop.
type Session struct {
	ID uuid.UUID

	config Config
	deps   Deps

	conn       net.Conn
	remoteAddr string
	writeMu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	decoder  *protocol.Decoder
	jitter   *audio.JitterBuffer
	pacer    *audio.Pacer
	detector *vad.Detector
	machine  *turn.Machine
	bridge   *pipeline.Bridge

	evCh chan event

	// Turn bookkeeping, owned by the process loop.
	nextSeq        uint32
	turnCtx        context.Context
	turnCancel     context.CancelFunc
	turnStartedAt  time.Time
	turnFirstAudio time.Duration

	mu           sync.RWMutex
	stats        turn.Stats
	lastActivity time.Time

	startedAt time.Time
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	onClose   func(*Session)

	logger *slog.Logger
}

// newSession assembles the per-call components around an accepted
// connection. The caller has already consumed the START frame.
func newSession(parent context.Context, config Config, deps Deps, conn net.Conn, callID uuid.UUID, onClose func(*Session)) (*Session, error) {
	if config.SampleRate <= 0 {
		config.SampleRate = 8000
	}
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = 20 * time.Millisecond
	}
	if config.TurnTimeout <= 0 {
		config.TurnTimeout = 30 * time.Second
	}

	logger := deps.Logger.With(slog.String("call_id", callID.String()))

	detector, err := vad.NewDetector(config.VAD)
	if err != nil {
		return nil, fmt.Errorf("vad: %w", err)
	}
	machine, err := turn.NewMachine(config.Turn)
	if err != nil {
		return nil, fmt.Errorf("turn machine: %w", err)
	}
	bridge, err := pipeline.NewBridge(config.Bridge, deps.STT, deps.LLM, deps.TTS, logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:         callID,
		config:     config,
		deps:       deps,
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		ctx:        ctx,
		cancel:     cancel,
		decoder:    protocol.NewDecoder(config.Limits),
		jitter:     audio.NewJitterBuffer(config.JitterWindow, config.JitterCapacity),
		detector:   detector,
		machine:    machine,
		bridge:     bridge,
		evCh:       make(chan event, eventQueueSize),
		startedAt:  time.Now(),
		done:       make(chan struct{}),
		onClose:    onClose,
		logger:     logger,
	}
	s.lastActivity = s.startedAt
	s.stats = machine.GetStats()

	s.pacer = audio.NewPacer(audio.PacerConfig{
		Interval:   config.ChunkDuration,
		ChunkBytes: audio.ChunkBytes(config.SampleRate, config.ChunkDuration),
		QueueLimit: config.PacerQueueLimit,
	}, func(chunk []byte) error {
		return s.writeFrame(protocol.EncodeAudio(chunk))
	}, func() {
		s.post(event{kind: evPlaybackDone})
	}, logger)

	return s, nil
}

// start launches the session goroutines.
func (s *Session) start() {
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.processLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.pacer.Run(s.ctx)
	}()
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
}

// Close terminates the session without notifying the switch.
func (s *Session) Close(reason string) {
	s.shutdown(reason, false)
}

// Hangup sends a HANGUP frame to the switch and terminates the session.
func (s *Session) Hangup(reason string) {
	s.shutdown(reason, true)
}

// Done is closed once every session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IdleFor returns how long ago the switch last sent a frame.
func (s *Session) IdleFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastActivity)
}

// Stats returns the latest turn machine snapshot.
func (s *Session) Stats() turn.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// History returns a copy of the conversation so far.
func (s *Session) History() []pipeline.Exchange {
	return s.bridge.History()
}

// Info builds the monitoring snapshot for this call.
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	st := s.stats
	idle := time.Since(s.lastActivity)
	s.mu.RUnlock()

	return SessionInfo{
		CallID:        s.ID.String(),
		RemoteAddr:    s.remoteAddr,
		State:         st.State.String(),
		StartedAt:     s.startedAt,
		DurationMS:    time.Since(s.startedAt).Milliseconds(),
		IdleMS:        idle.Milliseconds(),
		Turns:         st.Turns,
		Failures:      st.Failures,
		Interruptions: st.Interruptions,
		MenuSelection: st.MenuSelection,
		Jitter:        s.jitter.Stats(),
		Playback:      s.pacer.Stats(),
	}
}

// readLoop moves bytes from the socket through the decoder and posts each
// frame to the process loop. A protocol violation is answered with an ERROR
// frame and kills the call.
func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.decoder.Feed(buf[:n])
			for {
				frame, derr := s.decoder.Next()
				if derr != nil {
					s.logger.Warn("protocol violation",
						slog.String("error", derr.Error()))
					s.deps.Metrics.RecordProtocolError()
					s.writeFrame(protocol.EncodeError(derr.Error()))
					s.shutdown("protocol violation", false)
					return
				}
				if frame == nil {
					break
				}
				s.deps.Metrics.RecordFrameReceived()
				s.post(event{kind: evFrame, frame: frame})
			}
		}
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("connection read failed", slog.String("error", err.Error()))
			}
			s.shutdown("connection closed by peer", false)
			return
		}
	}
}

// processLoop owns the turn machine. Every frame, voice activity event and
// collaborator completion is applied here, so the machine itself needs no
// locking.
func (s *Session) processLoop() {
	defer func() {
		s.cancelTurn()
		if s.machine.Terminate("session closed") {
			s.snapshotStats()
		}
	}()

	s.exec(s.machine.Begin())
	s.snapshotStats()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.evCh:
			s.handle(ev)
			s.snapshotStats()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evFrame:
		s.handleFrame(ev.frame)

	case evTranscript:
		s.exec(s.machine.OnTranscript(ev.text, ev.err))
		if s.machine.State() == turn.StateGenerating {
			s.startReply(ev.text)
		}

	case evSpeaking:
		s.turnFirstAudio = time.Since(s.turnStartedAt)
		s.exec(s.machine.OnSpeaking())

	case evReplyDone:
		s.cancelTurn()
		if ev.err == nil {
			s.deps.Metrics.RecordTurnCompleted(s.turnFirstAudio.Seconds())
			s.publishReply()
		} else {
			s.deps.Metrics.RecordTurnFailed()
			s.logger.Warn("turn failed", slog.String("error", ev.err.Error()))
		}
		s.exec(s.machine.OnReplyDone(ev.err))

	case evSayDone:
		s.cancelTurn()
		if ev.err != nil {
			s.logger.Warn("prompt synthesis failed", slog.String("error", ev.err.Error()))
		}
		s.exec(s.machine.OnSayDone(ev.err))

	case evTransferDone:
		s.exec(s.machine.OnTransferResult(ev.err))

	case evPlaybackDone:
		s.exec(s.machine.OnPlaybackDone())
	}
}

// handleFrame applies one inbound frame. Audio runs through the jitter
// buffer and the voice activity detector before reaching the machine.
func (s *Session) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeAudio:
		s.touch()
		s.deps.Metrics.RecordAudioBytes(len(f.Payload))

		seq := s.nextSeq
		s.nextSeq++
		evicted, err := s.jitter.Push(seq, f.Payload)
		if err != nil {
			s.deps.Metrics.RecordJitterDropped(1)
			return
		}
		if evicted > 0 {
			s.deps.Metrics.RecordJitterDropped(evicted)
			s.logger.Warn("jitter buffer overflow",
				slog.Int("evicted_chunks", evicted))
		}

		for _, chunk := range s.jitter.Pull() {
			s.exec(s.machine.OnAudio(chunk, s.detector.Process(chunk)))
		}

	case protocol.TypeSilence:
		// Keep-alive from the switch: refreshes activity, never fed to
		// the detector.
		s.touch()

	case protocol.TypeDTMF:
		s.touch()
		digit, err := f.Digit()
		if err != nil {
			s.logger.Warn("malformed DTMF frame", slog.String("error", err.Error()))
			return
		}
		s.deps.Metrics.RecordDTMF()
		s.deps.Events.Publish(events.New(events.DTMFPressed, s.ID, map[string]any{
			"digit": string(digit),
		}))
		s.logger.Info("DTMF received", slog.String("digit", string(digit)))
		s.exec(s.machine.OnDTMF(digit))

	case protocol.TypeHangup:
		s.touch()
		s.machine.OnHangup()
		s.shutdown("caller hangup", false)

	case protocol.TypeStart:
		// The server consumed the real START before the session existed.
		s.logger.Warn("duplicate START frame ignored")

	case protocol.TypeError:
		s.logger.Warn("switch reported error",
			slog.String("message", string(f.Payload)))
		s.shutdown("switch reported error", false)
	}
}

// exec runs the machine's commands. All of these either finish immediately
// or hand the slow part to a goroutine that posts its completion back.
func (s *Session) exec(cmds []turn.Command) {
	for _, cmd := range cmds {
		switch cmd.Type {
		case turn.CmdSpeak:
			s.startSay(cmd.Text)
		case turn.CmdRunTurn:
			s.startTurn(cmd.Utterance)
		case turn.CmdStopPlayback:
			s.stopPlayback()
		case turn.CmdInterrupt:
			s.interrupt()
		case turn.CmdTransfer:
			s.startTransfer()
		case turn.CmdHangup:
			s.snapshotStats()
			s.shutdown(cmd.Reason, !cmd.Silent)
		}
	}
}

// startSay synthesizes a fixed prompt in the background.
func (s *Session) startSay(text string) {
	s.cancelTurn()
	ctx, cancel := context.WithTimeout(s.ctx, s.config.TurnTimeout)
	s.turnCtx, s.turnCancel = ctx, cancel

	go func() {
		err := s.bridge.Say(ctx, text, s.pacer)
		if errors.Is(ctx.Err(), context.Canceled) {
			// Barge-in or teardown: nobody is waiting for this prompt.
			return
		}
		s.post(event{kind: evSayDone, err: err})
	}()
}

// startTurn runs speech-to-text over a finished utterance in the
// background. The turn context it opens covers the whole cycle through
// generation and synthesis.
func (s *Session) startTurn(utterance []byte) {
	s.cancelTurn()
	ctx, cancel := context.WithTimeout(s.ctx, s.config.TurnTimeout)
	s.turnCtx, s.turnCancel = ctx, cancel
	s.turnStartedAt = time.Now()
	s.turnFirstAudio = 0

	go func() {
		start := time.Now()
		text, err := s.bridge.Transcribe(ctx, utterance)
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		if err == nil {
			s.deps.Metrics.RecordTranscription(time.Since(start).Seconds())
			s.deps.Events.Publish(events.New(events.UtteranceTranscribed, s.ID, map[string]any{
				"text":     text,
				"audio_ms": audio.Duration(int64(len(utterance)), s.config.SampleRate).Milliseconds(),
				"took_ms":  time.Since(start).Milliseconds(),
			}))
		}
		s.post(event{kind: evTranscript, text: text, err: err})
	}()
}

// startReply streams the model answer into the pacer, reusing the turn
// context opened by startTurn.
func (s *Session) startReply(transcript string) {
	ctx := s.turnCtx
	if ctx == nil {
		ctx = s.ctx
	}
	go func() {
		err := s.bridge.Reply(ctx, transcript, s.pacer, func() {
			s.post(event{kind: evSpeaking})
		})
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		s.post(event{kind: evReplyDone, err: err})
	}()
}

// startTransfer asks the switch to redirect the call. The result feeds back
// into the machine; the switch-control client bounds its own requests.
func (s *Session) startTransfer() {
	destination := s.machine.TransferDestination()
	s.logger.Info("transfer requested", slog.String("destination", destination))

	go func() {
		err := s.deps.Transfer.Transfer(s.ctx, s.ID, destination)
		s.deps.Metrics.RecordTransfer(err != nil)
		if err != nil {
			s.logger.Warn("transfer refused",
				slog.String("destination", destination),
				slog.String("error", err.Error()))
		} else {
			s.deps.Events.Publish(events.New(events.CallTransferred, s.ID, map[string]any{
				"destination": destination,
			}))
		}
		s.post(event{kind: evTransferDone, err: err})
	}()
}

// stopPlayback aborts the greeting when a DTMF digit pre-empts it.
func (s *Session) stopPlayback() {
	s.cancelTurn()
	chunks, _ := s.pacer.Discard()
	s.logger.Debug("playback stopped", slog.Int("discarded_chunks", chunks))
}

// interrupt handles barge-in: synthesis is cancelled, unplayed audio is
// discarded and the interruption is published with how much of the reply
// the caller actually heard.
func (s *Session) interrupt() {
	s.cancelTurn()
	chunks, cursor := s.pacer.Discard()
	heard := audio.Duration(cursor, s.config.SampleRate)

	s.deps.Metrics.RecordInterruption()
	s.deps.Events.Publish(events.New(events.CallInterrupted, s.ID, map[string]any{
		"heard_ms":         heard.Milliseconds(),
		"discarded_chunks": chunks,
	}))
	s.logger.Info("caller interrupted playback",
		slog.Duration("heard", heard.Round(time.Millisecond)),
		slog.Int("discarded_chunks", chunks))
}

// publishReply emits the completed turn with the text that was spoken.
func (s *Session) publishReply() {
	history := s.bridge.History()
	var reply string
	if n := len(history); n > 0 && history[n-1].Role == pipeline.RoleAssistant {
		reply = history[n-1].Content
	}
	s.deps.Events.Publish(events.New(events.TurnReply, s.ID, map[string]any{
		"text":       reply,
		"latency_ms": s.turnFirstAudio.Milliseconds(),
	}))
	s.logger.Info("turn completed",
		slog.Duration("first_audio", s.turnFirstAudio.Round(time.Millisecond)),
		slog.Int("chars", len(reply)))
}

// cancelTurn releases the in-flight turn context, if any.
func (s *Session) cancelTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
		s.turnCtx = nil
	}
}

// post hands an event to the process loop, giving up on teardown.
func (s *Session) post(ev event) {
	select {
	case s.evCh <- ev:
	case <-s.ctx.Done():
	}
}

// touch refreshes the inactivity clock.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// snapshotStats caches the machine counters for readers outside the
// process loop.
func (s *Session) snapshotStats() {
	st := s.machine.GetStats()
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}

// writeFrame writes one encoded frame to the switch, serialized so paced
// audio and control frames never interleave.
func (s *Session) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if _, err := s.conn.Write(frame); err != nil {
		return err
	}
	s.deps.Metrics.RecordFrameSent()
	return nil
}

// shutdown tears the session down exactly once. notifyPeer sends a HANGUP
// frame first; a transfer hand-off or a peer-originated close skips it.
func (s *Session) shutdown(reason string, notifyPeer bool) {
	s.closeOnce.Do(func() {
		duration := time.Since(s.startedAt)

		if notifyPeer {
			if err := s.writeFrame(protocol.EncodeHangup()); err != nil {
				s.logger.Debug("hangup frame not delivered", slog.String("error", err.Error()))
			}
		}
		s.cancel()
		s.conn.Close()

		ps := s.pacer.Stats()
		s.deps.Metrics.RecordCallEnded(duration.Seconds())
		s.deps.Metrics.RecordPlaybackTotals(ps.Emitted, ps.SilenceFill)

		st := s.Stats()
		s.deps.Events.Publish(events.New(events.CallEnded, s.ID, map[string]any{
			"reason":      reason,
			"duration_ms": duration.Milliseconds(),
			"turns":       st.Turns,
		}))

		if s.onClose != nil {
			s.onClose(s)
		}

		s.logger.Info("call ended",
			slog.String("reason", reason),
			slog.Duration("duration", duration.Round(time.Millisecond)),
			slog.Uint64("turns", st.Turns),
			slog.Uint64("interruptions", st.Interruptions))
	})
}
