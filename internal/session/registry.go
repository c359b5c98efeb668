package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promaaa/open-medSecretary/internal/events"
	"github.com/promaaa/open-medSecretary/internal/metrics"
	"github.com/promaaa/open-medSecretary/internal/pipeline"
	"github.com/promaaa/open-medSecretary/internal/protocol"
	"github.com/promaaa/open-medSecretary/internal/turn"
	"github.com/promaaa/open-medSecretary/internal/vad"
)

var (
	// ErrDuplicateCall rejects a START whose call ID is already active.
	ErrDuplicateCall = errors.New("call already active")
	// ErrServerBusy rejects a START past the configured call limit.
	ErrServerBusy = errors.New("maximum concurrent calls reached")
)

// Config contains per-call and registry configuration.
type Config struct {
	Limits        protocol.Limits
	SampleRate    int
	ChunkDuration time.Duration

	// Inbound reordering.
	JitterWindow   uint32
	JitterCapacity int

	// Outbound pacing.
	PacerQueueLimit int

	VAD    vad.Config
	Turn   turn.Config
	Bridge pipeline.BridgeConfig

	// TurnTimeout bounds one full transcribe/generate/synthesize cycle.
	TurnTimeout time.Duration
	// WriteTimeout bounds a single frame write to the switch.
	WriteTimeout time.Duration

	MaxCalls          int
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
}

// DefaultConfig returns the stock registry configuration.
func DefaultConfig() Config {
	return Config{
		Limits:            protocol.DefaultLimits(),
		SampleRate:        8000,
		ChunkDuration:     20 * time.Millisecond,
		JitterWindow:      8,
		JitterCapacity:    64,
		PacerQueueLimit:   256,
		VAD:               vad.Config{Threshold: 0.3, Smoothing: 0.1, HangoverChunks: 25},
		Turn:              turn.DefaultConfig(),
		TurnTimeout:       30 * time.Second,
		WriteTimeout:      time.Second,
		MaxCalls:          100,
		InactivityTimeout: 30 * time.Second,
		SweepInterval:     10 * time.Second,
	}
}

// Deps are the shared collaborators every call uses.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Events   events.Publisher
	STT      pipeline.Transcriber
	LLM      pipeline.Generator
	TTS      pipeline.Synthesizer
	Transfer pipeline.Transferrer
}

// Registry owns all active call sessions. It enforces the call limit,
// rejects duplicate call IDs and sweeps out calls whose caller went
// silent past the inactivity timeout.
type Registry struct {
	config Config
	deps   Deps

	sessions map[uuid.UUID]*Session
	mu       sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry creates a registry and starts its sweep goroutine.
func NewRegistry(config Config, deps Deps) (*Registry, error) {
	if deps.STT == nil || deps.LLM == nil || deps.TTS == nil || deps.Transfer == nil {
		return nil, fmt.Errorf("all pipeline collaborators must be set")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = 30 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Second
	}
	if config.VAD == (vad.Config{}) {
		config.VAD = DefaultConfig().VAD
	}
	if config.Turn == (turn.Config{}) {
		config.Turn = turn.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		config:   config,
		deps:     deps,
		sessions: make(map[uuid.UUID]*Session),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go r.sweepLoop()

	return r, nil
}

// StartSession admits one call: it builds the session around the accepted
// connection and starts its goroutines. The caller has already consumed
// the START frame.
func (r *Registry) StartSession(conn net.Conn, callID uuid.UUID) (*Session, error) {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry stopped")
	}
	if _, exists := r.sessions[callID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateCall
	}
	if r.config.MaxCalls > 0 && len(r.sessions) >= r.config.MaxCalls {
		r.mu.Unlock()
		return nil, ErrServerBusy
	}

	s, err := newSession(r.ctx, r.config, r.deps, conn, callID, r.remove)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.sessions[callID] = s
	r.wg.Add(1)
	active := len(r.sessions)
	r.mu.Unlock()

	r.deps.Metrics.RecordCallStarted()
	r.deps.Metrics.SetActiveCalls(active)
	r.deps.Events.Publish(events.New(events.CallStarted, callID, map[string]any{
		"remote_addr": conn.RemoteAddr().String(),
	}))

	r.deps.Logger.Info("call started",
		slog.String("call_id", callID.String()),
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.Int("active_calls", active),
	)

	s.start()

	return s, nil
}

// Get retrieves an active session.
func (r *Registry) Get(callID uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the active sessions, for the monitoring API.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Stop hangs up every active call and waits for the sessions to finish,
// bounded by ctx.
func (r *Registry) Stop(ctx context.Context) {
	r.deps.Logger.Info("stopping session registry", slog.Int("active_calls", r.Count()))

	for _, s := range r.All() {
		s.Hangup("server shutdown")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.deps.Logger.Warn("timed out waiting for sessions to finish",
			slog.Int("remaining", r.Count()))
	}

	r.cancel()
	<-r.cleanup

	r.deps.Logger.Info("session registry stopped")
}

// remove is the session close callback.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	active := len(r.sessions)
	r.mu.Unlock()

	r.deps.Metrics.SetActiveCalls(active)
	r.wg.Done()
}

// sweepLoop periodically hangs up calls that have gone silent.
func (r *Registry) sweepLoop() {
	defer close(r.cleanup)

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	r.deps.Logger.Info("session sweep started",
		slog.Duration("timeout", r.config.InactivityTimeout),
		slog.Duration("check_interval", r.config.SweepInterval),
	)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

func (r *Registry) sweepIdle() {
	var idle []*Session
	r.mu.RLock()
	for _, s := range r.sessions {
		if s.IdleFor() > r.config.InactivityTimeout {
			idle = append(idle, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range idle {
		r.deps.Logger.Info("hanging up inactive call",
			slog.String("call_id", s.ID.String()),
			slog.Duration("idle", s.IdleFor()),
		)
		s.Hangup("inactivity timeout")
	}
}
