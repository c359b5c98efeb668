package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promaaa/open-medSecretary/internal/config"
	"github.com/promaaa/open-medSecretary/internal/metrics"
	"github.com/promaaa/open-medSecretary/internal/protocol"
	"github.com/promaaa/open-medSecretary/internal/session"
)

// TCPServer accepts framed audio connections from the telephony switch.
// Each connection must open with a START frame naming the call; completed
// handshakes are handed to the session registry, which owns the connection
// from then on.
type TCPServer struct {
	listener net.Listener
	config   *config.ServerConfig
	logger   *slog.Logger
	registry *session.Registry
	metrics  *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Basic counters
	accepted          uint64
	started           uint64
	handshakeFailures uint64
	rejected          uint64
	mu                sync.RWMutex
}

// NewTCPServer creates a new TCP server instance
func NewTCPServer(cfg *config.ServerConfig, logger *slog.Logger, registry *session.Registry, m *metrics.Metrics) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:   cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening for switch connections
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.TCPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener

	s.logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_concurrent_calls", s.config.MaxConcurrentCalls),
		slog.Duration("start_timeout", s.config.GetStartTimeoutDuration()),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the TCP server. Active sessions are not touched;
// stopping the registry is the caller's responsibility.
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping TCP server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing listener", slog.String("error", err.Error()))
		}
	}

	// Waits for the accept loop and any handshakes still inside their
	// read deadline.
	s.wg.Wait()

	s.mu.RLock()
	accepted := s.accepted
	started := s.started
	handshakeFailures := s.handshakeFailures
	rejected := s.rejected
	s.mu.RUnlock()

	s.logger.Info("TCP server stopped",
		slog.Uint64("connections_accepted", accepted),
		slog.Uint64("sessions_started", started),
		slog.Uint64("handshake_failures", handshakeFailures),
		slog.Uint64("sessions_rejected", rejected),
	)

	return nil
}

// acceptLoop accepts connections until the listener closes
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handshake(conn)
	}
}

// handshake reads the opening START frame and registers the session. The
// frame is read byte-exact so any audio the switch pipelines right behind
// it stays in the socket for the session's read loop.
func (s *TCPServer) handshake(conn net.Conn) {
	defer s.wg.Done()

	remoteAddr := conn.RemoteAddr().String()

	if err := conn.SetReadDeadline(time.Now().Add(s.config.GetStartTimeoutDuration())); err != nil {
		s.logger.Warn("Failed to set handshake deadline",
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}

	callID, err := s.readStart(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrProtocol) {
			s.metrics.RecordProtocolError()
		}
		s.reject(conn, remoteAddr, "invalid start", err)
		return
	}

	// The session manages its own timeouts from here.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		s.logger.Warn("Failed to clear handshake deadline",
			slog.String("remote_addr", remoteAddr),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}

	if _, err := s.registry.StartSession(conn, callID); err != nil {
		switch {
		case errors.Is(err, session.ErrDuplicateCall):
			s.reject(conn, remoteAddr, "duplicate call id", err)
		case errors.Is(err, session.ErrServerBusy):
			s.reject(conn, remoteAddr, "busy", err)
		default:
			s.reject(conn, remoteAddr, "session setup failed", err)
		}
		return
	}

	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

// readStart reads exactly one frame and requires it to be START.
func (s *TCPServer) readStart(conn net.Conn) (uuid.UUID, error) {
	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return uuid.Nil, fmt.Errorf("reading START header: %w", err)
	}

	frameType := protocol.Type(header[0])
	length := int(binary.BigEndian.Uint16(header[1:3]))

	if frameType != protocol.TypeStart {
		return uuid.Nil, fmt.Errorf("%w: expected START, got %s", protocol.ErrProtocol, frameType)
	}
	if length != protocol.CallIDSize {
		return uuid.Nil, fmt.Errorf("%w: START payload must be %d bytes, got %d",
			protocol.ErrProtocol, protocol.CallIDSize, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return uuid.Nil, fmt.Errorf("reading START payload: %w", err)
	}

	callID, err := uuid.FromBytes(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: call id: %v", protocol.ErrProtocol, err)
	}

	return callID, nil
}

// reject answers with a diagnostic ERROR frame and closes the connection
func (s *TCPServer) reject(conn net.Conn, remoteAddr, diagnostic string, cause error) {
	s.mu.Lock()
	if errors.Is(cause, session.ErrDuplicateCall) || errors.Is(cause, session.ErrServerBusy) {
		s.rejected++
	} else {
		s.handshakeFailures++
	}
	s.mu.Unlock()

	s.logger.Warn("Connection rejected",
		slog.String("remote_addr", remoteAddr),
		slog.String("diagnostic", diagnostic),
		slog.String("error", cause.Error()),
	)

	if err := conn.SetWriteDeadline(time.Now().Add(s.config.GetWriteTimeoutDuration())); err == nil {
		if _, werr := conn.Write(protocol.EncodeError(diagnostic)); werr == nil {
			s.metrics.RecordFrameSent()
		}
	}

	conn.Close()
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		ConnectionsAccepted: s.accepted,
		SessionsStarted:     s.started,
		HandshakeFailures:   s.handshakeFailures,
		SessionsRejected:    s.rejected,
		ActiveCalls:         uint64(s.registry.Count()),
	}
}

// ServerStatistics represents listener-level counters
type ServerStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	SessionsStarted     uint64 `json:"sessions_started"`
	HandshakeFailures   uint64 `json:"handshake_failures"`
	SessionsRejected    uint64 `json:"sessions_rejected"`
	ActiveCalls         uint64 `json:"active_calls"`
}
