package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/promaaa/open-medSecretary/internal/metrics"
)

// Type names a call lifecycle event.
type Type string

const (
	CallStarted          Type = "call.started"
	CallEnded            Type = "call.ended"
	UtteranceTranscribed Type = "utterance.transcribed"
	TurnReply            Type = "turn.reply"
	CallInterrupted      Type = "call.interrupted"
	DTMFPressed          Type = "dtmf.pressed"
	CallTransferred      Type = "call.transferred"
)

// Event is one call lifecycle record.
type Event struct {
	Type      Type           `json:"type"`
	CallID    uuid.UUID      `json:"call_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(t Type, callID uuid.UUID, payload map[string]any) Event {
	return Event{
		Type:      t,
		CallID:    callID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Publisher emits call events. Publish must never block the calling
// session goroutine.
type Publisher interface {
	Publish(ev Event)
	Close() error
}

// NopPublisher drops every event. It stands in when no brokers are
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
func (NopPublisher) Close() error  { return nil }

// Config contains Kafka publisher configuration.
type Config struct {
	Brokers []string
	Topic   string
	// QueueSize bounds the in-memory buffer between sessions and the
	// broker; events beyond it are dropped, never blocking a call.
	QueueSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher ships events to a Kafka topic from a background drain
// goroutine. Messages are keyed by call ID so each call's events stay
// ordered within a partition.
type KafkaPublisher struct {
	config  Config
	writer  messageWriter
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue chan Event
	done  chan struct{}

	// Statistics
	published atomic.Uint64
	dropped   atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// PublisherStats represents publisher statistics.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// NewKafkaPublisher creates a publisher and starts its drain goroutine.
func NewKafkaPublisher(config Config, logger *slog.Logger, m *metrics.Metrics) *KafkaPublisher {
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 100 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: config.BatchTimeout,
	}

	return newKafkaPublisher(config, writer, logger, m)
}

func newKafkaPublisher(config Config, writer messageWriter, logger *slog.Logger, m *metrics.Metrics) *KafkaPublisher {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &KafkaPublisher{
		config:  config,
		writer:  writer,
		logger:  logger,
		metrics: m,
		queue:   make(chan Event, config.QueueSize),
		done:    make(chan struct{}),
	}
	go p.drain()
	return p
}

// Publish queues one event. When the queue is full the event is dropped
// and counted, so a slow broker never stalls a call.
func (p *KafkaPublisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		p.metrics.RecordEventDropped()
		p.logger.Warn("event queue full, dropping event",
			slog.String("type", string(ev.Type)),
			slog.String("call_id", ev.CallID.String()),
		)
	}
}

// Close stops accepting events, flushes the queue and closes the writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

// GetStats returns current publisher statistics.
func (p *KafkaPublisher) GetStats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}

// drain ships queued events until the queue closes.
func (p *KafkaPublisher) drain() {
	defer close(p.done)

	for ev := range p.queue {
		value, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("failed to encode event",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.config.WriteTimeout)
		err = p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(ev.CallID.String()),
			Value: value,
		})
		cancel()

		if err != nil {
			p.dropped.Add(1)
			p.metrics.RecordEventDropped()
			p.logger.Warn("failed to publish event",
				slog.String("type", string(ev.Type)),
				slog.String("call_id", ev.CallID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		p.published.Add(1)
		p.metrics.RecordEventPublished()
	}
}
