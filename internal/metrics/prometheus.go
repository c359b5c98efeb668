package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio bridge
type Metrics struct {
	// Wire protocol metrics
	FramesReceived     prometheus.Counter
	FramesSent         prometheus.Counter
	ProtocolErrors     prometheus.Counter
	AudioBytesReceived prometheus.Counter

	// Call metrics
	ActiveCalls  prometheus.Gauge
	CallsStarted prometheus.Counter
	CallsEnded   prometheus.Counter
	CallDuration prometheus.Histogram

	// Turn metrics
	TurnsCompleted        prometheus.Counter
	TurnsFailed           prometheus.Counter
	TurnLatency           prometheus.Histogram
	TranscriptionDuration prometheus.Histogram

	// Interaction metrics
	Interruptions prometheus.Counter
	DTMFReceived  prometheus.Counter
	Transfers     prometheus.Counter
	TransferFails prometheus.Counter

	// Audio path metrics
	JitterDropped  prometheus.Counter
	SilenceFilled  prometheus.Counter
	PlaybackChunks prometheus.Counter

	// Event publishing metrics
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics. A nil registerer
// falls back to the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Wire protocol metrics
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_received_total",
			Help: "Total number of frames received from the switch",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_frames_sent_total",
			Help: "Total number of frames sent to the switch",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_protocol_errors_total",
			Help: "Total number of fatal protocol violations",
		}),
		AudioBytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_audio_bytes_received_total",
			Help: "Total caller audio received in bytes",
		}),

		// Call metrics
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_active_calls",
			Help: "Current number of active calls",
		}),
		CallsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_calls_started_total",
			Help: "Total number of calls accepted",
		}),
		CallsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_calls_ended_total",
			Help: "Total number of calls ended",
		}),
		CallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_call_duration_seconds",
			Help:    "Duration of completed calls in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Turn metrics
		TurnsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_turns_completed_total",
			Help: "Total number of conversational turns answered",
		}),
		TurnsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_turns_failed_total",
			Help: "Total number of turns lost to collaborator failures",
		}),
		TurnLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_turn_latency_seconds",
			Help:    "Time from end of caller speech to first reply audio",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_transcription_duration_seconds",
			Help:    "Duration of speech-to-text requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
		}),

		// Interaction metrics
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_interruptions_total",
			Help: "Total number of barge-ins while the bridge was speaking",
		}),
		DTMFReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dtmf_received_total",
			Help: "Total number of DTMF digits received",
		}),
		Transfers: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transfers_total",
			Help: "Total number of emergency transfers requested",
		}),
		TransferFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transfer_failures_total",
			Help: "Total number of emergency transfers refused",
		}),

		// Audio path metrics
		JitterDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_jitter_dropped_frames_total",
			Help: "Total inbound frames dropped as stale or overflowed",
		}),
		SilenceFilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_silence_filled_chunks_total",
			Help: "Total outbound chunks filled with silence on underrun",
		}),
		PlaybackChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_playback_chunks_total",
			Help: "Total synthesized chunks played to callers",
		}),

		// Event publishing metrics
		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_published_total",
			Help: "Total number of call events published",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "bridge_events_dropped_total",
			Help: "Total number of call events dropped by backpressure",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// All record methods tolerate a nil receiver so components can run without
// metrics in tests.

// RecordFrameReceived increments the frames received counter
func (m *Metrics) RecordFrameReceived() {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
}

// RecordFrameSent increments the frames sent counter
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordProtocolError increments the protocol errors counter
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

// RecordAudioBytes adds to the received audio byte counter
func (m *Metrics) RecordAudioBytes(n int) {
	if m == nil {
		return
	}
	m.AudioBytesReceived.Add(float64(n))
}

// SetActiveCalls sets the current number of active calls
func (m *Metrics) SetActiveCalls(count int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(count))
}

// RecordCallStarted increments the calls started counter
func (m *Metrics) RecordCallStarted() {
	if m == nil {
		return
	}
	m.CallsStarted.Inc()
}

// RecordCallEnded increments the calls ended counter and records duration
func (m *Metrics) RecordCallEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.CallsEnded.Inc()
	m.CallDuration.Observe(durationSeconds)
}

// RecordTurnCompleted records an answered turn and its speech-to-audio latency
func (m *Metrics) RecordTurnCompleted(latencySeconds float64) {
	if m == nil {
		return
	}
	m.TurnsCompleted.Inc()
	m.TurnLatency.Observe(latencySeconds)
}

// RecordTurnFailed increments the failed turns counter
func (m *Metrics) RecordTurnFailed() {
	if m == nil {
		return
	}
	m.TurnsFailed.Inc()
}

// RecordTranscription records the duration of a speech-to-text request
func (m *Metrics) RecordTranscription(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordInterruption increments the barge-in counter
func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

// RecordDTMF increments the DTMF digit counter
func (m *Metrics) RecordDTMF() {
	if m == nil {
		return
	}
	m.DTMFReceived.Inc()
}

// RecordTransfer records a transfer attempt and whether it was refused
func (m *Metrics) RecordTransfer(failed bool) {
	if m == nil {
		return
	}
	m.Transfers.Inc()
	if failed {
		m.TransferFails.Inc()
	}
}

// RecordJitterDropped adds to the dropped inbound frame counter
func (m *Metrics) RecordJitterDropped(n int) {
	if m == nil {
		return
	}
	m.JitterDropped.Add(float64(n))
}

// RecordPlaybackTotals adds a finished call's playback counters
func (m *Metrics) RecordPlaybackTotals(playedChunks, silenceChunks uint64) {
	if m == nil {
		return
	}
	m.PlaybackChunks.Add(float64(playedChunks))
	m.SilenceFilled.Add(float64(silenceChunks))
}

// RecordEventPublished increments the published events counter
func (m *Metrics) RecordEventPublished() {
	if m == nil {
		return
	}
	m.EventsPublished.Inc()
}

// RecordEventDropped increments the dropped events counter
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
