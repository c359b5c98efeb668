package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/promaaa/open-medSecretary/internal/protocol"
)

// Config represents the complete engine configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	HTTP     HTTPConfig     `yaml:"http"`
	Audio    AudioConfig    `yaml:"audio"`
	VAD      VADConfig      `yaml:"vad"`
	Turns    TurnsConfig    `yaml:"turns"`
	STT      STTConfig      `yaml:"stt"`
	LLM      LLMConfig      `yaml:"llm"`
	TTS      TTSConfig      `yaml:"tts"`
	Transfer TransferConfig `yaml:"transfer"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains the TCP listener configuration
type ServerConfig struct {
	TCPPort            int    `yaml:"tcp_port"`
	BindAddress        string `yaml:"bind_address"`
	StartTimeout       int    `yaml:"start_timeout"` // seconds to wait for the START frame
	WriteTimeout       int    `yaml:"write_timeout"` // seconds per outbound frame write
	MaxConcurrentCalls int    `yaml:"max_concurrent_calls"`
}

// HTTPConfig contains the admin API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio framing and buffering parameters
type AudioConfig struct {
	SampleRate      int     `yaml:"sample_rate"`
	ChunkDuration   float64 `yaml:"chunk_duration"`    // seconds per wire chunk
	JitterWindow    int     `yaml:"jitter_window"`     // chunks
	JitterCapacity  int     `yaml:"jitter_capacity"`   // chunks
	PacerQueueLimit int     `yaml:"pacer_queue_limit"` // chunks
}

// VADConfig contains voice activity detection configuration
type VADConfig struct {
	Threshold      float64 `yaml:"threshold"`
	Smoothing      float64 `yaml:"smoothing"`
	HangoverChunks int     `yaml:"hangover_chunks"`
}

// TurnsConfig contains the turn-taking and call policy configuration.
// Empty prompt strings fall back to the built-in French prompts.
type TurnsConfig struct {
	Greeting             string `yaml:"greeting"`
	Goodbye              string `yaml:"goodbye"`
	Apology              string `yaml:"apology"`
	TransferFailed       string `yaml:"transfer_failed"`
	EmergencyDigit       string `yaml:"emergency_digit"`
	TransferDestination  string `yaml:"transfer_destination"`
	FailureThreshold     int    `yaml:"failure_threshold"`
	MaxUtteranceDuration int    `yaml:"max_utterance_duration"` // seconds
	TurnTimeout          int    `yaml:"turn_timeout"`           // seconds
	InactivityTimeout    int    `yaml:"inactivity_timeout"`     // seconds
	SweepInterval        int    `yaml:"sweep_interval"`         // seconds
	HistoryLimit         int    `yaml:"history_limit"`          // exchanges kept per call
}

// STTConfig contains the transcription backend configuration
type STTConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// LLMConfig contains the reply generation backend configuration
type LLMConfig struct {
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	KeepAlive    string `yaml:"keep_alive"`
	SystemPrompt string `yaml:"system_prompt"`
	Timeout      int    `yaml:"timeout"` // seconds, connection establishment
}

// TTSConfig contains the speech synthesis backend configuration
type TTSConfig struct {
	BaseURL    string `yaml:"base_url"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Timeout    int    `yaml:"timeout"` // seconds
}

// TransferConfig contains the switch call-control API configuration
type TransferConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout int    `yaml:"timeout"` // seconds
}

// EventsConfig contains the Kafka event publishing configuration
type EventsConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	QueueSize int      `yaml:"queue_size"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the configuration file, applies environment overrides and
// validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides layers well-known environment variables over the file
// values so containerized deployments can retarget backends without editing
// the file.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("AUDIOSOCKET_HOST"); v != "" {
		c.Server.BindAddress = v
	}

	if v := os.Getenv("AUDIOSOCKET_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AUDIOSOCKET_PORT %q: %w", v, err)
		}
		c.Server.TCPPort = port
	}

	if v := os.Getenv("WHISPER_MODEL"); v != "" {
		c.STT.Model = v
	}

	if v := os.Getenv("WHISPER_LANGUAGE"); v != "" {
		c.STT.Language = strings.ToLower(v)
	}

	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}

	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.LLM.Model = v
	}

	if v := os.Getenv("PIPER_BASE_URL"); v != "" {
		c.TTS.BaseURL = v
	}

	if v := os.Getenv("PIPER_SAMPLE_RATE"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PIPER_SAMPLE_RATE %q: %w", v, err)
		}
		c.TTS.SampleRate = rate
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		c.Events.Brokers = brokers
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Turns.Validate(); err != nil {
		return fmt.Errorf("turns config: %w", err)
	}

	if err := c.STT.Validate(); err != nil {
		return fmt.Errorf("stt config: %w", err)
	}

	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm config: %w", err)
	}

	if err := c.TTS.Validate(); err != nil {
		return fmt.Errorf("tts config: %w", err)
	}

	if err := c.Transfer.Validate(); err != nil {
		return fmt.Errorf("transfer config: %w", err)
	}

	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.TCPPort < 1 || s.TCPPort > 65535 {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.StartTimeout < 1 {
		return fmt.Errorf("start_timeout must be at least 1 second, got %d", s.StartTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max_concurrent_calls must be at least 1, got %d", s.MaxConcurrentCalls)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 8000 {
		return fmt.Errorf("sample_rate must be 8000 Hz on the switch leg, got %d", a.SampleRate)
	}

	if a.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive, got %f", a.ChunkDuration)
	}

	if a.JitterWindow < 1 {
		return fmt.Errorf("jitter_window must be at least 1 chunk, got %d", a.JitterWindow)
	}

	if a.JitterCapacity < a.JitterWindow {
		return fmt.Errorf("jitter_capacity (%d) must be at least jitter_window (%d)",
			a.JitterCapacity, a.JitterWindow)
	}

	if a.PacerQueueLimit < 1 {
		return fmt.Errorf("pacer_queue_limit must be at least 1 chunk, got %d", a.PacerQueueLimit)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	if v.Smoothing < 0 || v.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be between 0 and 1 (exclusive), got %f", v.Smoothing)
	}

	if v.HangoverChunks < 1 {
		return fmt.Errorf("hangover_chunks must be at least 1, got %d", v.HangoverChunks)
	}

	return nil
}

// Validate validates turn-taking configuration
func (t *TurnsConfig) Validate() error {
	if t.EmergencyDigit != "" {
		if len(t.EmergencyDigit) != 1 || !protocol.ValidDigit(t.EmergencyDigit[0]) {
			return fmt.Errorf("emergency_digit must be a single DTMF character, got %q", t.EmergencyDigit)
		}
	}

	if t.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", t.FailureThreshold)
	}

	if t.MaxUtteranceDuration < 1 {
		return fmt.Errorf("max_utterance_duration must be at least 1 second, got %d", t.MaxUtteranceDuration)
	}

	if t.TurnTimeout < 1 {
		return fmt.Errorf("turn_timeout must be at least 1 second, got %d", t.TurnTimeout)
	}

	if t.InactivityTimeout < 1 {
		return fmt.Errorf("inactivity_timeout must be at least 1 second, got %d", t.InactivityTimeout)
	}

	if t.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", t.SweepInterval)
	}

	if t.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be at least 1 exchange, got %d", t.HistoryLimit)
	}

	return nil
}

// Validate validates transcription backend configuration
func (s *STTConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if s.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if s.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}

	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	return nil
}

// Validate validates generation backend configuration
func (l *LLMConfig) Validate() error {
	if l.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	if l.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if l.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", l.Timeout)
	}

	return nil
}

// Validate validates synthesis backend configuration
func (t *TTSConfig) Validate() error {
	if t.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	if t.SampleRate < 1 {
		return fmt.Errorf("sample_rate must be positive, got %d", t.SampleRate)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	return nil
}

// Validate validates switch call-control configuration
func (t *TransferConfig) Validate() error {
	if t.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	return nil
}

// Validate validates event publishing configuration
func (e *EventsConfig) Validate() error {
	if !e.Enabled {
		return nil
	}

	if len(e.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty when events are enabled")
	}

	for i, broker := range e.Brokers {
		if broker == "" {
			return fmt.Errorf("broker %d cannot be empty", i)
		}
	}

	if e.Topic == "" {
		return fmt.Errorf("topic cannot be empty when events are enabled")
	}

	if e.QueueSize < 0 {
		return fmt.Errorf("queue_size cannot be negative, got %d", e.QueueSize)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetStartTimeoutDuration returns the START handshake deadline as a time.Duration
func (s *ServerConfig) GetStartTimeoutDuration() time.Duration {
	return time.Duration(s.StartTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the per-frame write deadline as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetChunkDuration returns the wire chunk duration as a time.Duration
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkDuration * float64(time.Second))
}

// GetMaxUtteranceDuration returns the utterance length cap as a time.Duration
func (t *TurnsConfig) GetMaxUtteranceDuration() time.Duration {
	return time.Duration(t.MaxUtteranceDuration) * time.Second
}

// GetTurnTimeoutDuration returns the per-turn pipeline deadline as a time.Duration
func (t *TurnsConfig) GetTurnTimeoutDuration() time.Duration {
	return time.Duration(t.TurnTimeout) * time.Second
}

// GetInactivityTimeoutDuration returns the idle call timeout as a time.Duration
func (t *TurnsConfig) GetInactivityTimeoutDuration() time.Duration {
	return time.Duration(t.InactivityTimeout) * time.Second
}

// GetSweepIntervalDuration returns the idle sweep period as a time.Duration
func (t *TurnsConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(t.SweepInterval) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (s *STTConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetTimeoutDuration returns the generation connect timeout as a time.Duration
func (l *LLMConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// GetTimeoutDuration returns the synthesis timeout as a time.Duration
func (t *TTSConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the switch control timeout as a time.Duration
func (t *TransferConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
