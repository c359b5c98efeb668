package turn

import (
	"fmt"
	"strings"

	"github.com/promaaa/open-medSecretary/internal/vad"
)

// Default prompts, in the deployment language of the practice.
const (
	DefaultGreeting       = "Bonjour, cabinet médical, comment puis-je vous aider?"
	DefaultGoodbye        = "Merci de votre appel. Au revoir et bonne journée."
	DefaultApology        = "Désolé, je n'ai pas compris. Pouvez-vous répéter?"
	DefaultTransferFailed = "Le transfert a échoué. Puis-je vous aider autrement?"
)

// Config carries the tunable parts of the turn machine.
type Config struct {
	// Greeting is played as soon as the call starts.
	Greeting string
	// Goodbye is played before an engine-originated hangup.
	Goodbye string
	// Apology is played when a turn fails below the failure threshold.
	Apology string
	// TransferFailed is played when the emergency hand-off is refused.
	TransferFailed string
	// EmergencyDigit triggers the hand-off when pressed.
	EmergencyDigit byte
	// TransferDestination is the extension the hand-off targets.
	TransferDestination string
	// FailureThreshold is the number of consecutive failed turns after
	// which the machine says goodbye and hangs up. Must be positive.
	FailureThreshold int
	// MaxUtteranceBytes flushes an utterance early once it grows past
	// this size, so a caller cannot hold a turn open forever. Zero
	// disables the cap.
	MaxUtteranceBytes int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Greeting:            DefaultGreeting,
		Goodbye:             DefaultGoodbye,
		Apology:             DefaultApology,
		TransferFailed:      DefaultTransferFailed,
		EmergencyDigit:      '2',
		TransferDestination: "emergency",
		FailureThreshold:    3,
		MaxUtteranceBytes:   480000, // 30s of 8kHz 16-bit mono
	}
}

// Stats is a snapshot of the machine counters.
type Stats struct {
	State         State  `json:"state"`
	Turns         uint64 `json:"turns"`
	Failures      int    `json:"consecutive_failures"`
	Interruptions uint64 `json:"interruptions"`
	MenuSelection string `json:"menu_selection,omitempty"`
}

// Machine drives the turn-taking cycle of one call. Inputs are frames,
// voice activity events and collaborator completions; outputs are Commands
// the session executes. It is not safe for concurrent use: the session
// serializes all calls on its processing goroutine.
type Machine struct {
	cfg Config

	state         State
	utterance     []byte
	failures      int
	turns         uint64
	interruptions uint64
	menuSelection byte

	pendingTransfer bool
	hangupAfter     bool
	hangupReason    string
}

// NewMachine validates the configuration and returns a machine in StateIdle.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Greeting == "" || cfg.Goodbye == "" || cfg.Apology == "" || cfg.TransferFailed == "" {
		return nil, fmt.Errorf("all prompts must be set")
	}
	if cfg.FailureThreshold <= 0 {
		return nil, fmt.Errorf("failure threshold must be positive, got %d", cfg.FailureThreshold)
	}
	if cfg.MaxUtteranceBytes < 0 {
		return nil, fmt.Errorf("max utterance bytes must not be negative, got %d", cfg.MaxUtteranceBytes)
	}
	return &Machine{cfg: cfg}, nil
}

// Begin starts the call: Idle becomes Greeting and the greeting is queued.
func (m *Machine) Begin() []Command {
	if m.state != StateIdle {
		return nil
	}
	m.state = StateGreeting
	return []Command{{Type: CmdSpeak, Text: m.cfg.Greeting}}
}

// OnAudio feeds one inbound chunk together with its voice activity event.
// In StateListening it accumulates the utterance and flushes it on the end
// of speech. In StateSpeaking a speech start is the barge-in: the reply is
// abandoned and the interrupting chunk opens the next utterance.
func (m *Machine) OnAudio(chunk []byte, ev vad.Event) []Command {
	switch m.state {
	case StateListening:
		switch ev {
		case vad.SpeechStart:
			m.utterance = append([]byte(nil), chunk...)
		case vad.SpeechContinue:
			if len(m.utterance) == 0 {
				return nil
			}
			m.utterance = append(m.utterance, chunk...)
			if m.cfg.MaxUtteranceBytes > 0 && len(m.utterance) >= m.cfg.MaxUtteranceBytes {
				return m.flushUtterance()
			}
		case vad.SpeechEnd:
			if len(m.utterance) == 0 {
				return nil
			}
			m.utterance = append(m.utterance, chunk...)
			return m.flushUtterance()
		}
	case StateSpeaking:
		if ev == vad.SpeechStart {
			m.interruptions++
			m.state = StateListening
			m.hangupAfter = false
			m.utterance = append([]byte(nil), chunk...)
			return []Command{{Type: CmdInterrupt}}
		}
	}
	return nil
}

// OnDTMF records the digit. During the greeting it pre-empts playback and
// jumps straight to StateListening; the emergency digit additionally
// requests the hand-off from StateGreeting or StateListening.
func (m *Machine) OnDTMF(digit byte) []Command {
	m.menuSelection = digit
	switch m.state {
	case StateGreeting:
		m.state = StateListening
		cmds := []Command{{Type: CmdStopPlayback}}
		if digit == m.cfg.EmergencyDigit && !m.pendingTransfer {
			m.pendingTransfer = true
			cmds = append(cmds, Command{Type: CmdTransfer})
		}
		return cmds
	case StateListening:
		if digit == m.cfg.EmergencyDigit && !m.pendingTransfer {
			m.pendingTransfer = true
			return []Command{{Type: CmdTransfer}}
		}
	}
	return nil
}

// OnPlaybackDone reports that the pacer drained all queued reply audio.
func (m *Machine) OnPlaybackDone() []Command {
	switch m.state {
	case StateGreeting:
		m.state = StateListening
	case StateSpeaking:
		if m.hangupAfter {
			return m.hangup(m.hangupReason, false)
		}
		m.state = StateListening
	}
	return nil
}

// OnTranscript reports the STT result for the current turn. A failed or
// empty transcript counts against the failure threshold.
func (m *Machine) OnTranscript(text string, err error) []Command {
	if m.state != StateTranscribing {
		return nil
	}
	if err != nil || strings.TrimSpace(text) == "" {
		return m.turnFailed()
	}
	m.state = StateGenerating
	return nil
}

// OnSpeaking reports that the first synthesized chunk of the reply was
// queued for playback.
func (m *Machine) OnSpeaking() []Command {
	if m.state == StateGenerating {
		m.state = StateSpeaking
	}
	return nil
}

// OnReplyDone reports that generation and synthesis of a turn reply
// finished. A nil error completes the turn and resets the consecutive
// failure count; playback may still be draining.
func (m *Machine) OnReplyDone(err error) []Command {
	if m.state != StateGenerating && m.state != StateSpeaking {
		return nil
	}
	if err != nil {
		return m.turnFailed()
	}
	m.failures = 0
	m.turns++
	return nil
}

// OnSayDone reports that synthesis of a fixed prompt finished. Unlike a
// turn reply, a successful prompt never resets the failure count, so an
// apology cannot mask a broken collaborator.
func (m *Machine) OnSayDone(err error) []Command {
	if m.state != StateGreeting && m.state != StateSpeaking {
		return nil
	}
	if err == nil {
		return nil
	}
	if m.hangupAfter {
		// Could not even synthesize the goodbye.
		return m.hangup(m.hangupReason, false)
	}
	return m.turnFailed()
}

// OnTransferResult reports the outcome of the emergency hand-off. On
// success the switch owns the call and the session is released without a
// wire hangup; on failure the caller is told and listening resumes.
func (m *Machine) OnTransferResult(err error) []Command {
	if !m.pendingTransfer || m.state == StateTerminated {
		return nil
	}
	m.pendingTransfer = false
	if err != nil {
		m.state = StateSpeaking
		return []Command{{Type: CmdSpeak, Text: m.cfg.TransferFailed}}
	}
	return m.hangup("transferred", true)
}

// OnHangup reports a caller-originated hangup frame.
func (m *Machine) OnHangup() {
	m.state = StateTerminated
}

// Terminate forces the terminal state. It returns false when the machine
// already terminated, so callers can keep teardown idempotent.
func (m *Machine) Terminate(reason string) bool {
	if m.state == StateTerminated {
		return false
	}
	m.state = StateTerminated
	m.hangupReason = reason
	return true
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// TransferDestination returns the configured hand-off target.
func (m *Machine) TransferDestination() string {
	return m.cfg.TransferDestination
}

// GetStats returns a snapshot of the machine counters.
func (m *Machine) GetStats() Stats {
	s := Stats{
		State:         m.state,
		Turns:         m.turns,
		Failures:      m.failures,
		Interruptions: m.interruptions,
	}
	if m.menuSelection != 0 {
		s.MenuSelection = string(m.menuSelection)
	}
	return s
}

func (m *Machine) flushUtterance() []Command {
	if len(m.utterance) == 0 {
		return nil
	}
	u := m.utterance
	m.utterance = nil
	m.state = StateTranscribing
	return []Command{{Type: CmdRunTurn, Utterance: u}}
}

func (m *Machine) turnFailed() []Command {
	m.failures++
	m.state = StateSpeaking
	if m.failures >= m.cfg.FailureThreshold {
		m.hangupAfter = true
		m.hangupReason = "failure threshold reached"
		return []Command{{Type: CmdSpeak, Text: m.cfg.Goodbye}}
	}
	return []Command{{Type: CmdSpeak, Text: m.cfg.Apology}}
}

func (m *Machine) hangup(reason string, silent bool) []Command {
	m.state = StateTerminated
	return []Command{{Type: CmdHangup, Reason: reason, Silent: silent}}
}
