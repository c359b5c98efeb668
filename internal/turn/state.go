package turn

import "fmt"

// State is the conversational phase of one call.
type State int

const (
	// StateIdle is the initial state, before the greeting is queued.
	StateIdle State = iota
	// StateGreeting plays the fixed welcome message.
	StateGreeting
	// StateListening accumulates the caller's utterance.
	StateListening
	// StateTranscribing waits for the STT collaborator.
	StateTranscribing
	// StateGenerating waits for the first synthesized audio of the reply.
	StateGenerating
	// StateSpeaking streams the reply (or a fixed prompt) to the caller.
	StateSpeaking
	// StateTerminated is the sole terminal state.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CommandType identifies the side effect a transition asks the session for.
type CommandType int

const (
	// CmdSpeak synthesizes and plays Command.Text.
	CmdSpeak CommandType = iota
	// CmdRunTurn runs a full transcribe/generate/synthesize turn over
	// Command.Utterance.
	CmdRunTurn
	// CmdStopPlayback discards queued outbound audio (greeting pre-empted
	// by a digit).
	CmdStopPlayback
	// CmdInterrupt is the barge-in: cancel the in-flight turn, discard
	// unplayed audio, record the outbound cursor.
	CmdInterrupt
	// CmdTransfer invokes the emergency hand-off.
	CmdTransfer
	// CmdHangup terminates the call from the engine side. Silent suppresses
	// the wire HANGUP frame when the switch already owns the call.
	CmdHangup
)

// String returns a human-readable command name.
func (c CommandType) String() string {
	switch c {
	case CmdSpeak:
		return "speak"
	case CmdRunTurn:
		return "run_turn"
	case CmdStopPlayback:
		return "stop_playback"
	case CmdInterrupt:
		return "interrupt"
	case CmdTransfer:
		return "transfer"
	case CmdHangup:
		return "hangup"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Command is one side effect requested by a state transition.
type Command struct {
	Type      CommandType
	Text      string
	Utterance []byte
	Reason    string
	Silent    bool
}
