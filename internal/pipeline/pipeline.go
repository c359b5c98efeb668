package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for collaborator failures. Callers test with errors.Is.
var (
	// ErrCollaborator marks a failed STT, LLM or TTS request.
	ErrCollaborator = errors.New("collaborator request failed")
	// ErrCollaboratorTimeout marks a collaborator that did not answer
	// within the turn deadline.
	ErrCollaboratorTimeout = errors.New("collaborator timed out")
	// ErrTransferFailed marks a refused or unreachable emergency hand-off.
	ErrTransferFailed = errors.New("transfer failed")
)

// Exchange roles, matching the chat API wire values.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Exchange is one element of the conversation history.
type Exchange struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Transcriber turns one utterance of PCM audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, languageHint string) (string, error)
}

// Generator streams a reply for the conversation so far. The text channel
// carries deltas and is closed when the stream ends; the error channel
// reports at most one terminal error and is closed afterwards.
type Generator interface {
	Generate(ctx context.Context, turns []Exchange) (<-chan string, <-chan error)
}

// Synthesizer streams PCM audio for a piece of text, in the session's
// sample format. Channel semantics match Generator.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Transferrer hands the call back to the switch.
type Transferrer interface {
	Transfer(ctx context.Context, callID uuid.UUID, destination string) error
}

// Sink receives synthesized reply audio for paced playback.
type Sink interface {
	BeginReply()
	Enqueue(pcm []byte) error
	EndReply()
}

// classify maps a collaborator error onto the package sentinels, keeping
// cancellation transparent so an interrupted turn is not counted as a
// failure.
func classify(stage string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", stage, ErrCollaboratorTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %w", stage, ErrCollaborator, err)
	}
}
