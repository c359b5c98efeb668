// Package turn implements the per-call conversational state machine.
//
// The machine is a pure transition function: the session feeds it inbound
// chunks with their voice activity events, DTMF digits and collaborator
// completions, and each input returns the Commands the session must
// execute (speak a prompt, run a turn, discard playback, transfer, hang
// up). Keeping the side effects out of the machine makes every transition
// table-testable.
//
// A call moves Idle -> Greeting -> Listening and then cycles through
// Listening -> Transcribing -> Generating -> Speaking -> Listening once
// per turn. Speech detected while Speaking is the barge-in: the reply is
// abandoned, unplayed audio is discarded and the interrupting chunk opens
// the next utterance. Terminated is the sole terminal state.
package turn
