// Package pipeline connects a call to its collaborators: speech-to-text,
// the language model and speech synthesis, plus the switch control API for
// emergency hand-offs.
//
// The HTTP clients (WhisperClient, OllamaClient, PiperClient,
// SwitchControl) each speak one collaborator's protocol and keep their own
// request statistics. The Bridge glues them into a conversational turn:
// Transcribe turns an utterance into text, Reply streams the model's
// answer through sentence-sized synthesis requests into a playback Sink,
// and Say plays fixed prompts. Reply commits whatever was actually spoken
// to the history, so an interrupted answer is remembered only up to the
// interruption.
//
// Errors are classified onto ErrCollaborator, ErrCollaboratorTimeout and
// ErrTransferFailed; context cancellation passes through unclassified so
// barge-ins are not miscounted as failures.
package pipeline
