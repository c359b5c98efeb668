package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/promaaa/open-medSecretary/internal/audio"
)

type fakeTranscriber struct {
	text    string
	err     error
	gotLang string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, languageHint string) (string, error) {
	f.gotLang = languageHint
	return f.text, f.err
}

type fakeGenerator struct {
	deltas   []string
	err      error
	gotTurns []Exchange
}

func (f *fakeGenerator) Generate(ctx context.Context, turns []Exchange) (<-chan string, <-chan error) {
	f.gotTurns = turns
	textCh := make(chan string, len(f.deltas)+1)
	errCh := make(chan error, 1)
	for _, d := range f.deltas {
		textCh <- d
	}
	close(textCh)
	if f.err != nil {
		errCh <- f.err
	}
	close(errCh)
	return textCh, errCh
}

// fakeSynthesizer emits the text itself as the audio payload, so tests can
// correlate sink contents with synthesis requests.
type fakeSynthesizer struct {
	failOn string
	pieces []string
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	f.pieces = append(f.pieces, text)
	audioCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	if f.failOn != "" && text == f.failOn {
		errCh <- errors.New("voice model crashed")
	} else if text != "" {
		audioCh <- []byte(text)
	}
	close(audioCh)
	close(errCh)
	return audioCh, errCh
}

type fakeSink struct {
	begins    int
	ends      int
	chunks    [][]byte
	failFirst int
	attempts  int
}

func (s *fakeSink) BeginReply() { s.begins++ }
func (s *fakeSink) EndReply()   { s.ends++ }

func (s *fakeSink) Enqueue(pcm []byte) error {
	s.attempts++
	if s.failFirst > 0 {
		s.failFirst--
		return audio.ErrBackpressure
	}
	s.chunks = append(s.chunks, pcm)
	return nil
}

func newTestBridge(t *testing.T, cfg BridgeConfig, llm Generator, tts Synthesizer) *Bridge {
	t.Helper()
	b, err := NewBridge(cfg, &fakeTranscriber{text: "ok"}, llm, tts, nil)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	return b
}

func TestBridgeReplyStreamsSentences(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Bonjour. ", "Je peux ", "vous aider?"}}
	tts := &fakeSynthesizer{}
	sink := &fakeSink{}
	b := newTestBridge(t, BridgeConfig{}, gen, tts)

	startedCalls := 0
	err := b.Reply(context.Background(), "bonjour docteur", sink, func() { startedCalls++ })
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	wantPieces := []string{"Bonjour.", "Je peux vous aider?"}
	if len(tts.pieces) != len(wantPieces) {
		t.Fatalf("synthesized %d pieces, want %d: %q", len(tts.pieces), len(wantPieces), tts.pieces)
	}
	for i, want := range wantPieces {
		if tts.pieces[i] != want {
			t.Errorf("piece %d = %q, want %q", i, tts.pieces[i], want)
		}
	}

	if sink.begins != 1 || sink.ends != 1 {
		t.Errorf("begins = %d, ends = %d, want 1 and 1", sink.begins, sink.ends)
	}
	if startedCalls != 1 {
		t.Errorf("started fired %d times, want 1", startedCalls)
	}

	// System prompt first, then the caller's words.
	if gen.gotTurns[0].Role != RoleSystem {
		t.Errorf("first turn role = %q, want system", gen.gotTurns[0].Role)
	}
	if got := gen.gotTurns[len(gen.gotTurns)-1]; got.Role != RoleUser || got.Content != "bonjour docteur" {
		t.Errorf("last turn = %+v, want user transcript", got)
	}

	history := b.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Role != RoleAssistant || history[1].Content != "Bonjour. Je peux vous aider?" {
		t.Errorf("assistant exchange = %+v", history[1])
	}
}

func TestBridgeReplyGenerationFailure(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Un instant."}, err: errors.New("model crashed")}
	sink := &fakeSink{}
	b := newTestBridge(t, BridgeConfig{}, gen, &fakeSynthesizer{})

	err := b.Reply(context.Background(), "allo", sink, nil)
	if !errors.Is(err, ErrCollaborator) {
		t.Fatalf("Reply() error = %v, want ErrCollaborator", err)
	}

	// What was spoken before the failure stays in the history.
	history := b.History()
	if len(history) != 2 || history[1].Content != "Un instant." {
		t.Errorf("history = %+v, want partial reply committed", history)
	}
	if sink.ends != 1 {
		t.Errorf("ends = %d, want 1", sink.ends)
	}
}

func TestBridgeReplyTimeoutClassified(t *testing.T) {
	gen := &fakeGenerator{err: context.DeadlineExceeded}
	b := newTestBridge(t, BridgeConfig{}, gen, &fakeSynthesizer{})

	err := b.Reply(context.Background(), "allo", &fakeSink{}, nil)
	if !errors.Is(err, ErrCollaboratorTimeout) {
		t.Fatalf("Reply() error = %v, want ErrCollaboratorTimeout", err)
	}
}

func TestBridgeReplyCancellationNotAFailure(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Je regarde."}, err: context.Canceled}
	b := newTestBridge(t, BridgeConfig{}, gen, &fakeSynthesizer{})

	err := b.Reply(context.Background(), "allo", &fakeSink{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Reply() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrCollaborator) || errors.Is(err, ErrCollaboratorTimeout) {
		t.Errorf("cancellation classified as collaborator failure: %v", err)
	}

	// The interrupted reply is remembered up to the cut.
	history := b.History()
	if len(history) != 2 || history[1].Content != "Je regarde." {
		t.Errorf("history = %+v, want partial reply committed", history)
	}
}

func TestBridgeSynthesisFailureMidReply(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Oui. Bien sûr. Voilà."}}
	tts := &fakeSynthesizer{failOn: "Bien sûr."}
	sink := &fakeSink{}
	b := newTestBridge(t, BridgeConfig{}, gen, tts)

	err := b.Reply(context.Background(), "allo", sink, nil)
	if !errors.Is(err, ErrCollaborator) {
		t.Fatalf("Reply() error = %v, want ErrCollaborator", err)
	}
	history := b.History()
	if len(history) != 2 || history[1].Content != "Oui." {
		t.Errorf("history = %+v, want only the spoken piece", history)
	}
	if sink.begins != 1 || sink.ends != 1 {
		t.Errorf("begins = %d, ends = %d, want 1 and 1", sink.begins, sink.ends)
	}
}

func TestBridgeEmptyReplyFails(t *testing.T) {
	b := newTestBridge(t, BridgeConfig{}, &fakeGenerator{}, &fakeSynthesizer{})

	err := b.Reply(context.Background(), "allo", &fakeSink{}, nil)
	if !errors.Is(err, ErrCollaborator) {
		t.Fatalf("Reply() error = %v, want ErrCollaborator", err)
	}
	if got := len(b.History()); got != 1 {
		t.Errorf("history length = %d, want only the user exchange", got)
	}
}

func TestBridgeBackpressureRetries(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Oui."}}
	sink := &fakeSink{failFirst: 2}
	b := newTestBridge(t, BridgeConfig{}, gen, &fakeSynthesizer{})

	if err := b.Reply(context.Background(), "allo", sink, nil); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if len(sink.chunks) != 1 || string(sink.chunks[0]) != "Oui." {
		t.Errorf("chunks = %q, want the synthesized piece", sink.chunks)
	}
	if sink.attempts != 3 {
		t.Errorf("attempts = %d, want 3", sink.attempts)
	}
}

func TestBridgeSay(t *testing.T) {
	tts := &fakeSynthesizer{}
	sink := &fakeSink{}
	b := newTestBridge(t, BridgeConfig{}, &fakeGenerator{}, tts)

	if err := b.Say(context.Background(), "Bonjour, cabinet médical.", sink); err != nil {
		t.Fatalf("Say() error = %v", err)
	}
	if sink.begins != 1 || sink.ends != 1 {
		t.Errorf("begins = %d, ends = %d, want 1 and 1", sink.begins, sink.ends)
	}
	if got := len(b.History()); got != 0 {
		t.Errorf("history length = %d, prompts must not enter history", got)
	}
}

func TestBridgeSayNoAudioFails(t *testing.T) {
	b := newTestBridge(t, BridgeConfig{}, &fakeGenerator{}, &fakeSynthesizer{})

	err := b.Say(context.Background(), "", &fakeSink{})
	if !errors.Is(err, ErrCollaborator) {
		t.Fatalf("Say() error = %v, want ErrCollaborator", err)
	}
}

func TestBridgeHistoryTrim(t *testing.T) {
	gen := &fakeGenerator{deltas: []string{"Oui."}}
	b := newTestBridge(t, BridgeConfig{MaxHistory: 4}, gen, &fakeSynthesizer{})

	for i := 0; i < 4; i++ {
		gen.deltas = []string{"Oui."}
		if err := b.Reply(context.Background(), "question", &fakeSink{}, nil); err != nil {
			t.Fatalf("turn %d: Reply() error = %v", i, err)
		}
	}

	history := b.History()
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	for i, e := range history {
		wantRole := RoleUser
		if i%2 == 1 {
			wantRole = RoleAssistant
		}
		if e.Role != wantRole {
			t.Errorf("exchange %d role = %q, want %q", i, e.Role, wantRole)
		}
	}
}

func TestBridgeTranscribeForwardsLanguageHint(t *testing.T) {
	stt := &fakeTranscriber{text: " Bonjour docteur "}
	b, err := NewBridge(BridgeConfig{LanguageHint: "fr"}, stt, &fakeGenerator{}, &fakeSynthesizer{}, nil)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}

	text, err := b.Transcribe(context.Background(), make([]byte, 320))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != " Bonjour docteur " {
		t.Errorf("text = %q", text)
	}
	if stt.gotLang != "fr" {
		t.Errorf("language hint = %q, want fr", stt.gotLang)
	}
}
