package turn

import (
	"bytes"
	"errors"
	"testing"

	"github.com/promaaa/open-medSecretary/internal/vad"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	m, err := NewMachine(DefaultConfig())
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	return m
}

func requireCommands(t *testing.T, cmds []Command, want ...CommandType) {
	t.Helper()
	if len(cmds) != len(want) {
		t.Fatalf("got %d commands, want %d (%v)", len(cmds), len(want), cmds)
	}
	for i, w := range want {
		if cmds[i].Type != w {
			t.Fatalf("command %d = %v, want %v", i, cmds[i].Type, w)
		}
	}
}

func requireState(t *testing.T, m *Machine, want State) {
	t.Helper()
	if m.State() != want {
		t.Fatalf("state = %v, want %v", m.State(), want)
	}
}

// toListening drives a fresh machine through the greeting.
func toListening(t *testing.T, m *Machine) {
	t.Helper()
	requireCommands(t, m.Begin(), CmdSpeak)
	requireState(t, m, StateGreeting)
	requireCommands(t, m.OnSayDone(nil))
	requireCommands(t, m.OnPlaybackDone())
	requireState(t, m, StateListening)
}

// speakUtterance accumulates and flushes one utterance from StateListening.
func speakUtterance(t *testing.T, m *Machine, chunks ...[]byte) Command {
	t.Helper()
	for i, c := range chunks {
		ev := vad.SpeechContinue
		if i == 0 {
			ev = vad.SpeechStart
		}
		if i == len(chunks)-1 {
			ev = vad.SpeechEnd
		}
		cmds := m.OnAudio(c, ev)
		if i < len(chunks)-1 {
			requireCommands(t, cmds)
			continue
		}
		requireCommands(t, cmds, CmdRunTurn)
		return cmds[0]
	}
	t.Fatal("no chunks given")
	return Command{}
}

func TestNewMachineValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:     "missing greeting",
			mutate:   func(c *Config) { c.Greeting = "" },
			errorMsg: "prompts",
		},
		{
			name:     "zero failure threshold",
			mutate:   func(c *Config) { c.FailureThreshold = 0 },
			errorMsg: "failure threshold",
		},
		{
			name:     "negative utterance cap",
			mutate:   func(c *Config) { c.MaxUtteranceBytes = -1 },
			errorMsg: "utterance bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewMachine(cfg)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("NewMachine() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("NewMachine() error = nil, want error")
			}
		})
	}
}

func TestMachineHappyTurn(t *testing.T) {
	m := newTestMachine(t)
	toListening(t, m)

	c1 := []byte{1, 1, 1, 1}
	c2 := []byte{2, 2, 2, 2}
	c3 := []byte{3, 3, 3, 3}
	cmd := speakUtterance(t, m, c1, c2, c3)
	requireState(t, m, StateTranscribing)

	want := append(append(append([]byte(nil), c1...), c2...), c3...)
	if !bytes.Equal(cmd.Utterance, want) {
		t.Errorf("utterance = %v, want %v", cmd.Utterance, want)
	}

	requireCommands(t, m.OnTranscript("je voudrais un rendez-vous", nil))
	requireState(t, m, StateGenerating)

	requireCommands(t, m.OnSpeaking())
	requireState(t, m, StateSpeaking)

	requireCommands(t, m.OnReplyDone(nil))
	requireCommands(t, m.OnPlaybackDone())
	requireState(t, m, StateListening)

	stats := m.GetStats()
	if stats.Turns != 1 {
		t.Errorf("turns = %d, want 1", stats.Turns)
	}
	if stats.Failures != 0 {
		t.Errorf("failures = %d, want 0", stats.Failures)
	}
}

func TestMachineBargeIn(t *testing.T) {
	m := newTestMachine(t)
	toListening(t, m)
	speakUtterance(t, m, []byte{1, 1}, []byte{2, 2})
	m.OnTranscript("bonjour", nil)
	m.OnSpeaking()
	requireState(t, m, StateSpeaking)

	interrupting := []byte{9, 9, 9, 9}
	cmds := m.OnAudio(interrupting, vad.SpeechStart)
	requireCommands(t, cmds, CmdInterrupt)
	requireState(t, m, StateListening)

	// The interrupting chunk opens the next utterance.
	m.OnAudio([]byte{8, 8}, vad.SpeechContinue)
	flushed := m.OnAudio([]byte{7, 7}, vad.SpeechEnd)
	requireCommands(t, flushed, CmdRunTurn)
	want := []byte{9, 9, 9, 9, 8, 8, 7, 7}
	if !bytes.Equal(flushed[0].Utterance, want) {
		t.Errorf("utterance = %v, want %v", flushed[0].Utterance, want)
	}

	if got := m.GetStats().Interruptions; got != 1 {
		t.Errorf("interruptions = %d, want 1", got)
	}
}

func TestMachineGreetingPreemptedByDigit(t *testing.T) {
	m := newTestMachine(t)
	requireCommands(t, m.Begin(), CmdSpeak)

	cmds := m.OnDTMF('1')
	requireCommands(t, cmds, CmdStopPlayback)
	requireState(t, m, StateListening)

	if got := m.GetStats().MenuSelection; got != "1" {
		t.Errorf("menu selection = %q, want %q", got, "1")
	}
}

func TestMachineEmergencyDuringGreeting(t *testing.T) {
	m := newTestMachine(t)
	m.Begin()

	cmds := m.OnDTMF('2')
	requireCommands(t, cmds, CmdStopPlayback, CmdTransfer)
	requireState(t, m, StateListening)
}

func TestMachineEmergencyTransfer(t *testing.T) {
	t.Run("acknowledged", func(t *testing.T) {
		m := newTestMachine(t)
		toListening(t, m)
		requireCommands(t, m.OnDTMF('2'), CmdTransfer)

		cmds := m.OnTransferResult(nil)
		requireCommands(t, cmds, CmdHangup)
		if !cmds[0].Silent {
			t.Error("hangup after transfer should be silent")
		}
		if cmds[0].Reason != "transferred" {
			t.Errorf("reason = %q, want %q", cmds[0].Reason, "transferred")
		}
		requireState(t, m, StateTerminated)
	})

	t.Run("refused", func(t *testing.T) {
		m := newTestMachine(t)
		toListening(t, m)
		requireCommands(t, m.OnDTMF('2'), CmdTransfer)

		cmds := m.OnTransferResult(errors.New("no channel available"))
		requireCommands(t, cmds, CmdSpeak)
		if cmds[0].Text != DefaultTransferFailed {
			t.Errorf("text = %q, want transfer-failed prompt", cmds[0].Text)
		}
		requireState(t, m, StateSpeaking)

		requireCommands(t, m.OnPlaybackDone())
		requireState(t, m, StateListening)
	})

	t.Run("duplicate digit while pending", func(t *testing.T) {
		m := newTestMachine(t)
		toListening(t, m)
		requireCommands(t, m.OnDTMF('2'), CmdTransfer)
		requireCommands(t, m.OnDTMF('2'))
	})
}

func TestMachineFailureThreshold(t *testing.T) {
	m := newTestMachine(t)
	toListening(t, m)
	sttDown := errors.New("stt unavailable")

	for i := 1; i <= 2; i++ {
		speakUtterance(t, m, []byte{1, 2}, []byte{3, 4})
		cmds := m.OnTranscript("", sttDown)
		requireCommands(t, cmds, CmdSpeak)
		if cmds[0].Text != DefaultApology {
			t.Fatalf("failure %d: text = %q, want apology", i, cmds[0].Text)
		}
		if got := m.GetStats().Failures; got != i {
			t.Fatalf("failure %d: counter = %d", i, got)
		}
		m.OnSayDone(nil)
		m.OnPlaybackDone()
		requireState(t, m, StateListening)
	}

	// Third consecutive failure says goodbye and hangs up.
	speakUtterance(t, m, []byte{1, 2}, []byte{3, 4})
	cmds := m.OnTranscript("", sttDown)
	requireCommands(t, cmds, CmdSpeak)
	if cmds[0].Text != DefaultGoodbye {
		t.Fatalf("text = %q, want goodbye", cmds[0].Text)
	}
	m.OnSayDone(nil)

	cmds = m.OnPlaybackDone()
	requireCommands(t, cmds, CmdHangup)
	if cmds[0].Silent {
		t.Error("failure hangup should not be silent")
	}
	requireState(t, m, StateTerminated)
}

func TestMachineEmptyTranscriptCountsAsFailure(t *testing.T) {
	m := newTestMachine(t)
	toListening(t, m)
	speakUtterance(t, m, []byte{1, 2}, []byte{3, 4})

	cmds := m.OnTranscript("   ", nil)
	requireCommands(t, cmds, CmdSpeak)
	if got := m.GetStats().Failures; got != 1 {
		t.Errorf("failures = %d, want 1", got)
	}
}

func TestMachineSuccessResetsFailures(t *testing.T) {
	m := newTestMachine(t)
	toListening(t, m)

	speakUtterance(t, m, []byte{1, 2}, []byte{3, 4})
	m.OnTranscript("", errors.New("timeout"))
	m.OnSayDone(nil)
	m.OnPlaybackDone()

	speakUtterance(t, m, []byte{5, 6}, []byte{7, 8})
	m.OnTranscript("bonjour", nil)
	m.OnSpeaking()
	m.OnReplyDone(nil)

	if got := m.GetStats().Failures; got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
}

func TestMachineGoodbyeSynthesisFailureHangsUp(t *testing.T) {
	m := newTestMachine(t)
	toListening(t, m)
	ttsDown := errors.New("tts unavailable")

	// Two failed turns whose apologies still synthesize.
	for i := 0; i < 2; i++ {
		speakUtterance(t, m, []byte{1, 2}, []byte{3, 4})
		requireCommands(t, m.OnTranscript("", ttsDown), CmdSpeak)
		m.OnSayDone(nil)
		m.OnPlaybackDone()
	}

	// The third failure escalates to the goodbye; when even that cannot
	// be synthesized the machine hangs up directly.
	speakUtterance(t, m, []byte{1, 2}, []byte{3, 4})
	cmds := m.OnTranscript("", ttsDown)
	requireCommands(t, cmds, CmdSpeak)
	if cmds[0].Text != DefaultGoodbye {
		t.Fatalf("text = %q, want goodbye", cmds[0].Text)
	}

	cmds = m.OnSayDone(ttsDown)
	requireCommands(t, cmds, CmdHangup)
	requireState(t, m, StateTerminated)
}

func TestMachineUtteranceCapFlushes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUtteranceBytes = 8
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	toListening(t, m)

	requireCommands(t, m.OnAudio([]byte{1, 1, 1, 1}, vad.SpeechStart))
	cmds := m.OnAudio([]byte{2, 2, 2, 2}, vad.SpeechContinue)
	requireCommands(t, cmds, CmdRunTurn)
	if len(cmds[0].Utterance) != 8 {
		t.Errorf("utterance length = %d, want 8", len(cmds[0].Utterance))
	}
	requireState(t, m, StateTranscribing)
}

func TestMachineIgnoresStrayEvents(t *testing.T) {
	m := newTestMachine(t)

	requireCommands(t, m.OnAudio([]byte{1}, vad.SpeechStart))
	requireCommands(t, m.OnTranscript("bonjour", nil))
	requireCommands(t, m.OnPlaybackDone())
	requireCommands(t, m.OnReplyDone(nil))
	requireCommands(t, m.OnTransferResult(nil))

	m.Begin()
	requireCommands(t, m.Begin())

	// Speech end without an accumulated utterance is not a turn.
	m2 := newTestMachine(t)
	toListening(t, m2)
	requireCommands(t, m2.OnAudio([]byte{1, 2}, vad.SpeechContinue))
	requireCommands(t, m2.OnAudio([]byte{3, 4}, vad.SpeechEnd))
	requireState(t, m2, StateListening)
}

func TestMachineTerminateIdempotent(t *testing.T) {
	m := newTestMachine(t)
	m.Begin()

	if !m.Terminate("inactivity timeout") {
		t.Error("first Terminate() = false, want true")
	}
	if m.Terminate("again") {
		t.Error("second Terminate() = true, want false")
	}
	requireState(t, m, StateTerminated)
}

func TestMachineBargeInDuringGoodbyeResumes(t *testing.T) {
	m := newTestMachine(t)
	toListening(t, m)
	sttDown := errors.New("stt unavailable")

	for i := 0; i < 3; i++ {
		speakUtterance(t, m, []byte{1, 2}, []byte{3, 4})
		cmds := m.OnTranscript("", sttDown)
		requireCommands(t, cmds, CmdSpeak)
		if i < 2 {
			m.OnSayDone(nil)
			m.OnPlaybackDone()
		}
	}
	requireState(t, m, StateSpeaking)

	// Interrupting the goodbye gives the caller one more chance.
	requireCommands(t, m.OnAudio([]byte{9, 9}, vad.SpeechStart), CmdInterrupt)
	requireState(t, m, StateListening)

	flushed := m.OnAudio([]byte{8, 8}, vad.SpeechEnd)
	requireCommands(t, flushed, CmdRunTurn)
	m.OnTranscript("attendez", nil)
	m.OnSpeaking()
	m.OnReplyDone(nil)
	requireCommands(t, m.OnPlaybackDone())
	requireState(t, m, StateListening)
	if got := m.GetStats().Failures; got != 0 {
		t.Errorf("failures = %d, want 0", got)
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateIdle:         "idle",
		StateGreeting:     "greeting",
		StateListening:    "listening",
		StateTranscribing: "transcribing",
		StateSpeaking:     "speaking",
		StateTerminated:   "terminated",
		State(42):         "unknown(42)",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
