package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/promaaa/open-medSecretary/internal/audio"
)

// DefaultSystemPrompt frames the model as the practice's phone secretary.
const DefaultSystemPrompt = `Tu es l'assistant vocal du secrétariat médical. Tu gères les appels téléphoniques entrants pour le cabinet médical.

## Tes Responsabilités:
1. **Prise de rendez-vous** - Proposer des créneaux disponibles et confirmer les rendez-vous
2. **Demandes d'ordonnances** - Noter les demandes de renouvellement et informer du délai
3. **Questions administratives** - Horaires, adresse, documents à apporter
4. **Transmission de messages** - Noter les messages urgents pour le médecin

## Règles Strictes (OBLIGATOIRES):
- **JAMAIS de conseils médicaux** - Tu n'es pas médecin, redirige vers un rendez-vous
- **Urgences = 15 (SAMU)** - Pour toute urgence, dire d'appeler le 15 immédiatement
- **Confirmer l'identité** - Demander nom et date de naissance du patient
- **Langage professionnel** - Parler clairement, être poli et rassurant

## Style de Communication:
- Phrases courtes et claires (sera synthétisé vocalement)
- Pas de listes à puces, d'emojis ou de caractères spéciaux
- Confirmer les informations importantes en les répétant
- Terminer par une question ouverte si besoin de plus d'infos

## Exemples de Réponses:
- "Bonjour, cabinet médical du Docteur Martin, que puis-je faire pour vous?"
- "Je vais noter votre demande de renouvellement d'ordonnance. Pouvez-vous me donner votre nom et date de naissance?"
- "Pour une urgence médicale, veuillez appeler le 15 immédiatement. Puis-je vous aider pour autre chose?"`

// backpressureDelay is how long synthesis waits for the pacer to drain one
// chunk before retrying a full queue.
const backpressureDelay = 20 * time.Millisecond

// BridgeConfig contains the conversational glue configuration.
type BridgeConfig struct {
	SystemPrompt string
	LanguageHint string
	SampleRate   int
	// MaxHistory bounds the number of exchanges (user and assistant
	// combined) replayed to the model.
	MaxHistory int
	// MaxChunkWords bounds how much reply text is batched into one
	// synthesis request when no sentence boundary appears.
	MaxChunkWords int
}

// Bridge wires the collaborators into one conversational pipeline. Each
// call gets its own Bridge, which owns that call's history. Transcribe,
// Reply and Say are safe to call from the session's turn goroutine while
// History is read by the HTTP API.
type Bridge struct {
	cfg    BridgeConfig
	stt    Transcriber
	llm    Generator
	tts    Synthesizer
	logger *slog.Logger

	mu      sync.Mutex
	history []Exchange
}

// NewBridge creates the pipeline glue for one call.
func NewBridge(cfg BridgeConfig, stt Transcriber, llm Generator, tts Synthesizer, logger *slog.Logger) (*Bridge, error) {
	if stt == nil || llm == nil || tts == nil {
		return nil, fmt.Errorf("all collaborators must be set")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 20
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 8000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		stt:    stt,
		llm:    llm,
		tts:    tts,
		logger: logger,
	}, nil
}

// Transcribe runs speech-to-text over one utterance.
func (b *Bridge) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	start := time.Now()
	text, err := b.stt.Transcribe(ctx, pcm, b.cfg.LanguageHint)
	if err != nil {
		return "", classify("transcribe", err)
	}
	b.logger.Debug("utterance transcribed",
		slog.Duration("audio", audio.Duration(int64(len(pcm)), b.cfg.SampleRate)),
		slog.Duration("took", time.Since(start)),
		slog.Int("chars", len(text)))
	return text, nil
}

// Reply generates and speaks the answer to transcript. Text is synthesized
// sentence by sentence so playback starts before generation finishes; the
// started callback fires once, when the first audio is queued. Whatever
// was actually spoken is committed to the history even when the turn fails
// or is interrupted.
func (b *Bridge) Reply(ctx context.Context, transcript string, sink Sink, started func()) error {
	b.mu.Lock()
	b.history = append(b.history, Exchange{Role: RoleUser, Content: transcript})
	turns := b.promptLocked()
	b.mu.Unlock()

	textCh, errCh := b.llm.Generate(ctx, turns)
	chunker := newSentenceChunker(b.cfg.MaxChunkWords)

	var spoken strings.Builder
	begun := false
	defer func() {
		if begun {
			sink.EndReply()
		}
	}()

	// finish commits the spoken part of the reply before returning.
	finish := func(err error) error {
		if s := strings.TrimSpace(spoken.String()); s != "" {
			b.mu.Lock()
			b.history = append(b.history, Exchange{Role: RoleAssistant, Content: s})
			b.trimHistoryLocked()
			b.mu.Unlock()
		}
		return err
	}

	speak := func(piece string) error {
		if err := b.speakPiece(ctx, piece, sink, &begun, started); err != nil {
			return err
		}
		if spoken.Len() > 0 {
			spoken.WriteByte(' ')
		}
		spoken.WriteString(piece)
		return nil
	}

	for delta := range textCh {
		for _, piece := range chunker.Feed(delta) {
			if err := speak(piece); err != nil {
				return finish(classify("synthesize", err))
			}
		}
	}
	if err := <-errCh; err != nil {
		return finish(classify("generate", err))
	}
	if piece := chunker.Flush(); piece != "" {
		if err := speak(piece); err != nil {
			return finish(classify("synthesize", err))
		}
	}
	if spoken.Len() == 0 {
		return finish(classify("generate", errors.New("model produced no speakable reply")))
	}
	return finish(nil)
}

// Say synthesizes and queues a fixed prompt, bypassing the model and the
// history.
func (b *Bridge) Say(ctx context.Context, text string, sink Sink) error {
	begun := false
	defer func() {
		if begun {
			sink.EndReply()
		}
	}()

	if err := b.speakPiece(ctx, text, sink, &begun, nil); err != nil {
		return classify("synthesize", err)
	}
	if !begun {
		return classify("synthesize", errors.New("synthesizer produced no audio"))
	}
	return nil
}

// History returns a copy of the conversation so far.
func (b *Bridge) History() []Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Exchange, len(b.history))
	copy(out, b.history)
	return out
}

// speakPiece synthesizes one piece of text and queues its audio, waiting
// out pacer backpressure.
func (b *Bridge) speakPiece(ctx context.Context, piece string, sink Sink, begun *bool, started func()) error {
	audioCh, errCh := b.tts.Synthesize(ctx, piece)
	notified := false
	for chunk := range audioCh {
		if !*begun {
			*begun = true
			sink.BeginReply()
		}
		if err := b.enqueue(ctx, sink, chunk); err != nil {
			return err
		}
		if started != nil && !notified {
			notified = true
			started()
		}
	}
	return <-errCh
}

// enqueue hands one chunk to the sink, retrying while the playback queue
// is full.
func (b *Bridge) enqueue(ctx context.Context, sink Sink, chunk []byte) error {
	for {
		err := sink.Enqueue(chunk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, audio.ErrBackpressure) {
			return err
		}
		select {
		case <-time.After(backpressureDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// promptLocked assembles the model input: system prompt plus the bounded
// history tail.
func (b *Bridge) promptLocked() []Exchange {
	turns := make([]Exchange, 0, len(b.history)+1)
	turns = append(turns, Exchange{Role: RoleSystem, Content: b.cfg.SystemPrompt})
	return append(turns, b.history...)
}

func (b *Bridge) trimHistoryLocked() {
	if len(b.history) > b.cfg.MaxHistory {
		b.history = append(b.history[:0:0], b.history[len(b.history)-b.cfg.MaxHistory:]...)
	}
}
