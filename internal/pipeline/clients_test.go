package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/promaaa/open-medSecretary/internal/audio"
)

func TestWhisperTranscribe(t *testing.T) {
	var gotLanguage, gotModel string
	var gotWAVHeader []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotLanguage = r.FormValue("language")
		gotModel = r.FormValue("model")

		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			gotWAVHeader = make([]byte, 4)
			io.ReadFull(file, gotWAVHeader)
			file.Close()
		}

		json.NewEncoder(w).Encode(map[string]string{"text": "  Bonjour docteur  "})
	}))
	defer srv.Close()

	client, err := NewWhisperClient(WhisperConfig{
		Endpoint: srv.URL,
		Model:    "large-v3",
		Language: "fr",
	})
	if err != nil {
		t.Fatalf("NewWhisperClient() error = %v", err)
	}

	text, err := client.Transcribe(context.Background(), make([]byte, 640), "")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "Bonjour docteur" {
		t.Errorf("text = %q, want trimmed transcript", text)
	}
	if gotLanguage != "fr" || gotModel != "large-v3" {
		t.Errorf("language = %q, model = %q", gotLanguage, gotModel)
	}
	if string(gotWAVHeader) != "RIFF" {
		t.Errorf("uploaded file header = %q, want RIFF", gotWAVHeader)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWhisperRejectionIsNotRetried(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "unsupported audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewWhisperClient(WhisperConfig{Endpoint: srv.URL, MaxRetries: 3})
	if err != nil {
		t.Fatalf("NewWhisperClient() error = %v", err)
	}

	_, err = client.Transcribe(context.Background(), make([]byte, 320), "fr")
	if err == nil {
		t.Fatal("Transcribe() error = nil, want error")
	}
	if requests != 1 {
		t.Errorf("requests = %d, a 4xx must not be retried", requests)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"server error", errors.New("HTTP error 503: overloaded"), true},
		{"rate limited", errors.New("HTTP error 429: slow down"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"client rejection", errors.New("HTTP error 400: bad audio"), false},
		{"parse failure", errors.New("failed to parse response JSON"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.retryable {
				t.Errorf("isRetryableError() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestOllamaGenerateStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream || req.Model != "llama3:8b" {
			t.Errorf("request = %+v", req)
		}
		if req.Messages[0].Role != RoleSystem {
			t.Errorf("first message role = %q", req.Messages[0].Role)
		}

		flusher := w.(http.Flusher)
		for _, delta := range []string{"Bon", "jour", "."} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", delta)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "llama3:8b"})
	if err != nil {
		t.Fatalf("NewOllamaClient() error = %v", err)
	}

	turns := []Exchange{{Role: RoleSystem, Content: "secrétaire"}, {Role: RoleUser, Content: "allo"}}
	textCh, errCh := client.Generate(context.Background(), turns)

	var got strings.Builder
	for delta := range textCh {
		got.WriteString(delta)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream error = %v", err)
	}
	if got.String() != "Bonjour." {
		t.Errorf("reply = %q, want %q", got.String(), "Bonjour.")
	}
}

func TestOllamaModelErrorMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Un"},"done":false}`)
		fmt.Fprintln(w, `{"error":"model ran out of memory"}`)
	}))
	defer srv.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "llama3:8b"})
	if err != nil {
		t.Fatalf("NewOllamaClient() error = %v", err)
	}

	textCh, errCh := client.Generate(context.Background(), nil)
	for range textCh {
	}
	err = <-errCh
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Errorf("stream error = %v, want model error", err)
	}
}

func TestOllamaCancellationStopsStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Je"},"done":false}`)
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client, err := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "llama3:8b"})
	if err != nil {
		t.Fatalf("NewOllamaClient() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	textCh, errCh := client.Generate(ctx, nil)

	if delta := <-textCh; delta != "Je" {
		t.Fatalf("delta = %q", delta)
	}
	cancel()

	for range textCh {
	}
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("stream error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after cancellation")
	}
}

func TestPiperSynthesize(t *testing.T) {
	pcm := make([]byte, 1000)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	wav, err := audio.EncodeWAV(pcm, 8000)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write(wav)
	}))
	defer srv.Close()

	client, err := NewPiperClient(PiperConfig{BaseURL: srv.URL, SampleRate: 8000, StreamChunkBytes: 256})
	if err != nil {
		t.Fatalf("NewPiperClient() error = %v", err)
	}

	audioCh, errCh := client.Synthesize(context.Background(), "Bonjour.")
	var got []byte
	for chunk := range audioCh {
		got = append(got, chunk...)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if gotBody != "Bonjour." {
		t.Errorf("request body = %q", gotBody)
	}
	if len(got) != len(pcm) {
		t.Fatalf("synthesized %d bytes, want %d", len(got), len(pcm))
	}
	for i := range got {
		if got[i] != pcm[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], pcm[i])
		}
	}
}

func TestPiperRejectsWrongSampleRate(t *testing.T) {
	wav, err := audio.EncodeWAV(make([]byte, 640), 22050)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wav)
	}))
	defer srv.Close()

	client, err := NewPiperClient(PiperConfig{BaseURL: srv.URL, SampleRate: 8000})
	if err != nil {
		t.Fatalf("NewPiperClient() error = %v", err)
	}

	audioCh, errCh := client.Synthesize(context.Background(), "Bonjour.")
	for range audioCh {
	}
	err = <-errCh
	if err == nil || !strings.Contains(err.Error(), "sample rate") {
		t.Errorf("Synthesize() error = %v, want sample rate mismatch", err)
	}
}

func TestSwitchControlTransfer(t *testing.T) {
	callID := uuid.New()

	t.Run("acknowledged", func(t *testing.T) {
		var gotPath, gotDestination string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			gotDestination = body["destination"]
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		client, err := NewSwitchControl(TransferConfig{BaseURL: srv.URL})
		if err != nil {
			t.Fatalf("NewSwitchControl() error = %v", err)
		}
		if err := client.Transfer(context.Background(), callID, "emergency"); err != nil {
			t.Fatalf("Transfer() error = %v", err)
		}
		wantPath := "/calls/" + callID.String() + "/transfer"
		if gotPath != wantPath {
			t.Errorf("path = %q, want %q", gotPath, wantPath)
		}
		if gotDestination != "emergency" {
			t.Errorf("destination = %q", gotDestination)
		}
	})

	t.Run("refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no operator", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		client, err := NewSwitchControl(TransferConfig{BaseURL: srv.URL})
		if err != nil {
			t.Fatalf("NewSwitchControl() error = %v", err)
		}
		err = client.Transfer(context.Background(), callID, "emergency")
		if !errors.Is(err, ErrTransferFailed) {
			t.Errorf("Transfer() error = %v, want ErrTransferFailed", err)
		}
	})
}
