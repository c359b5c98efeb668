package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/promaaa/open-medSecretary/internal/audio"
)

type transcriptionResponse struct {
	Text string `json:"text"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse multipart form
	err := r.ParseMultipartForm(10 << 20) // 10 MB
	if err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	model := r.FormValue("model")
	language := r.FormValue("language")

	// Get audio file
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("🎤 TRANSCRIPTION REQUEST:")
	log.Printf("    Filename: %s", header.Filename)
	log.Printf("    Audio Size: %d bytes", len(audioData))
	log.Printf("    Model: %s", model)
	log.Printf("    Language: %s", language)

	// Simulate processing time
	time.Sleep(150 * time.Millisecond)

	response := transcriptionResponse{
		Text: "Bonjour, je voudrais prendre un rendez-vous avec le docteur Martin.",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("✅ TRANSCRIPTION RESPONSE SENT: '%s'", response.Text)
	log.Println("---")
}

func chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}

	log.Printf("💬 CHAT REQUEST:")
	log.Printf("    Model: %s", req.Model)
	log.Printf("    Messages: %d", len(req.Messages))
	if len(req.Messages) > 0 {
		last := req.Messages[len(req.Messages)-1]
		log.Printf("    Last (%s): '%s'", last.Role, last.Content)
	}

	// Stream the reply as newline-delimited JSON increments
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	words := []string{"Très ", "bien, ", "je ", "vous ", "propose ", "demain ", "à ", "dix ", "heures."}
	for _, word := range words {
		enc.Encode(chatChunk{
			Message: chatMessage{Role: "assistant", Content: word},
			Done:    false,
		})
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(80 * time.Millisecond)
	}
	enc.Encode(chatChunk{Done: true})

	log.Printf("✅ CHAT RESPONSE STREAMED: %d increments", len(words)+1)
	log.Println("---")
}

func synthesizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	log.Printf("🔊 SYNTHESIS REQUEST:")
	log.Printf("    Voice: %s", r.URL.Query().Get("voice"))
	log.Printf("    Text: '%s'", text)

	// 50 ms of silence per character, between half a second and ten seconds
	pcmLen := len(text) * 800
	if pcmLen < 8000 {
		pcmLen = 8000
	}
	if pcmLen > 160000 {
		pcmLen = 160000
	}

	wav, err := audio.EncodeWAV(make([]byte, pcmLen), 8000)
	if err != nil {
		http.Error(w, "Error encoding WAV", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	w.Write(wav)

	log.Printf("✅ SYNTHESIS RESPONSE SENT: %d bytes of WAV", len(wav))
	log.Println("---")
}

func transferHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}

	log.Printf("📞 TRANSFER REQUEST:")
	log.Printf("    Path: %s", r.URL.Path)
	log.Printf("    Destination: %s", req.Destination)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "transferred"})

	log.Printf("✅ TRANSFER ACCEPTED")
	log.Println("---")
}

func main() {
	http.HandleFunc("/v1/audio/transcriptions", transcribeHandler)
	http.HandleFunc("/api/chat", chatHandler)
	http.HandleFunc("/synthesize", synthesizeHandler)
	http.HandleFunc("/calls/", transferHandler)

	port := ":8800"
	log.Printf("🚀 Test Pipeline Server starting on port %s", port)
	log.Printf("📡 STT endpoint:      http://localhost%s/v1/audio/transcriptions", port)
	log.Printf("📡 LLM base URL:      http://localhost%s", port)
	log.Printf("📡 TTS base URL:      http://localhost%s/synthesize", port)
	log.Printf("📡 Transfer base URL: http://localhost%s", port)
	log.Println("💡 Point stt.endpoint, llm.base_url, tts.base_url and transfer.base_url at these")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
