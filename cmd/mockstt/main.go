// Command mockstt is a fake transcription backend for local development.
// Point the service at it with transcription.backend "http" and
// transcription.endpoint "http://localhost:9000/transcribe".
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/speech-stream-service/internal/audio"
	"github.com/skypro1111/speech-stream-service/internal/transcription"
)

// transcriber answers every request with a canned transcript
type transcriber struct {
	text    string
	latency time.Duration
	logger  *slog.Logger
}

func (t *transcriber) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		t.logger.Warn("Rejecting upload that is not a WAV file",
			slog.String("filename", header.Filename),
			slog.String("error", err.Error()),
		)
		http.Error(w, fmt.Sprintf("invalid audio: %v", err), http.StatusBadRequest)
		return
	}

	t.logger.Info("Transcription request received",
		slog.String("filename", header.Filename),
		slog.Int("bytes", len(data)),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Float64("duration", info.Duration),
		slog.String("model", r.FormValue("model")),
		slog.String("language", r.FormValue("language")),
		slog.String("temperature", r.FormValue("temperature")),
		slog.String("prompt", r.FormValue("prompt")),
	)

	if t.latency > 0 {
		select {
		case <-time.After(t.latency):
		case <-r.Context().Done():
			return
		}
	}

	response := transcription.Response{
		Text:     t.text,
		Language: r.FormValue("language"),
		Duration: info.Duration,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "this is a test transcript", "Transcript returned for every segment")
	latency := flag.Duration("latency", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	t := &transcriber{text: *text, latency: *latency, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/transcribe", t.handleTranscribe)

	logger.Info("Mock transcription server starting",
		slog.String("addr", *addr),
		slog.String("endpoint", "/transcribe"),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
