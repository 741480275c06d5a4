// Command devbackend runs local stand-ins for the transcription, dialogue and
// synthesis backends so the agent can be exercised against a softphone
// without any external service.
//
//	transcription: POST /inference          (whisper.cpp server shape)
//	synthesis:     POST /synthesize         (piper HTTP shape, returns WAV)
//	dialogue:      POST /chat/completions   (OpenAI-compatible echo)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
)

const (
	toneRate      = 22050
	toneFrequency = 440.0
	perCharacter  = 60 * time.Millisecond
	maxToneLength = 5 * time.Second
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type synthesizeRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

func main() {
	sttAddr := flag.String("transcription-addr", ":8081", "Listen address for the transcription stub")
	llmAddr := flag.String("dialogue-addr", ":8090", "Listen address for the chat completions stub")
	ttsAddr := flag.String("synthesis-addr", ":5000", "Listen address for the synthesis stub")
	latency := flag.Duration("latency", 200*time.Millisecond, "Simulated processing time per request")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	stt := http.NewServeMux()
	stt.HandleFunc("/inference", inferenceHandler(logger, *latency))

	llm := http.NewServeMux()
	llm.HandleFunc("/chat/completions", chatHandler(logger, *latency))

	tts := http.NewServeMux()
	tts.HandleFunc("/synthesize", synthesizeHandler(logger, *latency))

	servers := []*http.Server{
		{Addr: *sttAddr, Handler: stt},
		{Addr: *llmAddr, Handler: llm},
		{Addr: *ttsAddr, Handler: tts},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("Stub backend listening", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Stub backend failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// inferenceHandler accepts a multipart WAV upload and describes it back
func inferenceHandler(logger *slog.Logger, latency time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
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

		pcm, rate, err := audio.DecodeWAV(data)
		if err != nil {
			http.Error(w, "Audio is not a PCM16 WAV", http.StatusBadRequest)
			return
		}
		duration := audio.Duration(len(pcm), rate)

		logger.Info("Transcription request",
			slog.String("filename", header.Filename),
			slog.Int("bytes", len(data)),
			slog.Int("sample_rate", rate),
			slog.Duration("duration", duration),
			slog.String("language", r.FormValue("language")),
			slog.String("response_format", r.FormValue("response_format")),
		)

		time.Sleep(latency)

		text := fmt.Sprintf("I heard %.1f seconds of audio", duration.Seconds())
		if r.FormValue("response_format") == "text" {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintln(w, text)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": text})
	}
}

// chatHandler answers with the last user message echoed back
func chatHandler(logger *slog.Logger, latency time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		var last string
		for _, m := range req.Messages {
			if m.Role == "user" {
				last = m.Content
			}
		}

		logger.Info("Chat request",
			slog.String("model", req.Model),
			slog.Int("messages", len(req.Messages)),
			slog.String("user_text", last),
		)

		time.Sleep(latency)

		reply := "You said: " + strings.TrimSpace(last)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": reply},
			}},
		})
	}
}

// synthesizeHandler returns a tone whose length follows the text length
func synthesizeHandler(logger *slog.Logger, latency time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			http.Error(w, "Text is required", http.StatusBadRequest)
			return
		}

		length := min(time.Duration(len(req.Text))*perCharacter, maxToneLength)
		wav, err := audio.EncodeWAV(tone(length), toneRate)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		logger.Info("Synthesis request",
			slog.Int("characters", len(req.Text)),
			slog.String("voice", req.Voice),
			slog.Duration("audio", length),
		)

		time.Sleep(latency)

		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}
}

func tone(length time.Duration) []byte {
	n := int(length.Seconds() * toneRate)
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*toneFrequency*float64(i)/toneRate))
	}
	return audio.SamplesToBytes(samples)
}
