package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/skypro1111/audiosocket-agent/internal/session"
)

type chatRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_completion_tokens"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func completion(content string) string {
	return fmt.Sprintf(`{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700000000,
		"model": "llama-3.3-70b-versatile",
		"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": %q}}]
	}`, content)
}

func newChatServer(t *testing.T, reply string, got *chatRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("Failed to decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completion(reply)))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(Config{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}

	c, err := NewClient(Config{APIKey: "key"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	cfg := c.Config()
	if cfg.Model != DefaultModel || cfg.BaseURL != DefaultBaseURL {
		t.Errorf("Expected Groq defaults, got %+v", cfg)
	}
	if cfg.MaxTokens != DefaultMaxTokens || cfg.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("Expected default limits and prompt, got %+v", cfg)
	}
}

func TestGenerate(t *testing.T) {
	var got chatRequest
	server := newChatServer(t, " The fee is 500 dollars. ", &got)

	config := DefaultConfig()
	config.APIKey = "key"
	config.BaseURL = server.URL + "/"
	c, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	history := []session.Entry{
		{Speaker: session.SpeakerUser, Text: "hello"},
		{Speaker: session.SpeakerAgent, Text: "Hi, how can I help?"},
	}

	reply, err := c.Generate(context.Background(), "what is the fee", history)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if reply != "The fee is 500 dollars." {
		t.Errorf("Unexpected reply %q", reply)
	}

	if got.Model != DefaultModel {
		t.Errorf("Expected model %s, got %s", DefaultModel, got.Model)
	}
	if got.Temperature != DefaultTemperature || got.MaxTokens != DefaultMaxTokens {
		t.Errorf("Expected temperature %.1f and %d tokens, got %.1f and %d", DefaultTemperature, DefaultMaxTokens, got.Temperature, got.MaxTokens)
	}

	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("Expected %d messages, got %d", len(wantRoles), len(got.Messages))
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Errorf("Message %d: expected role %s, got %s", i, role, got.Messages[i].Role)
		}
	}
	if got.Messages[3].Content != "what is the fee" {
		t.Errorf("Expected the new text last, got %q", got.Messages[3].Content)
	}

	if stats := c.GetStats(); stats.TotalRequests != 1 || stats.FailedRequests != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestGenerateEmptyReply(t *testing.T) {
	server := newChatServer(t, "   ", nil)

	c, err := NewClient(Config{APIKey: "key", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	reply, err := c.Generate(context.Background(), "hello", nil)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if reply != "" {
		t.Errorf("Expected empty reply, got %q", reply)
	}
	if c.GetStats().EmptyReplies != 1 {
		t.Errorf("Expected one empty reply, got %+v", c.GetStats())
	}
}

func TestGenerateError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "invalid api key", "type": "invalid_request_error"}}`))
	}))
	defer server.Close()

	c, err := NewClient(Config{APIKey: "bad", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := c.Generate(context.Background(), "hello", nil); err == nil {
		t.Fatal("Expected error")
	}
	if c.GetStats().FailedRequests != 1 {
		t.Errorf("Expected one failed request, got %+v", c.GetStats())
	}
}

func TestBuildParamsSkipsUnknownSpeakers(t *testing.T) {
	c, err := NewClient(Config{APIKey: "key"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	params := c.buildParams("now", []session.Entry{
		{Speaker: session.SpeakerUser, Text: "a"},
		{Speaker: "narrator", Text: "ignored"},
		{Speaker: session.SpeakerAgent, Text: "b"},
	})

	if len(params.Messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil || params.Messages[1].OfUser == nil ||
		params.Messages[2].OfAssistant == nil || params.Messages[3].OfUser == nil {
		t.Error("Unexpected message roles")
	}
}
