package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestOllamaChat_TextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}

		var reqBody ollamaChatRequest
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Fatalf("decoding request body: %v", err)
		}
		if reqBody.Model != "llama3.2:1b" {
			t.Errorf("model = %q, want %q", reqBody.Model, "llama3.2:1b")
		}
		if reqBody.Stream {
			t.Error("stream = true, want false")
		}
		if reqBody.Options.Temperature != 0.1 {
			t.Errorf("temperature = %v, want 0.1", reqBody.Options.Temperature)
		}
		if len(reqBody.Messages) != 2 || reqBody.Messages[0].Role != "system" {
			t.Errorf("messages = %+v, want system then user", reqBody.Messages)
		}

		var resp ollamaChatResponse
		resp.Model = "llama3.2:1b"
		resp.Message.Role = "assistant"
		resp.Message.Content = "Paris"
		resp.Done = true
		resp.PromptEvalCount = 42
		resp.EvalCount = 3
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, WithMaxRetries(0))

	got, err := p.Chat(context.Background(), &Request{
		Model: "llama3.2:1b",
		Messages: []Message{
			{Role: RoleSystem, Content: "You answer concisely."},
			{Role: RoleUser, Content: "Capital of France?"},
		},
		Temperature: 0.1,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got.Content != "Paris" {
		t.Errorf("Content = %q, want %q", got.Content, "Paris")
	}
	if got.Model != "llama3.2:1b" {
		t.Errorf("Model = %q, want %q", got.Model, "llama3.2:1b")
	}
	if got.PromptTokens != 42 || got.CompletionTokens != 3 {
		t.Errorf("tokens = %d/%d, want 42/3", got.PromptTokens, got.CompletionTokens)
	}
}

func TestOllamaChat_GenerateFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			w.WriteHeader(http.StatusNotFound)
		case "/api/generate":
			var reqBody ollamaGenerateRequest
			if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
				t.Fatalf("decoding generate body: %v", err)
			}
			wantPrompt := "SYSTEM: Be brief.\n\nUSER: Hi\n\nASSISTANT:"
			if reqBody.Prompt != wantPrompt {
				t.Errorf("prompt = %q, want %q", reqBody.Prompt, wantPrompt)
			}
			json.NewEncoder(w).Encode(ollamaGenerateResponse{
				Model:    "llama3.2:1b",
				Response: "Hello!",
				Done:     true,
			})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, WithMaxRetries(0))

	got, err := p.Chat(context.Background(), &Request{
		Model: "llama3.2:1b",
		Messages: []Message{
			{Role: RoleSystem, Content: "Be brief."},
			{Role: RoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got.Content != "Hello!" {
		t.Errorf("Content = %q, want %q", got.Content, "Hello!")
	}
}

func TestOllamaChat_DoubleNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"mistral:7b"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, WithMaxRetries(0))

	_, err := p.Chat(context.Background(), &Request{
		Model:    "llama3.2:1b",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("Chat() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "mistral:7b") {
		t.Errorf("error %q should list available models", err)
	}
	if !strings.Contains(err.Error(), "llama3.2:1b") {
		t.Errorf("error %q should name the requested model", err)
	}
}

func TestOllamaChat_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var resp ollamaChatResponse
		resp.Message.Content = "Recovered"
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, WithMaxRetries(2), WithRetryBackoff(time.Millisecond))

	got, err := p.Chat(context.Background(), &Request{
		Model:    "llama3.2:1b",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got.Content != "Recovered" {
		t.Errorf("Content = %q, want %q", got.Content, "Recovered")
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestOllamaChat_NonRetryableError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid request"}`))
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, WithMaxRetries(3))

	_, err := p.Chat(context.Background(), &Request{
		Model:    "llama3.2:1b",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("Chat() expected error, got nil")
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1 (should not retry 400)", n)
	}
}

func TestOllamaChat_ExhaustedRetries(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, WithMaxRetries(2), WithRetryBackoff(time.Millisecond))

	_, err := p.Chat(context.Background(), &Request{
		Model:    "llama3.2:1b",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("Chat() expected error, got nil")
	}
	// 1 initial + 2 retries = 3 total.
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestOllamaListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models":[{"name":"llama3.2:1b"},{"name":""},{"name":"mistral:7b"}]}`))
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL)

	got, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	want := []string{"llama3.2:1b", "mistral:7b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ListModels() = %v, want %v", got, want)
	}
}

func TestOllamaListModels_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL)

	if _, err := p.ListModels(context.Background()); err == nil {
		t.Fatal("ListModels() expected error, got nil")
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://127.0.0.1:11434", "http://127.0.0.1:11434"},
		{"http://127.0.0.1:11434/", "http://127.0.0.1:11434"},
		{"http://127.0.0.1:11434/api", "http://127.0.0.1:11434"},
		{"http://127.0.0.1:11434/api/", "http://127.0.0.1:11434"},
		{"  http://host:11434  ", "http://host:11434"},
		{"", DefaultOllamaURL},
	}

	for _, tt := range tests {
		if got := normalizeBaseURL(tt.in); got != tt.want {
			t.Errorf("normalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMessagesToPrompt(t *testing.T) {
	got := messagesToPrompt([]Message{
		{Role: RoleSystem, Content: "Be brief."},
		{Role: RoleUser, Content: "Hi"},
		{Role: RoleAssistant, Content: "Hello."},
		{Content: "And you?"},
	})

	want := "SYSTEM: Be brief.\n\nUSER: Hi\n\nASSISTANT: Hello.\n\nUSER: And you?\n\nASSISTANT:"
	if got != want {
		t.Errorf("messagesToPrompt = %q, want %q", got, want)
	}
}

func TestOllamaProviderName(t *testing.T) {
	p := NewOllamaProvider("")
	if got := p.Name(); got != "ollama" {
		t.Errorf("Name() = %q, want %q", got, "ollama")
	}
	if got := p.BaseURL(); got != DefaultOllamaURL {
		t.Errorf("BaseURL() = %q, want %q", got, DefaultOllamaURL)
	}
}
