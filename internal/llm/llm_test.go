package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-interview/internal/config"
)

func TestMockCompleterRecordsPrompts(t *testing.T) {
	m := NewMockCompleter("")
	out, err := m.Complete(context.Background(), Request{Prompt: "rate me"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != DefaultMockReply {
		t.Fatalf("expected default reply, got %q", out)
	}
	boom := errors.New("boom")
	m.Fail(boom)
	if _, err := m.Complete(context.Background(), Request{Prompt: "again"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if got := m.Prompts(); len(got) != 2 || got[0] != "rate me" {
		t.Fatalf("unexpected prompts %v", got)
	}
}

func TestOllamaCompleter(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{Response: `{"ratings": 8}`, Done: true})
	}))
	defer srv.Close()

	c := NewOllamaCompleter(srv.URL+"/", "llama3.2:latest")
	out, err := c.Complete(context.Background(), Request{Prompt: "hello", MaxTokens: 64, Temperature: 0.3})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"ratings": 8}` {
		t.Fatalf("unexpected output %q", out)
	}
	if got.Stream {
		t.Fatal("expected non-streaming request")
	}
	if got.Model != "llama3.2:latest" || got.Prompt != "hello" || got.Options.NumPredict != 64 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaCompleterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewOllamaCompleter(srv.URL, "").Complete(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected status error")
	}
}

func TestOpenAICompleter(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"ratings\":9,\"feedback\":\"Great\"}"}}],
"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := c.Complete(context.Background(), Request{Prompt: "rate", System: "be fair"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"ratings":9,"feedback":"Great"}` {
		t.Fatalf("unexpected output %q", out)
	}
	if body["model"] != "gpt-4o-mini" {
		t.Fatalf("unexpected model %v", body["model"])
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", body["messages"])
	}
}

func TestOpenAICompleterDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAICompleter("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Complete(context.Background(), Request{Prompt: "rate"}); err == nil {
		t.Fatal("expected error from unavailable backend")
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected exactly one request, got %d", n)
	}
}

func TestNewOpenAICompleterValidates(t *testing.T) {
	if _, err := NewOpenAICompleter("", "gpt-4o-mini"); err == nil {
		t.Fatal("expected missing key error")
	}
	if _, err := NewOpenAICompleter("sk", ""); err == nil {
		t.Fatal("expected missing model error")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	c, err := New(config.LLMConfig{Mode: "mock", MockReply: "hi"})
	if err != nil {
		t.Fatalf("new mock: %v", err)
	}
	if out, _ := c.Complete(context.Background(), Request{}); out != "hi" {
		t.Fatalf("expected configured mock reply, got %q", out)
	}
	if _, err := New(config.LLMConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected exec without command to fail")
	}
	if _, err := New(config.LLMConfig{Mode: "bard"}); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}

func TestRequestFromConfig(t *testing.T) {
	req := RequestFromConfig(config.LLMConfig{Model: "m", MaxTokens: 10, Temperature: 0.5}, "p")
	if req.Prompt != "p" || req.Model != "m" || req.MaxTokens != 10 || req.Temperature != 0.5 {
		t.Fatalf("unexpected request %+v", req)
	}
}
