package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	llm "github.com/MegaGrindStone/go-llm"
)

func TestOpenAIGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path '/chat/completions', got %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("expected authorization 'Bearer test-key', got %q", auth)
		}

		body, _ := io.ReadAll(r.Body)
		var reqBody struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Stream bool `json:"stream"`
		}
		if err := json.Unmarshal(body, &reqBody); err != nil {
			t.Fatalf("failed to unmarshal request body: %v", err)
		}
		if reqBody.Model != "gpt-4o-mini" {
			t.Errorf("expected model 'gpt-4o-mini', got %q", reqBody.Model)
		}
		if len(reqBody.Messages) != 2 {
			t.Fatalf("got %d messages, want 2", len(reqBody.Messages))
		}
		if reqBody.Messages[0].Role != "system" || reqBody.Messages[0].Content != "be brief" {
			t.Errorf("unexpected system message: %+v", reqBody.Messages[0])
		}
		if reqBody.Messages[1].Role != "user" || reqBody.Messages[1].Content != "hello" {
			t.Errorf("unexpected user message: %+v", reqBody.Messages[1])
		}
		if reqBody.Stream {
			t.Error("expected stream to be false")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"message":       map[string]any{"role": "assistant", "content": "test response"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		})
	}))
	defer server.Close()

	provider := llm.NewOpenAI(server.URL, "test-key", "gpt-4o-mini")
	if provider.Name() != "openai" {
		t.Errorf("expected provider name 'openai', got %q", provider.Name())
	}

	result, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Prompt: "hello",
		System: "be brief",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "test response" {
		t.Errorf("expected 'test response', got %q", result.Text)
	}
	if result.Usage.PromptTokens != 10 || result.Usage.CompletionTokens != 5 || result.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
}

func TestOpenAIGenerateNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer server.Close()

	provider := llm.NewOpenAI(server.URL, "test-key", "gpt-4o-mini")
	_, err := provider.Generate(context.Background(), llm.GenerateRequest{Prompt: "hello"})
	if err == nil || !strings.Contains(err.Error(), "no choices") {
		t.Errorf("got error %v, want no choices error", err)
	}
}

func TestOpenAIGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("expected accept 'text/event-stream', got %q", accept)
		}

		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		if err := json.Unmarshal(body, &reqBody); err != nil {
			t.Fatalf("failed to unmarshal request body: %v", err)
		}
		if reqBody["stream"] != true {
			t.Errorf("expected stream to be true, got %v", reqBody["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`not json at all`,
			`{"choices":[{"delta":{}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`[DONE]`,
		}
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}))
	defer server.Close()

	provider := llm.NewOpenAI(server.URL, "test-key", "gpt-4o-mini")
	chunks := collectChunks(t, provider.GenerateStream(context.Background(), llm.GenerateRequest{Prompt: "hello"}))

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "Hel" || chunks[0].Done {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].Text != "lo" || chunks[1].Done {
		t.Errorf("unexpected second chunk: %+v", chunks[1])
	}
	if !chunks[2].Done {
		t.Errorf("expected terminal chunk, got %+v", chunks[2])
	}
}

func TestOpenAIGenerateStreamFinishReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"Hi"}}]}`)
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"!"},"finish_reason":"stop"}]}`)
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"ignored"}}]}`)
	}))
	defer server.Close()

	provider := llm.NewOpenAI(server.URL, "test-key", "gpt-4o-mini")
	chunks := collectChunks(t, provider.GenerateStream(context.Background(), llm.GenerateRequest{Prompt: "hello"}))

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "Hi" {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
	if chunks[1].Text != "!" || !chunks[1].Done {
		t.Errorf("expected terminal chunk carrying the final delta, got %+v", chunks[1])
	}
}

func TestOpenAIGenerateStreamWithoutTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"delta":{"content":"partial"}}]}`)
	}))
	defer server.Close()

	provider := llm.NewOpenAI(server.URL, "test-key", "gpt-4o-mini")
	chunks := collectChunks(t, provider.GenerateStream(context.Background(), llm.GenerateRequest{Prompt: "hello"}))

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(chunks), chunks)
	}
	if !chunks[1].Done {
		t.Errorf("expected synthesized terminal chunk, got %+v", chunks[1])
	}
}

func TestOpenAINoAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no authorization header, got %q", auth)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ok"}},
			},
		})
	}))
	defer server.Close()

	provider := llm.NewOpenAI(server.URL, "", "local-model")
	result, err := provider.Generate(context.Background(), llm.GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "ok" {
		t.Errorf("expected 'ok', got %q", result.Text)
	}
}

func TestOpenAIAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := llm.NewOpenAI(server.URL, "bad-key", "gpt-4o-mini")
	_, err := provider.Generate(context.Background(), llm.GenerateRequest{Prompt: "hello"})
	if err == nil || !strings.Contains(err.Error(), "API error (status 401)") {
		t.Errorf("got error %v, want API error with status", err)
	}
}
