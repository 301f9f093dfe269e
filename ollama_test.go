package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	llm "github.com/MegaGrindStone/go-llm"
)

func collectChunks(t *testing.T, stream iter.Seq2[llm.StreamChunk, error]) []llm.StreamChunk {
	t.Helper()

	var chunks []llm.StreamChunk
	for chunk, err := range stream {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestOllamaGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("expected path '/api/generate', got %q", r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		if err := json.Unmarshal(body, &reqBody); err != nil {
			t.Fatalf("failed to unmarshal request body: %v", err)
		}
		if reqBody["model"] != "llama3.2" {
			t.Errorf("expected model 'llama3.2', got %v", reqBody["model"])
		}
		if reqBody["prompt"] != "hello" {
			t.Errorf("expected prompt 'hello', got %v", reqBody["prompt"])
		}
		if reqBody["system"] != "be brief" {
			t.Errorf("expected system 'be brief', got %v", reqBody["system"])
		}
		if reqBody["stream"] != false {
			t.Errorf("expected stream to be false, got %v", reqBody["stream"])
		}
		options, ok := reqBody["options"].(map[string]any)
		if !ok {
			t.Fatalf("expected options in request, got %v", reqBody["options"])
		}
		if options["num_predict"] != float64(128) {
			t.Errorf("expected num_predict 128, got %v", options["num_predict"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.2",
			"response":          "test response",
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	defer server.Close()

	provider := llm.NewOllama(server.URL, "llama3.2")
	if provider.Name() != "ollama" {
		t.Errorf("expected provider name 'ollama', got %q", provider.Name())
	}

	result, err := provider.Generate(context.Background(), llm.GenerateRequest{
		Prompt:    "hello",
		System:    "be brief",
		MaxTokens: 128,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "test response" {
		t.Errorf("expected 'test response', got %q", result.Text)
	}
	if result.Model != "llama3.2" {
		t.Errorf("expected model 'llama3.2', got %q", result.Model)
	}
	if result.Usage.PromptTokens != 10 || result.Usage.CompletionTokens != 5 || result.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
}

func TestOllamaGenerateStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		if err := json.Unmarshal(body, &reqBody); err != nil {
			t.Fatalf("failed to unmarshal request body: %v", err)
		}
		if reqBody["stream"] != true {
			t.Errorf("expected stream to be true, got %v", reqBody["stream"])
		}

		lines := []string{
			`{"model":"llama3.2","response":"Hel","done":false}`,
			`this line is not json`,
			`{"model":"llama3.2","response":"","done":false}`,
			`{"model":"llama3.2","response":"lo","done":false}`,
			`{"model":"llama3.2","response":"","done":true}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
		}
	}))
	defer server.Close()

	provider := llm.NewOllama(server.URL, "llama3.2")
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

func TestOllamaGenerateStreamWithoutTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n", `{"model":"llama3.2","response":"partial","done":false}`)
	}))
	defer server.Close()

	provider := llm.NewOllama(server.URL, "llama3.2")
	chunks := collectChunks(t, provider.GenerateStream(context.Background(), llm.GenerateRequest{Prompt: "hello"}))

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "partial" {
		t.Errorf("unexpected first chunk: %+v", chunks[0])
	}
	if !chunks[1].Done {
		t.Errorf("expected synthesized terminal chunk, got %+v", chunks[1])
	}
}

func TestOllamaAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	provider := llm.NewOllama(server.URL, "missing")
	_, err := provider.Generate(context.Background(), llm.GenerateRequest{Prompt: "hello"})
	if err == nil || !strings.Contains(err.Error(), "API error (status 404)") {
		t.Errorf("got error %v, want API error with status", err)
	}

	for _, err := range provider.GenerateStream(context.Background(), llm.GenerateRequest{Prompt: "hello"}) {
		if err == nil {
			t.Error("expected a stream error")
		}
		break
	}
}
