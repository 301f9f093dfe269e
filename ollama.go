package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
)

// Ollama is a Provider backed by a self-hosted Ollama server. Streaming
// responses arrive as newline-delimited JSON objects, one per line, each
// carrying a text fragment and a done flag.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// OllamaOption represents the options for the Ollama provider.
type OllamaOption func(*Ollama)

// NewOllama creates an Ollama provider generating with the given model. The
// baseURL points at the server root, such as http://localhost:11434.
func NewOllama(baseURL, model string, options ...OllamaOption) *Ollama {
	o := &Ollama{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(o)
	}

	return o
}

// WithOllamaHTTPClient replaces the HTTP client. The client's Timeout must
// be zero when streaming, as it would cut the stream mid-read.
func WithOllamaHTTPClient(httpClient *http.Client) OllamaOption {
	return func(o *Ollama) {
		o.httpClient = httpClient
	}
}

// WithOllamaLogger sets the logger for the Ollama provider.
func WithOllamaLogger(logger *slog.Logger) OllamaOption {
	return func(o *Ollama) {
		o.logger = logger
	}
}

// Name implements the Provider interface.
func (o *Ollama) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Generate implements the Provider interface.
func (o *Ollama) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	resp, err := o.send(ctx, req, false)
	if err != nil {
		return GenerateResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to read response: %w", err)
	}

	var result ollamaGenerateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return GenerateResult{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return GenerateResult{
		Text:  result.Response,
		Model: result.Model,
		Usage: Usage{
			PromptTokens:     result.PromptEvalCount,
			CompletionTokens: result.EvalCount,
			TotalTokens:      result.PromptEvalCount + result.EvalCount,
		},
	}, nil
}

// GenerateStream implements the Provider interface. Lines that fail to
// parse are skipped; a line with done set ends the stream.
func (o *Ollama) GenerateStream(ctx context.Context, req GenerateRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		resp, err := o.send(ctx, req, true)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var chunk ollamaGenerateResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				o.logger.Debug("skipping unparseable line", "err", err)
				continue
			}

			if chunk.Done {
				yield(StreamChunk{Text: chunk.Response, Done: true}, nil)
				return
			}
			if chunk.Response == "" {
				continue
			}
			if !yield(StreamChunk{Text: chunk.Response}, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			yield(StreamChunk{}, fmt.Errorf("failed to read stream: %w", err))
			return
		}

		// The stream ended without a terminal chunk.
		yield(StreamChunk{Done: true}, nil)
	}
}

func (o *Ollama) send(ctx context.Context, req GenerateRequest, stream bool) (*http.Response, error) {
	body := ollamaGenerateRequest{
		Model:  o.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: stream,
	}
	if req.MaxTokens > 0 || req.Temperature != 0 {
		body.Options = map[string]any{}
		if req.MaxTokens > 0 {
			body.Options["num_predict"] = req.MaxTokens
		}
		if req.Temperature != 0 {
			body.Options["temperature"] = req.Temperature
		}
	}

	bodyBs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(bodyBs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return resp, nil
}
