package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// OpenAI is a Provider backed by an OpenAI-compatible chat completions API.
// Streaming responses arrive as server-sent events carrying content deltas,
// terminated by a finish reason or a literal [DONE] frame.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// OpenAIOption represents the options for the OpenAI provider.
type OpenAIOption func(*OpenAI)

// NewOpenAI creates an OpenAI-compatible provider generating with the given
// model. The baseURL points at the API root, such as
// https://api.openai.com/v1 or a compatible server's equivalent.
func NewOpenAI(baseURL, apiKey, model string, options ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(o)
	}

	return o
}

// WithOpenAIHTTPClient replaces the HTTP client. The client's Timeout must
// be zero when streaming, as it would cut the stream mid-read.
func WithOpenAIHTTPClient(httpClient *http.Client) OpenAIOption {
	return func(o *OpenAI) {
		o.httpClient = httpClient
	}
}

// WithOpenAILogger sets the logger for the OpenAI provider.
func WithOpenAILogger(logger *slog.Logger) OpenAIOption {
	return func(o *OpenAI) {
		o.logger = logger
	}
}

// Name implements the Provider interface.
func (o *OpenAI) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate implements the Provider interface.
func (o *OpenAI) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	resp, err := o.send(ctx, req, false)
	if err != nil {
		return GenerateResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("failed to read response: %w", err)
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return GenerateResult{}, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("no choices in response")
	}

	return GenerateResult{
		Text:  result.Choices[0].Message.Content,
		Model: result.Model,
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}, nil
}

// GenerateStream implements the Provider interface. Events that fail to
// parse are skipped; a delta with a finish reason or a literal [DONE] frame
// ends the stream.
func (o *OpenAI) GenerateStream(ctx context.Context, req GenerateRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		resp, err := o.send(ctx, req, true)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(StreamChunk{}, fmt.Errorf("failed to read stream: %w", err))
				return
			}

			data := strings.TrimSpace(ev.Data)
			if data == "[DONE]" {
				yield(StreamChunk{Done: true}, nil)
				return
			}

			var chunk chatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				o.logger.Debug("skipping unparseable event", "err", err)
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				yield(StreamChunk{Text: choice.Delta.Content, Done: true}, nil)
				return
			}
			if choice.Delta.Content == "" {
				continue
			}
			if !yield(StreamChunk{Text: choice.Delta.Content}, nil) {
				return
			}
		}

		// The stream ended without a terminal frame.
		yield(StreamChunk{Done: true}, nil)
	}
}

func (o *OpenAI) send(ctx context.Context, req GenerateRequest, stream bool) (*http.Response, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}

	bodyBs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(bodyBs))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

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
