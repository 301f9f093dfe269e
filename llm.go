package llm

import (
	"context"
	"iter"
)

// Provider generates text completions from a backend model server. The two
// implementations in this package speak the self-hosted generate API
// (Ollama) and the chat completions API (OpenAI and compatibles), both
// normalized to the same request and chunk shapes.
type Provider interface {
	// Generate produces a complete response for the request.
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)

	// GenerateStream produces the response incrementally. The sequence
	// yields chunks until one has Done set or an error occurs; exactly one
	// of those ends the stream. Chunks with no text that are not terminal
	// are filtered out.
	GenerateStream(ctx context.Context, req GenerateRequest) iter.Seq2[StreamChunk, error]

	// Name returns the provider identifier, such as "ollama" or "openai".
	Name() string
}

// GenerateRequest is a backend-neutral completion request.
type GenerateRequest struct {
	// Prompt is the user prompt to complete.
	Prompt string
	// System optionally sets the system instruction.
	System string
	// MaxTokens caps the response length. Zero leaves the backend default.
	MaxTokens int
	// Temperature adjusts sampling randomness. Zero leaves the backend
	// default.
	Temperature float64
}

// GenerateResult is a complete, non-streaming response.
type GenerateResult struct {
	// Text is the generated completion.
	Text string
	// Model is the model that produced the completion, as reported by the
	// backend.
	Model string
	// Usage reports token consumption when the backend provides it.
	Usage Usage
}

// Usage reports token consumption for one generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one increment of a streaming response. Both backend wire
// shapes normalize to this form.
type StreamChunk struct {
	// Text is the text delta carried by this chunk. It may be empty on the
	// terminal chunk.
	Text string
	// Done marks the final chunk of the stream.
	Done bool
}
