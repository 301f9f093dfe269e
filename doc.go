// Package llm provides a unified interface for text generation backends
// and a registry of tool provider sessions for augmenting generations.
//
// A Provider abstracts one generation backend behind blocking and
// streaming calls; implementations are included for Ollama's NDJSON
// streaming API and OpenAI-compatible chat completion endpoints with
// server-sent-events streaming. Both normalize their wire formats to the
// same incremental StreamChunk form, so callers consume streamed text the
// same way regardless of backend.
//
// A Registry maintains sessions with multiple tool providers through the
// mcp subpackage and routes tool calls, resource reads and prompt
// retrievals to the owning session, so callers name capabilities rather
// than servers.
package llm
