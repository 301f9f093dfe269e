// Package mcp implements a client for tool provider servers speaking the
// Model Context Protocol (MCP) over JSON-RPC 2.0, following the official
// specification from https://spec.modelcontextprotocol.io/specification/.
//
// A Client manages one session with one provider: it correlates requests
// with responses, dispatches provider notifications, caches the provider's
// tools, resources and prompts, and reconnects with a bounded number of
// fixed-delay attempts when the connection drops. Providers are reached
// through a Transport; this package ships transports for child processes
// speaking newline-delimited JSON (Command, StdIO), WebSocket endpoints
// (Socket), and receive-only server-sent-events streams (SSEStream).
package mcp
