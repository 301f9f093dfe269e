package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID identifies a JSON-RPC request. This client always allocates ids
// as integers counting up from 1, but some providers echo them back as
// quoted strings, so unmarshalling accepts both forms. The zero value means
// the id is absent, which is how notifications are told apart from
// responses.
type RequestID uint64

// MustString is a string that can be unmarshalled from either a JSON string
// or a JSON number. Providers are inconsistent about the type of fields like
// progress tokens, so this type absorbs both.
type MustString string

// JSONRPCMessage is the wire envelope for every message exchanged with a
// provider, in both directions. A message with an ID and no Method is a
// response, a message with a Method and no ID is a notification, and a
// message carrying both is a request.
type JSONRPCMessage struct {
	// JSONRPC must always be set to JSONRPCVersion.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates a response with the request that caused it.
	// It is omitted on notifications.
	ID RequestID `json:"id,omitempty"`
	// Method is the name of the operation or notification.
	Method string `json:"method,omitempty"`
	// Params carries the request or notification arguments.
	Params json.RawMessage `json:"params,omitempty"`
	// Result carries the payload of a successful response.
	Result json.RawMessage `json:"result,omitempty"`
	// Error carries the payload of a failed response.
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error object returned by a provider in place of
// a result. It implements the error interface, so callers can recover the
// provider's code and message with errors.As.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a provider or client instance, exchanged
// during the initialize handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities represents the capability flags this client announces
// during the initialize handshake. This client initiates every exchange and
// does not serve provider-issued requests, so no optional capabilities are
// advertised.
type ClientCapabilities struct{}

// ServerCapabilities represents the capability flags a provider announced
// during the initialize handshake.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// Tool describes a callable action advertised by a provider. InputSchema is
// the JSON schema for CallTool arguments and is passed through opaquely.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes a readable piece of content advertised by a provider,
// keyed by its URI.
type Resource struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// Prompt describes a retrievable prompt template and the arguments it
// accepts.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed when getting a
// prompt. Required indicates whether the argument must be provided.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage represents a single message within a resolved prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// Role represents the sender of a message (user or assistant).
type Role string

// Content represents a message content with its type.
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	// For ContentTypeText
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource
	Resource *ResourceContents `json:"resource,omitempty"`
}

// Annotations inform how an object is used or displayed.
type Annotations struct {
	// Audience describes who the intended consumer of this object is.
	Audience []Role `json:"audience,omitempty"`
	// Priority describes how important this data is, from 0 (entirely
	// optional) to 1 (effectively required).
	Priority int `json:"priority,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ResourceContents represents either text or blob resource contents.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"` // For text resources
	Blob     string `json:"blob,omitempty"` // For binary resources
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from a previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents one page of the tools advertised by a provider.
// A non-empty NextCursor means more pages follow.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute.
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy the tool's InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta contains optional metadata such as a progress token.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError
// indicates whether the tool itself failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	// Cursor is a pagination cursor from a previous ListResources call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult represents one page of the resources advertised by a
// provider. A non-empty NextCursor means more pages follow.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for retrieving a specific resource.
type ReadResourceParams struct {
	// URI is the unique identifier of the resource to retrieve.
	URI string `json:"uri"`
}

// ReadResourceResult represents the result of a read resource request.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// SubscribeResourceParams contains parameters for subscribing to updates of
// a resource.
type SubscribeResourceParams struct {
	// URI is the unique identifier of the resource to subscribe to.
	// Must match the URI used in ReadResource calls.
	URI string `json:"uri"`
}

// UnsubscribeResourceParams contains parameters for unsubscribing from a
// resource.
type UnsubscribeResourceParams struct {
	// URI is the unique identifier of the resource to unsubscribe from.
	// Must match the URI used in ReadResource calls.
	URI string `json:"uri"`
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	// Cursor is a pagination cursor from a previous ListPrompts call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListPromptsResult represents one page of the prompts advertised by a
// provider. A non-empty NextCursor means more pages follow.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	// Name is the unique identifier of the prompt to retrieve.
	Name string `json:"name"`

	// Arguments is a map of argument name-value pairs.
	// Must satisfy the required arguments declared by the prompt.
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult represents the resolved messages of a prompt request.
type GetPromptResult struct {
	Messages    []PromptMessage `json:"messages"`
	Description string          `json:"description,omitempty"`
}

// LogLevel represents the severity of a log message pushed by a provider.
type LogLevel string

// LogParams represents the parameters of a log message notification.
type LogParams struct {
	// Level indicates the severity level of the message.
	Level LogLevel `json:"level"`
	// Logger identifies the source that generated the message.
	Logger string `json:"logger,omitempty"`
	// Data contains the message content and any structured metadata.
	Data json.RawMessage `json:"data"`
}

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	// ProgressToken identifies the operation this update relates to.
	ProgressToken MustString `json:"progressToken"`
	// Progress is the current progress value.
	Progress float64 `json:"progress"`
	// Total is the expected final value when known. When non-zero,
	// completion percentage can be calculated as (Progress/Total)*100.
	Total float64 `json:"total,omitempty"`
}

// ParamsMeta contains optional metadata that can be included with request
// parameters, such as a progress token for tracking long-running operations.
type ParamsMeta struct {
	// ProgressToken identifies an operation for progress tracking.
	ProgressToken MustString `json:"progressToken"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsResourcesUpdatedParams struct {
	URI string `json:"uri"`
}

// Role represents the sender of a message (user or assistant).
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType represents the type of content in messages.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// LogLevel represents the severity of a log message pushed by a provider.
const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for
	// communication.
	JSONRPCVersion = "2.0"

	// MethodToolsList is the method name for retrieving the list of
	// available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodResourcesList is the method name for listing available
	// resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading the content of a
	// specific resource.
	MethodResourcesRead = "resources/read"
	// MethodResourcesSubscribe is the method name for subscribing to
	// resource updates.
	MethodResourcesSubscribe = "resources/subscribe"
	// MethodResourcesUnsubscribe is the method name for unsubscribing from
	// resource updates.
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	// MethodPromptsList is the method name for retrieving the list of
	// available prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for retrieving a specific prompt.
	MethodPromptsGet = "prompts/get"

	protocolVersion = "2024-11-05"

	methodPing            = "ping"
	methodInitialize      = "initialize"
	methodLoggingSetLevel = "logging/setLevel"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsProgress             = "notifications/progress"
	methodNotificationsMessage              = "notifications/message"
)

func (e JSONRPCError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// MarshalJSON implements json.Marshaler, emitting the id as a bare JSON
// number.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(r), 10), nil
}

// UnmarshalJSON implements json.Unmarshaler, accepting a JSON number, a
// numeric string, or null.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*r = 0
	case float64:
		if v < 0 {
			return fmt.Errorf("negative request id: %v", v)
		}
		*r = RequestID(v)
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid request id %q: %w", v, err)
		}
		*r = RequestID(n)
	default:
		return fmt.Errorf("invalid request id type: %T", v)
	}

	return nil
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into
// MustString, handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}
