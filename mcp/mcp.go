package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"
)

// Client errors. Request-level failures reject only the request that hit
// them; connection-level failures reject every in-flight request at once.
var (
	// ErrNotConnected is returned when an operation is attempted while no
	// connection is open. The operation is never retried internally.
	ErrNotConnected = errors.New("mcp: not connected")

	// ErrConnectionClosed rejects every in-flight request when the
	// connection goes away, whether through Disconnect or a transport
	// failure. Callers waiting on a request must treat it as the
	// cancellation signal.
	ErrConnectionClosed = errors.New("mcp: connection closed")

	// ErrRequestTimeout is returned when a provider does not answer a
	// request within the configured window. The session itself stays up.
	ErrRequestTimeout = errors.New("mcp: request timed out")

	// ErrSendNotSupported is returned by receive-only transports. This is a
	// permanent property of the transport, not a transient failure.
	ErrSendNotSupported = errors.New("mcp: transport does not support sending")
)

// Transport opens connections to a provider. Implementations in this package
// cover a child process speaking newline-delimited JSON over its standard
// streams (Command), a WebSocket endpoint (Socket), and a receive-only
// server-sent-events stream (SSEStream).
type Transport interface {
	// Connect opens a new connection. A failure to open rejects the call;
	// no Conn is returned.
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one open connection to a provider. A Conn is owned by exactly one
// Client and must not be shared.
type Conn interface {
	// ID returns the unique identifier of this connection.
	ID() string

	// Send transmits a message to the provider.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator over decoded inbound messages, in
	// arrival order. It yields until the connection ends, either through
	// Stop or a transport failure. The iterator is single-use.
	Messages() iter.Seq[JSONRPCMessage]

	// Err reports why Messages stopped yielding. It returns nil while the
	// connection is live and after a deliberate Stop, and the terminal
	// cause after a transport failure.
	Err() error

	// Stop closes the connection. It is called at most once.
	Stop()
}

// PushConn marks a Conn as receive-only. Send always fails with
// ErrSendNotSupported, and the client skips the initialize handshake on such
// connections, running them in a notifications-only mode.
type PushConn interface {
	Conn

	// PushOnly is a marker and performs no work.
	PushOnly()
}

// StderrSource is implemented by connections whose provider emits
// out-of-band diagnostics, such as a child process writing to its stderr.
// The lines are never parsed as protocol data; the client surfaces them as
// non-fatal ErrorEvents.
type StderrSource interface {
	// Stderr returns a channel of diagnostic lines. The channel is closed
	// when the connection ends.
	Stderr() <-chan string
}

// Clock creates the timers behind request timeouts and reconnect delays.
// Tests substitute a fake to drive the session lifecycle without real time
// passing.
type Clock interface {
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer the client uses.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type systemClock struct{}

func (systemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) C() <-chan time.Time { return t.t.C }

func (t systemTimer) Stop() bool { return t.t.Stop() }

// ConnectionState describes where a Client is in its lifecycle.
type ConnectionState int

// The client moves Disconnected -> Connecting -> Connected -> Initialized.
// A transport failure with reconnection enabled parks it in
// StateReconnectPending until the delay elapses; Disconnect or exhausted
// attempts return it to StateDisconnected.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateInitialized
	StateReconnectPending
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateReconnectPending:
		return "reconnect-pending"
	default:
		return "unknown"
	}
}

// Event is the interface satisfied by the session lifecycle events delivered
// through Client.Events. Capability changes are delivered through the
// watcher interfaces instead.
type Event interface {
	event()
}

// ConnectedEvent is emitted when the transport connection opens, before the
// initialize handshake runs.
type ConnectedEvent struct {
	// ConnID identifies the underlying connection.
	ConnID string
}

// InitializedEvent is emitted when the session becomes ready for use, after
// the initialize handshake settles or immediately after connecting on
// receive-only transports.
type InitializedEvent struct {
	// Info describes the provider, when the handshake ran.
	Info Info
}

// DisconnectedEvent is emitted when the session reaches a terminal
// disconnected state. Err carries the transport cause, or nil after a
// deliberate Disconnect.
type DisconnectedEvent struct {
	Err error
}

// ErrorEvent reports a non-fatal session error: a transport failure that is
// about to be retried, a failed reconnection attempt, or a diagnostic line
// from the provider's stderr.
type ErrorEvent struct {
	Err error
}

// ReconnectingEvent is emitted after the reconnect delay elapses, right
// before the client redials. Attempt counts up from 1 and resets on a
// successful connection.
type ReconnectingEvent struct {
	Attempt int
}

// NotificationEvent carries a provider notification whose method the client
// has no dedicated handling for.
type NotificationEvent struct {
	Method string
	Params json.RawMessage
}

func (ConnectedEvent) event()    {}
func (InitializedEvent) event()  {}
func (DisconnectedEvent) event() {}
func (ErrorEvent) event()        {}
func (ReconnectingEvent) event() {}
func (NotificationEvent) event() {}

// PromptListWatcher provides an interface for receiving notifications when
// the provider's prompt list changes. The client refreshes its cached
// prompts before notifying, so implementations can read Client.Prompts for
// the fresh list.
type PromptListWatcher interface {
	// OnPromptListChanged is called when the provider notifies that its
	// prompt list has changed.
	OnPromptListChanged()
}

// ResourceListWatcher provides an interface for receiving notifications
// when the provider's resource list changes. The client refreshes its
// cached resources before notifying.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when the provider notifies that its
	// resource list has changed.
	OnResourceListChanged()
}

// ResourceSubscribedWatcher provides an interface for receiving
// notifications when a resource subscribed to with SubscribeResource
// changes. The update is forwarded as-is; no refresh happens.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when the provider notifies
	// that a subscribed resource has changed.
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher provides an interface for receiving notifications when
// the provider's tool list changes. The client refreshes its cached tools
// before notifying.
type ToolListWatcher interface {
	// OnToolListChanged is called when the provider notifies that its tool
	// list has changed.
	OnToolListChanged()
}

// ProgressListener provides an interface for receiving progress updates on
// long-running operations.
type ProgressListener interface {
	// OnProgress is called when a progress update is received.
	OnProgress(params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages pushed by
// the provider.
type LogReceiver interface {
	// OnLog is called when a log message is received.
	OnLog(params LogParams)
}
