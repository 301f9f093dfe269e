package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is a session with a single tool provider. It owns the connection
// handle, correlates requests with responses through monotonically
// increasing integer ids, dispatches provider notifications, and caches the
// provider's tools, resources and prompts, replacing each cache wholesale
// on every successful list call.
//
// A Client must be created using NewClient and connected with Connect
// before any operation can be performed. When the connection drops
// unexpectedly, the client reconnects with a fixed delay between attempts,
// up to a configured maximum; exhausting the attempts leaves the session
// disconnected until Connect is called again. Disconnect ends the session
// and disables reconnection unconditionally.
//
// Lifecycle events are delivered through Events; capability changes are
// delivered through the watcher interfaces.
type Client struct {
	info      Info
	transport Transport

	promptListWatchers         []PromptListWatcher
	resourceListWatchers       []ResourceListWatcher
	resourceSubscribedWatchers []ResourceSubscribedWatcher
	toolListWatchers           []ToolListWatcher
	progressListeners          []ProgressListener
	logReceivers               []LogReceiver

	requestTimeout    time.Duration
	reconnectDelay    time.Duration
	maxReconnects     int
	reconnectDisabled bool
	pingInterval      time.Duration
	clock             Clock
	logger            *slog.Logger

	events chan Event

	nextID atomic.Uint64

	mu                 sync.Mutex
	state              ConnectionState
	conn               Conn
	listenDone         chan struct{}
	pending            map[RequestID]chan JSONRPCMessage
	pushMode           bool
	serverInfo         Info
	serverCapabilities ServerCapabilities
	tools              []Tool
	resources          []Resource
	prompts            []Prompt
	reconnectAttempts  int
	shouldReconnect    bool
	reconnectCancel    chan struct{}
}

var (
	defaultRequestTimeout       = 30 * time.Second
	defaultReconnectDelay       = 5 * time.Second
	defaultMaxReconnectAttempts = 5

	pingFailureThreshold = 3
)

// WithPromptListWatcher adds a prompt list watcher to the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatchers = append(c.promptListWatchers, watcher)
	}
}

// WithResourceListWatcher adds a resource list watcher to the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatchers = append(c.resourceListWatchers, watcher)
	}
}

// WithResourceSubscribedWatcher adds a resource subscribe watcher to the client.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatchers = append(c.resourceSubscribedWatchers, watcher)
	}
}

// WithToolListWatcher adds a tool list watcher to the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatchers = append(c.toolListWatchers, watcher)
	}
}

// WithProgressListener adds a progress listener to the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListeners = append(c.progressListeners, listener)
	}
}

// WithLogReceiver adds a log receiver to the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceivers = append(c.logReceivers, receiver)
	}
}

// WithRequestTimeout sets how long the client waits for a response before
// rejecting a request with ErrRequestTimeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts.
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts sets how many reconnection attempts the client
// makes before giving up. Zero or negative disables automatic reconnection.
func WithMaxReconnectAttempts(n int) ClientOption {
	return func(c *Client) {
		if n <= 0 {
			c.reconnectDisabled = true
			return
		}
		c.maxReconnects = n
	}
}

// WithPingInterval makes the client ping the provider periodically.
// Repeated ping failures drop the connection, which triggers reconnection
// if it is enabled. Zero, the default, disables pinging.
func WithPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClock replaces the timer source used for request timeouts, reconnect
// delays and ping intervals. Tests substitute a fake to drive the session
// lifecycle without real time passing.
func WithClock(clock Clock) ClientOption {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new client for a single tool provider. The info
// parameter identifies this client to the provider during the initialize
// handshake, and the transport defines how the provider is reached.
//
// The client will not be connected until Connect is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		events:    make(chan Event, 32),
		pending:   make(map[RequestID]chan JSONRPCMessage),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout == 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.reconnectDelay == 0 {
		c.reconnectDelay = defaultReconnectDelay
	}
	if c.maxReconnects == 0 {
		c.maxReconnects = defaultMaxReconnectAttempts
	}
	if c.clock == nil {
		c.clock = systemClock{}
	}

	return c
}

// Connect opens the transport connection and performs the initialize
// handshake. On receive-only transports the handshake is skipped and the
// session runs in a notifications-only mode.
//
// Connect must be called before any other client method. Calling it on a
// session that is not disconnected fails. After a Disconnect or exhausted
// reconnection attempts, Connect starts the session over with a fresh
// attempt budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot connect in state %s", state)
	}
	c.state = StateConnecting
	c.shouldReconnect = !c.reconnectDisabled
	c.reconnectAttempts = 0
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.shouldReconnect = false
		c.mu.Unlock()
		return err
	}

	return nil
}

// Disconnect ends the session. Every in-flight request is rejected with
// ErrConnectionClosed, the capability caches are cleared, and automatic
// reconnection is disabled, even if attempts remain. Calling Disconnect on
// an already disconnected client does nothing.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	if c.reconnectCancel != nil {
		close(c.reconnectCancel)
		c.reconnectCancel = nil
	}
	conn := c.conn
	c.conn = nil
	listenDone := c.listenDone

	if conn == nil {
		changed := c.state != StateDisconnected
		c.state = StateDisconnected
		c.clearCachesLocked()
		c.mu.Unlock()
		if changed {
			c.emit(DisconnectedEvent{})
		}
		return
	}

	c.state = StateDisconnected
	c.rejectPendingLocked()
	c.clearCachesLocked()
	c.mu.Unlock()

	conn.Stop()
	if listenDone != nil {
		<-listenDone
	}

	c.emit(DisconnectedEvent{})
}

// Events returns the channel lifecycle events are delivered on. The channel
// is buffered and never closed; events that find it full are dropped, so a
// consumer that falls behind loses events rather than stalling the session.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State reports where the client is in its connection lifecycle.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts reports how many reconnection attempts the current
// outage has used. It resets to zero on a successful connection.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectAttempts
}

// ShouldReconnect reports whether the client will try to reconnect after a
// transport failure. Disconnect and exhausted attempts turn it off.
func (c *Client) ShouldReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldReconnect
}

// ServerInfo returns the provider's info from the initialize handshake.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the provider's capabilities from the
// initialize handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// Tools returns the cached tool list from the last successful ListTools.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tools)
}

// Resources returns the cached resource list from the last successful
// ListResources.
func (c *Client) Resources() []Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.resources)
}

// Prompts returns the cached prompt list from the last successful
// ListPrompts.
func (c *Client) Prompts() []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.prompts)
}

// ListTools retrieves the provider's tools and replaces the cached tool
// list with the result. With a cursor set the result page is appended to
// the cache instead.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Tools != nil }, "tools"); err != nil {
		return ListToolsResult{}, err
	}

	res, err := c.call(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	c.mu.Lock()
	if params.Cursor == "" {
		c.tools = result.Tools
	} else {
		c.tools = append(c.tools, result.Tools...)
	}
	c.mu.Unlock()

	return result, nil
}

// CallTool executes a tool on the provider and returns its result. The
// call always goes to the provider; the cached tool list is never
// consulted.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Tools != nil }, "tools"); err != nil {
		return CallToolResult{}, err
	}

	res, err := c.call(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}

	return result, nil
}

// ListResources retrieves the provider's resources and replaces the cached
// resource list with the result. With a cursor set the result page is
// appended to the cache instead.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Resources != nil }, "resources"); err != nil {
		return ListResourcesResult{}, err
	}

	res, err := c.call(ctx, MethodResourcesList, params)
	if err != nil {
		return ListResourcesResult{}, err
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourcesResult{}, err
	}

	c.mu.Lock()
	if params.Cursor == "" {
		c.resources = result.Resources
	} else {
		c.resources = append(c.resources, result.Resources...)
	}
	c.mu.Unlock()

	return result, nil
}

// ReadResource retrieves the content of one resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Resources != nil }, "resources"); err != nil {
		return ReadResourceResult{}, err
	}

	res, err := c.call(ctx, MethodResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, err
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, err
	}

	return result, nil
}

// SubscribeResource registers the client for change notifications about one
// resource. Updates arrive through the ResourceSubscribedWatcher interface.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Resources != nil }, "resources"); err != nil {
		return err
	}

	_, err := c.call(ctx, MethodResourcesSubscribe, params)
	return err
}

// UnsubscribeResource removes a resource subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Resources != nil }, "resources"); err != nil {
		return err
	}

	_, err := c.call(ctx, MethodResourcesUnsubscribe, params)
	return err
}

// ListPrompts retrieves the provider's prompts and replaces the cached
// prompt list with the result. With a cursor set the result page is
// appended to the cache instead.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Prompts != nil }, "prompts"); err != nil {
		return ListPromptsResult{}, err
	}

	res, err := c.call(ctx, MethodPromptsList, params)
	if err != nil {
		return ListPromptsResult{}, err
	}

	var result ListPromptsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListPromptsResult{}, err
	}

	c.mu.Lock()
	if params.Cursor == "" {
		c.prompts = result.Prompts
	} else {
		c.prompts = append(c.prompts, result.Prompts...)
	}
	c.mu.Unlock()

	return result, nil
}

// GetPrompt retrieves one prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Prompts != nil }, "prompts"); err != nil {
		return GetPromptResult{}, err
	}

	res, err := c.call(ctx, MethodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, err
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, err
	}

	return result, nil
}

// SetLogLevel asks the provider to adjust its log message verbosity.
// Messages at or above the level arrive through the LogReceiver interface.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.operational(func(caps ServerCapabilities) bool { return caps.Logging != nil }, "logging"); err != nil {
		return err
	}

	_, err := c.call(ctx, methodLoggingSetLevel, LogParams{Level: level})
	return err
}

// Ping checks that the provider is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, methodPing, nil)
	return err
}

// SendNotification sends a fire-and-forget notification to the provider.
// No response is ever expected, so the call returns as soon as the message
// is written.
func (c *Client) SendNotification(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	return c.notify(ctx, conn, method, params)
}

// operational guards the caller-facing operations: the session must be
// initialized, and outside push mode the provider must have declared the
// capability. Push sessions skip the capability check since no handshake
// ran; their operations fail at the transport with ErrSendNotSupported.
func (c *Client) operational(supported func(ServerCapabilities) bool, capability string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitialized {
		return ErrNotConnected
	}
	if !c.pushMode && !supported(c.serverCapabilities) {
		return fmt.Errorf("%s not supported by provider", capability)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := c.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	_, push := conn.(PushConn)
	listenDone := make(chan struct{})

	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect won the race while the dial was in flight.
		c.mu.Unlock()
		conn.Stop()
		return errors.New("connection aborted")
	}
	c.state = StateConnected
	c.conn = conn
	c.listenDone = listenDone
	c.pushMode = push
	c.pending = make(map[RequestID]chan JSONRPCMessage)
	c.nextID.Store(0)
	c.mu.Unlock()

	c.emit(ConnectedEvent{ConnID: conn.ID()})

	go c.listen(conn, listenDone)
	if src, ok := conn.(StderrSource); ok {
		go c.forwardStderr(src.Stderr())
	}

	if push {
		c.mu.Lock()
		c.state = StateInitialized
		c.mu.Unlock()
		c.emit(InitializedEvent{})
		return nil
	}

	if err := c.initialize(ctx, conn); err != nil {
		c.teardown(conn, listenDone)
		return fmt.Errorf("failed to initialize: %w", err)
	}

	c.mu.Lock()
	c.state = StateInitialized
	info := c.serverInfo
	c.mu.Unlock()

	c.emit(InitializedEvent{Info: info})

	if c.pingInterval > 0 {
		go c.pingLoop(conn, listenDone)
	}

	return nil
}

func (c *Client) initialize(ctx context.Context, conn Conn) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}

	res, err := c.request(ctx, conn, methodInitialize, params)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("initialize error: %w", res.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.mu.Unlock()

	return c.notify(ctx, conn, methodNotificationsInitialized, nil)
}

// call sends a correlated request for an operation and unwraps provider
// error responses. The session must be initialized.
func (c *Client) call(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return JSONRPCMessage{}, ErrNotConnected
	}

	res, err := c.request(ctx, conn, method, params)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	if res.Error != nil {
		return JSONRPCMessage{}, fmt.Errorf("result error: %w", res.Error)
	}

	return res, nil
}

// request allocates the next id, registers a pending entry, sends the
// request and waits for the response. The pending entry is removed exactly
// once: by the matching response, by the timeout, or by a disconnect
// rejecting every in-flight request.
func (c *Client) request(ctx context.Context, conn Conn, method string, params any) (JSONRPCMessage, error) {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	id := RequestID(c.nextID.Add(1))
	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return JSONRPCMessage{}, ErrConnectionClosed
	}
	c.pending[id] = results
	c.mu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}
	if err := conn.Send(ctx, msg); err != nil {
		c.removePending(id)
		return JSONRPCMessage{}, err
	}

	timeout := c.clock.NewTimer(c.requestTimeout)
	defer timeout.Stop()

	select {
	case res, ok := <-results:
		if !ok {
			return JSONRPCMessage{}, ErrConnectionClosed
		}
		return res, nil
	case <-timeout.C():
		c.removePending(id)
		return JSONRPCMessage{}, ErrRequestTimeout
	case <-ctx.Done():
		c.removePending(id)
		return JSONRPCMessage{}, ctx.Err()
	}
}

func (c *Client) notify(ctx context.Context, conn Conn, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}
	if err := conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (c *Client) removePending(id RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// settle hands a response to its waiting request. Responses whose id
// matches no pending entry, including duplicates of an already settled id,
// are dropped.
func (c *Client) settle(msg JSONRPCMessage) {
	c.mu.Lock()
	results, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
		results <- msg
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response with unknown id", "id", msg.ID)
	}
}

func (c *Client) rejectPendingLocked() {
	for id, results := range c.pending {
		close(results)
		delete(c.pending, id)
	}
}

func (c *Client) clearCachesLocked() {
	c.tools = nil
	c.resources = nil
	c.prompts = nil
}

func (c *Client) listen(conn Conn, done chan struct{}) {
	defer close(done)

	for msg := range conn.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Debug("skipping message with invalid jsonrpc version", "version", msg.JSONRPC)
			continue
		}

		switch {
		case msg.Method == "":
			c.settle(msg)
		case msg.ID != 0:
			// This client only initiates; provider-initiated requests are
			// tolerated but never answered.
			c.logger.Debug("ignoring provider-initiated request", "method", msg.Method, "id", msg.ID)
		default:
			c.dispatchNotification(msg)
		}
	}

	c.connLost(conn)
}

func (c *Client) dispatchNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsToolsListChanged:
		go c.refreshTools()
	case methodNotificationsResourcesListChanged:
		go c.refreshResources()
	case methodNotificationsPromptsListChanged:
		go c.refreshPrompts()
	case methodNotificationsResourcesUpdated:
		var params notificationsResourcesUpdatedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Debug("failed to unmarshal resource update params", "err", err)
			return
		}
		for _, w := range c.resourceSubscribedWatchers {
			w.OnResourceSubscribedChanged(params.URI)
		}
	case methodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Debug("failed to unmarshal progress params", "err", err)
			return
		}
		for _, l := range c.progressListeners {
			l.OnProgress(params)
		}
	case methodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Debug("failed to unmarshal log params", "err", err)
			return
		}
		for _, r := range c.logReceivers {
			r.OnLog(params)
		}
	default:
		c.emit(NotificationEvent{Method: msg.Method, Params: msg.Params})
	}
}

// The refresh methods run off the listen goroutine so the list response can
// be delivered while they wait. Refresh failures are swallowed; the
// watchers fire either way and callers can list again themselves.

func (c *Client) refreshTools() {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	if _, err := c.ListTools(ctx, ListToolsParams{}); err != nil {
		c.logger.Debug("failed to refresh tool list", "err", err)
	}
	for _, w := range c.toolListWatchers {
		w.OnToolListChanged()
	}
}

func (c *Client) refreshResources() {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	if _, err := c.ListResources(ctx, ListResourcesParams{}); err != nil {
		c.logger.Debug("failed to refresh resource list", "err", err)
	}
	for _, w := range c.resourceListWatchers {
		w.OnResourceListChanged()
	}
}

func (c *Client) refreshPrompts() {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	if _, err := c.ListPrompts(ctx, ListPromptsParams{}); err != nil {
		c.logger.Debug("failed to refresh prompt list", "err", err)
	}
	for _, w := range c.promptListWatchers {
		w.OnPromptListChanged()
	}
}

// connLost runs when the listen loop ends. If a teardown path already took
// ownership of the connection, there is nothing left to do; otherwise the
// drop was unexpected and the client either parks for a reconnect or
// settles into the terminal disconnected state.
func (c *Client) connLost(conn Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.rejectPendingLocked()

	if c.state != StateInitialized {
		// The handshake is still in flight; its caller saw the rejection
		// and owns the cleanup.
		c.mu.Unlock()
		return
	}

	cause := conn.Err()
	if !c.shouldReconnect {
		c.state = StateDisconnected
		c.clearCachesLocked()
		c.mu.Unlock()
		c.emit(DisconnectedEvent{Err: cause})
		return
	}

	c.state = StateReconnectPending
	cancel := make(chan struct{})
	c.reconnectCancel = cancel
	c.mu.Unlock()

	if cause != nil {
		c.emit(ErrorEvent{Err: cause})
	}

	go c.reconnectLoop(cancel)
}

// teardown cleans up after a connection whose handshake failed.
func (c *Client) teardown(conn Conn, listenDone chan struct{}) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.rejectPendingLocked()
	c.state = StateDisconnected
	c.clearCachesLocked()
	c.mu.Unlock()

	conn.Stop()
	<-listenDone
}

func (c *Client) reconnectLoop(cancel chan struct{}) {
	for {
		c.mu.Lock()
		if !c.shouldReconnect {
			c.mu.Unlock()
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		if attempt > c.maxReconnects {
			c.reconnectAttempts = attempt - 1
			c.shouldReconnect = false
			c.reconnectCancel = nil
			c.state = StateDisconnected
			c.clearCachesLocked()
			c.mu.Unlock()
			c.logger.Error("giving up on reconnecting", "attempts", attempt-1)
			c.emit(DisconnectedEvent{Err: fmt.Errorf("reconnection attempts exhausted after %d tries", attempt-1)})
			return
		}
		c.state = StateReconnectPending
		delay := c.reconnectDelay
		c.mu.Unlock()

		timer := c.clock.NewTimer(delay)
		select {
		case <-cancel:
			timer.Stop()
			return
		case <-timer.C():
		}

		c.mu.Lock()
		if !c.shouldReconnect {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()

		c.emit(ReconnectingEvent{Attempt: attempt})

		ctx, ctxCancel := context.WithTimeout(context.Background(), c.requestTimeout)
		err := c.connect(ctx)
		ctxCancel()
		if err != nil {
			c.logger.Error("reconnect attempt failed", "attempt", attempt, "err", err)
			c.emit(ErrorEvent{Err: fmt.Errorf("reconnect attempt %d failed: %w", attempt, err)})
			continue
		}

		c.mu.Lock()
		c.reconnectAttempts = 0
		c.reconnectCancel = nil
		c.mu.Unlock()
		return
	}
}

func (c *Client) pingLoop(conn Conn, done chan struct{}) {
	failures := 0

	for {
		timer := c.clock.NewTimer(c.pingInterval)
		select {
		case <-done:
			timer.Stop()
			return
		case <-timer.C():
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
		res, err := c.request(ctx, conn, methodPing, nil)
		cancel()
		if err == nil && res.Error != nil {
			err = fmt.Errorf("error response: %w", res.Error)
		}
		if err != nil {
			failures++
			c.logger.Error("failed to ping provider", "failures", failures, "err", err)
			if failures >= pingFailureThreshold {
				conn.Stop()
				return
			}
			continue
		}
		failures = 0
	}
}

func (c *Client) forwardStderr(lines <-chan string) {
	for line := range lines {
		c.logger.Debug("provider stderr", "line", line)
		c.emit(ErrorEvent{Err: fmt.Errorf("provider stderr: %s", line)})
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debug("dropping event", "event", fmt.Sprintf("%T", ev))
	}
}
