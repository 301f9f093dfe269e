package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MegaGrindStone/go-llm/mcp"
)

// ServerConfig describes one tool provider the registry connects to.
type ServerConfig struct {
	// Name identifies the provider within the registry. Names must be
	// unique.
	Name string

	// Transport selects how the provider is reached: "stdio" launches
	// Command as a child process, "websocket" dials URL, and "sse"
	// subscribes to URL as a receive-only event stream.
	Transport string

	// Command and Args define the child process for the stdio transport.
	Command string
	Args    []string
	// Env appends variables, in "KEY=VALUE" form, to the child
	// process's inherited environment.
	Env []string
	// Dir sets the child process's working directory.
	Dir string

	// URL is the endpoint for the websocket and sse transports.
	URL string

	// Timeout overrides the default per-request timeout.
	Timeout time.Duration
	// ReconnectDelay overrides the default fixed delay between
	// reconnection attempts.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts overrides the default reconnection budget.
	// Zero keeps the default; a negative value disables reconnection.
	MaxReconnectAttempts int
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Enabled turns tool provider integration on. When false the registry
	// holds no sessions and every lookup misses.
	Enabled bool

	// Servers lists the providers to connect to.
	Servers []ServerConfig
}

// Registry maintains sessions with multiple tool providers and routes calls
// to the right one without callers naming servers. Each capability is bound
// to its owning session in a flattened lookup map, rebuilt for a server
// whenever that server's capability list refreshes. When two servers
// advertise the same name, the first to bind it keeps it.
type Registry struct {
	clients       map[string]*mcp.Client
	clientInfo    mcp.Info
	clientOptions []mcp.ClientOption
	logger        *slog.Logger

	events chan ServerEvent
	done   chan struct{}
	once   sync.Once

	mu             sync.Mutex
	toolOwners     map[string]string
	resourceOwners map[string]string
	promptOwners   map[string]string
}

// ServerEvent is a session lifecycle event annotated with the name of the
// server it happened on.
type ServerEvent struct {
	Server string
	Event  mcp.Event
}

// RegistryOption represents the options for the Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryClientInfo sets the client identity presented to providers
// during the initialize handshake.
func WithRegistryClientInfo(info mcp.Info) RegistryOption {
	return func(r *Registry) {
		r.clientInfo = info
	}
}

// WithRegistryClientOptions appends options to every session client the
// registry creates, after the options derived from each ServerConfig.
func WithRegistryClientOptions(options ...mcp.ClientOption) RegistryOption {
	return func(r *Registry) {
		r.clientOptions = append(r.clientOptions, options...)
	}
}

// NewRegistry creates a registry with one session client per configured
// server. Sessions are not connected until Connect is called.
func NewRegistry(cfg RegistryConfig, options ...RegistryOption) (*Registry, error) {
	r := &Registry{
		clients:        make(map[string]*mcp.Client),
		clientInfo:     mcp.Info{Name: "go-llm", Version: "0.1.0"},
		logger:         slog.Default(),
		events:         make(chan ServerEvent, 64),
		done:           make(chan struct{}),
		toolOwners:     make(map[string]string),
		resourceOwners: make(map[string]string),
		promptOwners:   make(map[string]string),
	}

	for _, opt := range options {
		opt(r)
	}

	if !cfg.Enabled {
		return r, nil
	}

	for _, sc := range cfg.Servers {
		if sc.Name == "" {
			return nil, errors.New("server name must not be empty")
		}
		if _, ok := r.clients[sc.Name]; ok {
			return nil, fmt.Errorf("duplicate server name %q", sc.Name)
		}

		transport, err := newTransport(sc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sc.Name, err)
		}

		watcher := capabilityWatcher{registry: r, server: sc.Name}
		opts := []mcp.ClientOption{
			mcp.WithToolListWatcher(watcher),
			mcp.WithResourceListWatcher(watcher),
			mcp.WithPromptListWatcher(watcher),
			mcp.WithClientLogger(r.logger.With("server", sc.Name)),
		}
		if sc.Timeout > 0 {
			opts = append(opts, mcp.WithRequestTimeout(sc.Timeout))
		}
		if sc.ReconnectDelay > 0 {
			opts = append(opts, mcp.WithReconnectDelay(sc.ReconnectDelay))
		}
		if sc.MaxReconnectAttempts != 0 {
			opts = append(opts, mcp.WithMaxReconnectAttempts(sc.MaxReconnectAttempts))
		}
		opts = append(opts, r.clientOptions...)

		client := mcp.NewClient(r.clientInfo, transport, opts...)
		r.clients[sc.Name] = client
		go r.pumpEvents(sc.Name, client)
	}

	return r, nil
}

// newTransport builds the transport for one server. The transport kind is
// the only place the configuration string is interpreted; everything past
// this switch works with the Transport interface.
func newTransport(cfg ServerConfig) (mcp.Transport, error) {
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return nil, errors.New("stdio transport requires a command")
		}
		var opts []mcp.CommandOption
		if len(cfg.Env) > 0 {
			opts = append(opts, mcp.WithCommandEnv(cfg.Env))
		}
		if cfg.Dir != "" {
			opts = append(opts, mcp.WithCommandDir(cfg.Dir))
		}
		return mcp.NewCommand(cfg.Command, cfg.Args, opts...), nil
	case "websocket":
		if cfg.URL == "" {
			return nil, errors.New("websocket transport requires a URL")
		}
		return mcp.NewSocket(cfg.URL), nil
	case "sse":
		if cfg.URL == "" {
			return nil, errors.New("sse transport requires a URL")
		}
		return mcp.NewSSEStream(cfg.URL, nil), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Connect opens every configured session and performs the initial
// capability refresh, listing the three categories of each provider in
// parallel. Sessions that fail to connect are reported in the joined error;
// the ones that succeeded stay connected and usable.
func (r *Registry) Connect(ctx context.Context) error {
	var mu sync.Mutex
	var errs []error
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	for name, client := range r.clients {
		g.Go(func() error {
			if err := client.Connect(ctx); err != nil {
				record(fmt.Errorf("%s: %w", name, err))
				return nil
			}
			if err := r.refreshServer(ctx, name, client); err != nil {
				record(fmt.Errorf("%s: %w", name, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Close disconnects every session and stops event delivery.
func (r *Registry) Close() {
	r.once.Do(func() {
		close(r.done)
	})

	var wg sync.WaitGroup
	for _, client := range r.clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Disconnect()
		}()
	}
	wg.Wait()
}

// Events returns the channel session lifecycle events are forwarded on,
// annotated with server names. The channel is buffered and never closed;
// events that find it full are dropped.
func (r *Registry) Events() <-chan ServerEvent {
	return r.events
}

// Servers returns the names of the configured servers.
func (r *Registry) Servers() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

// Client returns the session client for one server.
func (r *Registry) Client(server string) (*mcp.Client, bool) {
	client, ok := r.clients[server]
	return client, ok
}

// Tools returns every tool currently bound to an owning session.
func (r *Registry) Tools() []mcp.Tool {
	r.mu.Lock()
	owners := make(map[string]string, len(r.toolOwners))
	for name, owner := range r.toolOwners {
		owners[name] = owner
	}
	r.mu.Unlock()

	var tools []mcp.Tool
	for server, client := range r.clients {
		for _, tool := range client.Tools() {
			if owners[tool.Name] == server {
				tools = append(tools, tool)
			}
		}
	}
	return tools
}

// Resources returns every resource currently bound to an owning session.
func (r *Registry) Resources() []mcp.Resource {
	r.mu.Lock()
	owners := make(map[string]string, len(r.resourceOwners))
	for uri, owner := range r.resourceOwners {
		owners[uri] = owner
	}
	r.mu.Unlock()

	var resources []mcp.Resource
	for server, client := range r.clients {
		for _, resource := range client.Resources() {
			if owners[resource.URI] == server {
				resources = append(resources, resource)
			}
		}
	}
	return resources
}

// Prompts returns every prompt currently bound to an owning session.
func (r *Registry) Prompts() []mcp.Prompt {
	r.mu.Lock()
	owners := make(map[string]string, len(r.promptOwners))
	for name, owner := range r.promptOwners {
		owners[name] = owner
	}
	r.mu.Unlock()

	var prompts []mcp.Prompt
	for server, client := range r.clients {
		for _, prompt := range client.Prompts() {
			if owners[prompt.Name] == server {
				prompts = append(prompts, prompt)
			}
		}
	}
	return prompts
}

// CallTool executes a tool on whichever session owns it.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (mcp.CallToolResult, error) {
	client, err := r.owner(r.toolOwners, name, "tool")
	if err != nil {
		return mcp.CallToolResult{}, err
	}
	return client.CallTool(ctx, mcp.CallToolParams{Name: name, Arguments: args})
}

// ReadResource reads a resource from whichever session owns its URI.
func (r *Registry) ReadResource(ctx context.Context, uri string) (mcp.ReadResourceResult, error) {
	client, err := r.owner(r.resourceOwners, uri, "resource")
	if err != nil {
		return mcp.ReadResourceResult{}, err
	}
	return client.ReadResource(ctx, mcp.ReadResourceParams{URI: uri})
}

// GetPrompt retrieves a prompt from whichever session owns it.
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]string) (mcp.GetPromptResult, error) {
	client, err := r.owner(r.promptOwners, name, "prompt")
	if err != nil {
		return mcp.GetPromptResult{}, err
	}
	return client.GetPrompt(ctx, mcp.GetPromptParams{Name: name, Arguments: args})
}

func (r *Registry) owner(owners map[string]string, key, kind string) (*mcp.Client, error) {
	r.mu.Lock()
	server, ok := owners[key]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown %s %q", kind, key)
	}

	client, ok := r.clients[server]
	if !ok {
		return nil, fmt.Errorf("unknown %s %q", kind, key)
	}
	return client, nil
}

// refreshServer lists the provider's capabilities, one request per
// category the provider declared, in parallel, and rebinds the owner maps
// from the results.
func (r *Registry) refreshServer(ctx context.Context, name string, client *mcp.Client) error {
	caps := client.ServerCapabilities()

	var g errgroup.Group
	if caps.Tools != nil {
		g.Go(func() error {
			if _, err := client.ListTools(ctx, mcp.ListToolsParams{}); err != nil {
				return fmt.Errorf("failed to list tools: %w", err)
			}
			r.rebindTools(name, client)
			return nil
		})
	}
	if caps.Resources != nil {
		g.Go(func() error {
			if _, err := client.ListResources(ctx, mcp.ListResourcesParams{}); err != nil {
				return fmt.Errorf("failed to list resources: %w", err)
			}
			r.rebindResources(name, client)
			return nil
		})
	}
	if caps.Prompts != nil {
		g.Go(func() error {
			if _, err := client.ListPrompts(ctx, mcp.ListPromptsParams{}); err != nil {
				return fmt.Errorf("failed to list prompts: %w", err)
			}
			r.rebindPrompts(name, client)
			return nil
		})
	}

	return g.Wait()
}

func (r *Registry) rebindTools(server string, client *mcp.Client) {
	tools := client.Tools()

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, owner := range r.toolOwners {
		if owner == server {
			delete(r.toolOwners, name)
		}
	}
	for _, tool := range tools {
		if owner, ok := r.toolOwners[tool.Name]; ok {
			r.logger.Warn("tool already provided by another server",
				"tool", tool.Name, "server", server, "owner", owner)
			continue
		}
		r.toolOwners[tool.Name] = server
	}
}

func (r *Registry) rebindResources(server string, client *mcp.Client) {
	resources := client.Resources()

	r.mu.Lock()
	defer r.mu.Unlock()

	for uri, owner := range r.resourceOwners {
		if owner == server {
			delete(r.resourceOwners, uri)
		}
	}
	for _, resource := range resources {
		if owner, ok := r.resourceOwners[resource.URI]; ok {
			r.logger.Warn("resource already provided by another server",
				"uri", resource.URI, "server", server, "owner", owner)
			continue
		}
		r.resourceOwners[resource.URI] = server
	}
}

func (r *Registry) rebindPrompts(server string, client *mcp.Client) {
	prompts := client.Prompts()

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, owner := range r.promptOwners {
		if owner == server {
			delete(r.promptOwners, name)
		}
	}
	for _, prompt := range prompts {
		if owner, ok := r.promptOwners[prompt.Name]; ok {
			r.logger.Warn("prompt already provided by another server",
				"prompt", prompt.Name, "server", server, "owner", owner)
			continue
		}
		r.promptOwners[prompt.Name] = server
	}
}

func (r *Registry) unbindServer(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, owner := range r.toolOwners {
		if owner == server {
			delete(r.toolOwners, name)
		}
	}
	for uri, owner := range r.resourceOwners {
		if owner == server {
			delete(r.resourceOwners, uri)
		}
	}
	for name, owner := range r.promptOwners {
		if owner == server {
			delete(r.promptOwners, name)
		}
	}
}

// pumpEvents forwards one session's lifecycle events, annotated with the
// server name, and maintains the owner maps across reconnects: a session
// that reconnects gets a fresh capability refresh, and one that
// disconnects for good has its bindings dropped.
func (r *Registry) pumpEvents(server string, client *mcp.Client) {
	connectedOnce := false

	for {
		var ev mcp.Event
		select {
		case <-r.done:
			return
		case ev = <-client.Events():
		}

		switch ev.(type) {
		case mcp.InitializedEvent:
			if connectedOnce {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := r.refreshServer(ctx, server, client); err != nil {
					r.logger.Error("failed to refresh server after reconnect",
						"server", server, "err", err)
				}
				cancel()
			}
			connectedOnce = true
		case mcp.DisconnectedEvent:
			r.unbindServer(server)
		}

		select {
		case r.events <- ServerEvent{Server: server, Event: ev}:
		default:
			r.logger.Debug("dropping server event", "server", server, "event", fmt.Sprintf("%T", ev))
		}
	}
}

// capabilityWatcher rebinds one server's entries in the owner maps after
// the session client refreshes a capability cache.
type capabilityWatcher struct {
	registry *Registry
	server   string
}

func (w capabilityWatcher) OnToolListChanged() {
	client, ok := w.registry.clients[w.server]
	if !ok {
		return
	}
	w.registry.rebindTools(w.server, client)
}

func (w capabilityWatcher) OnResourceListChanged() {
	client, ok := w.registry.clients[w.server]
	if !ok {
		return
	}
	w.registry.rebindResources(w.server, client)
}

func (w capabilityWatcher) OnPromptListChanged() {
	client, ok := w.registry.clients[w.server]
	if !ok {
		return
	}
	w.registry.rebindPrompts(w.server, client)
}
