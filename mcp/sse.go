package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEStream is a transport consuming a one-way Server-Sent Events stream.
// The provider pushes JSON messages as event data; nothing is ever sent
// back on this transport, so Send always fails with ErrSendNotSupported
// and sessions over it carry notifications only.
type SSEStream struct {
	url          string
	header       http.Header
	httpClient   *http.Client
	maxEventSize int
	logger       *slog.Logger
}

// SSEStreamOption represents the options for the SSEStream transport.
type SSEStreamOption func(*SSEStream)

// NewSSEStream creates an SSEStream transport reading events from the given
// URL. The optional httpClient allows custom configuration; pass nil to use
// http.DefaultClient. The client's Timeout must be zero, as it would cut
// the stream mid-read.
func NewSSEStream(url string, httpClient *http.Client, options ...SSEStreamOption) *SSEStream {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	s := &SSEStream{
		url:        url,
		httpClient: httpClient,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEStreamHeader sets additional HTTP headers for the stream request,
// such as Authorization.
func WithSSEStreamHeader(header http.Header) SSEStreamOption {
	return func(s *SSEStream) {
		s.header = header
	}
}

// WithSSEStreamMaxEventSize sets the maximum size of a single event payload
// in bytes. Events exceeding the size end the stream with an error.
func WithSSEStreamMaxEventSize(size int) SSEStreamOption {
	return func(s *SSEStream) {
		s.maxEventSize = size
	}
}

// WithSSEStreamLogger sets the logger for the SSEStream transport.
func WithSSEStreamLogger(logger *slog.Logger) SSEStreamOption {
	return func(s *SSEStream) {
		s.logger = logger
	}
}

// Connect implements the Transport interface by opening the event stream.
// The returned connection implements PushConn.
func (s *SSEStream) Connect(ctx context.Context) (Conn, error) {
	// The stream must outlive ctx, which only governs establishment, so
	// the request gets a connection-scoped context. AfterFunc propagates a
	// cancellation of ctx that happens while the dial is still in flight.
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatch := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.url, nil)
	if err != nil {
		stopWatch()
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range s.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		stopWatch()
		cancel()
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		stopWatch()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if !stopWatch() {
		resp.Body.Close()
		cancel()
		return nil, ctx.Err()
	}

	c := &sseConn{
		id:           uuid.New().String(),
		body:         resp.Body,
		cancel:       cancel,
		maxEventSize: s.maxEventSize,
		logger:       s.logger,
		messages:     make(chan JSONRPCMessage),
		done:         make(chan struct{}),
		readClosed:   make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

type sseConn struct {
	id           string
	body         io.ReadCloser
	cancel       context.CancelFunc
	maxEventSize int
	logger       *slog.Logger

	messages chan JSONRPCMessage

	done       chan struct{}
	readClosed chan struct{}

	mu      sync.Mutex
	stopped bool
	err     error
}

func (c *sseConn) ID() string { return c.id }

// PushOnly implements the PushConn interface.
func (c *sseConn) PushOnly() {}

func (c *sseConn) Send(context.Context, JSONRPCMessage) error {
	return ErrSendNotSupported
}

func (c *sseConn) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-c.done:
				return
			case msg, ok := <-c.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (c *sseConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *sseConn) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.done)
	c.cancel()

	<-c.readClosed
}

func (c *sseConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.err != nil {
		return
	}
	c.err = err
}

func (c *sseConn) readLoop() {
	defer close(c.readClosed)
	defer close(c.messages)
	defer c.body.Close()

	var config *sse.ReadConfig
	if c.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxEventSize,
		}
	}

	for ev, err := range sse.Read(c.body, config) {
		if err != nil {
			c.fail(fmt.Errorf("failed to read event stream: %w", err))
			return
		}

		switch ev.Type {
		case "", "message":
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Debug("skipping unparseable event", "err", err)
				continue
			}

			select {
			case c.messages <- msg:
			case <-c.done:
				return
			}
		default:
			c.logger.Debug("ignoring event", "type", ev.Type)
		}
	}

	c.fail(errors.New("event stream ended"))
}
