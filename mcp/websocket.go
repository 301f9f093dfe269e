package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Socket is a transport speaking JSON messages over a persistent WebSocket
// connection. Each protocol message travels as one text frame, so no
// additional framing is applied on top of the socket.
type Socket struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger
}

// SocketOption represents the options for the Socket transport.
type SocketOption func(*Socket)

// NewSocket creates a Socket transport dialing the given ws:// or wss:// URL.
func NewSocket(url string, options ...SocketOption) *Socket {
	s := &Socket{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSocketHeader sets additional HTTP headers for the opening handshake,
// such as Authorization.
func WithSocketHeader(header http.Header) SocketOption {
	return func(s *Socket) {
		s.header = header
	}
}

// WithSocketDialer replaces the default dialer, allowing custom TLS
// configuration or handshake timeouts.
func WithSocketDialer(dialer *websocket.Dialer) SocketOption {
	return func(s *Socket) {
		s.dialer = dialer
	}
}

// WithSocketLogger sets the logger for the Socket transport.
func WithSocketLogger(logger *slog.Logger) SocketOption {
	return func(s *Socket) {
		s.logger = logger
	}
}

// Connect implements the Transport interface by dialing the configured URL.
func (s *Socket) Connect(ctx context.Context) (Conn, error) {
	ws, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", s.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	c := &socketConn{
		id:          uuid.New().String(),
		ws:          ws,
		logger:      s.logger,
		writes:      make(chan socketWrite),
		messages:    make(chan JSONRPCMessage),
		done:        make(chan struct{}),
		readClosed:  make(chan struct{}),
		writeClosed: make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

type socketConn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	writes   chan socketWrite
	messages chan JSONRPCMessage

	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}

	mu      sync.Mutex
	stopped bool
	err     error
}

type socketWrite struct {
	msg  []byte
	errs chan error
}

func (c *socketConn) ID() string { return c.id }

func (c *socketConn) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	w := socketWrite{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// The socket allows one concurrent writer, so all frames go through
	// the write loop.
	select {
	case c.writes <- w:
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-w.errs:
		return err
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *socketConn) Messages() iter.Seq[JSONRPCMessage] {
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

func (c *socketConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *socketConn) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.done)

	// Best-effort close handshake before tearing the socket down. Control
	// frames may be written concurrently with the write loop.
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("failed to send close frame", "err", err)
	}
	c.ws.Close()

	<-c.readClosed
	<-c.writeClosed
}

func (c *socketConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.err != nil {
		return
	}
	c.err = err
}

func (c *socketConn) readLoop() {
	defer close(c.readClosed)
	defer close(c.messages)

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.fail(fmt.Errorf("connection closed: %w", err))
			} else {
				c.fail(fmt.Errorf("failed to read frame: %w", err))
			}
			return
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Debug("skipping unparseable frame", "err", err)
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *socketConn) writeLoop() {
	defer close(c.writeClosed)

	for {
		var w socketWrite
		select {
		case <-c.done:
			return
		case w = <-c.writes:
		}

		err := c.ws.WriteMessage(websocket.TextMessage, w.msg)
		if err != nil {
			err = fmt.Errorf("failed to write frame: %w", err)
		}
		w.errs <- err
	}
}
