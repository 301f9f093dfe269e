package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO is a transport speaking newline-delimited JSON over an arbitrary
// io.Reader/io.Writer pair. Each outbound message is one JSON object
// followed by a newline; inbound bytes are buffered and split on newlines,
// so a partial trailing line is held back until the newline that completes
// it arrives.
//
// StdIO supports a single connection over its pair of streams, and Stop does
// not close streams it does not own, so automatic reconnection is of no use
// with it. Providers run as child processes should use Command instead,
// which spawns a fresh process per connection.
type StdIO struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

// Command is a transport that launches a provider as a child process and
// speaks the StdIO framing over its standard streams. The process's stderr
// is never parsed as protocol data; its lines are exposed through the
// StderrSource interface. Process exit ends the connection, and every
// Connect call spawns a fresh process, which is what makes reconnection
// work for child-process providers.
type Command struct {
	path   string
	args   []string
	env    []string
	dir    string
	logger *slog.Logger
}

// CommandOption represents the options for the Command transport.
type CommandOption func(*Command)

// NewStdIO creates a StdIO transport reading inbound messages from in and
// writing outbound messages to out.
func NewStdIO(in io.Reader, out io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		in:     in,
		out:    out,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewCommand creates a Command transport that will run the executable at
// path with the given arguments.
func NewCommand(path string, args []string, options ...CommandOption) *Command {
	c := &Command{
		path:   path,
		args:   args,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// WithCommandEnv appends environment variables, in "KEY=VALUE" form, to the
// child process's inherited environment.
func WithCommandEnv(env []string) CommandOption {
	return func(c *Command) {
		c.env = env
	}
}

// WithCommandDir sets the working directory of the child process.
func WithCommandDir(dir string) CommandOption {
	return func(c *Command) {
		c.dir = dir
	}
}

// WithCommandLogger sets the logger for the Command transport.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(c *Command) {
		c.logger = logger
	}
}

// Connect implements the Transport interface, handing the stream pair to
// the returned connection.
func (s *StdIO) Connect(context.Context) (Conn, error) {
	return newStdIOConn(s.in, s.out, false, s.logger), nil
}

// Connect implements the Transport interface by spawning the child process
// and wiring its standard streams into a connection.
func (c *Command) Connect(context.Context) (Conn, error) {
	cmd := exec.Command(c.path, c.args...)
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	if c.dir != "" {
		cmd.Dir = c.dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.path, err)
	}

	conn := &commandConn{
		stdIOConn:    newStdIOConn(stdout, stdin, true, c.logger),
		cmd:          cmd,
		stderr:       make(chan string, 16),
		stderrClosed: make(chan struct{}),
	}
	go conn.drainStderr(stderr)
	go conn.waitExit()

	return conn, nil
}

type stdIOConn struct {
	id     string
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	// ownsStreams tells Stop to close the streams, which unblocks a
	// pending read. Command owns its pipes; raw StdIO leaves the caller's
	// streams alone.
	ownsStreams bool

	writes   chan stdIOWrite
	messages chan JSONRPCMessage

	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}

	mu      sync.Mutex
	stopped bool
	err     error
}

type stdIOWrite struct {
	msg  []byte
	errs chan error
}

func newStdIOConn(in io.Reader, out io.Writer, ownsStreams bool, logger *slog.Logger) *stdIOConn {
	c := &stdIOConn{
		id:          uuid.New().String(),
		in:          in,
		out:         out,
		logger:      logger,
		ownsStreams: ownsStreams,
		writes:      make(chan stdIOWrite),
		messages:    make(chan JSONRPCMessage),
		done:        make(chan struct{}),
		readClosed:  make(chan struct{}),
		writeClosed: make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()

	return c
}

func (c *stdIOConn) ID() string { return c.id }

func (c *stdIOConn) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol.
	msgBs = append(msgBs, '\n')

	w := stdIOWrite{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes stay serialized through one goroutine.
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

func (c *stdIOConn) Messages() iter.Seq[JSONRPCMessage] {
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

func (c *stdIOConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *stdIOConn) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.done)

	if c.ownsStreams {
		if closer, ok := c.in.(io.Closer); ok {
			closer.Close()
		}
		if closer, ok := c.out.(io.Closer); ok {
			closer.Close()
		}
	}

	<-c.writeClosed
}

// fail records the terminal cause of the connection. Calls after Stop, and
// any call after the first, are ignored.
func (c *stdIOConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.err != nil {
		return
	}
	c.err = err
}

func (c *stdIOConn) readLoop() {
	defer close(c.readClosed)
	defer close(c.messages)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(c.in)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(fmt.Errorf("stream closed: %w", err))
			} else {
				c.fail(fmt.Errorf("failed to read stream: %w", err))
			}
			return
		}

		line = strings.TrimSpace(strings.TrimSuffix(line, "\n"))
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			c.logger.Debug("skipping unparseable line", "err", err)
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *stdIOConn) writeLoop() {
	defer close(c.writeClosed)

	for {
		var w stdIOWrite
		select {
		case <-c.done:
			return
		case w = <-c.writes:
		}

		_, err := c.out.Write(w.msg)
		if err != nil {
			err = fmt.Errorf("failed to write message: %w", err)
		}
		w.errs <- err
	}
}

type commandConn struct {
	*stdIOConn
	cmd          *exec.Cmd
	stderr       chan string
	stderrClosed chan struct{}
}

// Stderr implements the StderrSource interface.
func (c *commandConn) Stderr() <-chan string { return c.stderr }

func (c *commandConn) Stop() {
	c.stdIOConn.Stop()
	// Closing stdin asks the process to exit; killing covers the ones
	// that don't.
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

func (c *commandConn) drainStderr(r io.Reader) {
	defer close(c.stderrClosed)
	defer close(c.stderr)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Drop lines nobody is reading rather than stall process reaping.
		select {
		case c.stderr <- line:
		case <-c.done:
			return
		default:
			c.logger.Debug("dropping stderr line", "line", line)
		}
	}
}

func (c *commandConn) waitExit() {
	// Wait closes the pipes, so let both read sides drain first.
	<-c.readClosed
	<-c.stderrClosed

	if err := c.cmd.Wait(); err != nil {
		c.fail(fmt.Errorf("process exited: %w", err))
	} else {
		c.fail(errors.New("process exited"))
	}
}
