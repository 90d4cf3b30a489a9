// Package management implements the client side of the tunnel daemon's
// line-oriented management protocol.
package management

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds connecting and each write.
const DefaultTimeout = 5 * time.Second

// Commands understood by the daemon.
const (
	CmdStatus     = "status"
	CmdSignalTerm = "signal SIGTERM"
)

// Reserved pseudo-commands. They are never sent to the daemon; the owner of
// the client executes them locally.
const (
	CmdCloseSocket = "k1"
	CmdKillDaemon  = "k2"
	CmdKillProxy   = "k3"
)

// lineBuffer is how many received lines may wait for the next Pump.
const lineBuffer = 1024

// ErrDisconnected is returned by Pump once the socket is closed.
var ErrDisconnected = errors.New("management socket not connected")

// Error wraps a failure of a management operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("management %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsReserved reports whether cmd is a local pseudo-command.
func IsReserved(cmd string) bool {
	switch cmd {
	case CmdCloseSocket, CmdKillDaemon, CmdKillProxy:
		return true
	}
	return false
}

// Options configures a Client.
type Options struct {
	// Timeout bounds dialing and writes; zero means DefaultTimeout.
	Timeout time.Duration
	// OnStatistics receives the counters of each statistics block.
	OnStatistics func(read, write int64)
	// OnMessage receives other protocol lines.
	OnMessage func(line string)
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Client is a connection to the daemon's management port. Commands are
// queued by any goroutine and flushed by Pump, which is expected to be
// called from a single polling loop.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	// mu guards queue and serialises writes.
	mu    sync.Mutex
	queue []string

	pumpMu sync.Mutex
	parser Parser

	lines     chan string
	closed    chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// Dial connects to the management port on the loopback interface.
func Dial(ctx context.Context, port int, opts Options) (*Client, error) {
	d := net.Dialer{Timeout: opts.timeout()}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}

	slog.Debug("Management connected", "addr", addr)
	return New(conn, opts), nil
}

// New wraps an established connection and starts reading from it.
func New(conn net.Conn, opts Options) *Client {
	c := &Client{
		conn:    conn,
		timeout: opts.timeout(),
		parser: Parser{
			OnStatistics: opts.OnStatistics,
			OnMessage:    opts.OnMessage,
		},
		lines:  make(chan string, lineBuffer),
		closed: make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.lines)
	defer c.connected.Store(false)

	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		select {
		case c.lines <- scanner.Text():
		case <-c.closed:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("Management read stopped", "error", err)
	}
}

// Connected reports whether the socket is still usable.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Enqueue appends cmd to the outgoing queue. Commands are dropped when the
// socket is not connected; reserved pseudo-commands are never queued.
// It reports whether cmd was queued.
func (c *Client) Enqueue(cmd string) bool {
	if IsReserved(cmd) || !c.Connected() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, cmd)
	return true
}

// Queued returns a copy of the pending commands.
func (c *Client) Queued() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queue...)
}

// Pump sends every queued command, clears the queue and hands whatever has
// been received since the last call to the parser. Once the socket is gone
// the remaining received lines are still parsed before the error is returned.
func (c *Client) Pump() error {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()

	if !c.Connected() {
		c.drain()
		return &Error{Op: "pump", Err: ErrDisconnected}
	}
	if err := c.flush(); err != nil {
		return err
	}
	c.drain()
	return nil
}

// drain parses the lines received so far without blocking.
func (c *Client) drain() {
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			c.parser.FeedLine(line)
		default:
			return
		}
	}
}

func (c *Client) flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.queue
	c.queue = nil
	for _, cmd := range queue {
		if cmd != CmdStatus {
			slog.Debug("Management command sent", "command", cmd)
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			c.connected.Store(false)
			return &Error{Op: "write", Err: err}
		}
		if _, err := io.WriteString(c.conn, cmd+"\n"); err != nil {
			c.connected.Store(false)
			return &Error{Op: "write", Err: err}
		}
	}
	return nil
}

// Close shuts the socket down. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
