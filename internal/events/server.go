package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	maxMessageSize = 64 * 1024
	maxSubscribers = 16
	// eventBacklog is how many events may wait for a slow subscriber before
	// newer ones are dropped for it.
	eventBacklog = 32
	writeTimeout = 2 * time.Second
)

// RequestHandler is called for each incoming request.
type RequestHandler func(req *Request) *Response

// Server accepts subscribers on a UNIX socket, answers their requests and
// fans events out to them.
type Server struct {
	socketPath string
	handler    RequestHandler

	mu       sync.Mutex
	listener net.Listener
	subs     map[*subscriber]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server. Panics if handler is nil.
func NewServer(socketPath string, handler RequestHandler) *Server {
	if handler == nil {
		panic("events: NewServer called with nil handler")
	}
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		subs:       make(map[*subscriber]struct{}),
	}
}

// Start replaces any stale socket file and begins accepting subscribers.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already running")
	}

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)

	slog.Info("Event socket listening", "socket", s.socketPath)
	return nil
}

// Stop disconnects every subscriber and removes the socket file. Stopping
// a stopped server does nothing.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	subs := s.snapshot()
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil {
		slog.Warn("Failed to close event listener", "error", err)
	}
	for _, sub := range subs {
		sub.close()
	}
	s.wg.Wait()

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to remove socket file", "path", s.socketPath, "error", err)
	}
	slog.Info("Event socket closed")
	return nil
}

// Broadcast queues event for every subscriber without waiting for any of
// them. A subscriber whose backlog is full misses the event.
func (s *Server) Broadcast(event *Event) {
	data, err := encodeLine(event)
	if err != nil {
		slog.Warn("Failed to encode event", "event", event.Name, "error", err)
		return
	}

	s.mu.Lock()
	subs := s.snapshot()
	s.mu.Unlock()

	for _, sub := range subs {
		if !sub.offer(data) {
			slog.Debug("Event dropped for slow subscriber", "event", event.Name)
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// snapshot must be called with s.mu held.
func (s *Server) snapshot() []*subscriber {
	out := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			slog.Warn("Event socket accept failed", "error", err)
			continue
		}

		sub := newSubscriber(conn)
		if !s.add(sub) {
			slog.Warn("Rejecting event subscriber, too many connections")
			sub.close()
			continue
		}
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			sub.pump()
		}()
		go func() {
			defer s.wg.Done()
			s.serve(sub)
		}()
	}
}

func (s *Server) add(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || len(s.subs) >= maxSubscribers {
		return false
	}
	s.subs[sub] = struct{}{}
	slog.Debug("Event subscriber connected", "subscribers", len(s.subs))
	return true
}

func (s *Server) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
	slog.Debug("Event subscriber disconnected", "subscribers", len(s.subs))
}

// serve answers requests, one JSON object per line, until the subscriber
// goes away.
func (s *Server) serve(sub *subscriber) {
	defer func() {
		sub.close()
		s.remove(sub)
	}()

	scanner := bufio.NewScanner(sub.conn)
	scanner.Buffer(make([]byte, 0, 4096), maxMessageSize)

	for scanner.Scan() {
		var req Request
		resp := NewErrorResponse("", ErrCodeInvalidRequest, "invalid JSON")
		if err := json.Unmarshal(scanner.Bytes(), &req); err == nil {
			resp = s.handler(&req)
		}
		if err := sub.reply(resp); err != nil {
			slog.Debug("Failed to send response", "error", err)
			return
		}
	}

	if errors.Is(scanner.Err(), bufio.ErrTooLong) {
		_ = sub.reply(NewErrorResponse("", ErrCodeInvalidRequest, "message too large"))
	}
}

// subscriber is one connection. Responses are written by the serving
// goroutine; events go through a bounded queue drained by pump.
type subscriber struct {
	conn   net.Conn
	events chan []byte
	done   chan struct{}
	once   sync.Once
	wmu    sync.Mutex
}

func newSubscriber(conn net.Conn) *subscriber {
	return &subscriber{
		conn:   conn,
		events: make(chan []byte, eventBacklog),
		done:   make(chan struct{}),
	}
}

func (c *subscriber) offer(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- data:
		return true
	default:
		return false
	}
}

func (c *subscriber) pump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.events:
			if err := c.write(data); err != nil {
				slog.Debug("Failed to send event", "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *subscriber) reply(resp *Response) error {
	data, err := encodeLine(resp)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *subscriber) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *subscriber) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func encodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
