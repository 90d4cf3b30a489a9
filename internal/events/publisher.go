package events

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/shini4i/tunnel-supervisor/internal/stats"
)

// Controller accepts the control requests of subscribers.
type Controller interface {
	RequestNextServer(name string) error
	RequestSwitch()
	SendManagementCommand(cmd string) bool
}

// Publisher records the supervisor state, logs it and broadcasts it to the
// attached server. It is safe for concurrent use; without a server it only
// logs.
type Publisher struct {
	mu        sync.RWMutex
	server     *Server
	controller Controller
	connected  bool
	message   string
	current   string
	stats     *StatsData
}

// NewPublisher creates a Publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Attach sets the server events are broadcast to.
func (p *Publisher) Attach(server *Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.server = server
}

// SetController sets where control requests are forwarded.
func (p *Publisher) SetController(c Controller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controller = c
}

// SetConnected records the connected flag and broadcasts changes.
func (p *Publisher) SetConnected(connected bool) {
	p.mu.Lock()
	changed := p.connected != connected
	p.connected = connected
	if !connected {
		p.stats = nil
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	if connected {
		slog.Info("Tunnel connected")
	} else {
		slog.Info("Tunnel disconnected")
	}
	p.broadcast(EventConnected, ConnectedData{Connected: connected})
}

// SetCurrentServer records the display name of the server in use.
func (p *Publisher) SetCurrentServer(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = name
}

// PublishStatusMessage broadcasts a progress message. Replaceable messages
// such as countdowns are logged at debug level.
func (p *Publisher) PublishStatusMessage(text string, replaceable bool) {
	p.mu.Lock()
	p.message = text
	p.mu.Unlock()

	if replaceable {
		slog.Debug(text)
	} else {
		slog.Info(text)
	}
	p.broadcast(EventStatusMessage, StatusMessageData{Text: text, Replaceable: replaceable})
}

// PublishStats broadcasts throughput figures.
func (p *Publisher) PublishStats(snap stats.Snapshot, summary string) {
	data := StatsData{
		Summary:       summary,
		DownloadRate:  snap.DownloadRate,
		UploadRate:    snap.UploadRate,
		BytesRead:     snap.BytesRead,
		BytesWritten:  snap.BytesWritten,
		VPNIP:         snap.VPNIP,
		InterfaceName: snap.InterfaceName,
	}

	p.mu.Lock()
	p.stats = &data
	p.mu.Unlock()

	slog.Debug("Tunnel statistics", "summary", summary)
	p.broadcast(EventStats, data)
}

// Status returns the latest recorded state.
func (p *Publisher) Status() StatusResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	res := StatusResult{
		Connected: p.connected,
		Message:   p.message,
		Server:    p.current,
	}
	if p.stats != nil {
		s := *p.stats
		res.Stats = &s
	}
	return res
}

// HandleRequest answers subscriber requests; use it as the server handler.
func (p *Publisher) HandleRequest(req *Request) *Response {
	switch req.Command {
	case CommandStatus:
		return respond(req.ID, p.Status())
	case CommandNextServer, CommandSwitch, CommandManagement:
		return p.handleControl(req)
	default:
		return NewErrorResponse(req.ID, ErrCodeInvalidCommand, "unknown command: "+string(req.Command))
	}
}

func (p *Publisher) handleControl(req *Request) *Response {
	p.mu.RLock()
	c := p.controller
	p.mu.RUnlock()
	if c == nil {
		return NewErrorResponse(req.ID, ErrCodeUnavailable, "supervisor not running")
	}

	switch req.Command {
	case CommandNextServer:
		var params NextServerParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Server == "" {
			return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "next_server requires a server")
		}
		if err := c.RequestNextServer(params.Server); err != nil {
			return NewErrorResponse(req.ID, ErrCodeInvalidRequest, err.Error())
		}
		return respond(req.ID, nil)
	case CommandSwitch:
		c.RequestSwitch()
		return respond(req.ID, nil)
	default:
		var params ManagementParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Command == "" {
			return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "management requires a command")
		}
		return respond(req.ID, ManagementResult{Accepted: c.SendManagementCommand(params.Command)})
	}
}

func respond(id string, result any) *Response {
	resp, err := NewSuccessResponse(id, result)
	if err != nil {
		return NewErrorResponse(id, ErrCodeInternalError, err.Error())
	}
	return resp
}

func (p *Publisher) broadcast(name EventName, data any) {
	p.mu.RLock()
	server := p.server
	p.mu.RUnlock()
	if server == nil {
		return
	}

	event, err := NewEvent(name, data)
	if err != nil {
		slog.Warn("Failed to encode event", "event", name, "error", err)
		return
	}
	server.Broadcast(event)
}
