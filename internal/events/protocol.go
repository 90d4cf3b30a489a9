// Package events publishes supervisor state to local clients.
//
// The protocol uses newline-delimited JSON (NDJSON) over a UNIX socket.
// Clients receive every event as it happens and may send a status request
// to obtain the latest snapshot.
package events

import (
	"encoding/json"
)

// MessageType identifies the type of message.
type MessageType string

const (
	// MessageTypeRequest is sent from client to server.
	MessageTypeRequest MessageType = "request"
	// MessageTypeResponse is sent from server to client in reply to a request.
	MessageTypeResponse MessageType = "response"
	// MessageTypeEvent is broadcast from server to all connected clients.
	MessageTypeEvent MessageType = "event"
)

// Command identifies the operation to perform.
type Command string

const (
	// CommandStatus queries the latest supervisor state.
	CommandStatus Command = "status"
	// CommandNextServer makes the next attempt use a named server.
	CommandNextServer Command = "next_server"
	// CommandSwitch leaves the current tunnel and selects a server again.
	CommandSwitch Command = "switch"
	// CommandManagement forwards a line to the daemon's management socket.
	CommandManagement Command = "management"
)

// EventName identifies the type of event.
type EventName string

const (
	// EventStatusMessage carries a human readable progress message.
	EventStatusMessage EventName = "status_message"
	// EventConnected reports a change of the connected flag.
	EventConnected EventName = "connected"
	// EventStats carries throughput figures while connected.
	EventStats EventName = "stats"
)

// Error codes for protocol responses.
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeUnavailable    = "UNAVAILABLE"
)

// Request represents a command sent from client to server.
type Request struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Command Command         `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a reply from server to client.
type Response struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Event represents an asynchronous notification from server to clients.
type Event struct {
	Type MessageType     `json:"type"`
	Name EventName       `json:"name"`
	Data json.RawMessage `json:"data"`
}

// ErrorInfo contains details about an error.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusMessageData is the payload of status_message events.
type StatusMessageData struct {
	Text string `json:"text"`
	// Replaceable messages may be overwritten by the next one, e.g. a
	// countdown.
	Replaceable bool `json:"replaceable"`
}

// ConnectedData is the payload of connected events.
type ConnectedData struct {
	Connected bool `json:"connected"`
}

// StatsData is the payload of stats events.
type StatsData struct {
	Summary       string `json:"summary"`
	DownloadRate  int64  `json:"download_rate"`
	UploadRate    int64  `json:"upload_rate"`
	BytesRead     int64  `json:"bytes_read"`
	BytesWritten  int64  `json:"bytes_written"`
	VPNIP         string `json:"vpn_ip,omitempty"`
	InterfaceName string `json:"interface,omitempty"`
}

// NextServerParams are the parameters of a next_server request.
type NextServerParams struct {
	Server string `json:"server"`
}

// ManagementParams are the parameters of a management request.
type ManagementParams struct {
	Command string `json:"command"`
}

// ManagementResult reports whether a management command was accepted.
type ManagementResult struct {
	Accepted bool `json:"accepted"`
}

// StatusResult is the result of a status request.
type StatusResult struct {
	Connected bool       `json:"connected"`
	Message   string     `json:"message,omitempty"`
	Server    string     `json:"server,omitempty"`
	Stats     *StatsData `json:"stats,omitempty"`
}

// NewRequest creates a new request with the given command and parameters.
func NewRequest(id string, cmd Command, params any) (*Request, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, err
		}
	}
	return &Request{
		ID:      id,
		Type:    MessageTypeRequest,
		Command: cmd,
		Params:  paramsJSON,
	}, nil
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) (*Response, error) {
	var resultJSON json.RawMessage
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return nil, err
		}
	}
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: true,
		Result:  resultJSON,
	}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id, code, message string) *Response {
	return &Response{
		ID:      id,
		Type:    MessageTypeResponse,
		Success: false,
		Error:   &ErrorInfo{Code: code, Message: message},
	}
}

// NewEvent creates a new event with the given name and data.
func NewEvent(name EventName, data any) (*Event, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type: MessageTypeEvent,
		Name: name,
		Data: dataJSON,
	}, nil
}
