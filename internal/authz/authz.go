// Package authz asks the remote service whether a connection may proceed.
package authz

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Action is what the service wants the client to do after a denial.
type Action string

const (
	// ActionStop ends the supervisor.
	ActionStop Action = "stop"
	// ActionNext penalises the server and moves on to another one.
	ActionNext Action = "next"
	// ActionRetry waits and tries the same server again.
	ActionRetry Action = "retry"
)

// Request describes the intended connection.
type Request struct {
	Server   string
	Protocol string
	Port     int
	Alt      int
}

// Decision is the service's answer.
type Decision struct {
	Allowed bool
	Message string
	Action  Action
}

// Allowed is the decision used whenever the service gives no usable answer.
var Allowed = Decision{Allowed: true}

const maxBody = 64 * 1024

// Client talks to the authorization endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	// extra is sent with every request, e.g. account credentials.
	extra url.Values
}

// NewClient creates a client for endpoint. An empty endpoint disables the
// check and every request is allowed.
func NewClient(endpoint string, extra url.Values) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		extra:    extra,
	}
}

type answer struct {
	XMLName       xml.Name
	Message       string `xml:"message,attr"`
	MessageAction string `xml:"message_action,attr"`
}

// RequestConnectAuthorization posts the request. Network, HTTP or parse
// failures are logged and treated as allowed.
func (c *Client) RequestConnectAuthorization(ctx context.Context, req Request) Decision {
	if c.endpoint == "" {
		return Allowed
	}

	form := url.Values{}
	for k, v := range c.extra {
		form[k] = append([]string(nil), v...)
	}
	form.Set("act", "connect")
	form.Set("server", req.Server)
	form.Set("protocol", req.Protocol)
	form.Set("port", strconv.Itoa(req.Port))
	form.Set("alt", strconv.Itoa(req.Alt))

	ans, err := c.post(ctx, form)
	if err != nil {
		slog.Warn("Authorization check unavailable, continuing", "server", req.Server, "error", err)
		return Allowed
	}
	return decide(ans)
}

func (c *Client) post(ctx context.Context, form url.Values) (*answer, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ans answer
	if err := xml.Unmarshal(body, &ans); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &ans, nil
}

// decide maps the answer attributes to a Decision. An empty message means
// allowed; unknown actions fall back to retry.
func decide(ans *answer) Decision {
	if ans.Message == "" {
		return Allowed
	}

	d := Decision{Message: ans.Message, Action: ActionRetry}
	switch Action(ans.MessageAction) {
	case ActionStop:
		d.Action = ActionStop
	case ActionNext:
		d.Action = ActionNext
	}
	return d
}
