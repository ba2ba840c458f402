// Package client talks to runkitd over its unix socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Letdown2491/runkit/internal/api"
	"github.com/Letdown2491/runkit/internal/domain"
)

// Base URL host for requests; the transport ignores it and dials the socket.
const baseURL = "http://runkitd"

// Client is a runkitd API client. One Client holds one keep-alive
// connection, which the daemon treats as one session.
type Client struct {
	socketPath string
	http       *http.Client
}

// New creates a client for the socket at socketPath. timeout bounds each
// request; zero means no limit, which suits actions waiting on a password
// prompt.
func New(socketPath string, timeout time.Duration) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:     dial,
				MaxIdleConns:    1,
				MaxConnsPerHost: 1,
			},
		},
	}
}

// Close releases the client's connection, ending its session.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// List returns every service, with live status when withStatus is set.
func (c *Client) List(ctx context.Context, withStatus bool) ([]api.ServiceView, error) {
	path := "/v1/services"
	if withStatus {
		path += "?status=1"
	}
	var out []api.ServiceView
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Refresh asks the daemon to rescan the services directory.
func (c *Client) Refresh(ctx context.Context) ([]domain.ServiceDescriptor, error) {
	var out []domain.ServiceDescriptor
	_, err := c.do(ctx, http.MethodPost, "/v1/services/refresh", nil, &out)
	return out, err
}

// Describe returns one service's descriptor.
func (c *Client) Describe(ctx context.Context, name string) (domain.ServiceDescriptor, error) {
	var out domain.ServiceDescriptor
	_, err := c.do(ctx, http.MethodGet, servicePath(name, ""), nil, &out)
	return out, err
}

// Status returns one service's live status.
func (c *Client) Status(ctx context.Context, name string) (domain.ServiceStatus, error) {
	var out domain.ServiceStatus
	_, err := c.do(ctx, http.MethodGet, servicePath(name, "/status"), nil, &out)
	return out, err
}

// Activity returns one service's retained events, oldest first.
func (c *Client) Activity(ctx context.Context, name string) ([]domain.ActivityEvent, error) {
	var out []domain.ActivityEvent
	_, err := c.do(ctx, http.MethodGet, servicePath(name, "/activity"), nil, &out)
	return out, err
}

// Logs returns the last lines of one service's log.
func (c *Client) Logs(ctx context.Context, name string, lines int) ([]domain.LogLine, error) {
	var out []domain.LogLine
	path := servicePath(name, "/logs") + "?lines=" + strconv.Itoa(lines)
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Perform runs action on name.
func (c *Client) Perform(ctx context.Context, name string, action domain.ActionKind) (*domain.ActionResult, error) {
	var out domain.ActionResult
	path := servicePath(name, "/actions/"+url.PathEscape(string(action)))
	if _, err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPolicy returns the authorization policy.
func (c *Client) GetPolicy(ctx context.Context) (domain.AuthorizationPolicy, error) {
	var out domain.AuthorizationPolicy
	_, err := c.do(ctx, http.MethodGet, "/v1/policy", nil, &out)
	return out, err
}

// SetPolicy changes the authorization mode.
func (c *Client) SetPolicy(ctx context.Context, mode domain.AuthMode) error {
	_, err := c.do(ctx, http.MethodPut, "/v1/policy", api.PolicyRequest{Mode: mode}, nil)
	return err
}

// Stream delivers activity events, optionally for one service, until ctx
// is cancelled or the daemon closes the stream. The channel is closed on
// return.
func (c *Client) Stream(ctx context.Context, service string) (<-chan domain.ActivityEvent, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
		HandshakeTimeout: 10 * time.Second,
	}
	u := "ws://runkitd/v1/activity/stream"
	if service != "" {
		u += "?service=" + url.QueryEscape(service)
	}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, domain.NewError(domain.KindInternal, "stream", service, "connect to runkitd", err)
	}

	ch := make(chan domain.ActivityEvent, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()
	go func() {
		defer close(ch)
		defer close(done)
		for {
			var ev domain.ActivityEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// do sends a request and decodes the envelope's data into out. It returns
// the envelope message.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (string, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("client: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, rd)
	if err != nil {
		return "", fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domain.NewError(domain.KindInternal, "", "", "cannot reach runkitd at "+c.socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	env := struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("client: decode response: %w", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return "", fmt.Errorf("client: decode response data: %w", err)
		}
	}
	return env.Message, nil
}

// decodeError turns an error envelope into a *domain.Error whose kind
// matches the daemon's classification.
func decodeError(resp *http.Response) error {
	var env api.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&env); err != nil || env.Error == nil {
		return domain.NewError(domain.KindInternal, "", "", "unexpected response: "+resp.Status, nil)
	}
	var wrapped error
	if env.Error.Kind == api.ErrKindNotFound {
		wrapped = domain.ErrNotFound
	}
	return domain.NewError(api.KindFromWire(env.Error.Kind), "", "", env.Error.Message, wrapped)
}

func servicePath(name, suffix string) string {
	return "/v1/services/" + url.PathEscape(name) + suffix
}
