package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/buildkite/sandterm/internal/endpoint"
	"github.com/buildkite/sandterm/internal/tlsconfig"
	"github.com/coder/websocket"
)

const sessionPath = "/ws"

// Client is the public Go client for the sandterm session server.
type Client struct {
	ep         endpoint.Endpoint
	httpClient *http.Client
	maxBytes   int64
}

// TLSOptions configures optional TLS material for HTTPS connections.
type TLSOptions struct {
	CAPath string
}

// Option configures the sandterm client.
type Option func(*options)

type options struct {
	tls      tlsconfig.ClientOptions
	maxBytes int64
}

// WithTLS configures TLS options for HTTPS endpoints.
func WithTLS(opts TLSOptions) Option {
	return func(o *options) {
		o.tls = tlsconfig.ClientOptions{CAPath: opts.CAPath}
	}
}

// WithMaxMessageBytes limits the size of a single message read from the
// server.
func WithMaxMessageBytes(n int64) Option {
	return func(o *options) {
		o.maxBytes = n
	}
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/sandterm.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// If host is empty, SANDTERM_HOST is used, then the default address.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	transport, err := buildTransport(ep, o.tls)
	if err != nil {
		return nil, err
	}
	return &Client{
		ep:         ep,
		httpClient: &http.Client{Transport: transport},
		maxBytes:   o.maxBytes,
	}, nil
}

// Endpoint returns the resolved server endpoint.
func (c *Client) Endpoint() endpoint.Endpoint {
	return c.ep
}

// WebSocket upgrades require HTTP/1.1, so every scheme uses http.Transport.
func buildTransport(ep endpoint.Endpoint, tlsOpts tlsconfig.ClientOptions) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	switch ep.Scheme {
	case "https":
		tlsCfg, err := tlsconfig.Client(tlsOpts)
		if err != nil {
			return nil, err
		}
		return &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsCfg,
			DialContext:     dialer.DialContext,
		}, nil
	case "unix":
		return &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}
	return &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
	}, nil
}

// Health fetches the server status record.
func (c *Client) Health(ctx context.Context) (*Status, error) {
	if c == nil || c.httpClient == nil {
		return nil, errors.New("nil client")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ep.BaseURL+"/", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

// Connect opens an interactive session. The server provisions a fresh
// sandbox for it and destroys that sandbox when the session closes.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	if c == nil || c.httpClient == nil {
		return nil, errors.New("nil client")
	}
	ws, _, err := websocket.Dial(ctx, c.ep.WebSocketURL(sessionPath), &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if c.maxBytes > 0 {
		ws.SetReadLimit(c.maxBytes)
	}
	return &Session{ws: ws}, nil
}

// Session is one open interactive session.
type Session struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Send writes text to the sandbox shell's input.
func (s *Session) Send(ctx context.Context, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.Write(ctx, websocket.MessageText, []byte(text))
}

// Receive returns the next chunk of shell output. Once the server closes the
// session it returns a *CloseError.
func (s *Session) Receive(ctx context.Context) (string, error) {
	_, data, err := s.ws.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return "", &CloseError{Code: int(closeErr.Code), Reason: closeErr.Reason}
		}
		return "", err
	}
	return string(data), nil
}

// Close ends the session from the client side.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ws.Close(websocket.StatusNormalClosure, "")
	})
	return s.closeErr
}
