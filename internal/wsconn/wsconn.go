// Package wsconn adapts a WebSocket connection to a session connection.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildkite/sandterm/internal/session"
	"github.com/coder/websocket"
)

const (
	DefaultMaxMessageBytes = 32 << 10
	DefaultWriteTimeout    = 10 * time.Second
)

type Options struct {
	// OriginPatterns lists the host patterns allowed to open a cross-origin
	// connection. "*" allows every origin.
	OriginPatterns  []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// Conn is a session.Connection backed by a WebSocket. A single goroutine
// owns reads for the lifetime of the connection, so abandoning a Receive
// never tears the socket down.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	incoming chan string
	done     chan struct{}
	readErr  error

	connected atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ session.Connection = (*Conn)(nil)

// Accept upgrades the request and starts reading from the socket.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("accept websocket: %w", err)
	}
	return New(ws, opts), nil
}

// New wraps an established WebSocket.
func New(ws *websocket.Conn, opts Options) *Conn {
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	ws.SetReadLimit(maxBytes)

	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		incoming:     make(chan string),
		done:         make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		// Binary frames are relayed as their raw bytes.
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.readErr = err
			c.connected.Store(false)
			return
		}
		select {
		case c.incoming <- string(data):
		case <-c.ctx.Done():
			c.readErr = c.ctx.Err()
			c.connected.Store(false)
			return
		}
	}
}

func (c *Conn) Receive(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case msg := <-c.incoming:
		return msg, nil
	case <-c.done:
		return "", fmt.Errorf("%w: %w", session.ErrDisconnected, c.readErr)
	}
}

func (c *Conn) Send(text string) error {
	if !c.Connected() {
		return fmt.Errorf("send: %w", session.ErrDisconnected)
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("send: %w: %w", session.ErrDisconnected, err)
	}
	return nil
}

func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Close sends a close frame with reason and releases the reader. Only the
// first call has any effect.
func (c *Conn) Close(reason session.CloseReason) error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.closeErr = c.ws.Close(websocket.StatusCode(reason.Code), reason.Reason)
		c.cancel()
	})
	return c.closeErr
}

// CloseStatus reports the close code carried by err, or -1.
func CloseStatus(err error) session.CloseCode {
	return session.CloseCode(websocket.CloseStatus(err))
}
