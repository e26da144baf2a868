package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildkite/sandterm/internal/backend"
)

type fakeConn struct {
	incoming chan string
	sent     chan string

	mu         sync.Mutex
	connected  bool
	gone       chan struct{}
	goneOnce   sync.Once
	closeCalls []CloseReason
	sendHook   func(text string)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming:  make(chan string, 16),
		sent:      make(chan string, 64),
		connected: true,
		gone:      make(chan struct{}),
	}
}

func (c *fakeConn) Receive(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.gone:
		return "", ErrDisconnected
	case msg := <-c.incoming:
		return msg, nil
	}
}

func (c *fakeConn) Send(text string) error {
	if c.sendHook != nil {
		c.sendHook(text)
	}
	if !c.Connected() {
		return fmt.Errorf("send: %w", ErrDisconnected)
	}
	c.sent <- text
	return nil
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Close(reason CloseReason) error {
	c.mu.Lock()
	c.closeCalls = append(c.closeCalls, reason)
	c.mu.Unlock()
	c.disconnect()
	return nil
}

// disconnect simulates the peer going away without a close handshake.
func (c *fakeConn) disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.goneOnce.Do(func() { close(c.gone) })
}

func (c *fakeConn) closes() []CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CloseReason(nil), c.closeCalls...)
}

// fakeChannel is an in-memory command channel. Output queued with emit is
// returned by Read; finishing the output makes Read return io.EOF.
type fakeChannel struct {
	output  chan []byte
	pending []byte

	mu       sync.Mutex
	written  []byte
	writes   chan []byte
	writeErr error

	closed     chan struct{}
	closeOnce  sync.Once
	closeCalls atomic.Int32
	readPanic  bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		output: make(chan []byte, 16),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeChannel) emit(data string) {
	c.output <- []byte(data)
}

// exit makes the next read after queued output return io.EOF.
func (c *fakeChannel) exit() {
	close(c.output)
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	if c.readPanic {
		panic("read exploded")
	}
	if len(c.pending) == 0 {
		select {
		case <-c.closed:
			return 0, os.ErrClosed
		case data, ok := <-c.output:
			if !ok {
				return 0, io.EOF
			}
			c.pending = data
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, os.ErrClosed
	default:
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.mu.Lock()
	c.written = append(c.written, p...)
	c.mu.Unlock()
	c.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (c *fakeChannel) Close() error {
	c.closeCalls.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeProvisioner struct {
	channel *fakeChannel

	createErr    error
	attachErr    error
	destroyErr   error
	destroyPanic bool

	mu           sync.Mutex
	created      []backend.SandboxConfig
	attached     [][]string
	destroyed    []string
	destroyCalls atomic.Int32
}

func (p *fakeProvisioner) Name() string { return "fake" }

func (p *fakeProvisioner) Create(_ context.Context, cfg backend.SandboxConfig) (*backend.Sandbox, error) {
	p.mu.Lock()
	p.created = append(p.created, cfg)
	p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &backend.Sandbox{ID: "sb-1", Name: "sandterm-" + cfg.SessionID, Backend: "fake", Image: cfg.Image}, nil
}

func (p *fakeProvisioner) OpenCommandChannel(_ context.Context, _ *backend.Sandbox, command []string) (backend.CommandChannel, error) {
	p.mu.Lock()
	p.attached = append(p.attached, command)
	p.mu.Unlock()
	if p.attachErr != nil {
		return nil, p.attachErr
	}
	return p.channel, nil
}

func (p *fakeProvisioner) Destroy(_ context.Context, sandbox *backend.Sandbox) error {
	p.destroyCalls.Add(1)
	p.mu.Lock()
	p.destroyed = append(p.destroyed, sandbox.ID)
	p.mu.Unlock()
	if p.destroyPanic {
		panic("destroy exploded")
	}
	return p.destroyErr
}

func newTestManager(p *fakeProvisioner) *Manager {
	return &Manager{
		Provisioner: p,
		Sandbox: backend.SandboxConfig{
			Image:      "ubuntu:latest",
			Command:    []string{"/bin/bash"},
			AutoRemove: true,
		},
		Shell:          []string{"/bin/bash"},
		DestroyTimeout: time.Second,
	}
}

func receiveWithin[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func handleAsync(m *Manager, conn Connection) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- m.Handle(context.Background(), conn)
	}()
	return done
}

var errRuntimeFault = errors.New("runtime fault")
