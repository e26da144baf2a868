package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/sandterm/internal/backend"
	"github.com/buildkite/sandterm/internal/controlserver"
	"github.com/buildkite/sandterm/internal/session"
)

// upperChannel answers every line written to it with its upper-case form.
type upperChannel struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	once sync.Once
}

func newUpperChannel() *upperChannel {
	pr, pw := io.Pipe()
	return &upperChannel{pr: pr, pw: pw}
}

func (c *upperChannel) Read(p []byte) (int, error) { return c.pr.Read(p) }

func (c *upperChannel) Write(p []byte) (int, error) {
	go func() {
		_, _ = c.pw.Write([]byte(strings.ToUpper(string(p))))
	}()
	return len(p), nil
}

func (c *upperChannel) Close() error {
	c.once.Do(func() {
		_ = c.pw.Close()
		_ = c.pr.Close()
	})
	return nil
}

type integrationProvisioner struct {
	createErr error
}

func (integrationProvisioner) Name() string { return "integration" }

func (p integrationProvisioner) Create(_ context.Context, cfg backend.SandboxConfig) (*backend.Sandbox, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return &backend.Sandbox{ID: cfg.SessionID, Backend: "integration"}, nil
}

func (integrationProvisioner) OpenCommandChannel(context.Context, *backend.Sandbox, []string) (backend.CommandChannel, error) {
	return newUpperChannel(), nil
}

func (integrationProvisioner) Destroy(context.Context, *backend.Sandbox) error { return nil }

func integrationHandler(p integrationProvisioner) http.Handler {
	manager := &session.Manager{
		Provisioner: p,
		Shell:       []string{"/bin/sh"},
	}
	return controlserver.New(manager, nil, controlserver.Options{}).Handler()
}

func startIntegrationServer(t *testing.T, p integrationProvisioner) string {
	t.Helper()

	httpServer := httptest.NewServer(integrationHandler(p))
	t.Cleanup(httpServer.Close)
	return httpServer.URL
}

func TestClientSessionLifecycle(t *testing.T) {
	t.Parallel()

	host := startIntegrationServer(t, integrationProvisioner{})
	client, err := New(host)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(ctx, "whoami\n"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	var out strings.Builder
	for !strings.Contains(out.String(), "WHOAMI") {
		chunk, err := sess.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive returned error: %v", err)
		}
		out.WriteString(chunk)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestClientReceiveReportsInternalErrorClose(t *testing.T) {
	t.Parallel()

	host := startIntegrationServer(t, integrationProvisioner{createErr: errors.New("image pull failed")})
	client, err := New(host)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer sess.Close()

	_, err = sess.Receive(ctx)
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected *CloseError, got %T: %v", err, err)
	}
	if got, want := closeErr.Code, CloseInternalError; got != want {
		t.Fatalf("unexpected close code: got %d want %d", got, want)
	}
	if !closeErr.Failed() {
		t.Fatal("expected internal error close to report failure")
	}
	if !strings.Contains(closeErr.Reason, "image pull failed") {
		t.Fatalf("expected reason to carry the cause, got %q", closeErr.Reason)
	}
}

func TestClientHealth(t *testing.T) {
	t.Parallel()

	host := startIntegrationServer(t, integrationProvisioner{})
	client, err := New(host)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
	if !status.Online() {
		t.Fatalf("expected online status, got %+v", status)
	}
}

func TestClientOverUnixSocket(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "sandterm.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	srv := &http.Server{Handler: integrationHandler(integrationProvisioner{}), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := New("unix://" + sock)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Health(ctx); err != nil {
		t.Fatalf("Health over unix socket returned error: %v", err)
	}
	sess, err := client.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect over unix socket returned error: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(ctx, "ok"); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	var out strings.Builder
	for !strings.Contains(out.String(), "OK") {
		chunk, err := sess.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive returned error: %v", err)
		}
		out.WriteString(chunk)
	}
}

func TestNewRejectsListenOnlyEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := New("tsnet://sandterm:8000"); err == nil {
		t.Fatal("expected tsnet endpoint to be rejected for clients")
	}
}

func TestCloseErrorMessage(t *testing.T) {
	t.Parallel()

	err := &CloseError{Code: CloseNormal, Reason: "session ended"}
	if got, want := err.Error(), "session closed with status 1000: session ended"; got != want {
		t.Fatalf("unexpected message: got %q want %q", got, want)
	}
	if err.Failed() {
		t.Fatal("normal closure must not report failure")
	}
}
