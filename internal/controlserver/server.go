package controlserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/sandterm/internal/endpoint"
	"github.com/buildkite/sandterm/internal/paths"
	"github.com/buildkite/sandterm/internal/session"
	"github.com/buildkite/sandterm/internal/tlsconfig"
	"github.com/buildkite/sandterm/internal/wsconn"
	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"tailscale.com/tsnet"
)

const statusMessage = "WebSocket server is active"

// TLSOptions holds explicit TLS paths for the server.
type TLSOptions struct {
	CertPath string
	KeyPath  string
}

// SessionHandler runs one interactive session on an accepted connection.
type SessionHandler interface {
	Handle(ctx context.Context, conn session.Connection) error
}

type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

type Server struct {
	sessions SessionHandler
	logger   *log.Logger
	opts     Options

	active sync.WaitGroup
}

func New(sessions SessionHandler, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{sessions: sessions, logger: logger, opts: opts}
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

var newTSNetServer = func(ep endpoint.Endpoint, stateDir string, tsLogf func(format string, args ...any)) tsnetServer {
	return &tsnet.Server{
		Dir:      stateDir,
		Hostname: ep.TSNetHostname,
		Logf:     tsLogf,
	}
}

func tsnetLogf(logger *log.Logger) func(format string, args ...any) {
	if logger == nil {
		return nil
	}
	tsLogger := logger.With("subsystem", "tsnet")
	return func(format string, args ...any) {
		msg := strings.TrimSpace(fmt.Sprintf(format, args...))
		if msg == "" {
			return
		}
		tsLogger.Debug(msg)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleSession)
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(newCORS(s.opts.AllowedOrigins).Handler(mux), &http2.Server{})
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{Status: "online", Message: statusMessage})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "session handling is not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := wsconn.Accept(w, r, wsconn.Options{
		OriginPatterns:  s.opts.AllowedOrigins,
		MaxMessageBytes: s.opts.MaxMessageBytes,
		WriteTimeout:    s.opts.WriteTimeout,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	s.active.Add(1)
	defer s.active.Done()

	s.logger.Debug("client connected", "remote_addr", r.RemoteAddr)
	if err := s.sessions.Handle(r.Context(), conn); err != nil {
		s.logger.Warn("session ended with error", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.logger.Debug("client session finished", "remote_addr", r.RemoteAddr)
}

// Drain waits for in-flight sessions to finish their teardown, up to
// timeout. It reports whether every session finished.
func (s *Server) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Serve accepts connections on ep until ctx is done. Requests inherit ctx,
// so cancelling it also ends hijacked WebSocket sessions.
func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts *TLSOptions) error {
	listener, cleanup, err := listen(ep, logger, tlsOpts)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer func() {
			_ = cleanup()
		}()
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving sandterm sessions", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("server shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, logger *log.Logger, tlsOpts *TLSOptions) (net.Listener, func() error, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		return listener, nil, nil

	case "tsnet":
		stateDir, err := paths.TSNetStateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tsnet state directory: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create tsnet state directory: %w", err)
		}
		server := newTSNetServer(ep, stateDir, tsnetLogf(logger))
		listener, err := server.Listen("tcp", ep.Address)
		if err != nil {
			_ = server.Close()
			return nil, nil, fmt.Errorf("start tsnet listener for %q: %w", ep.Address, err)
		}
		return listener, server.Close, nil

	case "https":
		var opts tlsconfig.ServerOptions
		if tlsOpts != nil {
			opts = tlsconfig.ServerOptions{
				CertPath: tlsOpts.CertPath,
				KeyPath:  tlsOpts.KeyPath,
			}
		}
		tlsCfg, err := tlsconfig.Server(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve server TLS config: %w", err)
		}
		if tlsCfg == nil {
			return nil, nil, errors.New("https listen endpoint requires TLS certificates (run 'sandterm tls init' or provide --tls-cert/--tls-key)")
		}
		addr, err := ep.ListenAddress()
		if err != nil {
			return nil, nil, err
		}
		listener, err := tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("start TLS listener for %q: %w", addr, err)
		}
		return listener, nil, nil

	case "http":
		addr, err := ep.ListenAddress()
		if err != nil {
			return nil, nil, err
		}
		listener, err := net.Listen("tcp", addr)
		return listener, nil, err
	}

	return nil, nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
}
