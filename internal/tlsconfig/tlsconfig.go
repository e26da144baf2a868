// Package tlsconfig loads the certificates that `sandterm tls init` writes
// and turns them into server and client tls.Configs.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/sandterm/internal/paths"
)

// File names inside a TLS directory.
const (
	CACertFile     = "ca.pem"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.pem"
	ServerKeyFile  = "server.key"
)

// Layout locates TLS material inside a single directory.
type Layout struct {
	Dir string
}

// DefaultLayout is the layout under the sandterm config directory.
func DefaultLayout() (Layout, error) {
	dir, err := paths.TLSDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolve TLS directory: %w", err)
	}
	return Layout{Dir: dir}, nil
}

func (l Layout) CACert() string     { return filepath.Join(l.Dir, CACertFile) }
func (l Layout) CAKey() string      { return filepath.Join(l.Dir, CAKeyFile) }
func (l Layout) ServerCert() string { return filepath.Join(l.Dir, ServerCertFile) }
func (l Layout) ServerKey() string  { return filepath.Join(l.Dir, ServerKeyFile) }

// ServerOptions names an explicit server key pair. Both paths must be set
// together; when neither is set the default layout is used if present.
type ServerOptions struct {
	CertPath string
	KeyPath  string
}

// ClientOptions names a CA bundle used to verify the server. When empty the
// default layout's ca.pem is used if present.
type ClientOptions struct {
	CAPath string
}

// Server returns the listener TLS config, or nil when no key pair is
// configured or discoverable.
func Server(opts ServerOptions) (*tls.Config, error) {
	certPath, keyPath := opts.CertPath, opts.KeyPath
	switch {
	case certPath == "" && keyPath == "":
		layout, err := DefaultLayout()
		if err != nil || !fileExists(layout.ServerCert()) || !fileExists(layout.ServerKey()) {
			return nil, nil
		}
		certPath, keyPath = layout.ServerCert(), layout.ServerKey()
	case certPath == "" || keyPath == "":
		return nil, errors.New("TLS certificate and key must be provided together")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		// WebSocket upgrades need HTTP/1.1.
		NextProtos: []string{"http/1.1"},
	}, nil
}

// Client returns the dialer TLS config. RootCAs stays nil, meaning the
// system pool, when no CA bundle is configured or discoverable.
func Client(opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}

	caPath := opts.CAPath
	if caPath == "" {
		if layout, err := DefaultLayout(); err == nil && fileExists(layout.CACert()) {
			caPath = layout.CACert()
		}
	}
	if caPath == "" {
		return cfg, nil
	}

	pool, err := loadCAPool(caPath)
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", path)
	}
	return pool, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
