package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
}

const (
	DefaultAddress = "http://127.0.0.1:8000"

	// EnvHost overrides the default endpoint for both server and clients.
	EnvHost = "SANDTERM_HOST"

	defaultTSNetHostname = "sandterm"
	defaultTSNetPort     = 8000
)

func Default() Endpoint {
	ep, _ := resolve(DefaultAddress, false)
	return ep
}

// ResolveListen resolves an endpoint for server-side listening. fallback is
// used when raw and $SANDTERM_HOST are both empty.
func ResolveListen(raw, fallback string) (Endpoint, error) {
	value := firstNonEmpty(raw, os.Getenv(EnvHost), fallback)
	return resolve(value, true)
}

// Resolve resolves an endpoint a client can dial.
func Resolve(raw string) (Endpoint, error) {
	value := firstNonEmpty(raw, os.Getenv(EnvHost))
	return resolve(value, false)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolve(value string, listen bool) (Endpoint, error) {
	if value == "" {
		value = DefaultAddress
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q", value)
		}
		return Endpoint{Scheme: u.Scheme, Address: value, BaseURL: strings.TrimRight(value, "/")}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoint %q is only supported by server --listen; dial the tailnet address over http:// instead", value)
		}
		return resolveTSNet(value)
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, https://, tsnet:// or absolute unix socket path"
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	rest := strings.TrimPrefix(value, "tsnet://")
	if strings.ContainsAny(rest, "/?#") {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q must not include a path", value)
	}

	hostname := defaultTSNetHostname
	port := defaultTSNetPort
	if rest != "" {
		host, rawPort, err := net.SplitHostPort(rest)
		if err != nil {
			host = rest
			rawPort = ""
		}
		if host != "" {
			hostname = host
		}
		if rawPort != "" {
			p, err := strconv.Atoi(rawPort)
			if err != nil || p < 1 || p > 65535 {
				return Endpoint{}, fmt.Errorf("invalid tsnet port %q in %q", rawPort, value)
			}
			port = p
		}
	}

	return Endpoint{
		Scheme:        "tsnet",
		Address:       fmt.Sprintf(":%d", port),
		BaseURL:       fmt.Sprintf("http://%s:%d", hostname, port),
		TSNetHostname: hostname,
		TSNetPort:     port,
	}, nil
}

// WebSocketURL returns the ws:// or wss:// URL for path on the endpoint.
func (e Endpoint) WebSocketURL(path string) string {
	base := e.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// ListenAddress returns the host:port an http or https endpoint binds to.
func (e Endpoint) ListenAddress() (string, error) {
	u, err := url.Parse(e.Address)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", e.Address, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", e.Address)
	}
	if u.Port() == "" {
		if e.Scheme == "https" {
			return net.JoinHostPort(u.Hostname(), "443"), nil
		}
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
	return u.Host, nil
}
