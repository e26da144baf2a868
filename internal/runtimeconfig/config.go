package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildkite/sandterm/internal/paths"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen          = "http://127.0.0.1:8000"
	DefaultRuntime         = "auto"
	DefaultImage           = "ubuntu:latest"
	DefaultCommand         = "/bin/bash"
	DefaultShell           = "/bin/bash"
	DefaultContainerPrefix = "sandterm-"

	DefaultReadChunkBytes        = 1024
	DefaultMaxMessageBytes       = 32 << 10
	DefaultWriteTimeoutSeconds   = 10
	DefaultDestroyTimeoutSeconds = 15

	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "SANDTERM_CONFIG"
)

type Config struct {
	Listen         string        `yaml:"listen"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Sandbox        SandboxConfig `yaml:"sandbox"`
	Session        SessionConfig `yaml:"session"`
}

type SandboxConfig struct {
	Runtime         string   `yaml:"runtime"` // auto|docker|podman
	Image           string   `yaml:"image"`
	Command         string   `yaml:"command"`
	Shell           string   `yaml:"shell"`
	ContainerPrefix string   `yaml:"container_prefix"`
	AutoRemove      *bool    `yaml:"auto_remove"`
	Env             []string `yaml:"env"`
}

type SessionConfig struct {
	ReadChunkBytes        int   `yaml:"read_chunk_bytes"`
	MaxMessageBytes       int64 `yaml:"max_message_bytes"`
	WriteTimeoutSeconds   int64 `yaml:"write_timeout_seconds"`
	DestroyTimeoutSeconds int64 `yaml:"destroy_timeout_seconds"`
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

func Path() (string, error) {
	if override := strings.TrimSpace(os.Getenv(EnvConfigPath)); override != "" {
		return override, nil
	}
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

// LoadFile reads, defaults and validates the config at path. A missing file
// yields the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Config{}

	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}

	s := &c.Sandbox
	s.Runtime = strings.TrimSpace(s.Runtime)
	if s.Runtime == "" {
		s.Runtime = DefaultRuntime
	}
	s.Image = strings.TrimSpace(s.Image)
	if s.Image == "" {
		s.Image = DefaultImage
	}
	if strings.TrimSpace(s.Command) == "" {
		s.Command = DefaultCommand
	}
	if strings.TrimSpace(s.Shell) == "" {
		s.Shell = DefaultShell
	}
	if s.ContainerPrefix == "" {
		s.ContainerPrefix = DefaultContainerPrefix
	}
	if s.AutoRemove == nil {
		autoRemove := true
		s.AutoRemove = &autoRemove
	}

	sess := &c.Session
	if sess.ReadChunkBytes == 0 {
		sess.ReadChunkBytes = DefaultReadChunkBytes
	}
	if sess.MaxMessageBytes == 0 {
		sess.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if sess.WriteTimeoutSeconds == 0 {
		sess.WriteTimeoutSeconds = DefaultWriteTimeoutSeconds
	}
	if sess.DestroyTimeoutSeconds == 0 {
		sess.DestroyTimeoutSeconds = DefaultDestroyTimeoutSeconds
	}
}

func (c Config) Validate() error {
	var errs []error

	switch c.Sandbox.Runtime {
	case "auto", "docker", "podman":
	default:
		errs = append(errs, fmt.Errorf("sandbox.runtime %q must be auto, docker or podman", c.Sandbox.Runtime))
	}
	if _, err := name.ParseReference(c.Sandbox.Image); err != nil {
		errs = append(errs, fmt.Errorf("sandbox.image: %w", err))
	}
	if _, err := c.SandboxCommand(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ShellCommand(); err != nil {
		errs = append(errs, err)
	}
	for _, kv := range c.Sandbox.Env {
		if key, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Errorf("sandbox.env entry %q must be KEY=VALUE", kv))
		}
	}
	for _, origin := range c.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			errs = append(errs, errors.New("allowed_origins must not contain empty entries"))
			break
		}
	}

	if c.Session.ReadChunkBytes < 0 {
		errs = append(errs, fmt.Errorf("session.read_chunk_bytes must be positive, got %d", c.Session.ReadChunkBytes))
	}
	if c.Session.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("session.max_message_bytes must be positive, got %d", c.Session.MaxMessageBytes))
	}
	if c.Session.WriteTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.write_timeout_seconds must be positive, got %d", c.Session.WriteTimeoutSeconds))
	}
	if c.Session.DestroyTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("session.destroy_timeout_seconds must be positive, got %d", c.Session.DestroyTimeoutSeconds))
	}

	return errors.Join(errs...)
}

// SandboxCommand is the container's main process, split with shell quoting
// rules.
func (c Config) SandboxCommand() ([]string, error) {
	return splitCommand("sandbox.command", c.Sandbox.Command)
}

// ShellCommand is the interactive process attached to each session.
func (c Config) ShellCommand() ([]string, error) {
	return splitCommand("sandbox.shell", c.Sandbox.Shell)
}

func splitCommand(field, raw string) ([]string, error) {
	args, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", field, raw, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s must not be empty", field)
	}
	return args, nil
}

func (c Config) AutoRemove() bool {
	return c.Sandbox.AutoRemove == nil || *c.Sandbox.AutoRemove
}

func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.Session.WriteTimeoutSeconds) * time.Second
}

func (c Config) DestroyTimeout() time.Duration {
	return time.Duration(c.Session.DestroyTimeoutSeconds) * time.Second
}

// Marshal renders the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// WriteDefault writes the default config to path, refusing to replace an
// existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}

	b, err := Default().Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
