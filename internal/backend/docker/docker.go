// Package docker provisions sandboxes as containers through the docker or
// podman command line.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/buildkite/sandterm/internal/backend"
	"github.com/charmbracelet/log"
	"github.com/creack/pty"
)

const (
	RuntimeAuto   = "auto"
	RuntimeDocker = "docker"
	RuntimePodman = "podman"

	sessionLabel   = "sandterm.session"
	shortIDLength  = 12
	cleanupTimeout = 10 * time.Second
)

type commandRunner func(ctx context.Context, binary string, args ...string) (string, error)

var (
	lookPath = exec.LookPath
	startPTY = pty.Start
)

// Provisioner runs each sandbox as a detached container and attaches to it
// with an interactive exec under a PTY.
type Provisioner struct {
	// Binary is the container CLI to invoke (docker or podman).
	Binary          string
	ContainerPrefix string

	logger *log.Logger
	run    commandRunner
}

// New returns a provisioner that shells out to binary.
func New(binary, containerPrefix string, logger *log.Logger) *Provisioner {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Provisioner{
		Binary:          binary,
		ContainerPrefix: containerPrefix,
		logger:          logger.With("subsystem", "docker"),
		run:             runCommand,
	}
}

// Detect resolves a configured runtime name to a container CLI binary. The
// auto runtime prefers docker and falls back to podman.
func Detect(runtime string) (string, error) {
	switch strings.TrimSpace(runtime) {
	case "", RuntimeAuto:
		for _, candidate := range []string{RuntimeDocker, RuntimePodman} {
			if _, err := lookPath(candidate); err == nil {
				return candidate, nil
			}
		}
		return "", errors.New("neither docker nor podman found in PATH")
	case RuntimeDocker, RuntimePodman:
		if _, err := lookPath(runtime); err != nil {
			return "", fmt.Errorf("%s binary not found in PATH: %w", runtime, err)
		}
		return runtime, nil
	default:
		return "", fmt.Errorf("unsupported sandbox runtime %q (expected auto, docker or podman)", runtime)
	}
}

func runCommand(ctx context.Context, binary string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", commandError(binary, args[0], stderr.String(), err)
	}
	return stdout.String(), nil
}

// goneMarkers are the docker and podman stderr fragments reported when a
// container no longer exists or has already stopped.
var goneMarkers = []string{
	"no such container",
	"no container with name or id",
	"is not running",
}

// commandError wraps a failed CLI invocation, adding backend.ErrSandboxGone
// when stderr says the container is already gone.
func commandError(binary, subcommand, stderr string, err error) error {
	stderr = strings.TrimSpace(stderr)
	lower := strings.ToLower(stderr)
	for _, marker := range goneMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%s %s failed: %s: %w: %w", binary, subcommand, stderr, backend.ErrSandboxGone, err)
		}
	}
	return fmt.Errorf("%s %s failed: %s: %w", binary, subcommand, stderr, err)
}

func (p *Provisioner) Name() string {
	return p.Binary
}

func (p *Provisioner) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilityChannelPTY:        true,
		backend.CapabilitySandboxAutoRemove: true,
	}
}

func (p *Provisioner) containerName(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return p.ContainerPrefix + sessionID
}

func (p *Provisioner) Create(ctx context.Context, cfg backend.SandboxConfig) (*backend.Sandbox, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, &backend.ProvisioningError{Op: backend.OpCreate, Err: errors.New("missing sandbox image")}
	}

	args := []string{"run", "-d", "-i", "-t"}
	if cfg.AutoRemove {
		args = append(args, "--rm")
	}
	name := p.containerName(cfg.SessionID)
	if name != "" {
		args = append(args, "--name", name, "--label", sessionLabel+"="+cfg.SessionID)
	}
	for _, kv := range cfg.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)

	p.logger.Debug("creating sandbox container", "image", cfg.Image, "name", name)
	out, err := p.run(ctx, p.Binary, args...)
	if err != nil {
		p.removeFailedContainer(ctx, name)
		return nil, &backend.ProvisioningError{Op: backend.OpCreate, Err: err}
	}

	id := strings.TrimSpace(out)
	if id == "" {
		p.removeFailedContainer(ctx, name)
		return nil, &backend.ProvisioningError{Op: backend.OpCreate, Err: fmt.Errorf("%s run returned no container id", p.Binary)}
	}
	if len(id) > shortIDLength {
		id = id[:shortIDLength]
	}

	return &backend.Sandbox{
		ID:         id,
		Name:       name,
		Backend:    p.Name(),
		Image:      cfg.Image,
		AutoRemove: cfg.AutoRemove,
	}, nil
}

// removeFailedContainer force-removes a container that a failed run may have
// left behind. It runs even when ctx is already cancelled, since a cancelled
// run can still have started the container.
func (p *Provisioner) removeFailedContainer(ctx context.Context, name string) {
	if name == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if _, err := p.run(cleanupCtx, p.Binary, "rm", "-f", name); err != nil && !isGone(err) {
		p.logger.Warn("failed to remove container after failed create", "name", name, "err", err)
	}
}

// OpenCommandChannel starts an interactive exec in the container. The exec
// client is deliberately not bound to ctx: its lifetime is owned by the
// returned channel.
func (p *Provisioner) OpenCommandChannel(ctx context.Context, sandbox *backend.Sandbox, command []string) (backend.CommandChannel, error) {
	if sandbox == nil || sandbox.ID == "" {
		return nil, &backend.ProvisioningError{Op: backend.OpAttach, Err: errors.New("missing sandbox")}
	}
	if len(command) == 0 {
		return nil, &backend.ProvisioningError{Op: backend.OpAttach, Err: errors.New("missing shell command")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &backend.ProvisioningError{Op: backend.OpAttach, Err: err}
	}

	args := append([]string{"exec", "-i", "-t", sandbox.ID}, command...)
	cmd := exec.Command(p.Binary, args...)
	cmd.Env = os.Environ()

	master, err := startPTY(cmd)
	if err != nil {
		return nil, &backend.ProvisioningError{Op: backend.OpAttach, Err: fmt.Errorf("start %s exec: %w", p.Binary, err)}
	}

	p.logger.Debug("attached command channel", "sandbox_id", sandbox.ID, "command", strings.Join(command, " "))
	return newChannel(master, cmd), nil
}

func (p *Provisioner) Destroy(ctx context.Context, sandbox *backend.Sandbox) error {
	if sandbox == nil || sandbox.ID == "" {
		return nil
	}

	p.logger.Debug("destroying sandbox container", "sandbox_id", sandbox.ID)
	if _, err := p.run(ctx, p.Binary, "kill", sandbox.ID); err != nil && !isGone(err) {
		return fmt.Errorf("kill sandbox %s: %w", sandbox.ID, err)
	}
	if sandbox.AutoRemove {
		return nil
	}
	if _, err := p.run(ctx, p.Binary, "rm", "-f", sandbox.ID); err != nil && !isGone(err) {
		return fmt.Errorf("remove sandbox %s: %w", sandbox.ID, err)
	}
	return nil
}

func isGone(err error) bool {
	return errors.Is(err, backend.ErrSandboxGone)
}

func (p *Provisioner) Doctor(ctx context.Context) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: p.Name()}

	appendCheck := func(name, status, message string) {
		report.Checks = append(report.Checks, backend.DoctorCheck{
			Name:    name,
			Status:  status,
			Message: message,
		})
	}

	if _, err := lookPath(p.Binary); err != nil {
		appendCheck("binary", "fail", fmt.Sprintf("%s binary not found in PATH", p.Binary))
		return report, nil
	}
	appendCheck("binary", "pass", fmt.Sprintf("found %s binary", p.Binary))

	out, err := p.run(ctx, p.Binary, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		appendCheck("daemon", "fail", fmt.Sprintf("%s daemon not reachable: %v", p.Binary, err))
		return report, nil
	}
	appendCheck("daemon", "pass", fmt.Sprintf("%s server version %s", p.Binary, strings.TrimSpace(out)))

	return report, nil
}
