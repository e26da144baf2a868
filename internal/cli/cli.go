package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/buildkite/sandterm/client"
	"github.com/buildkite/sandterm/internal/backend"
	"github.com/buildkite/sandterm/internal/backend/docker"
	"github.com/buildkite/sandterm/internal/controlserver"
	"github.com/buildkite/sandterm/internal/endpoint"
	"github.com/buildkite/sandterm/internal/runtimeconfig"
	"github.com/buildkite/sandterm/internal/session"
	"github.com/buildkite/sandterm/internal/tlsbootstrap"
	"github.com/buildkite/sandterm/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

type runtimeContext struct {
	Stdin      *os.File
	Stdout     *os.File
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	// ConfigErr is set when the config file exists but could not be loaded.
	// Commands that only write files still run.
	ConfigErr error
}

type CLI struct {
	Version kong.VersionFlag `help:"Print the sandterm version and exit"`

	Serve   ServeCommand   `cmd:"" help:"Run the sandterm session server"`
	Console ConsoleCommand `cmd:"" help:"Open an interactive shell in a fresh sandbox"`
	Health  HealthCommand  `cmd:"" help:"Query the server status endpoint"`
	Doctor  DoctorCommand  `cmd:"" help:"Run environment and sandbox runtime diagnostics"`
	Config  ConfigCommand  `cmd:"" help:"Runtime config commands"`
	TLS     TLSCommand     `cmd:"" name:"tls" help:"TLS certificate commands"`
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint (http://host:port, https://host:port, unix://path or tsnet://hostname[:port])"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
	TLSCert  string `name:"tls-cert" help:"Server certificate for https:// endpoints"`
	TLSKey   string `name:"tls-key" help:"Server private key for https:// endpoints"`
}

type ConsoleCommand struct {
	Host     string `help:"Server endpoint (unix://path, http://host:port, or https://host:port)"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`
	TLSCA    string `name:"tls-ca" help:"CA certificate used to verify https:// endpoints"`
}

type HealthCommand struct {
	Host  string `help:"Server endpoint (unix://path, http://host:port, or https://host:port)"`
	TLSCA string `name:"tls-ca" help:"CA certificate used to verify https:// endpoints"`
	JSON  bool   `help:"Print the status record as JSON"`
}

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write the default runtime config"`
}

type ConfigInitCommand struct {
	Path  string `help:"Config path (defaults to $SANDTERM_CONFIG or the XDG config directory)"`
	Force bool   `help:"Overwrite an existing config"`
}

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a local CA and server certificate"`
}

type TLSInitCommand struct {
	Dir   string   `help:"Output directory (defaults to the XDG config tls directory)"`
	Host  []string `help:"Additional server certificate hostnames or IPs"`
	Force bool     `help:"Replace existing certificates"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}

	// newProvisioner resolves the configured container runtime.
	newProvisioner = func(cfg runtimeconfig.Config, logger *log.Logger) (backend.Provisioner, error) {
		binary, err := docker.Detect(cfg.Sandbox.Runtime)
		if err != nil {
			return nil, err
		}
		return docker.New(binary, cfg.Sandbox.ContainerPrefix, logger), nil
	}
)

func newParser(c *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		c,
		kong.Name("sandterm"),
		kong.Description("Interactive shells in disposable container sandboxes, served over WebSocket"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
}

func Run(args []string, version string) error {
	cfg, cfgPath, cfgErr := runtimeconfig.Load()

	runtimeCtx := &runtimeContext{
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		ConfigErr:  cfgErr,
	}

	cli := CLI{}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	if ctx.ConfigErr != nil {
		return ctx.ConfigErr
	}
	cfg := ctx.Config

	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}
	color := shouldUseANSI(ctx.Stderr)
	applyPolishedLoggerStyles(logger, color)

	ep, err := endpoint.ResolveListen(s.Listen, cfg.Listen)
	if err != nil {
		return err
	}
	manager, err := newSessionManager(cfg, logger)
	if err != nil {
		return err
	}

	server := controlserver.New(manager, logger.With("subsystem", "http"), controlserver.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
		WriteTimeout:    cfg.WriteTimeout(),
	})

	if shouldShowStartupHeader(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "sandterm serve",
			Fields: []startupField{
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "sessions", Value: ep.WebSocketURL("/ws")},
				{Key: "runtime", Value: manager.Provisioner.Name()},
				{Key: "image", Value: cfg.Sandbox.Image},
				{Key: "config", Value: ctx.ConfigPath},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, color)
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	serveErr := controlserver.Serve(runCtx, ep, server.Handler(), logger, &controlserver.TLSOptions{
		CertPath: s.TLSCert,
		KeyPath:  s.TLSKey,
	})
	if !server.Drain(cfg.DestroyTimeout()) {
		logger.Warn("timed out waiting for sessions to release their sandboxes", "timeout", cfg.DestroyTimeout())
	}
	return serveErr
}

func newSessionManager(cfg runtimeconfig.Config, logger *log.Logger) (*session.Manager, error) {
	command, err := cfg.SandboxCommand()
	if err != nil {
		return nil, err
	}
	shell, err := cfg.ShellCommand()
	if err != nil {
		return nil, err
	}
	provisioner, err := newProvisioner(cfg, logger)
	if err != nil {
		return nil, err
	}

	sessionLogger := logger.With("subsystem", "session")
	return &session.Manager{
		Provisioner: provisioner,
		Sandbox: backend.SandboxConfig{
			Image:      cfg.Sandbox.Image,
			Command:    command,
			Env:        cfg.Sandbox.Env,
			AutoRemove: cfg.AutoRemove(),
		},
		Shell: shell,
		Bridge: &session.Bridge{
			ReadSize: cfg.Session.ReadChunkBytes,
			Logger:   sessionLogger,
		},
		Logger:         sessionLogger,
		DestroyTimeout: cfg.DestroyTimeout(),
	}, nil
}

func (c *ConsoleCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "client")
	if err != nil {
		return err
	}

	cl, err := client.New(c.Host, client.WithTLS(client.TLSOptions{CAPath: c.TLSCA}))
	if err != nil {
		return err
	}
	logger.Debug("opening interactive session", "endpoint", endpointDisplay(cl.Endpoint()))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := cl.Connect(runCtx)
	if err != nil {
		return fmt.Errorf("console via endpoint %q: %w", cl.Endpoint().Address, err)
	}
	defer sess.Close()

	signalCh := newSignalChannel()
	notifySignals(signalCh, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(signalCh)
	go func() {
		if _, ok := <-signalCh; ok {
			cancel()
		}
	}()

	stdinFD := int(ctx.Stdin.Fd())
	if term.IsTerminal(stdinFD) {
		oldState, rawErr := term.MakeRaw(stdinFD)
		if rawErr != nil {
			logger.Warn("failed to enter raw mode", "error", rawErr)
		} else {
			err = runConsole(runCtx, sess, ctx.Stdin, ctx.Stdout)
			_ = term.Restore(stdinFD, oldState)
			return reportConsoleResult(logger, err)
		}
	}
	return reportConsoleResult(logger, runConsole(runCtx, sess, ctx.Stdin, ctx.Stdout))
}

type consoleSession interface {
	Send(ctx context.Context, text string) error
	Receive(ctx context.Context) (string, error)
}

// runConsole pumps stdin into the session and session output to stdout
// until the server closes the session or ctx is cancelled.
func runConsole(ctx context.Context, sess consoleSession, stdin io.Reader, stdout io.Writer) error {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := stdin.Read(buf)
			if n > 0 {
				if sendErr := sess.Send(ctx, string(buf[:n])); sendErr != nil {
					return
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	for {
		text, err := sess.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if _, err := io.WriteString(stdout, text); err != nil {
			return err
		}
	}
}

func reportConsoleResult(logger *log.Logger, err error) error {
	var closeErr *client.CloseError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &closeErr) && !closeErr.Failed():
		logger.Debug("session closed", "reason", closeErr.Reason)
		return nil
	case errors.As(err, &closeErr):
		logger.Error("session failed", "code", closeErr.Code, "reason", closeErr.Reason)
		return exitCodeError{code: 1}
	default:
		return fmt.Errorf("console: %w", err)
	}
}

func (h *HealthCommand) Run(ctx *runtimeContext) error {
	cl, err := client.New(h.Host, client.WithTLS(client.TLSOptions{CAPath: h.TLSCA}))
	if err != nil {
		return err
	}
	status, err := cl.Health(context.Background())
	if err != nil {
		return fmt.Errorf("health via endpoint %q: %w", cl.Endpoint().Address, err)
	}

	if h.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return err
		}
	} else if _, err := fmt.Fprintf(ctx.Stdout, "%s: %s\n", status.Status, status.Message); err != nil {
		return err
	}
	if !status.Online() {
		return exitCodeError{code: 1}
	}
	return nil
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	checks := []backend.DoctorCheck{}
	runtimeName := ctx.Config.Sandbox.Runtime

	if ctx.ConfigErr != nil {
		checks = append(checks, backend.DoctorCheck{
			Name:    "runtime_config",
			Status:  "fail",
			Message: ctx.ConfigErr.Error(),
		})
	} else {
		checks = append(checks, backend.DoctorCheck{
			Name:    "runtime_config",
			Status:  "pass",
			Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath),
		})

		provisioner, err := newProvisioner(ctx.Config, nil)
		if err != nil {
			checks = append(checks, backend.DoctorCheck{Name: "runtime", Status: "fail", Message: err.Error()})
		} else {
			runtimeName = provisioner.Name()
			checks = append(checks, backend.DoctorCheck{
				Name:    "runtime",
				Status:  "pass",
				Message: fmt.Sprintf("selected sandbox runtime %s", runtimeName),
			})
			checks = append(checks, provisionerChecks(provisioner)...)
		}
	}

	if d.JSON {
		payload := map[string]any{
			"runtime": runtimeName,
			"checks":  checks,
		}
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			return err
		}
	} else if _, err := io.WriteString(ctx.Stdout, renderDoctorReport(runtimeName, checks, shouldUseANSI(ctx.Stdout))); err != nil {
		return err
	}

	if hasFailedCheck(checks) {
		return exitCodeError{code: 1}
	}
	return nil
}

func provisionerChecks(p backend.Provisioner) []backend.DoctorCheck {
	var checks []backend.DoctorCheck

	caps := backend.CapabilitiesFor(p)
	enabled := make([]string, 0, len(caps))
	for _, key := range backend.SortedCapabilityKeys(caps) {
		if caps[key] {
			enabled = append(enabled, key)
		}
	}
	checks = append(checks, backend.DoctorCheck{
		Name:    "capabilities",
		Status:  "pass",
		Message: strings.Join(enabled, ", "),
	})

	checker, ok := p.(backend.DoctorChecker)
	if !ok {
		return append(checks, backend.DoctorCheck{
			Name:    "runtime_doctor",
			Status:  "warn",
			Message: "selected runtime does not expose doctor diagnostics",
		})
	}
	report, err := checker.Doctor(context.Background())
	if err != nil {
		return append(checks, backend.DoctorCheck{Name: "runtime_doctor", Status: "fail", Message: err.Error()})
	}
	return append(checks, report.Checks...)
}

func hasFailedCheck(checks []backend.DoctorCheck) bool {
	for _, check := range checks {
		if normalizeDoctorStatus(check.Status) == "fail" {
			return true
		}
	}
	return false
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := strings.TrimSpace(c.Path)
	if path == "" {
		resolved, err := runtimeconfig.Path()
		if err != nil {
			return err
		}
		path = resolved
	}
	if err := runtimeconfig.WriteDefault(path, c.Force); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote runtime config %s\n", path)
	return err
}

func (t *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := strings.TrimSpace(t.Dir)
	if dir == "" {
		layout, err := tlsconfig.DefaultLayout()
		if err != nil {
			return err
		}
		dir = layout.Dir
	}
	if err := tlsbootstrap.Init(dir, t.Force, t.Host); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote CA and server certificate to %s\n", dir)
	return err
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
