package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildkite/sandterm/internal/backend"
	"github.com/charmbracelet/log"
)

const DefaultDestroyTimeout = 15 * time.Second

// Manager owns the lifecycle of each session: provision a sandbox, attach a
// command channel, bridge it to the client and tear everything down exactly
// once.
type Manager struct {
	Provisioner backend.Provisioner
	// Sandbox is applied to every session; clients cannot influence it.
	Sandbox backend.SandboxConfig
	// Shell is the command attached as the interactive channel.
	Shell  []string
	Bridge *Bridge
	Logger *log.Logger

	DestroyTimeout time.Duration

	// OnTransition observes every session state change.
	OnTransition func(id string, from, to State)
}

// Handle runs one session to completion on conn. It returns nil when the
// session ended normally. Handle never panics; the connection is closed
// before it returns unless the client already went away.
func (m *Manager) Handle(ctx context.Context, conn Connection) (err error) {
	sess := newSession(newSessionID())
	logger := m.logger().With("session_id", sess.ID)
	closeReason := NormalClosure()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
			closeReason = InternalError(err)
			logger.Error("session panicked", "panic", r)
		}
		m.transition(logger, sess, StateClosed)
		if conn.Connected() {
			if closeErr := conn.Close(closeReason); closeErr != nil {
				logger.Debug("close client connection", "error", closeErr)
			}
		}
	}()

	logger.Info("session started")
	if m.Provisioner == nil {
		err = &backend.ProvisioningError{Op: backend.OpCreate, Err: errors.New("no sandbox provisioner configured")}
		closeReason = InternalError(err)
		return err
	}

	cfg := m.Sandbox
	cfg.SessionID = sess.ID
	sandbox, createErr := m.Provisioner.Create(ctx, cfg)
	if createErr == nil && sandbox == nil {
		createErr = errors.New("provisioner returned no sandbox")
	}
	if createErr != nil {
		err = asProvisioningError(backend.OpCreate, createErr)
		closeReason = InternalError(err)
		logger.Error("sandbox provisioning failed", "error", err)
		return err
	}
	logger = logger.With("sandbox_id", sandbox.ID)
	defer m.destroy(ctx, logger, sess, sandbox)

	channel, attachErr := m.Provisioner.OpenCommandChannel(ctx, sandbox, m.Shell)
	if attachErr == nil && channel == nil {
		attachErr = errors.New("provisioner returned no command channel")
	}
	if attachErr != nil {
		err = asProvisioningError(backend.OpAttach, attachErr)
		closeReason = InternalError(err)
		logger.Error("command channel attach failed", "error", err)
		return err
	}
	defer func() {
		_ = channel.Close()
	}()

	m.transition(logger, sess, StateStreaming)
	outcome := m.bridge().Run(ctx, conn, channel)
	logger.Info("session streaming ended",
		"direction", outcome.Direction,
		"outcome", outcome.Kind,
	)
	if outcome.Failed() {
		err = fmt.Errorf("%s relay: %w", outcome.Direction, outcome.Err)
		closeReason = InternalError(err)
		return err
	}
	return nil
}

// destroy is the single release point for a provisioned sandbox. Errors and
// panics are logged and swallowed.
func (m *Manager) destroy(ctx context.Context, logger *log.Logger, sess *Session, sandbox *backend.Sandbox) {
	if sess.State() == StateStreaming {
		m.transition(logger, sess, StateClosing)
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sandbox destroy panicked", "panic", r)
		}
	}()

	destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.destroyTimeout())
	defer cancel()

	if err := m.Provisioner.Destroy(destroyCtx, sandbox); err != nil {
		logger.Warn("sandbox destroy failed", "error", err)
		return
	}
	logger.Debug("sandbox destroyed")
}

func (m *Manager) transition(logger *log.Logger, sess *Session, to State) {
	from := sess.State()
	if err := sess.transition(to); err != nil {
		logger.Warn("session state not changed", "error", err)
		return
	}
	logger.Debug("session state changed", "from", from, "to", to)
	if m.OnTransition != nil {
		m.OnTransition(sess.ID, from, to)
	}
}

func asProvisioningError(op string, err error) error {
	var provErr *backend.ProvisioningError
	if errors.As(err, &provErr) {
		return err
	}
	return &backend.ProvisioningError{Op: op, Err: err}
}

func (m *Manager) bridge() *Bridge {
	if m.Bridge != nil {
		return m.Bridge
	}
	return &Bridge{Logger: m.Logger}
}

func (m *Manager) destroyTimeout() time.Duration {
	if m.DestroyTimeout > 0 {
		return m.DestroyTimeout
	}
	return DefaultDestroyTimeout
}

func (m *Manager) logger() *log.Logger {
	if m.Logger == nil {
		return discardLogger
	}
	return m.Logger
}
