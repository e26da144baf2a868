package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
)

const (
	CapabilityChannelPTY        = "channel.pty"
	CapabilitySandboxAutoRemove = "sandbox.auto_remove"
	CapabilityDoctor            = "doctor"
)

var knownCapabilityKeys = []string{
	CapabilityChannelPTY,
	CapabilitySandboxAutoRemove,
	CapabilityDoctor,
}

// ErrSandboxGone reports that the runtime no longer knows about a sandbox.
// Destroy implementations translate it to a nil return.
var ErrSandboxGone = errors.New("sandbox is already gone")

// Provisioner creates sandboxes, attaches interactive command channels to
// them and destroys them. Implementations must be safe for concurrent use by
// independent sessions.
type Provisioner interface {
	Name() string
	Create(ctx context.Context, cfg SandboxConfig) (*Sandbox, error)
	OpenCommandChannel(ctx context.Context, sandbox *Sandbox, command []string) (CommandChannel, error)
	// Destroy is best-effort. A sandbox that has already disappeared is not
	// an error.
	Destroy(ctx context.Context, sandbox *Sandbox) error
}

// CommandChannel is the combined input/output byte stream of the sandbox's
// interactive process. Read returns io.EOF once the process has exited.
// Close must be idempotent and must unblock pending reads and writes.
type CommandChannel interface {
	io.ReadWriteCloser
}

// CapabilityReporter allows provisioners to publish backend-specific
// capability flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

// DoctorChecker is implemented by provisioners that can diagnose the host
// runtime they depend on.
type DoctorChecker interface {
	Doctor(ctx context.Context) (*DoctorReport, error)
}

// CapabilitiesFor returns a merged capability map for the provisioner.
func CapabilitiesFor(p Provisioner) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}

	if p == nil {
		return caps
	}
	if _, ok := p.(DoctorChecker); ok {
		caps[CapabilityDoctor] = true
	}

	if reporter, ok := p.(CapabilityReporter); ok {
		for key, value := range reporter.Capabilities() {
			caps[key] = value
		}
	}

	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SandboxConfig is the fixed, server-side description of every sandbox. It
// is never taken from the client.
type SandboxConfig struct {
	// SessionID names the sandbox after the session that owns it.
	SessionID  string
	Image      string
	Command    []string
	Env        []string
	AutoRemove bool
}

// Sandbox is the ownership token for a running sandbox.
type Sandbox struct {
	ID      string
	Name    string
	Backend string
	Image   string

	// AutoRemove records that the runtime deletes the sandbox once it stops.
	AutoRemove bool
}

// ProvisioningError reports that a sandbox could not be created or that the
// command channel could not be attached.
type ProvisioningError struct {
	Op  string // create|attach
	Err error
}

const (
	OpCreate = "create"
	OpAttach = "attach"
)

func (e *ProvisioningError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s sandbox failed", e.Op)
	}
	return fmt.Sprintf("%s sandbox: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// IsProvisioningError reports whether err carries a *ProvisioningError.
func IsProvisioningError(err error) bool {
	var provErr *ProvisioningError
	return errors.As(err, &provErr)
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}
