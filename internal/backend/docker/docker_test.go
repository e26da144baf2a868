package docker

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/buildkite/sandterm/internal/backend"
	"golang.org/x/sys/unix"
)

type recordedCall struct {
	binary string
	args   []string
	ctxErr error
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []recordedCall
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) run(ctx context.Context, binary string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{binary: binary, args: append([]string(nil), args...), ctxErr: ctx.Err()})
	return f.outputs[args[0]], f.errs[args[0]]
}

func newTestProvisioner(runner *fakeRunner) *Provisioner {
	p := New("docker", "sandterm-", nil)
	p.run = runner.run
	return p
}

func TestCreateRunsDetachedInteractiveContainer(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string]string{"run": "0123456789abcdef0123\n"}}
	p := newTestProvisioner(runner)

	sandbox, err := p.Create(context.Background(), backend.SandboxConfig{
		SessionID:  "sess_abc",
		Image:      "ubuntu:latest",
		Command:    []string{"/bin/bash"},
		Env:        []string{"LANG=C.UTF-8"},
		AutoRemove: true,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	wantArgs := []string{
		"run", "-d", "-i", "-t", "--rm",
		"--name", "sandterm-sess_abc",
		"--label", "sandterm.session=sess_abc",
		"-e", "LANG=C.UTF-8",
		"ubuntu:latest", "/bin/bash",
	}
	if got := runner.calls[0].args; !reflect.DeepEqual(got, wantArgs) {
		t.Fatalf("unexpected run args: got %v want %v", got, wantArgs)
	}
	if got, want := sandbox.ID, "0123456789ab"; got != want {
		t.Fatalf("unexpected sandbox id: got %q want %q", got, want)
	}
	if got, want := sandbox.Name, "sandterm-sess_abc"; got != want {
		t.Fatalf("unexpected sandbox name: got %q want %q", got, want)
	}
	if !sandbox.AutoRemove {
		t.Fatal("expected sandbox to record auto remove")
	}
}

func TestCreateFailureIsProvisioningError(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{errs: map[string]error{"run": errors.New("docker run failed: pull access denied")}}
	p := newTestProvisioner(runner)

	_, err := p.Create(context.Background(), backend.SandboxConfig{Image: "missing:latest"})
	var provErr *backend.ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if got, want := provErr.Op, backend.OpCreate; got != want {
		t.Fatalf("unexpected op: got %q want %q", got, want)
	}
	if got, want := len(runner.calls), 1; got != want {
		t.Fatalf("unnamed container should not be cleaned up: got %d calls want %d", got, want)
	}
}

func TestCreateRemovesContainerWhenRunIsCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := &fakeRunner{errs: map[string]error{"run": context.Canceled}}
	p := newTestProvisioner(runner)

	_, err := p.Create(ctx, backend.SandboxConfig{SessionID: "sess_abc", Image: "ubuntu:latest"})
	if !backend.IsProvisioningError(err) {
		t.Fatalf("expected provisioning error, got %v", err)
	}
	if got, want := len(runner.calls), 2; got != want {
		t.Fatalf("unexpected call count: got %d want %d", got, want)
	}
	cleanup := runner.calls[1]
	if got, want := cleanup.args, []string{"rm", "-f", "sandterm-sess_abc"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected cleanup args: got %v want %v", got, want)
	}
	if cleanup.ctxErr != nil {
		t.Fatalf("cleanup ran with a cancelled context: %v", cleanup.ctxErr)
	}
}

func TestCreateRemovesContainerWhenRunReturnsNoID(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string]string{"run": ""}}
	p := newTestProvisioner(runner)

	if _, err := p.Create(context.Background(), backend.SandboxConfig{SessionID: "sess_xyz", Image: "ubuntu:latest"}); err == nil {
		t.Fatal("expected error for empty container id")
	}
	if got, want := strings.Join(runner.calls[len(runner.calls)-1].args, " "), "rm -f sandterm-sess_xyz"; got != want {
		t.Fatalf("unexpected cleanup args: got %q want %q", got, want)
	}
}

func TestCreateRejectsEmptyContainerID(t *testing.T) {
	t.Parallel()

	p := newTestProvisioner(&fakeRunner{outputs: map[string]string{"run": "  \n"}})
	if _, err := p.Create(context.Background(), backend.SandboxConfig{Image: "ubuntu:latest"}); !backend.IsProvisioningError(err) {
		t.Fatalf("expected provisioning error for empty id, got %v", err)
	}
}

func TestDestroyKillsAndRemovesWhenNotAutoRemoved(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	p := newTestProvisioner(runner)

	if err := p.Destroy(context.Background(), &backend.Sandbox{ID: "abc"}); err != nil {
		t.Fatalf("Destroy returned error: %v", err)
	}
	if got, want := len(runner.calls), 2; got != want {
		t.Fatalf("unexpected call count: got %d want %d", got, want)
	}
	if got, want := strings.Join(runner.calls[1].args, " "), "rm -f abc"; got != want {
		t.Fatalf("unexpected remove args: got %q want %q", got, want)
	}
}

func TestDestroyTreatsMissingContainerAsSuccess(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{errs: map[string]error{
		"kill": commandError("docker", "kill", "Error response from daemon: No such container: abc", errors.New("exit status 1")),
	}}
	p := newTestProvisioner(runner)

	if err := p.Destroy(context.Background(), &backend.Sandbox{ID: "abc", AutoRemove: true}); err != nil {
		t.Fatalf("expected missing container to be ignored, got %v", err)
	}
	if got, want := len(runner.calls), 1; got != want {
		t.Fatalf("unexpected call count: got %d want %d", got, want)
	}
}

func TestCommandErrorClassifiesGoneContainers(t *testing.T) {
	t.Parallel()

	exitErr := errors.New("exit status 1")
	tests := []struct {
		name   string
		stderr string
		gone   bool
	}{
		{name: "docker missing", stderr: "Error response from daemon: No such container: abc", gone: true},
		{name: "podman missing", stderr: "Error: no container with name or ID \"abc\" found: no such container", gone: true},
		{name: "already stopped", stderr: "Error response from daemon: Container abc is not running", gone: true},
		{name: "daemon down", stderr: "Cannot connect to the Docker daemon", gone: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := commandError("docker", "kill", tc.stderr, exitErr)
			if got := errors.Is(err, backend.ErrSandboxGone); got != tc.gone {
				t.Fatalf("errors.Is(ErrSandboxGone) = %v, want %v (err=%v)", got, tc.gone, err)
			}
			if !errors.Is(err, exitErr) {
				t.Fatalf("expected underlying error to stay wrapped: %v", err)
			}
		})
	}
}

func TestDestroyReportsOtherFailures(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{errs: map[string]error{"kill": errors.New("daemon unreachable")}}
	p := newTestProvisioner(runner)

	if err := p.Destroy(context.Background(), &backend.Sandbox{ID: "abc"}); err == nil {
		t.Fatal("expected destroy error")
	}
}

func TestOpenCommandChannelStartsExecUnderPTY(t *testing.T) {
	p := newTestProvisioner(&fakeRunner{})

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("create pipe: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	var started *exec.Cmd
	prev := startPTY
	startPTY = func(cmd *exec.Cmd) (*os.File, error) {
		started = cmd
		return r, nil
	}
	t.Cleanup(func() { startPTY = prev })

	ch, err := p.OpenCommandChannel(context.Background(), &backend.Sandbox{ID: "abc"}, []string{"/bin/bash", "-l"})
	if err != nil {
		t.Fatalf("OpenCommandChannel returned error: %v", err)
	}
	defer ch.Close()

	if got, want := started.Args, []string{"docker", "exec", "-i", "-t", "abc", "/bin/bash", "-l"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected exec args: got %v want %v", got, want)
	}
}

func TestOpenCommandChannelWrapsStartFailure(t *testing.T) {
	p := newTestProvisioner(&fakeRunner{})

	prev := startPTY
	startPTY = func(*exec.Cmd) (*os.File, error) { return nil, errors.New("no pty available") }
	t.Cleanup(func() { startPTY = prev })

	_, err := p.OpenCommandChannel(context.Background(), &backend.Sandbox{ID: "abc"}, []string{"/bin/bash"})
	var provErr *backend.ProvisioningError
	if !errors.As(err, &provErr) || provErr.Op != backend.OpAttach {
		t.Fatalf("expected attach provisioning error, got %v", err)
	}
}

type eioMaster struct {
	reads  int
	closed int
}

func (m *eioMaster) Read(p []byte) (int, error) {
	m.reads++
	if m.reads == 1 {
		return copy(p, "bye\r\n"), nil
	}
	return 0, &fs.PathError{Op: "read", Path: "/dev/ptmx", Err: unix.EIO}
}

func (m *eioMaster) Write(p []byte) (int, error) { return len(p), nil }

func (m *eioMaster) Close() error {
	m.closed++
	return nil
}

func TestChannelMapsEIOToEOF(t *testing.T) {
	t.Parallel()

	master := &eioMaster{}
	ch := newChannel(master, nil)

	data, err := io.ReadAll(ch)
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if got, want := string(data), "bye\r\n"; got != want {
		t.Fatalf("unexpected output: got %q want %q", got, want)
	}
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	master := &eioMaster{}
	ch := newChannel(master, nil)

	for i := 0; i < 3; i++ {
		if err := ch.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
	}
	if got, want := master.closed, 1; got != want {
		t.Fatalf("unexpected close count: got %d want %d", got, want)
	}
}

func TestDetectPrefersDocker(t *testing.T) {
	prev := lookPath
	lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	t.Cleanup(func() { lookPath = prev })

	got, err := Detect(RuntimeAuto)
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if want := RuntimeDocker; got != want {
		t.Fatalf("unexpected runtime: got %q want %q", got, want)
	}
}

func TestDetectFallsBackToPodman(t *testing.T) {
	prev := lookPath
	lookPath = func(file string) (string, error) {
		if file == RuntimePodman {
			return "/usr/bin/podman", nil
		}
		return "", exec.ErrNotFound
	}
	t.Cleanup(func() { lookPath = prev })

	got, err := Detect("")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if want := RuntimePodman; got != want {
		t.Fatalf("unexpected runtime: got %q want %q", got, want)
	}
}

func TestDetectRejectsUnknownRuntime(t *testing.T) {
	t.Parallel()

	if _, err := Detect("containerd"); err == nil {
		t.Fatal("expected unsupported runtime error")
	}
}

func TestDoctorReportsDaemonFailure(t *testing.T) {
	prev := lookPath
	lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	t.Cleanup(func() { lookPath = prev })

	runner := &fakeRunner{errs: map[string]error{"version": errors.New("Cannot connect to the Docker daemon")}}
	p := newTestProvisioner(runner)

	report, err := p.Doctor(context.Background())
	if err != nil {
		t.Fatalf("Doctor returned error: %v", err)
	}
	if got, want := len(report.Checks), 2; got != want {
		t.Fatalf("unexpected check count: got %d want %d", got, want)
	}
	if got, want := report.Checks[1].Status, "fail"; got != want {
		t.Fatalf("unexpected daemon status: got %q want %q", got, want)
	}
}

func TestProvisionerReportsCapabilities(t *testing.T) {
	t.Parallel()

	caps := backend.CapabilitiesFor(New("docker", "", nil))
	for _, key := range []string{backend.CapabilityChannelPTY, backend.CapabilitySandboxAutoRemove, backend.CapabilityDoctor} {
		if !caps[key] {
			t.Fatalf("expected %s=true", key)
		}
	}
}
