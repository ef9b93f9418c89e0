package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cuemby/durablewasm/pkg/log"
)

const (
	// DefaultNamespace scopes every container this process creates,
	// exactly as pkg/runtime/containerd.go's DefaultNamespace="warren"
	// scoped Warren's containers.
	DefaultNamespace = "durablewasm"

	// DefaultSocketPath is containerd's default control socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultRuntimeHandler selects a WASM-enabled containerd shim (e.g.
	// a wasmtime/wasmedge runtime handler registered with the daemon).
	// The core never depends on which shim is configured; it only relies
	// on the exit-code convention below.
	DefaultRuntimeHandler = "io.containerd.wasmedge.v1"
)

// Exit code convention between this runtime adapter and the guest
// component's entrypoint shim. This is an integration detail of this
// particular WasmRuntime implementation, not part of the core's contract:
// the core only ever sees the resulting InvokeResult.
const (
	exitSucceeded       = 0
	exitFailed          = 1
	exitInterruptSignal = 13
	exitSuspendSignal   = 10
	exitRestartSignal   = 11
	exitJumpSignal      = 12
	exitExit            = 20
)

// ContainerdRuntime implements WasmRuntime by running each instantiated
// component as a short-lived containerd task under a WASM-enabled runtime
// handler, passing the export name and JSON-encoded arguments via argv and
// reading the JSON-encoded result from the task's stdout. Grounded on
// pkg/runtime/containerd.go's Create/Start/Wait/Delete container lifecycle,
// generalized from long-lived service containers to one task per invoke.
type ContainerdRuntime struct {
	client           *containerd.Client
	namespace        string
	runtime          string
	workDir          string
	memoryLimitBytes int64
	logger           zerolog.Logger
}

// NewContainerdRuntime dials the containerd socket and prepares a working
// directory for component bundles. memoryLimitBytes bounds each per-invoke
// task's linear memory via the OCI spec's cgroup memory limit, the same
// way pkg/runtime/containerd.go's CreateContainer applies CPU/memory OCI
// spec opts; 0 means unbounded.
func NewContainerdRuntime(socketPath, workDir, runtimeHandler string, memoryLimitBytes int64) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if runtimeHandler == "" {
		runtimeHandler = DefaultRuntimeHandler
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to containerd at %s", socketPath)
	}
	if err := os.MkdirAll(workDir, 0700); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "creating runtime work dir")
	}
	return &ContainerdRuntime{
		client:           client,
		namespace:        DefaultNamespace,
		runtime:          runtimeHandler,
		workDir:          workDir,
		memoryLimitBytes: memoryLimitBytes,
		logger:           log.WithComponent("runtime"),
	}, nil
}

// withMemoryLimit sets the Linux cgroup memory limit on the OCI spec, or
// is a no-op when limitBytes <= 0.
func withMemoryLimit(limitBytes int64) oci.SpecOpts {
	return func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
		if limitBytes <= 0 {
			return nil
		}
		if s.Linux == nil {
			s.Linux = &specs.Linux{}
		}
		if s.Linux.Resources == nil {
			s.Linux.Resources = &specs.LinuxResources{}
		}
		if s.Linux.Resources.Memory == nil {
			s.Linux.Resources.Memory = &specs.LinuxMemory{}
		}
		s.Linux.Resources.Memory.Limit = &limitBytes
		return nil
	}
}

// Shutdown tears down the containerd client connection itself, as opposed
// to Close which tears down one component instance.
func (r *ContainerdRuntime) Shutdown() error {
	return r.client.Close()
}

func (r *ContainerdRuntime) ctx() context.Context {
	return namespaces.WithNamespace(context.Background(), r.namespace)
}

type componentInstance struct {
	id            string
	componentPath string
}

func (i *componentInstance) ID() string { return i.id }

// Instantiate materializes the component bytes onto disk as a bundle this
// adapter can exec. Real WASM instantiation (linking, validating exports)
// happens lazily on first Invoke/ListExports inside the guest shim; this
// mirrors the containerd pattern of "create" being cheap and "start" doing
// the heavy lifting.
func (r *ContainerdRuntime) Instantiate(ctx context.Context, componentBytes []byte) (Instance, error) {
	id := uuid.New().String()
	dir := filepath.Join(r.workDir, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating component bundle dir")
	}
	path := filepath.Join(dir, "component.wasm")
	if err := os.WriteFile(path, componentBytes, 0600); err != nil {
		return nil, errors.Wrap(err, "writing component bytes")
	}
	return &componentInstance{id: id, componentPath: path}, nil
}

func (r *ContainerdRuntime) Close(ctx context.Context, inst Instance) error {
	ci, ok := inst.(*componentInstance)
	if !ok {
		return errors.Errorf("unknown instance type %T", inst)
	}
	return os.RemoveAll(filepath.Dir(ci.componentPath))
}

// ListExports asks the guest shim to self-describe via a well-known
// "--list-exports" invocation and decodes its JSON stdout.
func (r *ContainerdRuntime) ListExports(ctx context.Context, inst Instance) ([]ExportedFunction, error) {
	ci, ok := inst.(*componentInstance)
	if !ok {
		return nil, errors.Errorf("unknown instance type %T", inst)
	}
	stdout, _, exitCode, err := r.run(ctx, ci, "--list-exports", nil)
	if err != nil {
		return nil, err
	}
	if exitCode != exitSucceeded {
		return nil, errors.Errorf("list-exports failed with exit code %d", exitCode)
	}
	var exports []ExportedFunction
	if err := json.Unmarshal(stdout, &exports); err != nil {
		return nil, errors.Wrap(err, "decoding exported function list")
	}
	return exports, nil
}

// Invoke runs the component once, passing the export name and base64'd
// argument bytes, and classifies the outcome by exit code.
func (r *ContainerdRuntime) Invoke(ctx context.Context, inst Instance, name string, args []byte) (InvokeResult, error) {
	ci, ok := inst.(*componentInstance)
	if !ok {
		return InvokeResult{}, errors.Errorf("unknown instance type %T", inst)
	}

	encodedArgs := base64.StdEncoding.EncodeToString(args)
	stdout, stderr, exitCode, err := r.run(ctx, ci, "--invoke", []string{name, encodedArgs})
	if err != nil {
		return InvokeResult{}, err
	}

	switch exitCode {
	case exitSucceeded:
		return InvokeResult{Kind: Succeeded, Output: stdout}, nil
	case exitInterruptSignal:
		return InvokeResult{Kind: Interrupt, InterruptKind: InterruptSignal}, nil
	case exitSuspendSignal:
		return InvokeResult{Kind: Interrupt, InterruptKind: SuspendSignal}, nil
	case exitRestartSignal:
		return InvokeResult{Kind: Interrupt, InterruptKind: RestartSignal}, nil
	case exitJumpSignal:
		return InvokeResult{Kind: Interrupt, InterruptKind: JumpSignal}, nil
	case exitExit:
		return InvokeResult{Kind: Exit, ExitCode: exitCode}, nil
	default:
		return InvokeResult{Kind: Failed, FailureReason: string(stderr)}, nil
	}
}

// run creates a short-lived container+task for one exec of the component
// binary, waits for it to exit, and returns its captured stdout/stderr and
// exit code.
func (r *ContainerdRuntime) run(ctx context.Context, ci *componentInstance, mode string, extra []string) ([]byte, []byte, int, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	containerID := fmt.Sprintf("%s-%s", ci.id, uuid.New().String()[:8])

	args := append([]string{ci.componentPath, mode}, extra...)

	container, err := r.client.NewContainer(ctx, containerID,
		containerd.WithRuntime(r.runtime, nil),
		containerd.WithNewSpec(
			oci.WithDefaultSpec(),
			oci.WithProcessArgs(args...),
			withMemoryLimit(r.memoryLimitBytes),
		),
	)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "creating runtime task container")
	}
	defer container.Delete(ctx, containerd.WithSnapshotCleanup)

	var stdout, stderr bytes.Buffer
	task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "creating runtime task")
	}
	defer task.Delete(ctx)

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return nil, nil, 0, errors.Wrap(err, "waiting on runtime task")
	}
	if err := task.Start(ctx); err != nil {
		return nil, nil, 0, errors.Wrap(err, "starting runtime task")
	}

	status := <-exitCh
	return stdout.Bytes(), stderr.Bytes(), int(status.ExitCode()), status.Error()
}
