// Package runtime defines the WasmRuntime collaborator contract (spec.md
// §6) and a containerd-backed implementation. The core treats the runtime
// as an opaque instance factory with two hooks: "invoke export with
// arguments" and "list exports" (spec.md §1 Non-goals) — it never defines
// new WASM execution semantics itself.
package runtime

import "context"

// ExportedFunction describes one export discovered on an instantiated
// component.
type ExportedFunction struct {
	Name       string
	ParamTypes []string
	ResultType string
}

// Instance is an opaque handle to an instantiated WASM component. Its
// concrete shape is owned by the WasmRuntime implementation.
type Instance interface {
	ID() string
}

// OutcomeKind classifies how one invoke() call ended, feeding the
// invocation runner's trap classification (spec.md §4.5).
type OutcomeKind string

const (
	Succeeded OutcomeKind = "succeeded"
	Failed    OutcomeKind = "failed"
	Interrupt OutcomeKind = "interrupt"
	Exit      OutcomeKind = "exit"
)

// InterruptKind subclassifies an Interrupt outcome.
type InterruptKind string

const (
	InterruptSignal  InterruptKind = "interrupt"
	SuspendSignal    InterruptKind = "suspend"
	RestartSignal    InterruptKind = "restart"
	JumpSignal       InterruptKind = "jump"
)

// InvokeResult is the outcome of one WasmRuntime.Invoke call.
type InvokeResult struct {
	Kind InterruptKindWrapper

	Output       []byte
	ConsumedFuel int64

	FailureReason string
	InterruptKind InterruptKind
	ExitCode      int
}

// InterruptKindWrapper is a small rename to keep InvokeResult.Kind reading
// naturally as "result.Kind == runtime.Succeeded" while InterruptKind
// stays its own enum for the Interrupt sub-case.
type InterruptKindWrapper = OutcomeKind

// WasmRuntime is the external collaborator interface consumed by C5 and
// C7: instantiate(component_bytes) -> Instance; list_exports(Instance) ->
// []ExportedFunction; invoke(Instance, name, args) -> InvokeResult.
type WasmRuntime interface {
	Instantiate(ctx context.Context, componentBytes []byte) (Instance, error)
	ListExports(ctx context.Context, inst Instance) ([]ExportedFunction, error)
	Invoke(ctx context.Context, inst Instance, name string, args []byte) (InvokeResult, error)
	Close(ctx context.Context, inst Instance) error
}
