// Package invocation implements C5: drives one WASM call to completion,
// classifies the runtime's outcome into a trap, and records
// success/failure. Grounded on pkg/worker/worker.go's executeContainer
// (pull/create/start, then a monitoring loop that classifies terminal
// container states), restructured here into the spec's fixed
// pre/execute/post phases.
package invocation

import (
	"context"

	"github.com/cuemby/durablewasm/pkg/durability"
	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/log"
	"github.com/cuemby/durablewasm/pkg/metrics"
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/replay"
	"github.com/cuemby/durablewasm/pkg/resource"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/types"
	"github.com/rs/zerolog"
)

// Trap is the classified terminal or transient outcome of one invocation,
// feeding the lifecycle state machine's retry decision (spec.md §4.6).
type Trap struct {
	Kind TrapKind

	Output       []byte
	ConsumedFuel int64

	InterruptKind runtime.InterruptKind
	WorkerError   *types.WorkerError
	ExitCode      int
}

type TrapKind string

const (
	TrapSucceeded TrapKind = "succeeded"
	TrapFailed    TrapKind = "failed"
	TrapInterrupt TrapKind = "interrupt"
	TrapExit      TrapKind = "exit"
)

// Runner drives one export invocation through pre/execute/post.
type Runner struct {
	owner     types.OwnedWorkerId
	oplog     oplog.Store
	replay    *replay.State
	gateway   *durability.Gateway
	resources *resource.Store
	wasm      runtime.WasmRuntime
	logger    zerolog.Logger
}

func New(owner types.OwnedWorkerId, store oplog.Store, rs *replay.State, gw *durability.Gateway, res *resource.Store, wasm runtime.WasmRuntime) *Runner {
	return &Runner{
		owner:     owner,
		oplog:     store,
		replay:    rs,
		gateway:   gw,
		resources: res,
		wasm:      wasm,
		logger:    log.WithWorker(owner.String()),
	}
}

// Invoke runs functionName(args) against inst to completion and returns the
// classified Trap. idempotencyKey must already have been set via
// resource.Store.SetCurrentIdempotencyKey by the caller before invoking in
// live mode (spec.md §4.5 phase 1: "Fail if no idempotency key is set").
func (r *Runner) Invoke(ctx context.Context, inst runtime.Instance, functionName string, args []byte) (Trap, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InvocationDuration)

	if err := r.pre(functionName, args); err != nil {
		return Trap{}, err
	}

	result, invokeErr := r.wasm.Invoke(ctx, inst, functionName, args)

	trap := classify(result, invokeErr)

	if err := r.post(functionName, trap); err != nil {
		return trap, err
	}

	metrics.InvocationsTotal.WithLabelValues(string(trap.Kind)).Inc()
	return trap, nil
}

// pre implements spec.md §4.5 phase 1: in live mode, journal
// ExportedFunctionInvoked with the encoded arguments and the current
// idempotency key, then commit.
func (r *Runner) pre(functionName string, args []byte) error {
	if !r.replay.IsLive() {
		return nil
	}
	key, ok := r.resources.GetCurrentIdempotencyKey()
	if !ok {
		return errs.InvalidRequest("no idempotency key set for invocation")
	}
	_, err := r.oplog.AddExportedFunctionInvoked(r.owner, functionName, args, key)
	return err
}

func classify(result runtime.InvokeResult, invokeErr error) Trap {
	if invokeErr != nil {
		return Trap{Kind: TrapFailed, WorkerError: &types.WorkerError{Kind: types.ErrOther, Details: invokeErr.Error()}}
	}
	switch result.Kind {
	case runtime.Succeeded:
		return Trap{Kind: TrapSucceeded, Output: result.Output, ConsumedFuel: result.ConsumedFuel}
	case runtime.Interrupt:
		return Trap{Kind: TrapInterrupt, InterruptKind: result.InterruptKind}
	case runtime.Exit:
		return Trap{Kind: TrapExit, ExitCode: result.ExitCode}
	default:
		return Trap{Kind: TrapFailed, WorkerError: &types.WorkerError{Kind: types.ErrOther, Details: result.FailureReason}}
	}
}

// post implements spec.md §4.5 phase 3.
//
// On success in live mode: journal ExportedFunctionCompleted and commit;
// the status aggregator associates the result with the invocation's
// idempotency key when it folds that entry. In replay mode:
// read back the stored ExportedFunctionCompleted and require exact
// equality with the live output; mismatch is a fatal UnexpectedOplogEntry.
//
// On failure the lifecycle state machine (not this package) computes the
// recovery decision and journals the lifecycle entry; post only surfaces
// the classified trap so the caller can drive that decision.
func (r *Runner) post(functionName string, trap Trap) error {
	if trap.Kind != TrapSucceeded {
		return nil
	}

	if r.replay.IsLive() {
		_, err := r.oplog.AddExportedFunctionCompleted(r.owner, trap.Output, trap.ConsumedFuel)
		if err != nil {
			return err
		}
		return nil
	}

	idx := r.replay.GetNextEntry()
	if idx == types.NONE {
		return errs.UnexpectedOplogEntry(string(types.EntryExportedFunctionCompleted), "<end of replay>")
	}
	entries, err := r.oplog.Read(r.owner, idx, 1)
	if err != nil {
		return err
	}
	entry, ok := entries[idx]
	if !ok || entry.Kind != types.EntryExportedFunctionCompleted {
		return errs.UnexpectedOplogEntry(string(types.EntryExportedFunctionCompleted), string(entry.Kind))
	}

	storedOutput, err := downloadIfPayloadStore(r.oplog, entry.ResponsePayloadRef)
	if err != nil {
		return err
	}
	if !bytesEqual(storedOutput, trap.Output) {
		return errs.UnexpectedOplogEntry("matching ExportedFunctionCompleted output", "divergent output")
	}
	return nil
}

func downloadIfPayloadStore(store oplog.Store, ref types.PayloadRef) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	if ps, ok := store.(oplog.PayloadStore); ok {
		return ps.Download(ref)
	}
	return nil, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
