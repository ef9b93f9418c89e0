// Package recovery implements C7: the boot-time resume-replay loop and
// update finalization. Grounded on Manager.Bootstrap/Manager.Join's
// sequential, heavily error-wrapped setup steps and WarrenFSM.Restore's
// "replay persisted state into a fresh in-memory structure" shape.
package recovery

import (
	"context"

	"github.com/cuemby/durablewasm/pkg/durability"
	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/invocation"
	"github.com/cuemby/durablewasm/pkg/lifecycle"
	"github.com/cuemby/durablewasm/pkg/log"
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/replay"
	"github.com/cuemby/durablewasm/pkg/resource"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/status"
	"github.com/cuemby/durablewasm/pkg/types"
	"github.com/rs/zerolog"
)

// wellKnownSnapshotExports is the fixed ordered list of export names the
// finalizer probes for a snapshot-based update's load function (spec.md
// §4.7: "the finalizer SHALL try a fixed ordered list of well-known
// names").
var wellKnownSnapshotExports = []string{
	"load-snapshot",
	"snapshot-load",
	"__load_snapshot",
}

// Recovery drives one worker's boot sequence: compute the retry gate,
// resume replay to the tail of the oplog, then finalize any pending
// update.
type Recovery struct {
	owner     types.OwnedWorkerId
	oplog     oplog.Store
	replay    *replay.State
	gateway   *durability.Gateway
	resources *resource.Store
	lifecycle *lifecycle.StateMachine
	runner    *invocation.Runner
	status    *status.Aggregator
	wasm      runtime.WasmRuntime
	logger    zerolog.Logger
}

func New(
	owner types.OwnedWorkerId,
	store oplog.Store,
	rs *replay.State,
	gw *durability.Gateway,
	res *resource.Store,
	sm *lifecycle.StateMachine,
	runner *invocation.Runner,
	agg *status.Aggregator,
	wasm runtime.WasmRuntime,
) *Recovery {
	return &Recovery{
		owner:     owner,
		oplog:     store,
		replay:    rs,
		gateway:   gw,
		resources: res,
		lifecycle: sm,
		runner:    runner,
		status:    agg,
		wasm:      wasm,
		logger:    log.WithWorker(owner.String()),
	}
}

// Boot runs the full boot sequence of spec.md §4.7 and returns the
// resulting status record.
func (r *Recovery) Boot(ctx context.Context, inst runtime.Instance, componentType types.ComponentType) (*types.WorkerStatusRecord, error) {
	record, err := r.status.CalculateLastKnownStatus(r.owner, nil)
	if err != nil {
		return nil, errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
	}

	retriable, hadError, err := r.lastErrorRetriable()
	if err != nil {
		return nil, errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
	}
	if hadError && !retriable {
		r.logger.Warn().Msg("boot found a non-retriable terminal error, skipping resume")
		return record, nil
	}

	if componentType == types.ComponentEphemeral {
		r.replay.SwitchToLive()
		if _, err := r.oplog.AddAndCommit(r.owner, types.OplogEntry{Kind: types.EntryRestart}); err != nil {
			return nil, errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
		}
		r.lifecycle.EnterRunning()
		record, err = r.status.CalculateLastKnownStatus(r.owner, record)
		if err != nil {
			return nil, errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
		}
		record.Status = r.lifecycle.Status()
		return record, nil
	}

	r.replay.GetOutOfDeletedRegion()
	if err := r.resumeReplayLoop(ctx, inst); err != nil {
		return nil, err
	}

	record, err = r.status.CalculateLastKnownStatus(r.owner, record)
	if err != nil {
		return nil, errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
	}

	if err := r.finalizePendingUpdate(ctx, inst, record); err != nil {
		return nil, err
	}

	r.lifecycle.EnterRunning()
	record, err = r.status.CalculateLastKnownStatus(r.owner, record)
	if err != nil {
		return nil, errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
	}
	record.Status = r.lifecycle.Status()
	return record, nil
}

// lastErrorRetriable implements step 2-3 of spec.md §4.7: find the last
// non-hint entry; if it is an Error, report whether it is retriable.
func (r *Recovery) lastErrorRetriable() (retriable bool, hadError bool, err error) {
	idx, err := r.oplog.GetLastIndex(r.owner)
	if err != nil {
		return false, false, err
	}
	for idx != types.NONE {
		entries, err := r.oplog.Read(r.owner, idx, 1)
		if err != nil {
			return false, false, err
		}
		entry, ok := entries[idx]
		if !ok {
			return false, false, nil
		}
		if entry.IsHint() {
			idx = idx.Previous()
			continue
		}
		if entry.Kind != types.EntryError {
			return false, false, nil
		}
		if entry.WorkerError == nil {
			return true, true, nil
		}
		return entry.WorkerError.Kind != types.ErrInvalidRequest, true, nil
	}
	return false, false, nil
}

// resumeReplayLoop drives the replay cursor to its target by re-invoking
// every ExportedFunctionInvoked boundary found along the way (spec.md
// §4.7 step 5). invocation.Runner.post handles comparing replayed output
// against the ExportedFunctionCompleted entry; resumeReplayLoop only needs
// to react to failures.
func (r *Recovery) resumeReplayLoop(ctx context.Context, inst runtime.Instance) error {
	for r.replay.IsReplay() {
		idx := r.replay.GetNextEntry()
		if idx == types.NONE {
			break
		}
		entries, err := r.oplog.Read(r.owner, idx, 1)
		if err != nil {
			return errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
		}
		entry, ok := entries[idx]
		if !ok {
			return errs.FailedToResumeWorker(r.owner.WorkerId.Name, errs.UnexpectedOplogEntry("any", "<missing>"))
		}
		if entry.IsHint() || entry.Kind != types.EntryExportedFunctionInvoked {
			continue
		}

		r.resources.SetCurrentIdempotencyKey(entry.IdempotencyKey)
		args, err := r.downloadPayload(entry.RequestPayloadRef)
		if err != nil {
			return errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
		}

		trap, err := r.runner.Invoke(ctx, inst, entry.FunctionName, args)
		r.resources.ClearCurrentIdempotencyKey()
		if err != nil {
			return errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
		}

		if trap.Kind == invocation.TrapSucceeded {
			continue
		}

		decision, err := r.lifecycle.HandleFailure(trap)
		if err != nil {
			return errs.FailedToResumeWorker(r.owner.WorkerId.Name, err)
		}
		if decision.Kind == types.RetryNone {
			return errs.FailedToResumeWorker(r.owner.WorkerId.Name, errs.Runtime("resume replay hit a non-retriable trap", nil))
		}
	}
	return nil
}

// finalizePendingUpdate implements spec.md §4.7's update finalization: if
// the resume loop surfaced a still-open PendingUpdate, close it out either
// automatically or via a snapshot-load export call.
func (r *Recovery) finalizePendingUpdate(ctx context.Context, inst runtime.Instance, record *types.WorkerStatusRecord) error {
	if len(record.PendingUpdates) == 0 {
		return nil
	}
	pending := record.PendingUpdates[len(record.PendingUpdates)-1]

	switch pending.Mode {
	case types.UpdateAuto:
		_, err := r.oplog.AddAndCommit(r.owner, types.OplogEntry{
			Kind:             types.EntrySuccessfulUpdate,
			TargetVersion:    pending.TargetVersion,
			NewComponentSize: record.TotalLinearMemorySize,
			NewActivePlugins: record.ActivePlugins,
		})
		return err

	case types.UpdateSnapshotBased:
		return r.finalizeSnapshotUpdate(ctx, inst, pending)

	default:
		return nil
	}
}

func (r *Recovery) finalizeSnapshotUpdate(ctx context.Context, inst runtime.Instance, pending types.PendingUpdate) error {
	exports, err := r.wasm.ListExports(ctx, inst)
	if err != nil {
		return r.failUpdate(pending, "listing exports: "+err.Error())
	}

	var loadFn string
	for _, name := range wellKnownSnapshotExports {
		for _, e := range exports {
			if e.Name == name {
				loadFn = name
				break
			}
		}
		if loadFn != "" {
			break
		}
	}
	if loadFn == "" {
		return r.failUpdate(pending, "no load-snapshot export found")
	}

	snapshotBytes, err := r.downloadPayload(pending.SnapshotRef)
	if err != nil {
		return r.failUpdate(pending, "downloading snapshot: "+err.Error())
	}

	r.gateway.BeginCallSnapshottingFunction()
	result, err := r.wasm.Invoke(ctx, inst, loadFn, snapshotBytes)
	r.gateway.EndCallSnapshottingFunction()
	if err != nil {
		return r.failUpdate(pending, "invoking load-snapshot: "+err.Error())
	}
	if result.Kind != runtime.Succeeded {
		return r.failUpdate(pending, "load-snapshot trapped or returned an error")
	}

	_, err = r.oplog.AddAndCommit(r.owner, types.OplogEntry{
		Kind:          types.EntrySuccessfulUpdate,
		TargetVersion: pending.TargetVersion,
	})
	return err
}

// failUpdate journals FailedUpdate and returns a FailedToResumeWorker
// error, so the current load fails. It requests no retry; the FailedUpdate
// entry drops the pending update from the status record, so the next load
// of the worker proceeds without it.
func (r *Recovery) failUpdate(pending types.PendingUpdate, details string) error {
	if _, err := r.oplog.AddAndCommit(r.owner, types.OplogEntry{
		Kind:           types.EntryFailedUpdate,
		TargetVersion:  pending.TargetVersion,
		FailureDetails: details,
	}); err != nil {
		return err
	}
	return errs.FailedToResumeWorker(r.owner.WorkerId.Name, errs.Runtime("update finalization failed: "+details, nil))
}

func (r *Recovery) downloadPayload(ref types.PayloadRef) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	ps, ok := r.oplog.(oplog.PayloadStore)
	if !ok {
		return nil, nil
	}
	return ps.Download(ref)
}
