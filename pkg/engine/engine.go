// Package engine wires C1-C8 and their external collaborators into the
// process-wide surface: invoke, invoke_async, get_result, interrupt,
// update, get_status, read_oplog, search_oplog, list_directory, read_file
// (spec.md §6). Grounded on Manager's "one struct holds every
// collaborator, methods are the public surface" shape.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cuemby/durablewasm/pkg/component"
	"github.com/cuemby/durablewasm/pkg/durability"
	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/fileloader"
	"github.com/cuemby/durablewasm/pkg/invocation"
	"github.com/cuemby/durablewasm/pkg/lifecycle"
	"github.com/cuemby/durablewasm/pkg/log"
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/plugins"
	"github.com/cuemby/durablewasm/pkg/promise"
	"github.com/cuemby/durablewasm/pkg/recovery"
	"github.com/cuemby/durablewasm/pkg/replay"
	"github.com/cuemby/durablewasm/pkg/resource"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/scheduler"
	"github.com/cuemby/durablewasm/pkg/status"
	"github.com/cuemby/durablewasm/pkg/types"
	"github.com/rs/zerolog"
)

// worker bundles one worker's live collaborators once loaded into this
// process.
type worker struct {
	owner types.OwnedWorkerId
	inst  runtime.Instance

	replay    *replay.State
	gateway   *durability.Gateway
	resources *resource.Store
	runner    *invocation.Runner
	lifecycle *lifecycle.StateMachine
	recovery  *recovery.Recovery
	record    *types.WorkerStatusRecord

	sandboxDir string

	mu         sync.Mutex
	cancelCurr context.CancelFunc
}

// Engine is the process-wide orchestrator: the top-level struct every
// transport (CLI, rpc.Server, HTTP façade) calls into.
type Engine struct {
	oplog      oplog.Store
	wasm       runtime.WasmRuntime
	components *component.Service
	promises   *promise.Store
	plugins    *plugins.Registry
	loader     *fileloader.Loader
	scheduler  *scheduler.Scheduler
	status     *status.Aggregator

	retryConfig      types.RetryConfig
	persistenceLevel types.PersistenceLevel
	sandboxRoot      string

	mu      sync.RWMutex
	workers map[string]*worker

	logger zerolog.Logger
}

// New builds an Engine from its collaborators. Callers (cmd/durablewasm)
// construct each collaborator from config and pass them in here.
func New(
	store oplog.Store,
	wasm runtime.WasmRuntime,
	components *component.Service,
	promises *promise.Store,
	pluginRegistry *plugins.Registry,
	loader *fileloader.Loader,
	sched *scheduler.Scheduler,
	retryConfig types.RetryConfig,
	persistenceLevel types.PersistenceLevel,
	sandboxRoot string,
) *Engine {
	e := &Engine{
		oplog:            store,
		wasm:             wasm,
		components:       components,
		promises:         promises,
		plugins:          pluginRegistry,
		loader:           loader,
		scheduler:        sched,
		status:           status.New(store),
		retryConfig:      retryConfig,
		persistenceLevel: persistenceLevel,
		sandboxRoot:      sandboxRoot,
		workers:          make(map[string]*worker),
		logger:           log.WithComponent("engine"),
	}
	return e
}

// Handle implements scheduler.Handler: actions deferred via the scheduler
// re-enter through here when their due time arrives.
func (e *Engine) Handle(ctx context.Context, action scheduler.Action) error {
	switch action.Kind {
	case scheduler.ActionInvoke:
		_, err := e.Invoke(ctx, action.Owner, action.FunctionName, action.Args, action.IdempotencyKey)
		return err
	case scheduler.ActionCompletePromise:
		return e.promises.Complete(promise.Id(action.PromiseId), action.PromiseData)
	case scheduler.ActionArchiveOplog:
		return nil // archival policy is storage-retention, not modeled further here
	default:
		return errors.Errorf("unknown scheduled action kind %q", action.Kind)
	}
}

// CreateWorker instantiates componentID's current version as worker name
// under account, runs C7's boot sequence, and holds the result loaded.
func (e *Engine) CreateWorker(ctx context.Context, account string, componentID types.ComponentId, name string) (types.OwnedWorkerId, error) {
	workerID, err := types.NewWorkerId(componentID, name)
	if err != nil {
		return types.OwnedWorkerId{}, errs.InvalidRequest(err.Error())
	}
	owner := types.OwnedWorkerId{AccountId: types.AccountId(account), WorkerId: workerID}

	e.mu.Lock()
	if _, exists := e.workers[owner.String()]; exists {
		e.mu.Unlock()
		return types.OwnedWorkerId{}, errs.WorkerAlreadyExists(owner.String())
	}
	e.mu.Unlock()

	if _, err := e.oplog.AddAndCommit(owner, types.OplogEntry{Kind: types.EntryCreate}); err != nil {
		return types.OwnedWorkerId{}, errs.WorkerCreationFailed(owner.String(), err.Error())
	}

	if _, err := e.load(ctx, account, owner); err != nil {
		return types.OwnedWorkerId{}, err
	}
	return owner, nil
}

// load instantiates (or re-uses) the in-process worker state for owner,
// downloading the component and running recovery's boot sequence.
func (e *Engine) load(ctx context.Context, account string, owner types.OwnedWorkerId) (*worker, error) {
	e.mu.RLock()
	if w, ok := e.workers[owner.String()]; ok {
		e.mu.RUnlock()
		return w, nil
	}
	e.mu.RUnlock()

	meta, err := e.components.GetMetadata(account, owner.WorkerId.ComponentId, nil)
	if err != nil {
		return nil, errs.ComponentDownloadFailed(string(owner.WorkerId.ComponentId), err.Error())
	}

	componentBytes, err := e.downloadComponent(meta)
	if err != nil {
		return nil, err
	}

	inst, err := e.wasm.Instantiate(ctx, componentBytes)
	if err != nil {
		return nil, errs.WorkerCreationFailed(owner.String(), err.Error())
	}

	sandboxDir := filepath.Join(e.sandboxRoot, strings.ReplaceAll(owner.String(), "/", "_"))
	if err := e.mountFiles(account, meta, sandboxDir); err != nil {
		return nil, err
	}

	lastIdx, err := e.oplog.GetLastIndex(owner)
	if err != nil {
		return nil, errs.FailedToResumeWorker(owner.WorkerId.Name, err)
	}

	rs := replay.NewState(lastIdx)
	gw := durability.New(owner, e.oplog, rs, e.persistenceLevel)
	res := resource.New(owner, e.oplog, rs)
	runner := invocation.New(owner, e.oplog, rs, gw, res, e.wasm)
	sm := lifecycle.New(owner, e.oplog, e.retryConfig)
	rec := recovery.New(owner, e.oplog, rs, gw, res, sm, runner, e.status, e.wasm)

	w := &worker{
		owner:      owner,
		inst:       inst,
		replay:     rs,
		gateway:    gw,
		resources:  res,
		runner:     runner,
		lifecycle:  sm,
		recovery:   rec,
		sandboxDir: sandboxDir,
	}

	record, err := rec.Boot(ctx, inst, meta.ComponentType)
	if err != nil {
		return nil, err
	}
	w.record = record

	e.mu.Lock()
	e.workers[owner.String()] = w
	e.mu.Unlock()
	return w, nil
}

func (e *Engine) downloadComponent(meta component.Metadata) ([]byte, error) {
	ps, ok := e.oplog.(oplog.PayloadStore)
	if !ok {
		return nil, errs.ComponentDownloadFailed(string(meta.ComponentId), "no payload store configured")
	}
	if meta.PayloadRef == "" {
		return nil, errs.ComponentDownloadFailed(string(meta.ComponentId), "component has no uploaded payload")
	}
	return ps.Download(meta.PayloadRef)
}

func (e *Engine) mountFiles(account string, meta component.Metadata, sandboxDir string) error {
	if err := os.MkdirAll(sandboxDir, 0700); err != nil {
		return errs.FileSystemError(sandboxDir, err.Error())
	}
	// The loader joins localPath onto its own root, so hand it a path
	// relative to that root (the worker's directory name), not sandboxDir.
	rel := filepath.Base(sandboxDir)
	for _, f := range meta.Files {
		var err error
		if f.ReadOnly {
			_, err = e.loader.GetReadOnlyTo(account, f.Key, filepath.Join(rel, f.Path))
		} else {
			_, err = e.loader.GetReadWriteTo(account, f.Key, filepath.Join(rel, f.Path))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Invoke implements the core's synchronous invoke operation: drive the
// runner, and on anything but success apply the lifecycle's retry
// decision in a tight local loop (Immediate) or hand off to the scheduler
// (Delayed; ReacquirePermits also unloads the worker first), returning the
// final error once RetryNone is reached.
func (e *Engine) Invoke(ctx context.Context, owner types.OwnedWorkerId, functionName string, args []byte, key types.IdempotencyKey) ([]byte, error) {
	w, err := e.load(ctx, string(owner.AccountId), owner)
	if err != nil {
		return nil, err
	}

	for {
		w.resources.SetCurrentIdempotencyKey(key)
		invokeCtx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancelCurr = cancel
		w.mu.Unlock()

		trap, err := w.runner.Invoke(invokeCtx, w.inst, functionName, args)
		cancel()
		w.resources.ClearCurrentIdempotencyKey()
		if err != nil {
			return nil, err
		}

		if trap.Kind == invocation.TrapSucceeded {
			return trap.Output, nil
		}

		decision, err := w.lifecycle.HandleFailure(trap)
		if err != nil {
			return nil, err
		}

		switch decision.Kind {
		case types.RetryImmediate:
			continue
		case types.RetryDelayed:
			if e.scheduler != nil {
				e.scheduler.Schedule(time.Now().Add(decision.Delay), scheduler.Action{
					Kind: scheduler.ActionInvoke, Owner: owner, FunctionName: functionName, Args: args, IdempotencyKey: key,
				})
			}
			return nil, e.trapError(trap)
		case types.RetryReacquirePermits:
			// Out of memory: unload the worker and schedule the retry, which
			// reloads it through Handle.
			e.mu.Lock()
			delete(e.workers, owner.String())
			e.mu.Unlock()
			_ = e.wasm.Close(ctx, w.inst)
			if e.scheduler != nil {
				e.scheduler.Schedule(time.Now().Add(decision.Delay), scheduler.Action{
					Kind: scheduler.ActionInvoke, Owner: owner, FunctionName: functionName, Args: args, IdempotencyKey: key,
				})
			}
			return nil, e.trapError(trap)
		default:
			return nil, e.trapError(trap)
		}
	}
}

func (e *Engine) trapError(trap invocation.Trap) error {
	if trap.WorkerError != nil {
		return errors.Errorf("invocation failed: %s: %s", trap.WorkerError.Kind, trap.WorkerError.Details)
	}
	return errors.Errorf("invocation ended in trap %s", trap.Kind)
}

// InvokeAsync enqueues functionName(args) against owner and returns a
// promise id resolvable later via GetPromiseResult.
func (e *Engine) InvokeAsync(ctx context.Context, owner types.OwnedWorkerId, functionName string, args []byte, key types.IdempotencyKey) (promise.Id, error) {
	idx := e.oplog.CurrentOplogIndex(owner)
	id, err := e.promises.Create(owner, idx)
	if err != nil {
		return "", err
	}
	e.scheduler.Schedule(time.Now(), scheduler.Action{
		Kind: scheduler.ActionInvoke, Owner: owner, FunctionName: functionName, Args: args, IdempotencyKey: key,
	})
	return id, nil
}

// GetPromiseResult resolves a previously created async-invoke promise.
func (e *Engine) GetPromiseResult(id promise.Id) (promise.Record, error) {
	return e.promises.Get(id)
}

// GetResult implements the core's get_result(worker_id, idempotency_key)
// operation: the tri-state outcome of one tracked invocation (Pending, the
// recorded Ok value, or the recorded Err), read straight off the
// aggregated status record's InvocationResults. Returns
// errs.InvocationResultNotFound when key was never journaled against
// owner as an ExportedFunctionInvoked entry.
func (e *Engine) GetResult(owner types.OwnedWorkerId, key types.IdempotencyKey) (types.InvocationResult, error) {
	record, err := e.GetStatus(owner)
	if err != nil {
		return types.InvocationResult{}, err
	}
	result, ok := record.InvocationResults[key]
	if !ok {
		return types.InvocationResult{}, errs.InvocationResultNotFound(owner.String(), key.String())
	}
	return result, nil
}

// Interrupt cancels the worker's in-flight invocation (if any) and drives
// the lifecycle transition matching kind, mirroring the cooperative
// cancellation model of the invocation runner: the next suspension point
// observes the signal rather than being forced mid-instruction.
func (e *Engine) Interrupt(owner types.OwnedWorkerId, kind runtime.InterruptKind) error {
	e.mu.RLock()
	w, ok := e.workers[owner.String()]
	e.mu.RUnlock()
	if !ok {
		return errs.WorkerNotFound(owner.String())
	}

	w.mu.Lock()
	if w.cancelCurr != nil {
		w.cancelCurr()
	}
	w.mu.Unlock()

	_, err := w.lifecycle.HandleFailure(invocation.Trap{Kind: invocation.TrapInterrupt, InterruptKind: kind})
	return err
}

// Update journals a PendingUpdate intent; finalization happens the next
// time the worker loads (C7), per spec.md §4.7.
func (e *Engine) Update(owner types.OwnedWorkerId, targetVersion int, mode types.UpdateMode, description string) error {
	_, err := e.oplog.AddAndCommit(owner, types.OplogEntry{
		Kind:              types.EntryPendingUpdate,
		TargetVersion:     targetVersion,
		UpdateMode:        mode,
		UpdateDescription: description,
	})
	return err
}

// GetStatus returns the worker's current aggregated status record.
func (e *Engine) GetStatus(owner types.OwnedWorkerId) (*types.WorkerStatusRecord, error) {
	e.mu.RLock()
	w, ok := e.workers[owner.String()]
	e.mu.RUnlock()
	var cached *types.WorkerStatusRecord
	if ok {
		cached = w.record
	}
	return e.status.CalculateLastKnownStatus(owner, cached)
}

// ReadOplog returns up to count decoded entries starting at from.
func (e *Engine) ReadOplog(owner types.OwnedWorkerId, from types.OplogIndex, count int) (map[types.OplogIndex]types.OplogEntry, error) {
	return e.oplog.Read(owner, from, count)
}

// OplogQuery is a simple conjunctive field-match filter over decoded
// entries (spec.md §6: "a simple conjunctive field-match language").
type OplogQuery struct {
	Kind         types.EntryKind // empty matches any kind
	FunctionName string          // empty matches any
}

func (q OplogQuery) matches(e types.OplogEntry) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.FunctionName != "" && e.FunctionName != q.FunctionName {
		return false
	}
	return true
}

// SearchOplog scans forward from index from, returning up to
// count entries matching query, paged by the caller re-issuing with a
// higher "from" derived from the last returned index.
func (e *Engine) SearchOplog(owner types.OwnedWorkerId, from types.OplogIndex, query OplogQuery, count int) (map[types.OplogIndex]types.OplogEntry, error) {
	lastIdx, err := e.oplog.GetLastIndex(owner)
	if err != nil {
		return nil, err
	}
	out := make(map[types.OplogIndex]types.OplogEntry)
	const scanBatch = 256
	idx := from
	for idx <= lastIdx && len(out) < count {
		entries, err := e.oplog.Read(owner, idx, scanBatch)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		for i := idx; i <= lastIdx && len(out) < count; i = i.Next() {
			entry, ok := entries[i]
			if !ok {
				break
			}
			if query.matches(entry) {
				out[i] = entry
			}
			idx = i.Next()
		}
	}
	return out, nil
}

// ListDirectory lists the contents of path inside owner's sandbox.
func (e *Engine) ListDirectory(owner types.OwnedWorkerId, path string) ([]string, error) {
	w, err := e.loadedWorker(owner)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(w.sandboxDir, path)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, errs.FileSystemError(full, err.Error())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// ReadFile reads path inside owner's sandbox.
func (e *Engine) ReadFile(owner types.OwnedWorkerId, path string) ([]byte, error) {
	w, err := e.loadedWorker(owner)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(w.sandboxDir, path)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, errs.FileSystemError(full, err.Error())
	}
	return data, nil
}

func (e *Engine) loadedWorker(owner types.OwnedWorkerId) (*worker, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workers[owner.String()]
	if !ok {
		return nil, errs.WorkerNotFound(owner.String())
	}
	return w, nil
}

// Shutdown tears down every loaded worker's runtime instance and sandbox
// mounts.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, w := range e.workers {
		if err := e.wasm.Close(ctx, w.inst); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.workers = make(map[string]*worker)
	if err := e.loader.ReleaseAll(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
