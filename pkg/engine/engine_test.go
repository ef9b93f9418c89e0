package engine

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/durablewasm/pkg/component"
	"github.com/cuemby/durablewasm/pkg/fileloader"
	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/plugins"
	"github.com/cuemby/durablewasm/pkg/promise"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/scheduler"
	"github.com/cuemby/durablewasm/pkg/types"
)

type fakeInstance struct{ id string }

func (f fakeInstance) ID() string { return f.id }

type fakeRuntime struct {
	invokeResult runtime.InvokeResult
	invokeErr    error
	closed       []runtime.Instance
}

func (f *fakeRuntime) Instantiate(ctx context.Context, b []byte) (runtime.Instance, error) {
	return fakeInstance{id: "inst-" + string(b)}, nil
}
func (f *fakeRuntime) ListExports(ctx context.Context, inst runtime.Instance) ([]runtime.ExportedFunction, error) {
	return nil, nil
}
func (f *fakeRuntime) Invoke(ctx context.Context, inst runtime.Instance, name string, args []byte) (runtime.InvokeResult, error) {
	return f.invokeResult, f.invokeErr
}
func (f *fakeRuntime) Close(ctx context.Context, inst runtime.Instance) error {
	f.closed = append(f.closed, inst)
	return nil
}

type testEngine struct {
	engine *Engine
	store  *oplog.BoltStore
	wasm   *fakeRuntime
}

func newTestEngine(t *testing.T, wasm *fakeRuntime) *testEngine {
	t.Helper()
	store, err := oplog.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	db, err := bolt.Open(filepath.Join(t.TempDir(), "metadata.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	comps, err := component.NewService(db)
	require.NoError(t, err)
	proms, err := promise.NewStore(db)
	require.NoError(t, err)
	plugReg, err := plugins.NewRegistry(db)
	require.NoError(t, err)

	loader := fileloader.New(t.TempDir(), func(account, key string) (io.ReadCloser, error) {
		return io.NopCloser(nil), nil
	})

	eng := New(store, wasm, comps, proms, plugReg, loader, nil, types.DefaultRetryConfig(), types.PersistSmart, t.TempDir())
	return &testEngine{engine: eng, store: store, wasm: wasm}
}

func installComponent(t *testing.T, te *testEngine, id types.ComponentId, componentType types.ComponentType) {
	t.Helper()
	ref, err := te.store.Upload([]byte("wasm-bytes"))
	require.NoError(t, err)
	require.NoError(t, te.engine.components.Put("acct", component.Metadata{
		ComponentId:   id,
		Version:       1,
		ComponentType: componentType,
		PayloadRef:    ref,
	}))
}

func TestCreateWorkerLoadsWithoutError(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{invokeResult: runtime.InvokeResult{Kind: runtime.Succeeded}})
	installComponent(t, te, "comp-1", types.ComponentDurable)

	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.ComponentId("comp-1"), owner.WorkerId.ComponentId)

	record, err := te.engine.GetStatus(owner)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, record.Status)
}

func TestInvokeTransitionsRecordStatusToRunning(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{invokeResult: runtime.InvokeResult{Kind: runtime.Succeeded, Output: []byte("ok")}})
	installComponent(t, te, "comp-1", types.ComponentDurable)

	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	_, err = te.engine.Invoke(context.Background(), owner, "run", nil, types.IdempotencyKey{9})
	require.NoError(t, err)

	record, err := te.engine.GetStatus(owner)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, record.Status)
}

func TestCreateWorkerTwiceFails(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{})
	installComponent(t, te, "comp-1", types.ComponentDurable)

	_, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)
	_, err = te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	assert.Error(t, err)
}

func TestInvokeReturnsSuccessfulOutput(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{invokeResult: runtime.InvokeResult{Kind: runtime.Succeeded, Output: []byte("result")}})
	installComponent(t, te, "comp-1", types.ComponentDurable)

	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	out, err := te.engine.Invoke(context.Background(), owner, "run", []byte("args"), types.IdempotencyKey{1})
	require.NoError(t, err)
	assert.Equal(t, "result", string(out))
}

func TestGetResultReturnsOkValueByIdempotencyKey(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{invokeResult: runtime.InvokeResult{Kind: runtime.Succeeded, Output: []byte("foo")}})
	installComponent(t, te, "comp-1", types.ComponentDurable)

	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	key := types.IdempotencyKey{1}
	_, err = te.engine.Invoke(context.Background(), owner, "run", nil, key)
	require.NoError(t, err)

	result, err := te.engine.GetResult(owner, key)
	require.NoError(t, err)
	assert.False(t, result.Pending)
	assert.Nil(t, result.Err)
	assert.Equal(t, "foo", string(result.Ok))
}

func TestGetResultUnknownIdempotencyKeyFails(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{invokeResult: runtime.InvokeResult{Kind: runtime.Succeeded}})
	installComponent(t, te, "comp-1", types.ComponentDurable)

	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	_, err = te.engine.GetResult(owner, types.IdempotencyKey{99})
	assert.Error(t, err)
}

func TestInvokeSurfacesTerminalFailure(t *testing.T) {
	rc := types.RetryConfig{MaxAttempts: 1, Delay: 0, MaxDelay: 0, Multiplier: 1}
	te := newTestEngine(t, &fakeRuntime{})
	te.engine.retryConfig = rc
	te.wasm.invokeResult = runtime.InvokeResult{Kind: runtime.Failed, FailureReason: "bad state"}
	installComponent(t, te, "comp-1", types.ComponentDurable)

	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	_, err = te.engine.Invoke(context.Background(), owner, "run", nil, types.IdempotencyKey{2})
	assert.Error(t, err)
}

func TestInvokeUnknownComponentFails(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{})
	owner := types.OwnedWorkerId{AccountId: "acct", WorkerId: types.WorkerId{ComponentId: "nonexistent", Name: "w"}}
	_, err := te.engine.Invoke(context.Background(), owner, "run", nil, types.IdempotencyKey{1})
	assert.Error(t, err)
}

func TestUpdateJournalsPendingUpdate(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{})
	installComponent(t, te, "comp-1", types.ComponentDurable)
	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	require.NoError(t, te.engine.Update(owner, 2, types.UpdateAuto, "bump version"))

	record, err := te.engine.GetStatus(owner)
	require.NoError(t, err)
	require.Len(t, record.PendingUpdates, 1)
	assert.Equal(t, 2, record.PendingUpdates[0].TargetVersion)
}

func TestSearchOplogFiltersByKind(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{})
	installComponent(t, te, "comp-1", types.ComponentDurable)
	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	require.NoError(t, te.engine.Update(owner, 2, types.UpdateAuto, "bump"))

	results, err := te.engine.SearchOplog(owner, types.INITIAL, OplogQuery{Kind: types.EntryPendingUpdate}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestReadOplogReturnsRequestedRange(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{})
	installComponent(t, te, "comp-1", types.ComponentDurable)
	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	entries, err := te.engine.ReadOplog(owner, types.INITIAL, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, types.EntryCreate, entries[types.INITIAL].Kind)
}

func TestGetStatusUnknownWorkerStillComputesFromOplog(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{})
	owner := types.OwnedWorkerId{AccountId: "acct", WorkerId: types.WorkerId{ComponentId: "comp-1", Name: "never-created"}}
	record, err := te.engine.GetStatus(owner)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLoading, record.Status)
}

func TestShutdownClosesAllLoadedInstances(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{invokeResult: runtime.InvokeResult{Kind: runtime.Succeeded}})
	installComponent(t, te, "comp-1", types.ComponentDurable)
	_, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	require.NoError(t, te.engine.Shutdown(context.Background()))
	assert.Len(t, te.wasm.closed, 1)
}

func TestListDirectoryUnknownWorkerFails(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{})
	owner := types.OwnedWorkerId{AccountId: "acct", WorkerId: types.WorkerId{ComponentId: "comp-1", Name: "never-loaded"}}
	_, err := te.engine.ListDirectory(owner, ".")
	assert.Error(t, err)
}

func TestHandleDispatchesInvokeAction(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{invokeResult: runtime.InvokeResult{Kind: runtime.Succeeded, Output: []byte("ok")}})
	installComponent(t, te, "comp-1", types.ComponentDurable)
	owner, err := te.engine.CreateWorker(context.Background(), "acct", "comp-1", "worker-1")
	require.NoError(t, err)

	err = te.engine.Handle(context.Background(), scheduler.Action{
		Kind: scheduler.ActionInvoke, Owner: owner, FunctionName: "run", IdempotencyKey: types.IdempotencyKey{3},
	})
	assert.NoError(t, err)
}

func TestHandleUnknownActionKindFails(t *testing.T) {
	te := newTestEngine(t, &fakeRuntime{})
	err := te.engine.Handle(context.Background(), scheduler.Action{Kind: "bogus"})
	assert.Error(t, err)
}
