package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/durablewasm/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testOwner() types.OwnedWorkerId {
	return types.OwnedWorkerId{
		AccountId: "acct",
		WorkerId:  types.WorkerId{ComponentId: "comp", Name: "worker-1"},
	}
}

func TestAddAndCommitAssignsSequentialIndices(t *testing.T) {
	store := newTestStore(t)
	owner := testOwner()

	idx1, err := store.AddAndCommit(owner, types.OplogEntry{Kind: types.EntryCreate})
	require.NoError(t, err)
	assert.Equal(t, types.INITIAL, idx1)

	idx2, err := store.AddAndCommit(owner, types.OplogEntry{Kind: types.EntryExited})
	require.NoError(t, err)
	assert.Equal(t, idx1.Next(), idx2)
}

func TestAddBuffersUntilCommit(t *testing.T) {
	store := newTestStore(t)
	owner := testOwner()

	idx, err := store.Add(owner, types.OplogEntry{Kind: types.EntryCreate})
	require.NoError(t, err)
	assert.Equal(t, types.INITIAL, idx)

	last, err := store.GetLastIndex(owner)
	require.NoError(t, err)
	assert.Equal(t, types.NONE, last, "uncommitted entries must not be durable")

	assert.Equal(t, types.INITIAL, store.CurrentOplogIndex(owner), "buffered entries count toward the logical current index")

	require.NoError(t, store.Commit(owner, Always))
	last, err = store.GetLastIndex(owner)
	require.NoError(t, err)
	assert.Equal(t, types.INITIAL, last)
}

func TestReadReturnsOnlyRequestedRange(t *testing.T) {
	store := newTestStore(t)
	owner := testOwner()

	for i := 0; i < 5; i++ {
		_, err := store.AddAndCommit(owner, types.OplogEntry{Kind: types.EntryNoOp})
		require.NoError(t, err)
	}

	entries, err := store.Read(owner, types.INITIAL, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Contains(t, entries, types.OplogIndex(1))
	assert.Contains(t, entries, types.OplogIndex(2))

	all, err := store.Read(owner, types.INITIAL, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestReadUnknownOwnerReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	entries, err := store.Read(testOwner(), types.INITIAL, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	ref, err := store.Upload([]byte("hello durablewasm"))
	require.NoError(t, err)

	data, err := store.Download(ref)
	require.NoError(t, err)
	assert.Equal(t, "hello durablewasm", string(data))
}

func TestUploadDedupesIdenticalContent(t *testing.T) {
	store := newTestStore(t)

	ref1, err := store.Upload([]byte("same bytes"))
	require.NoError(t, err)
	ref2, err := store.Upload([]byte("same bytes"))
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
}

func TestDownloadMissingRefFails(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Download(types.PayloadRef("does-not-exist"))
	assert.Error(t, err)
}

func TestAddExportedFunctionInvokedOffloadsArgs(t *testing.T) {
	store := newTestStore(t)
	owner := testOwner()

	var key types.IdempotencyKey
	idx, err := store.AddExportedFunctionInvoked(owner, "run", []byte(`{"n":1}`), key)
	require.NoError(t, err)
	assert.Equal(t, types.INITIAL, idx)

	entries, err := store.Read(owner, types.INITIAL, 1)
	require.NoError(t, err)
	entry := entries[types.INITIAL]
	assert.Equal(t, types.EntryExportedFunctionInvoked, entry.Kind)
	assert.Equal(t, "run", entry.FunctionName)
	assert.NotEmpty(t, entry.RequestPayloadRef)

	data, err := store.Download(entry.RequestPayloadRef)
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(data))
}
