package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/replay"
	"github.com/cuemby/durablewasm/pkg/types"
)

func newTestFixture(t *testing.T) (*Store, oplog.Store, *replay.State, types.OwnedWorkerId) {
	t.Helper()
	store, err := oplog.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	owner := types.OwnedWorkerId{AccountId: "acct", WorkerId: types.WorkerId{ComponentId: "comp", Name: "w"}}
	rs := replay.NewState(types.NONE)
	return New(owner, store, rs), store, rs, owner
}

func TestAddAssignsMonotoneIdsInLiveMode(t *testing.T) {
	s, _, _, _ := newTestFixture(t)

	id1, err := s.Add([]byte("one"))
	require.NoError(t, err)
	id2, err := s.Add([]byte("two"))
	require.NoError(t, err)

	assert.Equal(t, types.WorkerResourceId(1), id1)
	assert.Equal(t, types.WorkerResourceId(2), id2)
	assert.Equal(t, types.WorkerResourceId(2), s.LastResourceID())
}

func TestAddJournalsCreateResourceInLiveMode(t *testing.T) {
	s, store, _, owner := newTestFixture(t)

	id, err := s.Add([]byte("payload"))
	require.NoError(t, err)

	entries, err := store.Read(owner, types.INITIAL, 1)
	require.NoError(t, err)
	entry := entries[types.INITIAL]
	assert.Equal(t, types.EntryCreateResource, entry.Kind)
	assert.Equal(t, id, entry.ResourceId)
}

func TestGetRemovesResourceAndDropsId(t *testing.T) {
	s, _, _, _ := newTestFixture(t)

	id, err := s.Add([]byte("payload"))
	require.NoError(t, err)

	v, ok, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "payload", string(v))

	_, ok, err = s.Get(id)
	require.NoError(t, err)
	assert.False(t, ok, "an id must not be retrievable twice")
}

func TestBorrowDoesNotConsume(t *testing.T) {
	s, _, _, _ := newTestFixture(t)
	id, err := s.Add([]byte("payload"))
	require.NoError(t, err)

	v, ok := s.Borrow(id)
	assert.True(t, ok)
	assert.Equal(t, "payload", string(v))

	v, ok = s.Borrow(id)
	assert.True(t, ok, "Borrow must not remove the resource")
	assert.Equal(t, "payload", string(v))
}

func TestIndexedResourceBindAndLookup(t *testing.T) {
	s, _, _, _ := newTestFixture(t)
	id, err := s.Add([]byte("payload"))
	require.NoError(t, err)

	key := types.IndexedResourceKey{ResourceName: "counter", Params: []string{"a"}}
	require.NoError(t, s.StoreIndexedResource(key, id))

	got, ok := s.GetIndexedResource(key)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	s.DropIndexedResource(key)
	_, ok = s.GetIndexedResource(key)
	assert.False(t, ok)
}

func TestCurrentIdempotencyKeyLifecycle(t *testing.T) {
	s, _, _, _ := newTestFixture(t)

	_, ok := s.GetCurrentIdempotencyKey()
	assert.False(t, ok)

	key := types.IdempotencyKey{1, 2, 3}
	s.SetCurrentIdempotencyKey(key)

	got, ok := s.GetCurrentIdempotencyKey()
	assert.True(t, ok)
	assert.Equal(t, key, got)

	s.ClearCurrentIdempotencyKey()
	_, ok = s.GetCurrentIdempotencyKey()
	assert.False(t, ok)
}

func TestReplayModeConsumesMatchingOplogEntries(t *testing.T) {
	store, err := oplog.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	owner := types.OwnedWorkerId{AccountId: "acct", WorkerId: types.WorkerId{ComponentId: "comp", Name: "w"}}

	_, err = store.AddAndCommit(owner, types.OplogEntry{Kind: types.EntryCreateResource, ResourceId: 7})
	require.NoError(t, err)
	_, err = store.AddAndCommit(owner, types.OplogEntry{Kind: types.EntryDropResource, ResourceId: 7})
	require.NoError(t, err)

	last, err := store.GetLastIndex(owner)
	require.NoError(t, err)

	rs := replay.NewState(last)
	s := New(owner, store, rs)

	id, err := s.Add([]byte("whatever"))
	require.NoError(t, err)
	assert.Equal(t, types.WorkerResourceId(7), id, "replay must recover the authoritative id from the oplog, not recompute one")

	_, ok, err := s.Get(id)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, types.NONE, rs.GetNextEntry(), "no entries remain after both are consumed")
	assert.True(t, rs.IsLive(), "cursor must flip live once it advances past both consumed entries")
}

func TestOwnedResourcesSnapshot(t *testing.T) {
	s, _, _, _ := newTestFixture(t)
	id, err := s.Add([]byte("payload"))
	require.NoError(t, err)

	key := types.IndexedResourceKey{ResourceName: "counter"}
	require.NoError(t, s.StoreIndexedResource(key, id))

	snapshot := s.OwnedResources()
	require.Contains(t, snapshot, id)
	require.NotNil(t, snapshot[id])
	assert.Equal(t, key, *snapshot[id])
}
