package durability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/durablewasm/pkg/oplog"
	"github.com/cuemby/durablewasm/pkg/replay"
	"github.com/cuemby/durablewasm/pkg/types"
)

func newTestGateway(t *testing.T, level types.PersistenceLevel) (*Gateway, oplog.Store, *replay.State, types.OwnedWorkerId) {
	t.Helper()
	store, err := oplog.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	owner := types.OwnedWorkerId{AccountId: "acct", WorkerId: types.WorkerId{ComponentId: "comp", Name: "w"}}
	rs := replay.NewState(types.NONE)
	return New(owner, store, rs, level), store, rs, owner
}

func TestPerformPersistNothingSkipsJournal(t *testing.T) {
	g, store, _, owner := newTestGateway(t, types.PersistNothing)

	called := false
	result, err := g.Perform(types.DurableFunctionType{Kind: types.WriteLocal}, []byte("req"), false, func() ([]byte, error) {
		called = true
		return []byte("res"), nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "res", string(result))

	last, err := store.GetLastIndex(owner)
	require.NoError(t, err)
	assert.Equal(t, types.NONE, last)
}

func TestPerformRemoteSideEffectsOnlySkipsLocalCalls(t *testing.T) {
	g, store, _, owner := newTestGateway(t, types.PersistRemoteSideEffects)

	_, err := g.Perform(types.DurableFunctionType{Kind: types.ReadLocal}, nil, false, func() ([]byte, error) {
		return []byte("local"), nil
	})
	require.NoError(t, err)
	last, err := store.GetLastIndex(owner)
	require.NoError(t, err)
	assert.Equal(t, types.NONE, last, "local calls must not be journaled under PersistRemoteSideEffects")

	_, err = g.Perform(types.DurableFunctionType{Kind: types.ReadRemote}, nil, false, func() ([]byte, error) {
		return []byte("remote"), nil
	})
	require.NoError(t, err)
	last, err = store.GetLastIndex(owner)
	require.NoError(t, err)
	assert.NotEqual(t, types.NONE, last, "remote calls must still be journaled")
}

func TestPerformSmartJournalsImportedFunctionInvoked(t *testing.T) {
	g, store, _, owner := newTestGateway(t, types.PersistSmart)

	result, err := g.Perform(types.DurableFunctionType{Kind: types.ReadRemote}, []byte("req"), false, func() ([]byte, error) {
		return []byte("res"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "res", string(result))

	entries, err := store.Read(owner, types.INITIAL, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[types.INITIAL]
	assert.Equal(t, types.EntryImportedFunctionInvoked, entry.Kind)

	data, err := store.(oplog.PayloadStore).Download(entry.ResponsePayloadRef)
	require.NoError(t, err)
	assert.Equal(t, "res", string(data))
}

func TestPerformReplayModeReturnsJournaledResult(t *testing.T) {
	store, err := oplog.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	owner := types.OwnedWorkerId{AccountId: "acct", WorkerId: types.WorkerId{ComponentId: "comp", Name: "w"}}

	live := New(owner, store, replay.NewState(types.NONE), types.PersistSmart)
	_, err = live.Perform(types.DurableFunctionType{Kind: types.ReadRemote}, []byte("req"), false, func() ([]byte, error) {
		return []byte("journaled-result"), nil
	})
	require.NoError(t, err)

	last, err := store.GetLastIndex(owner)
	require.NoError(t, err)

	rs := replay.NewState(last)
	replayed := New(owner, store, rs, types.PersistSmart)

	calledAgain := false
	result, err := replayed.Perform(types.DurableFunctionType{Kind: types.ReadRemote}, []byte("req"), false, func() ([]byte, error) {
		calledAgain = true
		return []byte("should not run"), nil
	})
	require.NoError(t, err)
	assert.False(t, calledAgain, "replay must not re-execute the host call")
	assert.Equal(t, "journaled-result", string(result))
}

func TestBeginEndCallSnapshottingFunctionForcesPersistNothing(t *testing.T) {
	g, store, _, owner := newTestGateway(t, types.PersistSmart)

	g.BeginCallSnapshottingFunction()
	assert.True(t, g.InSnapshottingMode())

	_, err := g.Perform(types.DurableFunctionType{Kind: types.ReadRemote}, nil, false, func() ([]byte, error) {
		return []byte("x"), nil
	})
	require.NoError(t, err)
	last, err := store.GetLastIndex(owner)
	require.NoError(t, err)
	assert.Equal(t, types.NONE, last, "a call inside a snapshotting region must not be journaled")

	g.EndCallSnapshottingFunction()
	assert.False(t, g.InSnapshottingMode())
}

func TestLogLiveJournalsAndIndexes(t *testing.T) {
	g, store, rs, owner := newTestGateway(t, types.PersistSmart)

	emitted, replayed, err := g.Log(types.LogLevelInfo, "ctx", "hello")
	require.NoError(t, err)
	assert.True(t, emitted)
	assert.False(t, replayed)

	entries, err := store.Read(owner, types.INITIAL, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.EntryLog, entries[types.INITIAL].Kind)

	seen, _ := rs.SeenLog(types.LogLevelInfo, "ctx", "hello")
	assert.True(t, seen)
}

func TestLogReplaySuppressesUnseenAndEmitsSeen(t *testing.T) {
	rs := replay.NewState(types.OplogIndex(3))
	store, err := oplog.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	owner := types.OwnedWorkerId{AccountId: "acct", WorkerId: types.WorkerId{ComponentId: "comp", Name: "w"}}
	g := New(owner, store, rs, types.PersistSmart)

	emitted, _, err := g.Log(types.LogLevelInfo, "ctx", "never indexed")
	require.NoError(t, err)
	assert.False(t, emitted, "an unindexed log triple must be suppressed during replay")

	rs.IndexLog(types.LogLevelInfo, "ctx", "known", types.OplogIndex(1))
	emitted, replayed, err := g.Log(types.LogLevelInfo, "ctx", "known")
	require.NoError(t, err)
	assert.True(t, emitted)
	assert.True(t, replayed)
}
