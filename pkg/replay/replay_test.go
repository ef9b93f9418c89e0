package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/durablewasm/pkg/types"
)

func TestNewStateEmptyOplogStartsLive(t *testing.T) {
	s := NewState(types.NONE)
	assert.True(t, s.IsLive())
	assert.False(t, s.IsReplay())
}

func TestNewStateNonEmptyOplogStartsReplay(t *testing.T) {
	s := NewState(types.OplogIndex(5))
	assert.True(t, s.IsReplay())
	assert.False(t, s.IsLive())
}

func TestGetNextEntryAdvancesAndFlipsToLive(t *testing.T) {
	s := NewState(types.OplogIndex(2))

	idx := s.GetNextEntry()
	assert.Equal(t, types.OplogIndex(1), idx)
	assert.True(t, s.IsReplay())

	idx = s.GetNextEntry()
	assert.Equal(t, types.OplogIndex(2), idx)

	idx = s.GetNextEntry()
	assert.Equal(t, types.NONE, idx, "cursor must flip live once it passes the replay target")
	assert.True(t, s.IsLive())
}

func TestGetNextEntrySkipsDeletedRegions(t *testing.T) {
	s := NewState(types.OplogIndex(5))
	s.AddDeletedRegion(types.DeletedRegion{Start: 2, End: 4})

	assert.Equal(t, types.OplogIndex(1), s.GetNextEntry())
	assert.Equal(t, types.OplogIndex(4), s.GetNextEntry(), "indices 2 and 3 must be skipped")
	assert.Equal(t, types.OplogIndex(5), s.GetNextEntry())
	assert.Equal(t, types.NONE, s.GetNextEntry())
}

func TestGetNextEntryLiveModeAlwaysReturnsNone(t *testing.T) {
	s := NewState(types.NONE)
	assert.Equal(t, types.NONE, s.GetNextEntry())
}

func TestSwitchToLiveIsImmediate(t *testing.T) {
	s := NewState(types.OplogIndex(10))
	require := assert.New(t)
	require.True(s.IsReplay())
	s.SwitchToLive()
	require.True(s.IsLive())
	require.Equal(types.NONE, s.GetNextEntry())
}

func TestSeenLogIndexAndConsume(t *testing.T) {
	s := NewState(types.OplogIndex(1))

	seen, _ := s.SeenLog(types.LogLevelInfo, "ctx", "msg")
	assert.False(t, seen)

	s.IndexLog(types.LogLevelInfo, "ctx", "msg", types.OplogIndex(3))
	seen, idx := s.SeenLog(types.LogLevelInfo, "ctx", "msg")
	assert.True(t, seen)
	assert.Equal(t, types.OplogIndex(3), idx)

	s.ConsumeSeenLog(types.LogLevelInfo, "ctx", "msg")
	seen, _ = s.SeenLog(types.LogLevelInfo, "ctx", "msg")
	assert.False(t, seen)
}

func TestDeletedRegionsReturnsCopy(t *testing.T) {
	s := NewState(types.OplogIndex(10))
	s.AddDeletedRegion(types.DeletedRegion{Start: 1, End: 2})

	regions := s.DeletedRegions()
	require := assert.New(t)
	require.Len(regions, 1)

	regions[0].Start = 99
	assert.Equal(t, types.OplogIndex(1), s.DeletedRegions()[0].Start, "mutating the returned slice must not affect internal state")
}

func TestLookupOplogEntryFindsFirstMatch(t *testing.T) {
	entries := map[types.OplogIndex]types.OplogEntry{
		1: {Kind: types.EntryCreate},
		2: {Kind: types.EntryExportedFunctionInvoked, FunctionName: "run"},
		3: {Kind: types.EntryExportedFunctionInvoked, FunctionName: "other"},
	}

	idx, entry, found := LookupOplogEntry(entries, types.INITIAL, func(_ types.OplogIndex, e types.OplogEntry) bool {
		return e.Kind == types.EntryExportedFunctionInvoked
	})
	assert.True(t, found)
	assert.Equal(t, types.OplogIndex(2), idx)
	assert.Equal(t, "run", entry.FunctionName)
}

func TestLookupOplogEntryNotFound(t *testing.T) {
	entries := map[types.OplogIndex]types.OplogEntry{1: {Kind: types.EntryCreate}}
	_, _, found := LookupOplogEntry(entries, types.INITIAL, func(_ types.OplogIndex, e types.OplogEntry) bool {
		return e.Kind == types.EntryExited
	})
	assert.False(t, found)
}

func TestLookupOplogEntryWithConditionAbortsEarly(t *testing.T) {
	entries := map[types.OplogIndex]types.OplogEntry{
		1: {Kind: types.EntryBeginRemoteWrite},
		2: {Kind: types.EntryCreateResource},
		3: {Kind: types.EntryEndRemoteWrite},
	}

	_, _, found := LookupOplogEntryWithCondition(entries, types.INITIAL,
		func(_ types.OplogIndex, e types.OplogEntry) bool { return e.Kind == types.EntryEndRemoteWrite },
		func(_ types.OplogIndex, e types.OplogEntry) bool { return e.Kind == types.EntryCreateResource },
	)
	assert.False(t, found, "the abort predicate at index 2 must stop the scan before reaching EndRemoteWrite")
}
