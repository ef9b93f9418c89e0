package cluster

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshotSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *fakeSnapshotSink) ID() string     { return "snap-1" }
func (s *fakeSnapshotSink) Cancel() error  { s.cancelled = true; return nil }
func (s *fakeSnapshotSink) Close() error   { return nil }

func applyCommand(t *testing.T, fsm *FSM, cmd Command) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: data})
}

func TestApplyAssignShard(t *testing.T) {
	fsm := newFSM()
	data, err := json.Marshal(assignShardData{ShardId: "shard-1", NodeId: "node-a"})
	require.NoError(t, err)

	result := applyCommand(t, fsm, Command{Op: opAssignShard, Data: data})
	assert.Nil(t, result)
	assert.Equal(t, "node-a", fsm.assignments["shard-1"])
}

func TestApplyReleaseShard(t *testing.T) {
	fsm := newFSM()
	fsm.assignments["shard-1"] = "node-a"

	data, err := json.Marshal(releaseShardData{ShardId: "shard-1"})
	require.NoError(t, err)
	result := applyCommand(t, fsm, Command{Op: opReleaseShard, Data: data})
	assert.Nil(t, result)
	assert.NotContains(t, fsm.assignments, "shard-1")
}

func TestApplyUnknownOpReturnsError(t *testing.T) {
	fsm := newFSM()
	result := applyCommand(t, fsm, Command{Op: "bogus", Data: json.RawMessage("{}")})
	assert.Error(t, result.(error))
}

func TestApplyMalformedLogReturnsError(t *testing.T) {
	fsm := newFSM()
	result := fsm.Apply(&raft.Log{Data: []byte("not json")})
	assert.Error(t, result.(error))
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	fsm := newFSM()
	fsm.assignments["shard-1"] = "node-a"
	fsm.assignments["shard-2"] = "node-b"

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	sink := &fakeSnapshotSink{}
	require.NoError(t, snap.Persist(sink))

	restored := newFSM()
	require.NoError(t, restored.Restore(&nopReadCloser{Buffer: &sink.Buffer}))

	assert.Equal(t, fsm.assignments, restored.assignments)
}

type nopReadCloser struct {
	*bytes.Buffer
}

func (nopReadCloser) Close() error { return nil }
