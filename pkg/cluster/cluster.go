// Package cluster implements the shard coordinator backing the
// Scheduler's shard-assignment concept and the InvalidShardId error
// (spec.md §7): a raft-replicated map from shard id to owning node.
// Grounded near-verbatim on pkg/manager/manager.go (Bootstrap, Join,
// tuned raft timeouts, Apply) and pkg/manager/fsm.go (Command, Snapshot,
// Restore), generalized from cluster-entity CRUD to shard ownership.
package cluster

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/log"
	"github.com/cuemby/durablewasm/pkg/metrics"
)

// Command is the tagged-union wire format of every raft-replicated
// mutation, mirroring the teacher's Command{Op, Data}.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opAssignShard  = "assign_shard"
	opReleaseShard = "release_shard"
)

type assignShardData struct {
	ShardId string `json:"shard_id"`
	NodeId  string `json:"node_id"`
}

type releaseShardData struct {
	ShardId string `json:"shard_id"`
}

// FSM is the raft finite state machine holding shard -> owning-node
// assignments. Grounded on WarrenFSM's Apply/Snapshot/Restore shape.
type FSM struct {
	mu          sync.RWMutex
	assignments map[string]string
}

func newFSM() *FSM {
	return &FSM{assignments: make(map[string]string)}
}

func (f *FSM) Apply(l *raft.Log) interface{} {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClusterApplyDuration)

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return errors.Wrap(err, "decoding raft command")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAssignShard:
		var d assignShardData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return errors.Wrap(err, "decoding assign_shard command")
		}
		f.assignments[d.ShardId] = d.NodeId
		return nil
	case opReleaseShard:
		var d releaseShardData
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return errors.Wrap(err, "decoding release_shard command")
		}
		delete(f.assignments, d.ShardId)
		return nil
	default:
		return errors.Errorf("unknown cluster command op %q", cmd.Op)
	}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := make(map[string]string, len(f.assignments))
	for k, v := range f.assignments {
		snap[k] = v
	}
	return &fsmSnapshot{assignments: snap}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var assignments map[string]string
	if err := json.NewDecoder(rc).Decode(&assignments); err != nil {
		return errors.Wrap(err, "decoding cluster snapshot")
	}
	f.mu.Lock()
	f.assignments = assignments
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	assignments map[string]string
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := json.NewEncoder(sink).Encode(s.assignments)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Cluster wraps a raft.Raft instance replicating shard ownership across
// the process fleet.
type Cluster struct {
	nodeID string
	raft   *raft.Raft
	fsm    *FSM
	logger zerolog.Logger
}

// Config configures Bootstrap/Join.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	JoinAddr string // empty if this node is bootstrapping a new cluster
}

// Bootstrap starts (or joins) a raft cluster at cfg.DataDir, the same
// sequential setup-step shape as Manager.Bootstrap: open the bolt log
// store, the snapshot store, the TCP transport, then either bootstrap a
// single-node cluster or rely on the caller to issue Join against the
// leader.
func Bootstrap(cfg Config) (*Cluster, error) {
	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0700); err != nil {
		return nil, errors.Wrap(err, "creating raft data dir")
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 1 * time.Second
	raftConfig.ElectionTimeout = 1 * time.Second
	raftConfig.LeaderLeaseTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 200 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving raft bind address")
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "creating raft transport")
	}

	snapshots, err := raft.NewFileSnapshotStore(raftDir, 2, os.Stderr)
	if err != nil {
		return nil, errors.Wrap(err, "creating raft snapshot store")
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-log.bolt"))
	if err != nil {
		return nil, errors.Wrap(err, "creating raft log store")
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(raftDir, "raft-stable.bolt"))
	if err != nil {
		return nil, errors.Wrap(err, "creating raft stable store")
	}

	fsm := newFSM()
	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, errors.Wrap(err, "starting raft node")
	}

	if cfg.JoinAddr == "" {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
		if err != nil {
			return nil, errors.Wrap(err, "checking existing raft state")
		}
		if !hasState {
			r.BootstrapCluster(raft.Configuration{
				Servers: []raft.Server{
					{ID: raftConfig.LocalID, Address: transport.LocalAddr()},
				},
			})
		}
	}

	return &Cluster{
		nodeID: cfg.NodeID,
		raft:   r,
		fsm:    fsm,
		logger: log.WithShard(cfg.NodeID),
	}, nil
}

// Join adds a voting peer to the cluster; callers issue this against the
// current leader after a new node's Bootstrap has started listening.
func (c *Cluster) Join(nodeID, addr string) error {
	if c.raft.State() != raft.Leader {
		return errors.New("join must be issued against the raft leader")
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	if err := future.Error(); err != nil {
		return err
	}
	c.logger.Info().Str("joined_node", nodeID).Str("addr", addr).Msg("node joined cluster")
	return nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// AssignShard replicates a shard -> node ownership assignment. Must be
// called on the leader.
func (c *Cluster) AssignShard(shardID, nodeID string) error {
	data, err := json.Marshal(assignShardData{ShardId: shardID, NodeId: nodeID})
	if err != nil {
		return err
	}
	if err := c.apply(Command{Op: opAssignShard, Data: data}); err != nil {
		return err
	}
	c.logger.Debug().Str("shard_id", shardID).Str("node_id", nodeID).Msg("shard assigned")
	return nil
}

// ReleaseShard removes a shard's ownership assignment.
func (c *Cluster) ReleaseShard(shardID string) error {
	data, err := json.Marshal(releaseShardData{ShardId: shardID})
	if err != nil {
		return err
	}
	return c.apply(Command{Op: opReleaseShard, Data: data})
}

func (c *Cluster) apply(cmd Command) error {
	if c.raft.State() != raft.Leader {
		return errors.New("cluster command issued against a non-leader node")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := c.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return err
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

// ShardOwner returns the node currently owning shardID.
func (c *Cluster) ShardOwner(shardID string) (string, error) {
	c.fsm.mu.RLock()
	defer c.fsm.mu.RUnlock()
	nodeID, ok := c.fsm.assignments[shardID]
	if !ok {
		validIDs := make([]string, 0, len(c.fsm.assignments))
		for id := range c.fsm.assignments {
			validIDs = append(validIDs, id)
		}
		return "", errs.InvalidShardId(shardID, validIDs)
	}
	return nodeID, nil
}

// Shutdown stops the local raft node; it does not remove this node from
// the cluster configuration.
func (c *Cluster) Shutdown() error {
	return c.raft.Shutdown().Error()
}
