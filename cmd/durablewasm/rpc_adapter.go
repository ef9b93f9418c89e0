package main

import (
	"context"
	"hash/fnv"

	"github.com/cuemby/durablewasm/pkg/cluster"
	"github.com/cuemby/durablewasm/pkg/engine"
	"github.com/cuemby/durablewasm/pkg/errs"
	"github.com/cuemby/durablewasm/pkg/rpc"
	"github.com/cuemby/durablewasm/pkg/runtime"
	"github.com/cuemby/durablewasm/pkg/types"
)

// workerProxyServer adapts Engine to rpc.WorkerProxyServer: a worker's
// owning shard is resolved from the cluster coordinator (when one is
// running) before the call is served locally. Forwarding to the owning
// node is left to the caller's rpc.Client dial against that node's own
// WorkerProxy address; this node only needs to refuse work it doesn't own.
type workerProxyServer struct {
	engine     *engine.Engine
	cluster    *cluster.Cluster
	selfNodeID string
}

func shardFor(owner types.OwnedWorkerId) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner.String()))
	return shardName(int(h.Sum32() % defaultShardCount))
}

func (s *workerProxyServer) checkOwnership(owner types.OwnedWorkerId) error {
	if s.cluster == nil {
		return nil
	}
	shardID := shardFor(owner)
	ownerNode, err := s.cluster.ShardOwner(shardID)
	if err != nil {
		return err
	}
	if ownerNode != s.selfNodeID {
		return errs.WorkerProxyUnreachable("worker's shard " + shardID + " is owned by " + ownerNode + ", not " + s.selfNodeID)
	}
	return nil
}

func (s *workerProxyServer) Invoke(ctx context.Context, args rpc.InvokeArgs) (rpc.InvokeReply, error) {
	if err := s.checkOwnership(args.Owner); err != nil {
		return rpc.InvokeReply{}, err
	}
	output, err := s.engine.Invoke(ctx, args.Owner, args.FunctionName, args.Args, args.IdempotencyKey)
	if err != nil {
		return rpc.InvokeReply{Succeeded: false, ErrorMsg: err.Error()}, nil
	}
	return rpc.InvokeReply{Succeeded: true, Output: output}, nil
}

func (s *workerProxyServer) Interrupt(ctx context.Context, owner types.OwnedWorkerId, kind string) error {
	if err := s.checkOwnership(owner); err != nil {
		return err
	}
	return s.engine.Interrupt(owner, runtime.InterruptKind(kind))
}
